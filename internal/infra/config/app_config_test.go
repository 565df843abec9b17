package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

const sampleYAML = `
environment: PROD
gateway:
  name: shop
  confirmationsRequired: 2
  defaultCurrency: usd
  batchSize: 3
  dispatchTimeout: 5s
  addresses: [bc1qone, bc1qtwo]
providers:
  blockchain:
    - name: Insight
      type: INSIGHT
      baseURL: " https://insight.example/api "
      timeout: 2s
      requestsPerSecond: 5
    - type: esplora
      baseURL: https://blockstream.info/api
      websocketURL: wss://mempool.space/api/v1/ws
  exchangeRates:
    - type: bitpay
    - name: fallback
      type: static
      rates: {USD: "450.5412"}
  forex:
    - type: fixer
      apiKey: secret
rates:
  ttl: 10m
  redisAddr: localhost:6379
watcher:
  workers: 8
  checkDuration: 300s
http:
  addr: ":9000"
database:
  dsn: postgres://localhost/paywatch
`

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, "shop", cfg.Gateway.Name)
	require.Equal(t, "USD", cfg.Gateway.DefaultCurrency)
	require.Equal(t, int64(2), cfg.Gateway.ConfirmationsRequired)
	require.Equal(t, 5*time.Second, cfg.Gateway.DispatchTimeout)
	require.Equal(t, []string{"bc1qone", "bc1qtwo"}, cfg.Gateway.Addresses)

	require.Len(t, cfg.Providers.Blockchain, 2)
	insight := cfg.Providers.Blockchain[0]
	require.Equal(t, ProviderInsight, insight.Type)
	require.Equal(t, "https://insight.example/api", insight.BaseURL)
	opts := insight.ClientOptions()
	require.Equal(t, "Insight", opts.Provider)
	require.Equal(t, 2*time.Second, opts.Timeout)
	require.Equal(t, float64(5), opts.RequestsPerSecond)
	require.Equal(t, "esplora", cfg.Providers.Blockchain[1].Name)
	require.Equal(t, "wss://mempool.space/api/v1/ws", cfg.Providers.Blockchain[1].WebsocketURL)
	require.Equal(t, "450.5412", cfg.Providers.ExchangeRates[1].Rates["USD"])
	require.Equal(t, "secret", cfg.Providers.Forex[0].APIKey)

	require.Equal(t, 10*time.Minute, cfg.Rates.TTL)
	require.Equal(t, "paywatch:", cfg.Rates.RedisPrefix)
	require.Equal(t, 8, cfg.Watcher.Workers)
	require.Equal(t, 300*time.Second, cfg.Watcher.CheckDuration)
	require.Equal(t, ":9000", cfg.HTTP.Addr)
	require.Equal(t, int32(16), cfg.Database.MaxConns)
	require.Equal(t, "paywatch", cfg.Telemetry.ServiceName)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	t.Setenv("PAYWATCH_ADDRESSES", "bc1qenv1, bc1qenv2,")
	t.Setenv("PAYWATCH_HTTP_ADDR", ":7000")

	cfg, fromFile, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.False(t, fromFile)
	require.Equal(t, []string{"bc1qenv1", "bc1qenv2"}, cfg.Gateway.Addresses)
	require.Equal(t, ":7000", cfg.HTTP.Addr)
	require.Equal(t, "BTC", cfg.Gateway.DefaultCurrency)
	require.Len(t, cfg.Providers.Blockchain, 2)
}

func TestLoadOrDefaultPropagatesParseErrors(t *testing.T) {
	path := writeConfig(t, "gateway: [not, a, map]")
	_, _, err := LoadOrDefault(context.Background(), path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Addresses = []string{"bc1q"}
	out, err := finalise(cfg, envMap(map[string]string{
		"PAYWATCH_ENV":                    "Staging",
		"PAYWATCH_TEST_MODE":              "true",
		"PAYWATCH_TEST_ADDRESSES":         "tb1q",
		"PAYWATCH_CONFIRMATIONS_REQUIRED": "3",
		"PAYWATCH_DISPATCH_TIMEOUT":       "2s",
		"PAYWATCH_CHECK_DURATION":         "1m",
		"PAYWATCH_DATABASE_DSN":           "postgres://db/paywatch",
	}))
	require.NoError(t, err)
	require.Equal(t, EnvStaging, out.Environment)
	require.True(t, out.Gateway.TestMode)
	require.Equal(t, []string{"tb1q"}, out.Gateway.TestAddresses)
	require.Equal(t, int64(3), out.Gateway.ConfirmationsRequired)
	require.Equal(t, 2*time.Second, out.Gateway.DispatchTimeout)
	require.Equal(t, time.Minute, out.Watcher.CheckDuration)
	require.Equal(t, "postgres://db/paywatch", out.Database.DSN)
}

func TestEnvOverrideParseErrors(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Addresses = []string{"bc1q"}
	_, err := finalise(cfg, envMap(map[string]string{
		"PAYWATCH_TEST_MODE":        "maybe",
		"PAYWATCH_DISPATCH_TIMEOUT": "soon",
	}))
	require.ErrorContains(t, err, "PAYWATCH_TEST_MODE")
	require.ErrorContains(t, err, "PAYWATCH_DISPATCH_TIMEOUT")
}

func TestValidate(t *testing.T) {
	valid := func() AppConfig {
		cfg := Default()
		cfg.Gateway.Addresses = []string{"bc1q"}
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*AppConfig){
		"environment":      func(c *AppConfig) { c.Environment = "qa" },
		"addresses":        func(c *AppConfig) { c.Gateway.Addresses = nil },
		"test addresses":   func(c *AppConfig) { c.Gateway.TestMode = true },
		"no blockchain":    func(c *AppConfig) { c.Providers.Blockchain = nil },
		"bad type":         func(c *AppConfig) { c.Providers.Blockchain[0].Type = ProviderBitpay },
		"missing base url": func(c *AppConfig) { c.Providers.Blockchain[0].BaseURL = "" },
		"duplicate name":   func(c *AppConfig) { c.Providers.Blockchain[1].Name = "Blockstream" },
		"static no rates":  func(c *AppConfig) { c.Providers.Forex[0].Type = ProviderStatic },
		"fiat without rates": func(c *AppConfig) {
			c.Gateway.DefaultCurrency = "USD"
			c.Providers.ExchangeRates = nil
		},
		"confirmations": func(c *AppConfig) { c.Gateway.ConfirmationsRequired = -1 },
		"http addr":     func(c *AppConfig) { c.HTTP.Addr = "" },
		"database": func(c *AppConfig) {
			c.Database.DSN = "postgres://x"
			c.Database.MinConns = 40
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestDefaultIsNormalised(t *testing.T) {
	cfg, err := finalise(Default(), envMap(map[string]string{"PAYWATCH_ADDRESSES": "bc1q"}))
	require.NoError(t, err)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, ProviderEsplora, cfg.Providers.Blockchain[0].Type)
	_, err = finalise(Default(), noEnv)
	require.ErrorContains(t, err, "addresses")
}
