// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "PAYWATCH_"

// GatewayConfig carries the gateway behaviour settings.
type GatewayConfig struct {
	Name                  string        `yaml:"name"`
	ConfirmationsRequired int64         `yaml:"confirmationsRequired"`
	DefaultCurrency       string        `yaml:"defaultCurrency"`
	DonationMode          bool          `yaml:"donationMode"`
	TestMode              bool          `yaml:"testMode"`
	BatchSize             int           `yaml:"batchSize"`
	DispatchTimeout       time.Duration `yaml:"dispatchTimeout"`
	// ScheduleScript optionally points at a JavaScript file defining schedule(period, iteration).
	ScheduleScript string   `yaml:"scheduleScript"`
	Addresses      []string `yaml:"addresses"`
	TestAddresses  []string `yaml:"testAddresses"`
}

// RatesConfig controls the exchange-rate table cache.
type RatesConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	RedisAddr   string        `yaml:"redisAddr"`
	RedisDB     int           `yaml:"redisDB"`
	RedisPrefix string        `yaml:"redisPrefix"`
}

// WatcherConfig sizes the status check pool.
type WatcherConfig struct {
	Workers       int           `yaml:"workers"`
	Queue         int           `yaml:"queue"`
	CheckDuration time.Duration `yaml:"checkDuration"`
}

// HTTPConfig configures the JSON API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	ServiceName    string        `yaml:"serviceName"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// LogConfig selects the structured logger output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
// An empty DSN keeps orders in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"maxConns"`
	MinConns        int32         `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	RunMigrations   bool          `yaml:"runMigrations"`
	MigrationsPath  string        `yaml:"migrationsPath"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	c.MigrationsPath = strings.TrimSpace(c.MigrationsPath)
}

func (c DatabaseConfig) validate() error {
	if c.DSN == "" {
		return nil
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be between 0 and maxConns")
	}
	return nil
}

// AppConfig is the unified paywatch configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Gateway     GatewayConfig   `yaml:"gateway"`
	Providers   ProvidersConfig `yaml:"providers"`
	Rates       RatesConfig     `yaml:"rates"`
	Watcher     WatcherConfig   `yaml:"watcher"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Log         LogConfig       `yaml:"log"`
	Database    DatabaseConfig  `yaml:"database"`
}

// Default returns a development configuration backed by public Blockstream and BitPay endpoints.
// It has no receiving addresses; supply them through PAYWATCH_ADDRESSES.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Gateway: GatewayConfig{
			Name:                  "paywatch",
			ConfirmationsRequired: 0,
			DefaultCurrency:       "BTC",
		},
		Providers: ProvidersConfig{
			Blockchain: []ProviderConfig{
				{Name: "blockstream", Type: ProviderEsplora, BaseURL: "https://blockstream.info/api"},
				{Name: "mempool", Type: ProviderEsplora, BaseURL: "https://mempool.space/api"},
			},
			TestBlockchain: []ProviderConfig{
				{Name: "blockstream-testnet", Type: ProviderEsplora, BaseURL: "https://blockstream.info/testnet/api"},
			},
			ExchangeRates: []ProviderConfig{
				{Name: "bitpay", Type: ProviderBitpay},
			},
			Forex: []ProviderConfig{
				{Name: "fixer", Type: ProviderFixer},
			},
		},
		HTTP:      HTTPConfig{Addr: ":8880"},
		Telemetry: TelemetryConfig{ServiceName: "paywatch"},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads, overrides from the environment and validates an AppConfig from the YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finalise(cfg, os.LookupEnv)
}

// LoadOrDefault loads configPath or falls back to Default when the file does not exist.
// The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg, err = finalise(Default(), os.LookupEnv)
	return cfg, false, err
}

func finalise(cfg AppConfig, lookup func(string) (string, bool)) (AppConfig, error) {
	if err := cfg.applyEnv(lookup); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// applyEnv overrides scalar settings from PAYWATCH_* variables.
func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = parsed
		return nil
	}
	integer := func(key string, dst *int64) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = parsed
		return nil
	}
	list := func(key string, dst *[]string) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
	duration := func(key string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = parsed
		return nil
	}

	var env string
	str("ENV", &env)
	if env != "" {
		c.Environment = Environment(env)
	}
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("DATABASE_DSN", &c.Database.DSN)
	str("REDIS_ADDR", &c.Rates.RedisAddr)
	str("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("DEFAULT_CURRENCY", &c.Gateway.DefaultCurrency)
	str("SCHEDULE_SCRIPT", &c.Gateway.ScheduleScript)
	list("ADDRESSES", &c.Gateway.Addresses)
	list("TEST_ADDRESSES", &c.Gateway.TestAddresses)

	return errors.Join(
		boolean("TEST_MODE", &c.Gateway.TestMode),
		boolean("DONATION_MODE", &c.Gateway.DonationMode),
		boolean("RUN_MIGRATIONS", &c.Database.RunMigrations),
		integer("CONFIRMATIONS_REQUIRED", &c.Gateway.ConfirmationsRequired),
		duration("DISPATCH_TIMEOUT", &c.Gateway.DispatchTimeout),
		duration("RATES_TTL", &c.Rates.TTL),
		duration("CHECK_DURATION", &c.Watcher.CheckDuration),
	)
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normalizeIdentifier(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Gateway.Name = strings.TrimSpace(c.Gateway.Name)
	if c.Gateway.Name == "" {
		c.Gateway.Name = "paywatch"
	}
	c.Gateway.DefaultCurrency = strings.ToUpper(strings.TrimSpace(c.Gateway.DefaultCurrency))
	if c.Gateway.DefaultCurrency == "" {
		c.Gateway.DefaultCurrency = "BTC"
	}
	c.Gateway.ScheduleScript = strings.TrimSpace(c.Gateway.ScheduleScript)
	if c.Gateway.ScheduleScript != "" {
		c.Gateway.ScheduleScript = filepath.Clean(c.Gateway.ScheduleScript)
	}

	c.Providers.normalise()

	c.Rates.RedisAddr = strings.TrimSpace(c.Rates.RedisAddr)
	if c.Rates.RedisPrefix == "" {
		c.Rates.RedisPrefix = "paywatch:"
	}

	c.HTTP.Addr = strings.TrimSpace(c.HTTP.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "paywatch"
	}

	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if c.Gateway.ConfirmationsRequired < 0 {
		return fmt.Errorf("gateway confirmationsRequired must be >=0")
	}
	if c.Gateway.BatchSize < 0 {
		return fmt.Errorf("gateway batchSize must be >=0")
	}
	if c.Gateway.DispatchTimeout < 0 {
		return fmt.Errorf("gateway dispatchTimeout must be >=0")
	}
	if len(c.Gateway.Addresses) == 0 {
		return fmt.Errorf("gateway addresses required")
	}
	if c.Gateway.TestMode && len(c.Gateway.TestAddresses) == 0 {
		return fmt.Errorf("gateway testAddresses required in test mode")
	}
	if err := c.Providers.validate(); err != nil {
		return err
	}
	if c.Gateway.DefaultCurrency != "BTC" && len(c.Providers.ExchangeRates) == 0 {
		return fmt.Errorf("providers.exchangeRates required for default currency %s", c.Gateway.DefaultCurrency)
	}
	if c.Rates.TTL < 0 {
		return fmt.Errorf("rates ttl must be >=0")
	}
	if c.Watcher.Workers < 0 || c.Watcher.Queue < 0 {
		return fmt.Errorf("watcher workers and queue must be >=0")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http addr required")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
