package httpserver

import (
	"net/url"
	"strings"
	"time"

	"github.com/coachpo/paywatch/internal/infra/config"
)

const exportVersion = "1"

const redacted = "***"

// ConfigExport is the running configuration with credentials removed.
type ConfigExport struct {
	Version     string                `json:"version"`
	GeneratedAt time.Time             `json:"generatedAt"`
	Environment string                `json:"environment"`
	Gateway     GatewayExport         `json:"gateway"`
	Providers   map[string][]Provider `json:"providers"`
	Rates       RatesExport           `json:"rates"`
	Watcher     config.WatcherConfig  `json:"watcher"`
	Database    DatabaseExport        `json:"database"`
}

// GatewayExport mirrors config.GatewayConfig plus the live test mode flag.
type GatewayExport struct {
	Name                  string `json:"name"`
	ConfirmationsRequired int64  `json:"confirmationsRequired"`
	DefaultCurrency       string `json:"defaultCurrency"`
	DonationMode          bool   `json:"donationMode"`
	TestMode              bool   `json:"testMode"`
	BatchSize             int    `json:"batchSize"`
	DispatchTimeout       string `json:"dispatchTimeout"`
	Addresses             int    `json:"addresses"`
	TestAddresses         int    `json:"testAddresses"`
}

// Provider is one configured upstream.
type Provider struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	BaseURL string `json:"baseURL,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
}

// RatesExport describes the rate cache.
type RatesExport struct {
	TTL   string `json:"ttl"`
	Cache string `json:"cache"`
}

// DatabaseExport describes order persistence.
type DatabaseExport struct {
	Backend string `json:"backend"`
	DSN     string `json:"dsn,omitempty"`
}

func buildConfigExport(cfg config.AppConfig, testMode bool) ConfigExport {
	out := ConfigExport{
		Version:     exportVersion,
		GeneratedAt: time.Now().UTC(),
		Environment: string(cfg.Environment),
		Gateway: GatewayExport{
			Name:                  cfg.Gateway.Name,
			ConfirmationsRequired: cfg.Gateway.ConfirmationsRequired,
			DefaultCurrency:       cfg.Gateway.DefaultCurrency,
			DonationMode:          cfg.Gateway.DonationMode,
			TestMode:              testMode,
			BatchSize:             cfg.Gateway.BatchSize,
			DispatchTimeout:       cfg.Gateway.DispatchTimeout.String(),
			Addresses:             len(cfg.Gateway.Addresses),
			TestAddresses:         len(cfg.Gateway.TestAddresses),
		},
		Providers: map[string][]Provider{
			"blockchain":     sanitizeProviders(cfg.Providers.Blockchain),
			"testBlockchain": sanitizeProviders(cfg.Providers.TestBlockchain),
			"exchangeRates":  sanitizeProviders(cfg.Providers.ExchangeRates),
			"forex":          sanitizeProviders(cfg.Providers.Forex),
		},
		Rates:   RatesExport{TTL: cfg.Rates.TTL.String(), Cache: "memory"},
		Watcher: cfg.Watcher,
		Database: DatabaseExport{
			Backend: "memory",
		},
	}
	if cfg.Rates.RedisAddr != "" {
		out.Rates.Cache = "redis"
	}
	if cfg.Database.DSN != "" {
		out.Database.Backend = "postgres"
		out.Database.DSN = redactDSN(cfg.Database.DSN)
	}
	return out
}

func sanitizeProviders(list []config.ProviderConfig) []Provider {
	out := make([]Provider, 0, len(list))
	for _, p := range list {
		entry := Provider{Name: p.Name, Type: string(p.Type), BaseURL: p.BaseURL}
		if strings.TrimSpace(p.APIKey) != "" {
			entry.APIKey = redacted
		}
		out = append(out, entry)
	}
	return out
}

// redactDSN hides the password of URL-form DSNs; keyword-form DSNs are hidden entirely.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return redacted
	}
	if parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), redacted)
		}
	}
	return parsed.String()
}
