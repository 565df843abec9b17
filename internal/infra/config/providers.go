package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/paywatch/internal/infra/adapters/shared"
)

// ProviderConfig describes one upstream source.
type ProviderConfig struct {
	Name              string            `yaml:"name"`
	Type              ProviderType      `yaml:"type"`
	BaseURL           string            `yaml:"baseURL"`
	WebsocketURL      string            `yaml:"websocketURL"`
	APIKey            string            `yaml:"apiKey"`
	Timeout           time.Duration     `yaml:"timeout"`
	RequestsPerSecond float64           `yaml:"requestsPerSecond"`
	Burst             int               `yaml:"burst"`
	MaxRetries        int               `yaml:"maxRetries"`
	Rates             map[string]string `yaml:"rates"`
}

// ClientOptions maps the HTTP settings onto the shared adapter client.
func (c ProviderConfig) ClientOptions() shared.ClientOptions {
	return shared.ClientOptions{
		Provider:          c.Name,
		BaseURL:           c.BaseURL,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		MaxRetries:        c.MaxRetries,
	}
}

// ProvidersConfig lists the sources per role in priority order.
type ProvidersConfig struct {
	Blockchain     []ProviderConfig `yaml:"blockchain"`
	TestBlockchain []ProviderConfig `yaml:"testBlockchain"`
	ExchangeRates  []ProviderConfig `yaml:"exchangeRates"`
	Forex          []ProviderConfig `yaml:"forex"`
}

func (c *ProvidersConfig) normalise() {
	for _, list := range []*[]ProviderConfig{&c.Blockchain, &c.TestBlockchain, &c.ExchangeRates, &c.Forex} {
		for i := range *list {
			p := &(*list)[i]
			p.Type = ProviderType(normalizeIdentifier(string(p.Type)))
			p.Name = strings.TrimSpace(p.Name)
			if p.Name == "" {
				p.Name = string(p.Type)
			}
			p.BaseURL = strings.TrimSpace(p.BaseURL)
			p.WebsocketURL = strings.TrimSpace(p.WebsocketURL)
		}
	}
}

func (c ProvidersConfig) validate() error {
	if len(c.Blockchain) == 0 {
		return fmt.Errorf("providers.blockchain requires at least one provider")
	}
	checks := []struct {
		role    string
		list    []ProviderConfig
		allowed []ProviderType
	}{
		{"blockchain", c.Blockchain, []ProviderType{ProviderInsight, ProviderEsplora}},
		{"testBlockchain", c.TestBlockchain, []ProviderType{ProviderInsight, ProviderEsplora}},
		{"exchangeRates", c.ExchangeRates, []ProviderType{ProviderBitpay, ProviderStatic}},
		{"forex", c.Forex, []ProviderType{ProviderFixer, ProviderStatic}},
	}
	for _, check := range checks {
		seen := make(map[string]struct{}, len(check.list))
		for i, p := range check.list {
			if !containsType(check.allowed, p.Type) {
				return fmt.Errorf("providers.%s[%d]: unsupported type %q", check.role, i, p.Type)
			}
			key := normalizeIdentifier(p.Name)
			if _, dup := seen[key]; dup {
				return fmt.Errorf("providers.%s: duplicate provider name %q", check.role, p.Name)
			}
			seen[key] = struct{}{}
			switch p.Type {
			case ProviderInsight, ProviderEsplora:
				if p.BaseURL == "" {
					return fmt.Errorf("providers.%s[%d]: baseURL required", check.role, i)
				}
			case ProviderStatic:
				if len(p.Rates) == 0 {
					return fmt.Errorf("providers.%s[%d]: rates required for static provider", check.role, i)
				}
			}
			if p.Timeout < 0 {
				return fmt.Errorf("providers.%s[%d]: timeout must be >=0", check.role, i)
			}
			if p.RequestsPerSecond < 0 {
				return fmt.Errorf("providers.%s[%d]: requestsPerSecond must be >=0", check.role, i)
			}
		}
	}
	return nil
}

func containsType(list []ProviderType, t ProviderType) bool {
	for _, candidate := range list {
		if candidate == t {
			return true
		}
	}
	return false
}
