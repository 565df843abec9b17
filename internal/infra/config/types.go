package config

import "strings"

// Environment identifies the runtime environment where paywatch operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// ProviderType selects the adapter used for a provider entry.
type ProviderType string

const (
	// ProviderInsight is an Insight REST blockchain source.
	ProviderInsight ProviderType = "insight"
	// ProviderEsplora is an Esplora REST blockchain source.
	ProviderEsplora ProviderType = "esplora"
	// ProviderBitpay is a BitPay bitcoin exchange-rate source.
	ProviderBitpay ProviderType = "bitpay"
	// ProviderFixer is a Fixer compatible forex source.
	ProviderFixer ProviderType = "fixer"
	// ProviderStatic serves fixed rates from configuration.
	ProviderStatic ProviderType = "static"
)

func normalizeIdentifier(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
