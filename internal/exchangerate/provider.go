// Package exchangerate converts fiat amounts to bitcoin through redundant rate
// sources with a TTL-cached rate table.
package exchangerate

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// CrossRateCurrency is the currency forex and fiat sources quote against.
const CrossRateCurrency = "USD"

// Provider returns the rate of one currency unit against the source's base.
// Bitcoin sources quote currency per BTC, forex and fiat sources quote currency per USD.
type Provider interface {
	Name() string
	RateFor(ctx context.Context, code string) (decimal.Decimal, error)
}

// Fetcher downloads the whole rate table of an upstream source.
type Fetcher interface {
	Name() string
	FetchRates(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Kind selects the quoting rules applied on top of the fetched table.
type Kind int

const (
	// KindBitcoin quotes currency per BTC.
	KindBitcoin Kind = iota
	// KindForex quotes currency per USD and answers 1 for USD.
	KindForex
	// KindFiat is KindForex restricted to SupportedFiat.
	KindFiat
)

func (k Kind) String() string {
	switch k {
	case KindBitcoin:
		return "bitcoin"
	case KindForex:
		return "forex"
	case KindFiat:
		return "fiat"
	default:
		return "unknown"
	}
}

var supportedFiat = map[string]struct{}{}

func init() {
	for _, code := range []string{
		"AUD", "BGN", "BRL", "CAD", "CHF", "CNY", "CZK", "DKK", "GBP", "HKD", "HRK",
		"HUF", "IDR", "ILS", "INR", "JPY", "KRW", "MXN", "MYR", "NOK", "NZD", "PHP",
		"PLN", "RON", "RUB", "SEK", "SGD", "THB", "TRY", "USD", "ZAR", "EUR",
	} {
		supportedFiat[code] = struct{}{}
	}
}

// IsSupportedFiat reports whether code is in the fiat source whitelist.
func IsSupportedFiat(code string) bool {
	_, ok := supportedFiat[NormalizeCode(code)]
	return ok
}

// SupportedFiat returns the whitelist sorted alphabetically.
func SupportedFiat() []string {
	out := make([]string, 0, len(supportedFiat))
	for code := range supportedFiat {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// NormalizeCode trims and upper-cases a currency code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
