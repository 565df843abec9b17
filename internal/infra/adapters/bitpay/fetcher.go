// Package bitpay fetches bitcoin exchange rates from the BitPay rates API.
package bitpay

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/paywatch/internal/exchangerate"
	"github.com/coachpo/paywatch/internal/infra/adapters/shared"
)

// DefaultBaseURL is the public BitPay API root.
const DefaultBaseURL = "https://bitpay.com/api"

// Fetcher implements exchangerate.Fetcher; rates are currency units per BTC.
type Fetcher struct {
	name   string
	client *shared.Client
}

var _ exchangerate.Fetcher = (*Fetcher)(nil)

// New returns a Fetcher for the API rooted at opts.BaseURL, DefaultBaseURL when empty.
func New(name string, opts shared.ClientOptions) *Fetcher {
	if strings.TrimSpace(name) == "" {
		name = "bitpay"
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.Provider = name
	return &Fetcher{name: name, client: shared.NewClient(opts)}
}

// Name implements exchangerate.Fetcher.
func (f *Fetcher) Name() string { return f.name }

type rateEntry struct {
	Code string          `json:"code"`
	Rate decimal.Decimal `json:"rate"`
}

// FetchRates implements exchangerate.Fetcher.
func (f *Fetcher) FetchRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	var entries []rateEntry
	if err := f.client.GetJSON(ctx, "/rates", &entries); err != nil {
		return nil, err
	}
	rates := make(map[string]decimal.Decimal, len(entries))
	for _, e := range entries {
		code := exchangerate.NormalizeCode(e.Code)
		if code == "" || !e.Rate.IsPositive() {
			continue
		}
		rates[code] = e.Rate
	}
	return rates, nil
}
