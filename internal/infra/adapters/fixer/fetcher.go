// Package fixer fetches forex rates quoted against USD from a Fixer compatible API.
package fixer

import (
	"context"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/exchangerate"
	"github.com/coachpo/paywatch/internal/infra/adapters/shared"
)

// DefaultBaseURL is the Frankfurter mirror of the Fixer API, which needs no key.
const DefaultBaseURL = "https://api.frankfurter.app"

// Fetcher implements exchangerate.Fetcher; rates are currency units per USD.
type Fetcher struct {
	name   string
	apiKey string
	client *shared.Client
}

var _ exchangerate.Fetcher = (*Fetcher)(nil)

// New returns a Fetcher. apiKey is sent as access_key when set.
func New(name, apiKey string, opts shared.ClientOptions) *Fetcher {
	if strings.TrimSpace(name) == "" {
		name = "fixer"
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.Provider = name
	return &Fetcher{name: name, apiKey: strings.TrimSpace(apiKey), client: shared.NewClient(opts)}
}

// Name implements exchangerate.Fetcher.
func (f *Fetcher) Name() string { return f.name }

type latestResponse struct {
	Success *bool                      `json:"success"`
	Base    string                     `json:"base"`
	Rates   map[string]decimal.Decimal `json:"rates"`
	Error   *struct {
		Info string `json:"info"`
	} `json:"error"`
}

// FetchRates implements exchangerate.Fetcher.
func (f *Fetcher) FetchRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	query := url.Values{}
	query.Set("base", exchangerate.CrossRateCurrency)
	if f.apiKey != "" {
		query.Set("access_key", f.apiKey)
	}
	var resp latestResponse
	if err := f.client.GetJSON(ctx, "/latest?"+query.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Success != nil && !*resp.Success {
		msg := "upstream reported failure"
		if resp.Error != nil && resp.Error.Info != "" {
			msg = resp.Error.Info
		}
		return nil, errs.New(f.name, errs.CodeProvider, errs.WithMessage(msg))
	}
	if base := exchangerate.NormalizeCode(resp.Base); base != "" && base != exchangerate.CrossRateCurrency {
		return nil, errs.New(f.name, errs.CodeProvider,
			errs.WithMessage("unexpected base currency"),
			errs.WithField("base", base))
	}
	rates := make(map[string]decimal.Decimal, len(resp.Rates)+1)
	for code, rate := range resp.Rates {
		code = exchangerate.NormalizeCode(code)
		if code == "" || !rate.IsPositive() {
			continue
		}
		rates[code] = rate
	}
	rates[exchangerate.CrossRateCurrency] = decimal.NewFromInt(1)
	return rates, nil
}
