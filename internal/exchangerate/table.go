package exchangerate

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/observability"
)

// DefaultTTL is how long a fetched rate table is reused.
const DefaultTTL = 30 * time.Minute

// RateTable is a Provider backed by a Fetcher and a TTL cache.
type RateTable struct {
	fetcher Fetcher
	kind    Kind
	cache   Cache
	ttl     time.Duration

	refreshMu sync.Mutex
}

// TableOption customises a RateTable.
type TableOption func(*RateTable)

// WithCache replaces the default in-memory cache.
func WithCache(cache Cache) TableOption {
	return func(t *RateTable) {
		if cache != nil {
			t.cache = cache
		}
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) TableOption {
	return func(t *RateTable) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// NewRateTable builds a Provider quoting rates from fetcher according to kind.
func NewRateTable(fetcher Fetcher, kind Kind, opts ...TableOption) *RateTable {
	t := &RateTable{
		fetcher: fetcher,
		kind:    kind,
		cache:   NewMemoryCache(),
		ttl:     DefaultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Name returns the fetcher's name.
func (t *RateTable) Name() string { return t.fetcher.Name() }

// Kind returns the quoting rules of the table.
func (t *RateTable) Kind() Kind { return t.kind }

// RateFor returns the rate for code, refreshing the table when the cached copy has expired.
func (t *RateTable) RateFor(ctx context.Context, code string) (decimal.Decimal, error) {
	code = NormalizeCode(code)
	if t.kind != KindBitcoin && code == CrossRateCurrency {
		return decimal.NewFromInt(1), nil
	}
	if t.kind == KindFiat && !IsSupportedFiat(code) {
		return decimal.Zero, errs.CurrencyNotSupported(t.Name(), code)
	}
	rates, err := t.rates(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	rate, ok := rates[code]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, errs.CurrencyNotSupported(t.Name(), code)
	}
	return rate, nil
}

func (t *RateTable) cacheKey() string {
	return "rates:" + t.kind.String() + ":" + t.Name()
}

func (t *RateTable) cached(ctx context.Context) (map[string]decimal.Decimal, bool) {
	rates, ok, err := t.cache.Get(ctx, t.cacheKey())
	if err != nil {
		observability.Log().Warn("rate cache read failed",
			observability.F("provider", t.Name()),
			observability.F("error", err))
		return nil, false
	}
	return rates, ok
}

func (t *RateTable) rates(ctx context.Context) (map[string]decimal.Decimal, error) {
	if rates, ok := t.cached(ctx); ok {
		return rates, nil
	}

	t.refreshMu.Lock()
	defer t.refreshMu.Unlock()
	if rates, ok := t.cached(ctx); ok {
		return rates, nil
	}

	fetched, err := t.fetcher.FetchRates(ctx)
	if err != nil {
		return nil, err
	}
	normalised := make(map[string]decimal.Decimal, len(fetched))
	for code, rate := range fetched {
		normalised[NormalizeCode(code)] = rate
	}
	if err := t.cache.Set(ctx, t.cacheKey(), normalised, t.ttl); err != nil {
		observability.Log().Warn("rate cache write failed",
			observability.F("provider", t.Name()),
			observability.F("error", err))
	}
	return normalised, nil
}

// StaticFetcher serves a fixed table. It backs offline deployments and tests.
type StaticFetcher struct {
	ID    string
	Rates map[string]decimal.Decimal
}

// Name returns the configured identifier.
func (s StaticFetcher) Name() string { return s.ID }

// FetchRates returns the fixed table.
func (s StaticFetcher) FetchRates(context.Context) (map[string]decimal.Decimal, error) {
	return s.Rates, nil
}
