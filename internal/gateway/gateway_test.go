package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/blockchain"
	"github.com/coachpo/paywatch/internal/exchangerate"
	"github.com/coachpo/paywatch/internal/numeric"
	"github.com/coachpo/paywatch/internal/order"
)

type stubChain struct {
	name   string
	height int64
	txs    []blockchain.Transaction
	err    error
}

func (s stubChain) Name() string { return s.name }

func (s stubChain) FetchTransaction(_ context.Context, id, _ string) (blockchain.Transaction, error) {
	for _, tx := range s.txs {
		if tx.ID == id {
			return tx, s.err
		}
	}
	return blockchain.Transaction{}, errors.New("not found")
}

func (s stubChain) FetchTransactionsFor(context.Context, string) ([]blockchain.Transaction, error) {
	return s.txs, s.err
}

func (s stubChain) FetchBalanceFor(context.Context, string) (int64, error) {
	var sum int64
	for _, tx := range s.txs {
		sum += tx.Amount
	}
	return sum, s.err
}

func (s stubChain) LatestBlockHeight(context.Context) (int64, error) { return s.height, s.err }

type memoryStore struct {
	mu    sync.Mutex
	saved map[string]order.Snapshot
}

func (m *memoryStore) Save(_ context.Context, s order.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]order.Snapshot{}
	}
	m.saved[s.ID] = s
	return nil
}

func (m *memoryStore) Load(_ context.Context, id string) (order.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.saved[id]
	if !ok {
		return order.Snapshot{}, errs.ErrOrderNotFound
	}
	return s, nil
}

func rateProviders() ([]exchangerate.Provider, []exchangerate.Provider) {
	bitcoin := exchangerate.NewRateTable(exchangerate.StaticFetcher{ID: "btc", Rates: map[string]decimal.Decimal{
		"USD": decimal.RequireFromString("450.5412"),
		"EUR": decimal.RequireFromString("400"),
	}}, exchangerate.KindBitcoin)
	forex := exchangerate.NewRateTable(exchangerate.StaticFetcher{ID: "forex", Rates: map[string]decimal.Decimal{
		"RUB": decimal.RequireFromString("72.0"),
	}}, exchangerate.KindForex)
	return []exchangerate.Provider{bitcoin}, []exchangerate.Provider{forex}
}

func newTestGateway(t *testing.T, chain []blockchain.Provider, opts ...Option) *Gateway {
	t.Helper()
	rates, forex := rateProviders()
	g, err := New(Config{ConfirmationsRequired: 1, DefaultCurrency: "usd"},
		Providers{Blockchain: chain, TestBlockchain: []blockchain.Provider{stubChain{name: "testnet", height: 7}}, ExchangeRates: rates, Forex: forex},
		NewAddressPool([]string{"1Main"}, []string{"mTest"}), opts...)
	require.NoError(t, err)
	return g
}

func TestAmountFromExchangeRateFallsBackToForex(t *testing.T) {
	g := newTestGateway(t, nil)
	sat, err := g.AmountFromExchangeRate(context.Background(), decimal.RequireFromString("162194.832"), "RUB", "")
	require.NoError(t, err)
	require.Equal(t, int64(500000000), sat)
}

func TestAmountFromExchangeRateDirect(t *testing.T) {
	g := newTestGateway(t, nil)

	sat, err := g.AmountFromExchangeRate(context.Background(), decimal.NewFromInt(800), "eur", "")
	require.NoError(t, err)
	require.Equal(t, int64(200000000), sat)

	sat, err = g.AmountFromExchangeRate(context.Background(), decimal.RequireFromString("1.5"), "BTC", numeric.MilliBTC)
	require.NoError(t, err)
	require.Equal(t, int64(150000), sat)

	_, err = g.AmountFromExchangeRate(context.Background(), decimal.NewFromInt(1), "XYZ", "")
	require.ErrorIs(t, err, errs.ErrCurrencyNotSupported)
}

func TestAmountFromExchangeRateWithoutProviders(t *testing.T) {
	g, err := New(Config{}, Providers{}, NewAddressPool([]string{"a"}, nil))
	require.NoError(t, err)
	_, err = g.AmountFromExchangeRate(context.Background(), decimal.NewFromInt(1), "USD", "")
	require.ErrorIs(t, err, errs.ErrNoProvidersConfigured)
}

func TestNewOrderRejectsInvalidAmount(t *testing.T) {
	g := newTestGateway(t, nil)
	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-1)} {
		_, err := g.NewOrder(context.Background(), OrderRequest{Amount: amount})
		require.ErrorIs(t, err, errs.ErrInvalidOrderAmount)
	}
}

func TestNewOrderSnapshotsRateAndHeight(t *testing.T) {
	store := &memoryStore{}
	g := newTestGateway(t, []blockchain.Provider{stubChain{name: "main", height: 812000}}, WithStore(store))

	o, err := g.NewOrder(context.Background(), OrderRequest{Amount: decimal.RequireFromString("450.5412")})
	require.NoError(t, err)
	require.NotEmpty(t, o.ID())
	require.Equal(t, "1Main", o.Address())
	require.Equal(t, int64(100000000), o.Amount())
	require.Equal(t, int64(812000), o.BlockHeightCreatedAt())
	require.Equal(t, "USD", o.Currency())
	rate, ok := o.ExchangeRate()
	require.True(t, ok)
	require.True(t, rate.Equal(decimal.RequireFromString("450.5412")))
	require.Equal(t, order.StatusNew, o.CurrentStatus())

	loaded, err := g.LoadOrder(context.Background(), o.ID())
	require.NoError(t, err)
	require.Equal(t, o.Snapshot(), loaded.Snapshot())
}

func TestNewOrderToleratesMissingBlockHeight(t *testing.T) {
	g := newTestGateway(t, []blockchain.Provider{stubChain{name: "down", err: errors.New("503")}})

	o, err := g.NewOrder(context.Background(), OrderRequest{Amount: decimal.NewFromInt(5), Currency: "BTC", Denomination: numeric.Satoshi})
	require.NoError(t, err)
	require.Zero(t, o.BlockHeightCreatedAt())
	require.Empty(t, o.Currency())
	_, ok := o.ExchangeRate()
	require.False(t, ok)
}

type countingAddresses struct {
	mu    sync.Mutex
	calls int
}

func (c *countingAddresses) NewAddress(context.Context, string, bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return "1Counted", nil
}

func TestNewOrderInForexOnlyCurrency(t *testing.T) {
	g := newTestGateway(t, []blockchain.Provider{stubChain{name: "main", height: 812000}})

	o, err := g.NewOrder(context.Background(), OrderRequest{Amount: decimal.RequireFromString("162194.832"), Currency: "rub"})
	require.NoError(t, err)
	require.Equal(t, int64(500000000), o.Amount())
	require.Equal(t, "RUB", o.Currency())
	rate, ok := o.ExchangeRate()
	require.True(t, ok)
	require.True(t, rate.Equal(decimal.RequireFromString("32438.9664")), rate.String())

	direct, err := g.CurrentExchangeRate(context.Background(), "EUR")
	require.NoError(t, err)
	require.True(t, direct.Equal(decimal.NewFromInt(400)))
}

func TestNewOrderDoesNotConsumeAddressOnPricingFailure(t *testing.T) {
	rates, forex := rateProviders()
	addresses := &countingAddresses{}
	g, err := New(Config{ConfirmationsRequired: 1, DefaultCurrency: "usd"},
		Providers{ExchangeRates: rates, Forex: forex}, addresses)
	require.NoError(t, err)

	_, err = g.NewOrder(context.Background(), OrderRequest{Amount: decimal.NewFromInt(1), Currency: "XYZ"})
	require.ErrorIs(t, err, errs.ErrCurrencyNotSupported)
	require.Zero(t, addresses.calls)

	o, err := g.NewOrder(context.Background(), OrderRequest{Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.Equal(t, "1Counted", o.Address())
	require.Equal(t, 1, addresses.calls)
}

func TestTestModeSwitchesProviders(t *testing.T) {
	g := newTestGateway(t, []blockchain.Provider{stubChain{name: "main", height: 100}})

	height, err := g.LatestBlockHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(100), height)

	g.SetTestMode(true)
	height, err = g.LatestBlockHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), height)

	o, err := g.NewOrder(context.Background(), OrderRequest{Amount: decimal.NewFromInt(1), Currency: "BTC"})
	require.NoError(t, err)
	require.Equal(t, "mTest", o.Address())
	require.True(t, o.TestMode())
}

func TestFetchPassthroughs(t *testing.T) {
	chain := stubChain{name: "main", txs: []blockchain.Transaction{{ID: "t1", Amount: 4}, {ID: "t2", Amount: 6}}}
	g := newTestGateway(t, []blockchain.Provider{chain})
	ctx := context.Background()

	txs, err := g.FetchTransactionsFor(ctx, "addr")
	require.NoError(t, err)
	require.Len(t, txs, 2)

	tx, err := g.FetchTransaction(ctx, "t2", "addr")
	require.NoError(t, err)
	require.Equal(t, int64(6), tx.Amount)

	balance, err := g.FetchBalanceFor(ctx, "addr")
	require.NoError(t, err)
	require.Equal(t, int64(10), balance)
}

func TestCallbacksRunInOrderAndSurvivePanics(t *testing.T) {
	var seen []string
	g := newTestGateway(t, []blockchain.Provider{stubChain{name: "main", txs: []blockchain.Transaction{{ID: "t1", Amount: 100000000, Confirmations: 3}}}},
		WithCallbacks(func(o *order.Order) { seen = append(seen, "first:"+o.CurrentStatus().String()) }))
	g.AddCallback(func(*order.Order) { panic("callback bug") })
	g.AddCallback(func(o *order.Order) { seen = append(seen, "third:"+o.CurrentStatus().String()) })

	o, err := g.NewOrder(context.Background(), OrderRequest{Amount: decimal.NewFromInt(1), Currency: "BTC", Denomination: numeric.BTC})
	require.NoError(t, err)
	status, err := o.Status(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, status)
	require.Equal(t, []string{"first:paid", "third:paid"}, seen)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{}, Providers{}, nil)
	require.Error(t, err)
	_, err = New(Config{ConfirmationsRequired: -1}, Providers{}, NewAddressPool([]string{"a"}, nil))
	require.Error(t, err)

	g, err := New(Config{}, Providers{}, NewAddressPool([]string{"a"}, nil))
	require.NoError(t, err)
	require.Equal(t, BTC, g.DefaultCurrency())
}

func TestAddressPool(t *testing.T) {
	pool := NewAddressPool([]string{"a", " b ", ""}, nil)
	ctx := context.Background()

	first, err := pool.NewAddress(ctx, "", false)
	require.NoError(t, err)
	second, err := pool.NewAddress(ctx, "", false)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, []string{first, second})

	byIndex, err := pool.NewAddress(ctx, "3", false)
	require.NoError(t, err)
	require.Equal(t, "b", byIndex)

	_, err = pool.NewAddress(ctx, "", true)
	require.Error(t, err)
}

func TestCompiledScheduleMatchesDefault(t *testing.T) {
	schedule, err := CompileSchedule("default.js", DefaultScheduleScript)
	require.NoError(t, err)

	jsPeriod, jsIter := 10*time.Second, 0
	goPeriod, goIter := 10*time.Second, 0
	for i := 0; i < 45; i++ {
		jsPeriod, jsIter = schedule(jsPeriod, jsIter)
		goPeriod, goIter = order.DefaultSchedule(goPeriod, goIter)
		require.Equal(t, goPeriod, jsPeriod, "step %d", i)
		require.Equal(t, goIter, jsIter, "step %d", i)
	}
}

func TestCompileScheduleErrors(t *testing.T) {
	_, err := CompileSchedule("empty.js", " ")
	require.Error(t, err)
	_, err = CompileSchedule("syntax.js", "function schedule(")
	require.Error(t, err)
	_, err = CompileSchedule("missing.js", "var x = 1;")
	require.Error(t, err)

	broken, err := CompileSchedule("throws.js", `function schedule() { throw new Error("nope"); }`)
	require.NoError(t, err)
	period, iteration := broken(10*time.Second, 19)
	require.Equal(t, 20*time.Second, period)
	require.Zero(t, iteration)
}

func TestScheduleScriptRunawayCallFallsBack(t *testing.T) {
	schedule, err := CompileSchedule("spin.js", `
function schedule(period, iteration) {
  if (iteration === 7) { while (true) {} }
  return { period: period, iteration: iteration + 1 };
}`)
	require.NoError(t, err)

	started := time.Now()
	period, iteration := schedule(10*time.Second, 7)
	require.Less(t, time.Since(started), 5*time.Second)
	require.Equal(t, 10*time.Second, period)
	require.Equal(t, 8, iteration)

	period, iteration = schedule(10*time.Second, 1)
	require.Equal(t, 10*time.Second, period)
	require.Equal(t, 2, iteration)

	_, err = CompileSchedule("spin-top.js", `while (true) {}`)
	require.ErrorContains(t, err, "timed out")
}
