// Package gateway owns provider lists and order creation, and is the
// collaborator every order reports to.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/blockchain"
	"github.com/coachpo/paywatch/internal/exchangerate"
	"github.com/coachpo/paywatch/internal/numeric"
	"github.com/coachpo/paywatch/internal/observability"
	"github.com/coachpo/paywatch/internal/order"
	"github.com/coachpo/paywatch/pkg/dispatcher"
)

// BTC is the currency code for orders priced directly in bitcoin.
const BTC = "BTC"

// Config holds the gateway's tunables.
type Config struct {
	Name                  string
	ConfirmationsRequired int64
	DefaultCurrency       string
	DonationMode          bool
	TestMode              bool
	Dispatch              dispatcher.Options
}

// Providers are the redundant upstreams, in preference order.
type Providers struct {
	Blockchain     []blockchain.Provider
	TestBlockchain []blockchain.Provider
	ExchangeRates  []exchangerate.Provider
	Forex          []exchangerate.Provider
}

// AddressProvider derives a receiving address for a new order.
type AddressProvider interface {
	NewAddress(ctx context.Context, keychainID string, testMode bool) (string, error)
}

// Callback is invoked after an order status change has been applied.
type Callback func(o *order.Order)

// Option customises a Gateway.
type Option func(*Gateway)

// WithSchedule replaces order.DefaultSchedule.
func WithSchedule(schedule order.Schedule) Option {
	return func(g *Gateway) {
		if schedule != nil {
			g.schedule = schedule
		}
	}
}

// WithStore persists orders created or restored by the gateway.
func WithStore(store order.Store) Option {
	return func(g *Gateway) { g.store = store }
}

// WithCallbacks registers status-change callbacks.
func WithCallbacks(callbacks ...Callback) Option {
	return func(g *Gateway) { g.callbacks = append(g.callbacks, callbacks...) }
}

// WithOrderOptions forwards options to every order the gateway builds.
func WithOrderOptions(opts ...order.Option) Option {
	return func(g *Gateway) { g.orderOpts = append(g.orderOpts, opts...) }
}

// Gateway implements order.Gateway over injected provider lists.
type Gateway struct {
	cfg       Config
	providers Providers
	addresses AddressProvider
	schedule  order.Schedule
	store     order.Store
	orderOpts []order.Option

	mu        sync.RWMutex
	testMode  bool
	callbacks []Callback
}

var _ order.Gateway = (*Gateway)(nil)

// New validates cfg and returns a Gateway.
func New(cfg Config, providers Providers, addresses AddressProvider, opts ...Option) (*Gateway, error) {
	if addresses == nil {
		return nil, errs.New("gateway", errs.CodeConfig, errs.WithMessage("address provider required"))
	}
	if cfg.ConfirmationsRequired < 0 {
		return nil, errs.New("gateway", errs.CodeConfig, errs.WithMessage("confirmations required must not be negative"))
	}
	cfg.DefaultCurrency = exchangerate.NormalizeCode(cfg.DefaultCurrency)
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = BTC
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "default"
	}
	g := &Gateway{
		cfg:       cfg,
		providers: providers,
		addresses: addresses,
		schedule:  order.DefaultSchedule,
		testMode:  cfg.TestMode,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Name identifies the gateway in logs.
func (g *Gateway) Name() string { return g.cfg.Name }

// ConfirmationsRequired implements order.Gateway.
func (g *Gateway) ConfirmationsRequired() int64 { return g.cfg.ConfirmationsRequired }

// DonationMode implements order.Gateway.
func (g *Gateway) DonationMode() bool { return g.cfg.DonationMode }

// StatusCheckSchedule implements order.Gateway.
func (g *Gateway) StatusCheckSchedule() order.Schedule { return g.schedule }

// DefaultCurrency is used when an order does not name one.
func (g *Gateway) DefaultCurrency() string { return g.cfg.DefaultCurrency }

// TestMode reports whether the test blockchain providers are active.
func (g *Gateway) TestMode() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.testMode
}

// SetTestMode switches between the main and test blockchain providers.
func (g *Gateway) SetTestMode(enabled bool) {
	g.mu.Lock()
	g.testMode = enabled
	g.mu.Unlock()
}

// BlockchainProviders returns the providers for the current mode.
func (g *Gateway) BlockchainProviders() []blockchain.Provider {
	if g.TestMode() {
		return g.providers.TestBlockchain
	}
	return g.providers.Blockchain
}

// AddCallback registers a status-change callback.
func (g *Gateway) AddCallback(cb Callback) {
	if cb == nil {
		return
	}
	g.mu.Lock()
	g.callbacks = append(g.callbacks, cb)
	g.mu.Unlock()
}

// OrderStatusChanged runs every registered callback in registration order.
func (g *Gateway) OrderStatusChanged(o *order.Order) {
	g.mu.RLock()
	callbacks := append([]Callback(nil), g.callbacks...)
	g.mu.RUnlock()
	for _, cb := range callbacks {
		runCallback(cb, o)
	}
}

func runCallback(cb Callback, o *order.Order) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("order callback panicked",
				observability.F("order", o.ID()),
				observability.F("panic", fmt.Sprint(r)))
		}
	}()
	cb(o)
}

func (g *Gateway) dispatchOptions(operation string) dispatcher.Options {
	opts := g.cfg.Dispatch
	opts.Operation = operation
	return opts
}

// FetchTransaction looks up one transaction across the blockchain providers.
func (g *Gateway) FetchTransaction(ctx context.Context, id, address string) (blockchain.Transaction, error) {
	return dispatcher.Dispatch(ctx, g.BlockchainProviders(), g.dispatchOptions("fetch_transaction"),
		func(ctx context.Context, p blockchain.Provider) (blockchain.Transaction, error) {
			return p.FetchTransaction(ctx, id, address)
		})
}

// FetchTransactionsFor implements order.Gateway.
func (g *Gateway) FetchTransactionsFor(ctx context.Context, address string) ([]blockchain.Transaction, error) {
	return dispatcher.Dispatch(ctx, g.BlockchainProviders(), g.dispatchOptions("fetch_transactions_for"),
		func(ctx context.Context, p blockchain.Provider) ([]blockchain.Transaction, error) {
			return p.FetchTransactionsFor(ctx, address)
		})
}

// FetchBalanceFor returns the confirmed balance of address in satoshi.
func (g *Gateway) FetchBalanceFor(ctx context.Context, address string) (int64, error) {
	return dispatcher.Dispatch(ctx, g.BlockchainProviders(), g.dispatchOptions("fetch_balance_for"),
		func(ctx context.Context, p blockchain.Provider) (int64, error) {
			return p.FetchBalanceFor(ctx, address)
		})
}

// LatestBlockHeight returns the chain tip height.
func (g *Gateway) LatestBlockHeight(ctx context.Context) (int64, error) {
	return dispatcher.Dispatch(ctx, g.BlockchainProviders(), g.dispatchOptions("latest_block_height"),
		func(ctx context.Context, p blockchain.Provider) (int64, error) {
			return p.LatestBlockHeight(ctx)
		})
}

// CurrentExchangeRate returns the bitcoin rate for currency from the first working
// provider. A currency no bitcoin provider quotes is derived from the USD rate
// and the forex USD cross rate.
func (g *Gateway) CurrentExchangeRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = g.currencyOrDefault(currency)
	rate, err := g.bitcoinRate(ctx, currency, errs.ErrCurrencyNotSupported)
	if err == nil || !errors.Is(err, errs.ErrCurrencyNotSupported) {
		return rate, err
	}

	usdRate, err := g.bitcoinRate(ctx, exchangerate.CrossRateCurrency, nil)
	if err != nil {
		return decimal.Zero, err
	}
	perUSD, err := dispatcher.Select(ctx, "forex rate", g.providers.Forex, nil,
		func(ctx context.Context, p exchangerate.Provider) (decimal.Decimal, error) {
			return p.RateFor(ctx, currency)
		})
	if err != nil {
		return decimal.Zero, err
	}
	return usdRate.Mul(perUSD), nil
}

func (g *Gateway) bitcoinRate(ctx context.Context, currency string, priority error) (decimal.Decimal, error) {
	return dispatcher.Select(ctx, "exchange rate", g.providers.ExchangeRates, priority,
		func(ctx context.Context, p exchangerate.Provider) (decimal.Decimal, error) {
			return p.RateFor(ctx, currency)
		})
}

// AmountFromExchangeRate converts amount in currency to satoshi. BTC amounts are
// read in unit; other currencies go through the bitcoin rate providers and, when
// none of them quotes the currency, through a forex conversion to USD first.
func (g *Gateway) AmountFromExchangeRate(ctx context.Context, amount decimal.Decimal, currency string, unit numeric.Denomination) (int64, error) {
	currency = g.currencyOrDefault(currency)
	if unit == "" {
		unit = numeric.Satoshi
	}
	if currency == BTC {
		return numeric.ToSatoshi(amount, unit)
	}

	satoshis, err := g.fromCurrency(ctx, amount, currency, errs.ErrCurrencyNotSupported)
	if err == nil {
		return satoshis, nil
	}
	if !errors.Is(err, errs.ErrCurrencyNotSupported) {
		return 0, err
	}

	crossAmount, err := dispatcher.Select(ctx, "forex rate", g.providers.Forex, nil,
		func(ctx context.Context, p exchangerate.Provider) (decimal.Decimal, error) {
			return exchangerate.ConvertToCrossRate(ctx, p, amount, currency)
		})
	if err != nil {
		return 0, err
	}
	return g.fromCurrency(ctx, crossAmount, exchangerate.CrossRateCurrency, nil)
}

func (g *Gateway) fromCurrency(ctx context.Context, amount decimal.Decimal, currency string, priority error) (int64, error) {
	return dispatcher.Select(ctx, "exchange rate", g.providers.ExchangeRates, priority,
		func(ctx context.Context, p exchangerate.Provider) (int64, error) {
			return exchangerate.ConvertFromCurrency(ctx, p, amount, currency)
		})
}

func (g *Gateway) currencyOrDefault(currency string) string {
	currency = exchangerate.NormalizeCode(currency)
	if currency == "" {
		return g.cfg.DefaultCurrency
	}
	return currency
}

// OrderRequest describes a new order.
type OrderRequest struct {
	Amount       decimal.Decimal
	Currency     string
	Denomination numeric.Denomination
	KeychainID   string
}

// NewOrder prices req in satoshi, derives an address and returns a new order.
// The creation block height is recorded when providers answer; failures leave it unknown.
// The address is derived last so a failed pricing step does not consume one.
func (g *Gateway) NewOrder(ctx context.Context, req OrderRequest) (*order.Order, error) {
	if !req.Amount.IsPositive() {
		return nil, errs.New("gateway", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidAmount),
			errs.WithMessage("amount cannot be nil and should be more than 0"))
	}
	currency := g.currencyOrDefault(req.Currency)
	satoshis, err := g.AmountFromExchangeRate(ctx, req.Amount, currency, req.Denomination)
	if err != nil {
		return nil, err
	}

	testMode := g.TestMode()
	params := order.Params{
		ID:         uuid.NewString(),
		KeychainID: req.KeychainID,
		Amount:     satoshis,
		TestMode:   testMode,
		CreatedAt:  time.Now().UTC(),
	}
	if currency != BTC {
		rate, err := g.CurrentExchangeRate(ctx, currency)
		if err != nil {
			return nil, err
		}
		params.Currency = currency
		params.ExchangeRate = &rate
	}
	if height, err := g.LatestBlockHeight(ctx); err == nil {
		params.BlockHeightCreatedAt = height
	} else {
		observability.Log().Warn("creation block height unavailable",
			observability.F("order", params.ID),
			observability.F("error", err))
	}

	address, err := g.addresses.NewAddress(ctx, req.KeychainID, testMode)
	if err != nil {
		return nil, fmt.Errorf("derive address: %w", err)
	}
	params.Address = address

	o := order.New(g, params, g.orderOptions()...)
	if g.store != nil {
		if err := g.store.Save(ctx, o.Snapshot()); err != nil {
			return nil, fmt.Errorf("save order: %w", err)
		}
	}
	observability.Log().Info("order created",
		observability.F("order", o.ID()),
		observability.F("address", address),
		observability.F("amount", satoshis))
	return o, nil
}

// Restore rebuilds a persisted order bound to this gateway.
func (g *Gateway) Restore(snapshot order.Snapshot) *order.Order {
	return order.Restore(g, snapshot, g.orderOptions()...)
}

// LoadOrder reads an order from the configured store.
func (g *Gateway) LoadOrder(ctx context.Context, id string) (*order.Order, error) {
	if g.store == nil {
		return nil, errs.New("gateway", errs.CodeNotFound,
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithField("order", id))
	}
	snapshot, err := g.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return g.Restore(snapshot), nil
}

func (g *Gateway) orderOptions() []order.Option {
	opts := make([]order.Option, 0, len(g.orderOpts)+1)
	if g.store != nil {
		opts = append(opts, order.WithStore(g.store))
	}
	return append(opts, g.orderOpts...)
}
