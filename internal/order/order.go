// Package order implements the payment status state machine of a single order
// and the loop that re-checks it on a schedule until it settles or expires.
package order

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/paywatch/internal/blockchain"
	"github.com/coachpo/paywatch/internal/numeric"
	"github.com/coachpo/paywatch/internal/observability"
)

// Gateway is what an order needs from the service that owns it.
type Gateway interface {
	FetchTransactionsFor(ctx context.Context, address string) ([]blockchain.Transaction, error)
	ConfirmationsRequired() int64
	DonationMode() bool
	StatusCheckSchedule() Schedule
	// OrderStatusChanged runs after a status change has been applied.
	OrderStatusChanged(o *Order)
}

// Params are the immutable facts an order is created with.
type Params struct {
	ID         string
	Address    string
	KeychainID string
	// Amount is in satoshi; zero accepts any payment.
	Amount               int64
	BlockHeightCreatedAt int64
	Currency             string
	ExchangeRate         *decimal.Decimal
	TestMode             bool
	CreatedAt            time.Time
}

// Option customises an Order.
type Option func(*Order)

// WithStore persists the order on every applied status change.
func WithStore(store Store) Option {
	return func(o *Order) { o.store = store }
}

// WithSleeper replaces ContextSleep in the periodic status check.
func WithSleeper(sleep Sleeper) Option {
	return func(o *Order) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// Order tracks payments to one address.
type Order struct {
	gateway Gateway
	store   Store
	sleep   Sleeper

	mu                   sync.RWMutex
	id                   string
	status               Status
	oldStatus            *Status
	amount               int64
	amountPaid           *int64
	accepted             []blockchain.Transaction
	address              string
	keychainID           string
	blockHeightCreatedAt int64
	currency             string
	exchangeRate         *decimal.Decimal
	testMode             bool
	createdAt            time.Time
	updatedAt            time.Time

	transactions       []blockchain.Transaction
	transactionsLoaded bool
}

// New creates an order in StatusNew.
func New(gw Gateway, p Params, opts ...Option) *Order {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return Restore(gw, Snapshot{
		ID:                   p.ID,
		Status:               StatusNew,
		Amount:               p.Amount,
		Address:              p.Address,
		KeychainID:           p.KeychainID,
		BlockHeightCreatedAt: p.BlockHeightCreatedAt,
		Currency:             p.Currency,
		ExchangeRate:         p.ExchangeRate,
		TestMode:             p.TestMode,
		CreatedAt:            created,
		UpdatedAt:            created,
	}, opts...)
}

// Restore rebuilds an order from a persisted snapshot.
func Restore(gw Gateway, s Snapshot, opts ...Option) *Order {
	o := &Order{
		gateway:              gw,
		sleep:                ContextSleep,
		id:                   s.ID,
		status:               s.Status,
		oldStatus:            s.OldStatus,
		amount:               s.Amount,
		amountPaid:           s.AmountPaid,
		accepted:             append([]blockchain.Transaction(nil), s.Accepted...),
		address:              s.Address,
		keychainID:           s.KeychainID,
		blockHeightCreatedAt: s.BlockHeightCreatedAt,
		currency:             s.Currency,
		exchangeRate:         s.ExchangeRate,
		testMode:             s.TestMode,
		createdAt:            s.CreatedAt,
		updatedAt:            s.UpdatedAt,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Snapshot returns a copy of the order's persisted state.
func (o *Order) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Snapshot{
		ID:                   o.id,
		Status:               o.status,
		OldStatus:            o.oldStatus,
		Amount:               o.amount,
		AmountPaid:           o.amountPaid,
		Accepted:             append([]blockchain.Transaction(nil), o.accepted...),
		Address:              o.address,
		KeychainID:           o.keychainID,
		BlockHeightCreatedAt: o.blockHeightCreatedAt,
		Currency:             o.currency,
		ExchangeRate:         o.exchangeRate,
		TestMode:             o.testMode,
		CreatedAt:            o.createdAt,
		UpdatedAt:            o.updatedAt,
	}
}

// ID returns the order identifier.
func (o *Order) ID() string { return o.id }

// Address returns the deposit address payments are matched against.
func (o *Order) Address() string { return o.address }

// Amount returns the expected payment in satoshi. Zero accepts any amount.
func (o *Order) Amount() int64 { return o.amount }

// KeychainID returns the identifier of the keychain the address was derived from.
func (o *Order) KeychainID() string { return o.keychainID }

// BlockHeightCreatedAt returns the chain height at creation, or 0 when unknown.
// Transactions mined at or below it are ignored.
func (o *Order) BlockHeightCreatedAt() int64 { return o.blockHeightCreatedAt }

// Currency returns the currency the order was priced in.
func (o *Order) Currency() string { return o.currency }

// TestMode reports whether the order was created against testnet providers.
func (o *Order) TestMode() bool { return o.testMode }

// CreatedAt returns the creation time in UTC.
func (o *Order) CreatedAt() time.Time { return o.createdAt }

// ExchangeRate returns the rate captured at creation for non-BTC orders.
func (o *Order) ExchangeRate() (decimal.Decimal, bool) {
	if o.exchangeRate == nil {
		return decimal.Zero, false
	}
	return *o.exchangeRate, true
}

// AmountPaid returns the reconciled paid amount once a status check has run.
func (o *Order) AmountPaid() (int64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.amountPaid == nil {
		return 0, false
	}
	return *o.amountPaid, true
}

// AcceptedTransactions returns the deduplicated transactions counted towards AmountPaid.
func (o *Order) AcceptedTransactions() []blockchain.Transaction {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]blockchain.Transaction(nil), o.accepted...)
}

// OldStatus returns the status replaced by the last SetStatus call.
func (o *Order) OldStatus() (Status, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.oldStatus == nil {
		return 0, false
	}
	return *o.oldStatus, true
}

// CurrentStatus returns the cached status without contacting providers.
func (o *Order) CurrentStatus() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// AmountInBTC returns the order amount in BTC.
func (o *Order) AmountInBTC() decimal.Decimal {
	return numeric.BTCFromSatoshi(o.amount)
}

// AmountInBTCString formats the order amount in BTC, e.g. "0.00000001".
func (o *Order) AmountInBTCString() string {
	return numeric.FormatBTC(o.amount)
}

// Transactions returns every transaction to the order's address, newest first.
// The list is fetched once and cached until reload is requested.
func (o *Order) Transactions(ctx context.Context, reload bool) ([]blockchain.Transaction, error) {
	o.mu.RLock()
	cached, loaded := o.transactions, o.transactionsLoaded
	o.mu.RUnlock()
	if loaded && !reload {
		return cached, nil
	}

	txs, err := o.gateway.FetchTransactionsFor(ctx, o.address)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.transactions = txs
	o.transactionsLoaded = true
	o.mu.Unlock()
	return txs, nil
}

// Transaction returns the most recent transaction to the order's address.
func (o *Order) Transaction(ctx context.Context, reload bool) (blockchain.Transaction, bool, error) {
	txs, err := o.Transactions(ctx, reload)
	if err != nil || len(txs) == 0 {
		return blockchain.Transaction{}, false, err
	}
	return txs[0], true, nil
}

// TransactionsSince returns transactions that are unconfirmed or mined above height.
func (o *Order) TransactionsSince(ctx context.Context, height int64, reload bool) ([]blockchain.Transaction, error) {
	txs, err := o.Transactions(ctx, reload)
	if err != nil {
		return nil, err
	}
	return blockchain.Since(txs, height), nil
}

// Evaluation is a status computed from provider data but not yet applied.
type Evaluation struct {
	Status     Status
	AmountPaid int64
	Accepted   []blockchain.Transaction
}

// Evaluate computes the status the order's transactions imply.
func (o *Order) Evaluate(ctx context.Context, reload bool) (Evaluation, error) {
	var (
		txs []blockchain.Transaction
		err error
	)
	if o.blockHeightCreatedAt > 0 {
		txs, err = o.TransactionsSince(ctx, o.blockHeightCreatedAt, reload)
	} else {
		var (
			tx    blockchain.Transaction
			found bool
		)
		tx, found, err = o.Transaction(ctx, reload)
		if found {
			txs = []blockchain.Transaction{tx}
		}
	}
	if err != nil {
		return Evaluation{}, err
	}
	return o.evaluate(txs), nil
}

func (o *Order) evaluate(txs []blockchain.Transaction) Evaluation {
	rec := blockchain.Reconcile(o.address, txs)
	eval := Evaluation{AmountPaid: rec.AmountPaid, Accepted: rec.Accepted}
	if rec.AmountPaid <= 0 {
		eval.Status = StatusNew
		return eval
	}

	unconfirmed := blockchain.MinConfirmations(rec.Accepted) < o.gateway.ConfirmationsRequired()
	anyAmount := o.gateway.DonationMode() || o.amount == 0
	switch {
	case (anyAmount || rec.AmountPaid >= o.amount) && unconfirmed:
		eval.Status = StatusUnconfirmed
	case anyAmount || rec.AmountPaid == o.amount:
		eval.Status = StatusPaid
	case rec.AmountPaid < o.amount:
		eval.Status = StatusPartiallyPaid
	default:
		eval.Status = StatusOverpaid
	}
	return eval
}

// Status returns the order status. With reload set and the status not locked,
// it re-evaluates provider data and applies the result. The paid amount and the
// status are written together, so a status locked while providers were queried
// keeps both its value and its recorded payment.
func (o *Order) Status(ctx context.Context, reload bool) (Status, error) {
	current := o.CurrentStatus()
	if !reload || current.Locked() {
		return current, nil
	}

	eval, err := o.Evaluate(ctx, true)
	if err != nil {
		return current, err
	}
	if _, err := o.apply(ctx, eval.Status, &eval); err != nil {
		return o.CurrentStatus(), err
	}
	return o.CurrentStatus(), nil
}

// SetStatus applies status unless the current one is locked, in which case it
// returns false. A changed value is reported to the gateway after it is applied.
// The order is then persisted when a Store is configured.
func (o *Order) SetStatus(ctx context.Context, status Status) (bool, error) {
	return o.apply(ctx, status, nil)
}

func (o *Order) apply(ctx context.Context, status Status, eval *Evaluation) (bool, error) {
	o.mu.Lock()
	if o.status.Locked() {
		o.mu.Unlock()
		return false, nil
	}
	if eval != nil {
		paid := eval.AmountPaid
		o.amountPaid = &paid
		o.accepted = eval.Accepted
	}
	previous := o.status
	changed := previous != status
	o.oldStatus = &previous
	o.status = status
	o.updatedAt = time.Now().UTC()
	o.mu.Unlock()

	if changed {
		recordTransition(ctx, status)
		observability.Log().Info("order status changed",
			observability.F("order", o.id),
			observability.F("from", previous.String()),
			observability.F("to", status.String()))
		o.gateway.OrderStatusChanged(o)
	}
	if o.store != nil {
		if err := o.store.Save(ctx, o.Snapshot()); err != nil {
			return true, err
		}
	}
	return true, nil
}

// StartPeriodicStatusCheck reloads the status on the gateway's schedule until it
// locks or duration elapses. On expiry a partially paid order becomes underpaid
// and any other unlocked order becomes expired. It blocks; run it on its own goroutine.
func (o *Order) StartPeriodicStatusCheck(ctx context.Context, duration time.Duration) error {
	return o.RunStatusChecks(ctx, duration, nil)
}

// RunStatusChecks is StartPeriodicStatusCheck with every provider round trip
// handed to runner, which may queue it behind other orders' checks. A nil
// runner calls the check directly.
func (o *Order) RunStatusChecks(ctx context.Context, duration time.Duration, runner CheckRunner) error {
	if duration <= 0 {
		duration = DefaultCheckDuration
	}
	schedule := o.gateway.StatusCheckSchedule()
	if schedule == nil {
		schedule = DefaultSchedule
	}
	if runner == nil {
		runner = runDirect
	}

	var (
		period    = InitialCheckPeriod
		iteration int
		passed    time.Duration
	)
	for {
		started := time.Now()
		status := o.CurrentStatus()
		err := runner(ctx, func(ctx context.Context) error {
			var checkErr error
			status, checkErr = o.Status(ctx, true)
			return checkErr
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			observability.Log().Warn("order status check failed",
				observability.F("order", o.id),
				observability.F("error", err))
		}
		observability.Log().Debug("order status checked",
			observability.F("order", o.id),
			observability.F("status", status.String()),
			observability.F("took", time.Since(started)))

		passed += period
		if passed <= duration {
			if status >= StatusPaid {
				return nil
			}
			nextPeriod, nextIteration := schedule(period, iteration)
			if err := o.sleep(ctx, period); err != nil {
				return err
			}
			period, iteration = nextPeriod, nextIteration
			continue
		}

		switch {
		case status == StatusPartiallyPaid:
			_, err = o.SetStatus(ctx, StatusUnderpaid)
		case status < StatusPaid:
			_, err = o.SetStatus(ctx, StatusExpired)
		default:
			err = nil
		}
		return err
	}
}
