package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/paywatch/internal/blockchain"
)

// Snapshot is the persisted state of an order.
type Snapshot struct {
	ID                   string
	Status               Status
	OldStatus            *Status
	Amount               int64
	AmountPaid           *int64
	Accepted             []blockchain.Transaction
	Address              string
	KeychainID           string
	BlockHeightCreatedAt int64
	Currency             string
	ExchangeRate         *decimal.Decimal
	TestMode             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Store persists order snapshots. Load returns an error matching
// errs.ErrOrderNotFound when id is unknown.
type Store interface {
	Save(ctx context.Context, snapshot Snapshot) error
	Load(ctx context.Context, id string) (Snapshot, error)
}

// Lister is implemented by stores that can enumerate orders still being watched.
type Lister interface {
	ListOpen(ctx context.Context) ([]Snapshot, error)
}
