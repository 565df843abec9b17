// Package blockchain defines the canonical transaction shape, the data provider
// capability queried by the dispatcher, and transaction reconciliation.
package blockchain

import (
	"context"
	"strings"
)

// Transaction is the canonical, comparable transaction record.
// BlockHeight <= 0 means the transaction is unconfirmed or the height is unknown.
type Transaction struct {
	ID            string
	Amount        int64
	Confirmations int64
	BlockHeight   int64
}

// Unconfirmed reports whether the transaction has no known block height.
func (t Transaction) Unconfirmed() bool {
	return t.BlockHeight <= 0
}

// Record is the loose JSON shape used by storage and by providers that report
// the amount received by an address as total_amount.
type Record struct {
	TID           string `json:"tid"`
	Amount        *int64 `json:"amount,omitempty"`
	TotalAmount   *int64 `json:"total_amount,omitempty"`
	Confirmations *int64 `json:"confirmations,omitempty"`
	BlockHeight   *int64 `json:"block_height,omitempty"`
}

// FromRecord maps a record to a Transaction. TotalAmount wins over Amount.
func FromRecord(r Record) Transaction {
	tx := Transaction{ID: strings.TrimSpace(r.TID)}
	switch {
	case r.TotalAmount != nil:
		tx.Amount = *r.TotalAmount
	case r.Amount != nil:
		tx.Amount = *r.Amount
	}
	if r.Confirmations != nil {
		tx.Confirmations = *r.Confirmations
	}
	if r.BlockHeight != nil {
		tx.BlockHeight = *r.BlockHeight
	}
	return tx
}

// FromRecords maps every record in order.
func FromRecords(records []Record) []Transaction {
	out := make([]Transaction, 0, len(records))
	for _, r := range records {
		out = append(out, FromRecord(r))
	}
	return out
}

// ToRecord renders a Transaction as a Record. Unknown block heights are omitted.
func ToRecord(t Transaction) Record {
	amount := t.Amount
	confirmations := t.Confirmations
	r := Record{TID: t.ID, Amount: &amount, Confirmations: &confirmations}
	if t.BlockHeight > 0 {
		height := t.BlockHeight
		r.BlockHeight = &height
	}
	return r
}

// ToRecords renders every transaction in order.
func ToRecords(txs []Transaction) []Record {
	out := make([]Record, 0, len(txs))
	for _, t := range txs {
		out = append(out, ToRecord(t))
	}
	return out
}

// Provider is a redundant source of blockchain data.
// Implementations return errs.ErrInvalidAddress-compatible errors when an
// address belongs to another network.
type Provider interface {
	Name() string
	FetchTransaction(ctx context.Context, id, address string) (Transaction, error)
	FetchTransactionsFor(ctx context.Context, address string) ([]Transaction, error)
	FetchBalanceFor(ctx context.Context, address string) (int64, error)
	LatestBlockHeight(ctx context.Context) (int64, error)
}
