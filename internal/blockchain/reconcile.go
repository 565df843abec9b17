package blockchain

import (
	"github.com/coachpo/paywatch/internal/observability"
)

// Reconciliation is the outcome of deduplicating and summing transactions.
type Reconciliation struct {
	Accepted   []Transaction
	AmountPaid int64
	// Anomalous is set when transactions exist but sum to zero or less.
	Anomalous bool
}

// Dedup keeps the first occurrence of every transaction id, preserving order.
func Dedup(txs []Transaction) []Transaction {
	seen := make(map[string]struct{}, len(txs))
	out := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if _, ok := seen[tx.ID]; ok {
			continue
		}
		seen[tx.ID] = struct{}{}
		out = append(out, tx)
	}
	return out
}

// Reconcile deduplicates txs by id and sums their amounts. A non-empty set
// summing to zero or less is logged and clamped to zero.
func Reconcile(address string, txs []Transaction) Reconciliation {
	accepted := Dedup(txs)
	var sum int64
	for _, tx := range accepted {
		sum += tx.Amount
	}
	res := Reconciliation{Accepted: accepted, AmountPaid: sum}
	if len(accepted) > 0 && sum <= 0 {
		observability.Log().Warn("strange transactions for address",
			observability.F("address", address),
			observability.F("transactions", accepted),
			observability.F("sum", sum))
		res.AmountPaid = 0
		res.Anomalous = true
	}
	return res
}

// MinConfirmations returns the smallest confirmation count, zero for an empty set.
func MinConfirmations(txs []Transaction) int64 {
	if len(txs) == 0 {
		return 0
	}
	lowest := txs[0].Confirmations
	for _, tx := range txs[1:] {
		if tx.Confirmations < lowest {
			lowest = tx.Confirmations
		}
	}
	if lowest < 0 {
		return 0
	}
	return lowest
}

// Since keeps transactions that are unconfirmed or mined strictly above height.
func Since(txs []Transaction, height int64) []Transaction {
	out := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Unconfirmed() || tx.BlockHeight > height {
			out = append(out, tx)
		}
	}
	return out
}
