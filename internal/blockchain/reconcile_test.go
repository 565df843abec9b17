package blockchain

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/paywatch/internal/observability"
)

func TestReconcileDedupIsIdempotent(t *testing.T) {
	withDupes := []Transaction{
		{ID: "a", Amount: 5, Confirmations: 1},
		{ID: "b", Amount: 7, Confirmations: 3},
		{ID: "a", Amount: 5, Confirmations: 2},
	}
	deduped := Dedup(withDupes)

	first := Reconcile("addr", withDupes)
	second := Reconcile("addr", deduped)

	require.Equal(t, int64(12), first.AmountPaid)
	require.Equal(t, first.AmountPaid, second.AmountPaid)
	require.Equal(t, first.Accepted, second.Accepted)
	require.Equal(t, int64(1), first.Accepted[0].Confirmations, "first occurrence wins")
}

func TestReconcileClampsNegativeSum(t *testing.T) {
	rec := new(observability.Recorder)
	observability.SetLogger(rec)
	t.Cleanup(func() { observability.SetLogger(nil) })

	res := Reconcile("addr", []Transaction{{ID: "x", Amount: -4}})
	require.Zero(t, res.AmountPaid)
	require.True(t, res.Anomalous)
	require.Len(t, res.Accepted, 1)
	require.Equal(t, 1, rec.Count("warn"))
}

func TestReconcileEmpty(t *testing.T) {
	res := Reconcile("addr", nil)
	require.Zero(t, res.AmountPaid)
	require.False(t, res.Anomalous)
	require.Empty(t, res.Accepted)
}

func TestMinConfirmations(t *testing.T) {
	require.Zero(t, MinConfirmations(nil))
	require.Equal(t, int64(2), MinConfirmations([]Transaction{{Confirmations: 5}, {Confirmations: 2}}))
	require.Zero(t, MinConfirmations([]Transaction{{Confirmations: -1}, {Confirmations: 4}}))
}

func TestSinceFiltersBackdatedTransactions(t *testing.T) {
	txs := []Transaction{
		{ID: "3", Amount: 10},
		{ID: "2", Amount: 3, Confirmations: 1, BlockHeight: 100000},
		{ID: "1", Amount: 1, Confirmations: 100, BlockHeight: 99999},
	}
	got := Since(txs, 99999)
	require.Equal(t, []Transaction{txs[0], txs[1]}, got)

	got = Since(txs, 100000)
	require.Equal(t, []Transaction{txs[0]}, got)
}

func TestFromRecordPrefersTotalAmount(t *testing.T) {
	var records []Record
	payload := `[{"tid":"t1","amount":4,"total_amount":9,"confirmations":2},{"tid":"t2","amount":3,"block_height":120}]`
	require.NoError(t, json.Unmarshal([]byte(payload), &records))

	txs := FromRecords(records)
	require.Equal(t, Transaction{ID: "t1", Amount: 9, Confirmations: 2}, txs[0])
	require.Equal(t, Transaction{ID: "t2", Amount: 3, BlockHeight: 120}, txs[1])
}

func TestToRecordOmitsUnknownHeight(t *testing.T) {
	raw, err := json.Marshal(ToRecords([]Transaction{{ID: "t1", Amount: 10, Confirmations: 1}}))
	require.NoError(t, err)
	require.JSONEq(t, `[{"tid":"t1","amount":10,"confirmations":1}]`, string(raw))

	back := FromRecords([]Record{ToRecord(Transaction{ID: "t2", Amount: 1, BlockHeight: 7})})
	require.Equal(t, Transaction{ID: "t2", Amount: 1, BlockHeight: 7}, back[0])
}
