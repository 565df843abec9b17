package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/paywatch/internal/blockchain"
	"github.com/coachpo/paywatch/internal/infra/persistence/memory"
	"github.com/coachpo/paywatch/internal/order"
)

type stubGateway struct {
	mu      sync.Mutex
	txs     []blockchain.Transaction
	changed []order.Status
	fetched map[string]int
}

func (g *stubGateway) FetchTransactionsFor(_ context.Context, address string) ([]blockchain.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetched == nil {
		g.fetched = make(map[string]int)
	}
	g.fetched[address]++
	return append([]blockchain.Transaction(nil), g.txs...), nil
}

func (g *stubGateway) fetchedAddresses() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.fetched)
}

func (g *stubGateway) ConfirmationsRequired() int64        { return 0 }
func (g *stubGateway) DonationMode() bool                  { return false }
func (g *stubGateway) StatusCheckSchedule() order.Schedule { return order.DefaultSchedule }
func (g *stubGateway) OrderStatusChanged(o *order.Order) {
	g.mu.Lock()
	g.changed = append(g.changed, o.CurrentStatus())
	g.mu.Unlock()
}

func (g *stubGateway) statuses() []order.Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]order.Status(nil), g.changed...)
}

func instantSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func blockingSleep(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func newOrder(gw order.Gateway, id string, sleep order.Sleeper) *order.Order {
	return order.New(gw, order.Params{ID: id, Address: "addr-" + id, Amount: 1000}, order.WithSleeper(sleep))
}

type restorerFunc func(order.Snapshot) *order.Order

func (f restorerFunc) Restore(s order.Snapshot) *order.Order { return f(s) }

func TestWatchRunsUntilExpiry(t *testing.T) {
	w, err := New(Config{Workers: 2, Queue: 2})
	require.NoError(t, err)
	defer w.Stop()

	gw := &stubGateway{}
	o := newOrder(gw, "o1", instantSleep)
	ok, err := w.Watch(o)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool { return !w.Watching("o1") }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, order.StatusExpired, o.CurrentStatus())
	require.Equal(t, []order.Status{order.StatusExpired}, gw.statuses())
}

func TestWatchStopsWhenPaid(t *testing.T) {
	w, err := New(Config{Workers: 1, Queue: 1})
	require.NoError(t, err)
	defer w.Stop()

	gw := &stubGateway{txs: []blockchain.Transaction{{ID: "tx", Amount: 1000, Confirmations: 1, BlockHeight: 10}}}
	o := newOrder(gw, "paid", instantSleep)
	ok, err := w.Watch(o)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool { return w.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, order.StatusPaid, o.CurrentStatus())
}

func TestWatchSkipsDuplicatesAndLockedOrders(t *testing.T) {
	w, err := New(Config{Workers: 2, Queue: 2})
	require.NoError(t, err)
	defer w.Stop()

	gw := &stubGateway{}
	o := newOrder(gw, "dup", blockingSleep)
	ok, err := w.Watch(o)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = w.Watch(newOrder(gw, "dup", blockingSleep))
	require.NoError(t, err)
	require.False(t, ok)

	locked := order.Restore(gw, order.Snapshot{ID: "done", Status: order.StatusPaid})
	ok, err = w.Watch(locked)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = w.Watch(nil)
	require.Error(t, err)
	require.Equal(t, 1, w.Len())
}

func TestResumeWatchesOpenOrders(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	for id, status := range map[string]order.Status{
		"new":     order.StatusNew,
		"partial": order.StatusPartiallyPaid,
		"paid":    order.StatusPaid,
	} {
		require.NoError(t, store.Save(ctx, order.Snapshot{ID: id, Status: status, Amount: 1000, Address: "addr-" + id}))
	}

	w, err := New(Config{Workers: 4, Queue: 4})
	require.NoError(t, err)

	gw := &stubGateway{}
	restorer := restorerFunc(func(s order.Snapshot) *order.Order {
		return order.Restore(gw, s, order.WithSleeper(blockingSleep))
	})
	resumed, err := w.Resume(ctx, store, restorer)
	require.NoError(t, err)
	require.Equal(t, 2, resumed)
	require.True(t, w.Watching("new"))
	require.True(t, w.Watching("partial"))
	require.False(t, w.Watching("paid"))

	w.Stop()
	require.Equal(t, 0, w.Len())
}

func TestShutdownAfterDeadlineCancelsChecks(t *testing.T) {
	w, err := New(Config{Workers: 1, Queue: 1})
	require.NoError(t, err)

	ok, err := w.Watch(newOrder(&stubGateway{}, "slow", blockingSleep))
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, w.Shutdown(ctx), context.DeadlineExceeded)
	require.Eventually(t, func() bool { return w.Len() == 0 }, time.Second, 5*time.Millisecond)

	_, err = w.Watch(newOrder(&stubGateway{}, "late", instantSleep))
	require.Error(t, err)
}

func TestResumeSkipsOrdersThatCannotBeWatched(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	for _, id := range []string{"good", "broken"} {
		require.NoError(t, store.Save(ctx, order.Snapshot{ID: id, Amount: 1000, Address: "addr-" + id}))
	}

	w, err := New(Config{Workers: 2, Queue: 2})
	require.NoError(t, err)
	defer w.Stop()

	gw := &stubGateway{}
	restorer := restorerFunc(func(s order.Snapshot) *order.Order {
		if s.ID == "broken" {
			return nil
		}
		return order.Restore(gw, s, order.WithSleeper(blockingSleep))
	})
	resumed, err := w.Resume(ctx, store, restorer)
	require.Equal(t, 1, resumed)
	require.ErrorContains(t, err, "order broken")
	require.True(t, w.Watching("good"))
}

func TestWatchChecksMoreOrdersThanWorkers(t *testing.T) {
	w, err := New(Config{Workers: 1, Queue: 1})
	require.NoError(t, err)
	defer w.Stop()

	gw := &stubGateway{}
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		ok, err := w.Watch(newOrder(gw, id, blockingSleep))
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.Eventually(t, func() bool { return gw.fetchedAddresses() == len(ids) }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, len(ids), w.Len())
}

func TestUnwatchCancelsCheck(t *testing.T) {
	w, err := New(Config{Workers: 1, Queue: 1})
	require.NoError(t, err)
	defer w.Stop()

	gw := &stubGateway{}
	o := newOrder(gw, "gone", blockingSleep)
	ok, err := w.Watch(o)
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, w.Unwatch("gone"))
	require.Eventually(t, func() bool { return !w.Watching("gone") }, time.Second, 5*time.Millisecond)
	require.Equal(t, order.StatusNew, o.CurrentStatus())
	require.False(t, w.Unwatch("gone"))
}
