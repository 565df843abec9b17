// Package memory provides an in-process order.Store for tests and single-node deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/order"
)

// Store keeps order snapshots in a map guarded by a RWMutex.
type Store struct {
	mu     sync.RWMutex
	orders map[string]order.Snapshot
}

var (
	_ order.Store  = (*Store)(nil)
	_ order.Lister = (*Store)(nil)
)

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{orders: make(map[string]order.Snapshot)}
}

// Save inserts or replaces the snapshot keyed by its id.
func (s *Store) Save(ctx context.Context, snapshot order.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory store save: %w", err)
	}
	id := strings.TrimSpace(snapshot.ID)
	if id == "" {
		return errs.New("memory", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	s.mu.Lock()
	s.orders[id] = clone(snapshot)
	s.mu.Unlock()
	return nil
}

// Load returns a copy of the snapshot for id.
func (s *Store) Load(ctx context.Context, id string) (order.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return order.Snapshot{}, fmt.Errorf("memory store load: %w", err)
	}
	s.mu.RLock()
	snapshot, ok := s.orders[strings.TrimSpace(id)]
	s.mu.RUnlock()
	if !ok {
		return order.Snapshot{}, errs.New("memory", errs.CodeNotFound,
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithField("id", id))
	}
	return clone(snapshot), nil
}

// ListOpen returns orders whose status is still mutable, oldest first.
func (s *Store) ListOpen(ctx context.Context) ([]order.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("memory store list: %w", err)
	}
	s.mu.RLock()
	out := make([]order.Snapshot, 0, len(s.orders))
	for _, snapshot := range s.orders {
		if snapshot.Status.Locked() {
			continue
		}
		out = append(out, clone(snapshot))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Len reports the number of stored orders.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

func clone(in order.Snapshot) order.Snapshot {
	out := in
	if in.OldStatus != nil {
		v := *in.OldStatus
		out.OldStatus = &v
	}
	if in.AmountPaid != nil {
		v := *in.AmountPaid
		out.AmountPaid = &v
	}
	if in.ExchangeRate != nil {
		v := *in.ExchangeRate
		out.ExchangeRate = &v
	}
	if in.Accepted != nil {
		out.Accepted = append(out.Accepted[:0:0], in.Accepted...)
	}
	return out
}
