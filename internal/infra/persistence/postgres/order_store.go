package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/blockchain"
	"github.com/coachpo/paywatch/internal/order"
)

// OrderStore persists order snapshots.
type OrderStore struct {
	pool *pgxpool.Pool
}

var (
	_ order.Store  = (*OrderStore)(nil)
	_ order.Lister = (*OrderStore)(nil)
)

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderUpsertSQL = `
INSERT INTO orders (
    id,
    status,
    old_status,
    amount,
    amount_paid,
    accepted,
    address,
    keychain_id,
    block_height_created_at,
    currency,
    exchange_rate,
    test_mode,
    created_at,
    updated_at
)
VALUES (
    @id,
    @status,
    @old_status,
    @amount,
    @amount_paid,
    @accepted::jsonb,
    @address,
    @keychain_id,
    @block_height_created_at,
    @currency,
    @exchange_rate,
    @test_mode,
    @created_at,
    @updated_at
)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    old_status = EXCLUDED.old_status,
    amount_paid = EXCLUDED.amount_paid,
    accepted = EXCLUDED.accepted,
    exchange_rate = EXCLUDED.exchange_rate,
    updated_at = EXCLUDED.updated_at;
`

	orderSelectBase = `
SELECT
    id,
    status,
    old_status,
    amount,
    amount_paid,
    accepted,
    address,
    keychain_id,
    block_height_created_at,
    currency,
    exchange_rate::text,
    test_mode,
    created_at,
    updated_at
FROM orders
`

	// Statuses below Paid are still mutable; -3 is partially paid.
	orderOpenFilter = ` WHERE status < 2 ORDER BY created_at ASC, id ASC`
)

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

// Save inserts the snapshot or updates its mutable columns.
func (s *OrderStore) Save(ctx context.Context, snapshot order.Snapshot) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(snapshot.ID) == "" {
		return fmt.Errorf("order store: order id required")
	}
	accepted, err := json.Marshal(blockchain.ToRecords(snapshot.Accepted))
	if err != nil {
		return fmt.Errorf("order store: encode accepted transactions: %w", err)
	}
	var rate pgtype.Numeric
	if snapshot.ExchangeRate != nil {
		rate, err = numericFromString(snapshot.ExchangeRate.String())
		if err != nil {
			return fmt.Errorf("order store: %w", err)
		}
	}
	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := snapshot.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	args := pgx.NamedArgs{
		"id":                      strings.TrimSpace(snapshot.ID),
		"status":                  int16(snapshot.Status),
		"old_status":              nullableStatus(snapshot.OldStatus),
		"amount":                  snapshot.Amount,
		"amount_paid":             nullableInt64(snapshot.AmountPaid),
		"accepted":                string(accepted),
		"address":                 snapshot.Address,
		"keychain_id":             snapshot.KeychainID,
		"block_height_created_at": snapshot.BlockHeightCreatedAt,
		"currency":                snapshot.Currency,
		"exchange_rate":           rate,
		"test_mode":               snapshot.TestMode,
		"created_at":              createdAt,
		"updated_at":              updatedAt,
	}
	if _, err := pool.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("order store: upsert order: %w", err)
	}
	return nil
}

// Load returns the snapshot for id.
func (s *OrderStore) Load(ctx context.Context, id string) (order.Snapshot, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return order.Snapshot{}, err
	}
	row := pool.QueryRow(ctx, orderSelectBase+" WHERE id = $1", strings.TrimSpace(id))
	snapshot, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Snapshot{}, errs.New("postgres", errs.CodeNotFound,
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithField("id", id))
	}
	if err != nil {
		return order.Snapshot{}, err
	}
	return snapshot, nil
}

// ListOpen returns orders whose status is still mutable, oldest first.
func (s *OrderStore) ListOpen(ctx context.Context) ([]order.Snapshot, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, orderSelectBase+orderOpenFilter)
	if err != nil {
		return nil, fmt.Errorf("order store: list open orders: %w", err)
	}
	defer rows.Close()

	var out []order.Snapshot
	for rows.Next() {
		snapshot, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (order.Snapshot, error) {
	var (
		snapshot      order.Snapshot
		status        int16
		oldStatus     pgtype.Int2
		amountPaid    pgtype.Int8
		acceptedBytes []byte
		rateValue     sql.NullString
	)
	err := row.Scan(
		&snapshot.ID,
		&status,
		&oldStatus,
		&snapshot.Amount,
		&amountPaid,
		&acceptedBytes,
		&snapshot.Address,
		&snapshot.KeychainID,
		&snapshot.BlockHeightCreatedAt,
		&snapshot.Currency,
		&rateValue,
		&snapshot.TestMode,
		&snapshot.CreatedAt,
		&snapshot.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Snapshot{}, err
	}
	if err != nil {
		return order.Snapshot{}, fmt.Errorf("order store: scan order: %w", err)
	}
	snapshot.Status = order.Status(status)
	if oldStatus.Valid {
		old := order.Status(oldStatus.Int16)
		snapshot.OldStatus = &old
	}
	if amountPaid.Valid {
		paid := amountPaid.Int64
		snapshot.AmountPaid = &paid
	}
	if len(acceptedBytes) > 0 {
		var records []blockchain.Record
		if err := json.Unmarshal(acceptedBytes, &records); err != nil {
			return order.Snapshot{}, fmt.Errorf("order store: decode accepted transactions: %w", err)
		}
		if len(records) > 0 {
			snapshot.Accepted = blockchain.FromRecords(records)
		}
	}
	if rateValue.Valid {
		rate, err := decimalFromString(rateValue.String)
		if err != nil {
			return order.Snapshot{}, fmt.Errorf("order store: %w", err)
		}
		snapshot.ExchangeRate = &rate
	}
	snapshot.CreatedAt = snapshot.CreatedAt.UTC()
	snapshot.UpdatedAt = snapshot.UpdatedAt.UTC()
	return snapshot, nil
}

func nullableStatus(ptr *order.Status) any {
	if ptr == nil {
		return nil
	}
	return int16(*ptr)
}

func nullableInt64(ptr *int64) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}
