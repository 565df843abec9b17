package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/blockchain"
	"github.com/coachpo/paywatch/internal/infra/persistence/migrations"
	"github.com/coachpo/paywatch/internal/order"
)

func TestOrderStoreNilPool(t *testing.T) {
	store := NewOrderStore(nil)
	ctx := context.Background()
	require.Error(t, store.Save(ctx, order.Snapshot{ID: "abc"}))
	_, err := store.Load(ctx, "abc")
	require.Error(t, err)
	_, err = store.ListOpen(ctx)
	require.Error(t, err)
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), " ", PoolOptions{})
	require.Error(t, err)
}

func TestDecimalFromString(t *testing.T) {
	d, err := decimalFromString(" 450.541200000000000000 ")
	require.NoError(t, err)
	require.True(t, d.Equal(decimal.RequireFromString("450.5412")))

	_, err = decimalFromString("abc")
	require.Error(t, err)
}

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres contract test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "paywatch"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/paywatch?sslmode=disable", host, port.Port())

	require.NoError(t, migrations.Apply(ctx, dsn, migrations.EmbeddedSource, nil))
	pool, err := Open(ctx, dsn, PoolOptions{MaxConns: 4, Name: "contract"})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestOrderStoreContract(t *testing.T) {
	pool := startPostgres(t)
	store := NewOrderStore(pool)
	ctx := context.Background()

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rate := decimal.RequireFromString("65000.12")
	snapshot := order.Snapshot{
		ID:                   "order-1",
		Status:               order.StatusNew,
		Amount:               100000,
		Address:              "bc1qcontract",
		KeychainID:           "7",
		BlockHeightCreatedAt: 830000,
		Currency:             "USD",
		ExchangeRate:         &rate,
		CreatedAt:            created,
		UpdatedAt:            created,
	}
	require.NoError(t, store.Save(ctx, snapshot))
	require.NoError(t, store.Save(ctx, order.Snapshot{
		ID: "order-2", Status: order.StatusPaid, Amount: 1, Address: "bc1qpaid", Currency: "BTC",
		CreatedAt: created.Add(-time.Hour),
	}))

	got, err := store.Load(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, order.StatusNew, got.Status)
	require.Nil(t, got.OldStatus)
	require.Nil(t, got.AmountPaid)
	require.Empty(t, got.Accepted)
	require.True(t, got.ExchangeRate.Equal(rate))
	require.True(t, got.CreatedAt.Equal(created))

	open, err := store.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "order-1", open[0].ID)

	old := order.StatusNew
	paid := int64(60000)
	snapshot.Status = order.StatusPartiallyPaid
	snapshot.OldStatus = &old
	snapshot.AmountPaid = &paid
	snapshot.Accepted = []blockchain.Transaction{{ID: "tx1", Amount: 60000, Confirmations: 2, BlockHeight: 830001}}
	snapshot.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, store.Save(ctx, snapshot))

	got, err = store.Load(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, order.StatusPartiallyPaid, got.Status)
	require.Equal(t, order.StatusNew, *got.OldStatus)
	require.Equal(t, int64(60000), *got.AmountPaid)
	require.Equal(t, snapshot.Accepted, got.Accepted)

	open, err = store.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	_, err = store.Load(ctx, "missing")
	require.ErrorIs(t, err, errs.ErrOrderNotFound)
}
