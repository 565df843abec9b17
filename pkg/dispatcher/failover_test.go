package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/observability"
)

func TestSelectEmpty(t *testing.T) {
	_, err := Select(context.Background(), "exchange rate", []fakeProvider(nil), errs.ErrCurrencyNotSupported, callProvider)
	require.ErrorIs(t, err, errs.ErrNoProvidersConfigured)
	require.Contains(t, err.Error(), "the list of exchange rate providers is empty")
}

func TestSelectReturnsFirstSuccessInOrder(t *testing.T) {
	var order []string
	mk := func(name string, value int, err error) fakeProvider {
		return fakeProvider{name: name, call: func(context.Context) (int, error) {
			order = append(order, name)
			return value, err
		}}
	}
	providers := []fakeProvider{
		mk("a", 0, errors.New("down")),
		mk("b", 9, nil),
		mk("c", 1, nil),
	}
	got, err := Select(context.Background(), "exchange rate", providers, nil, callProvider)
	require.NoError(t, err)
	require.Equal(t, 9, got)
	require.Equal(t, []string{"a", "b"}, order)
}

func TestSelectPrefersPriorityError(t *testing.T) {
	rec := new(observability.Recorder)
	observability.SetLogger(rec)
	t.Cleanup(func() { observability.SetLogger(nil) })

	lastErr := errors.New("connection refused")
	providers := []fakeProvider{
		{name: "a", call: func(context.Context) (int, error) { return 0, errs.CurrencyNotSupported("a", "XYZ") }},
		{name: "b", call: func(context.Context) (int, error) { return 0, errors.New("bad gateway") }},
		{name: "c", call: func(context.Context) (int, error) { return 0, lastErr }},
	}
	_, err := Select(context.Background(), "exchange rate", providers, errs.ErrCurrencyNotSupported, callProvider)
	require.ErrorIs(t, err, errs.ErrCurrencyNotSupported)

	require.Equal(t, 1, rec.Count("debug"))
	require.Equal(t, 1, rec.Count("error"), "the final failure is not logged")
}

func TestSelectFallsBackToLastError(t *testing.T) {
	lastErr := errors.New("timeout")
	providers := []fakeProvider{
		failing("a"),
		{name: "b", call: func(context.Context) (int, error) { return 0, lastErr }},
	}
	_, err := Select(context.Background(), "forex", providers, errs.ErrCurrencyNotSupported, callProvider)
	require.ErrorIs(t, err, lastErr)
}

func TestSelectRecoversPanics(t *testing.T) {
	providers := []fakeProvider{
		{name: "boom", call: func(context.Context) (int, error) { panic("nil map") }},
		{name: "ok", call: func(context.Context) (int, error) { return 4, nil }},
	}
	got, err := Select(context.Background(), "forex", providers, nil, callProvider)
	require.NoError(t, err)
	require.Equal(t, 4, got)
}

func TestSelectStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Select(ctx, "forex", []fakeProvider{failing("a")}, nil, callProvider)
	require.ErrorIs(t, err, context.Canceled)
}
