package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/paywatch/errs"
)

func TestGetJSONRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"height": 42}`))
	}))
	defer srv.Close()

	client := NewClient(ClientOptions{Provider: "test", BaseURL: srv.URL + "/", MaxRetries: 3})
	var out struct {
		Height int64 `json:"height"`
	}
	require.NoError(t, client.GetJSON(context.Background(), "/tip", &out))
	require.Equal(t, int64(42), out.Height)
	require.Equal(t, int32(3), calls.Load())
}

func TestGetJSONClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Invalid address: checksum mismatch"))
	}))
	defer srv.Close()

	client := NewClient(ClientOptions{Provider: "test", BaseURL: srv.URL, MaxRetries: 3})
	err := client.GetJSON(context.Background(), "/addr/x", &struct{}{})
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, http.StatusBadRequest, StatusCode(err))
	require.Contains(t, RawMessage(err), "Invalid address")

	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.CodeInvalid, e.Code)
	require.Equal(t, "test", e.Provider)
}

func TestGetJSONDecodeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	client := NewClient(ClientOptions{Provider: "test", BaseURL: srv.URL, MaxRetries: -1})
	err := client.GetJSON(context.Background(), "/status", &struct{}{})
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.CodeProvider, e.Code)
	require.Contains(t, e.RawMsg, "maintenance")
}

func TestGetHonoursCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := NewClient(ClientOptions{Provider: "test", BaseURL: srv.URL, RequestsPerSecond: 5})
	_, err := client.Get(ctx, "/status")
	require.ErrorIs(t, err, context.Canceled)
}

func TestPath(t *testing.T) {
	require.Equal(t, "/tx/abc", Path("tx", "/abc/"))
	require.Equal(t, "/status", Path("", "status"))
}
