package esplora

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/blockchain"
	"github.com/coachpo/paywatch/internal/infra/adapters/shared"
)

const watched = "bc1qwatchedaddress0000000000000000000000"

func newEsploraServer(t *testing.T) *httptest.Server {
	t.Helper()
	routes := map[string]string{
		"/api/address/" + watched + "/txs": `[
			{"txid":"tx-mempool","status":{"confirmed":false},"vout":[
				{"scriptpubkey_address":"` + watched + `","value":100000},
				{"scriptpubkey_address":"bc1qchange","value":900000}
			]},
			{"txid":"tx-mined","status":{"confirmed":true,"block_height":800000,"block_hash":"00ab"},"vout":[
				{"scriptpubkey_address":"` + watched + `","value":50000},
				{"value":0}
			]}
		]`,
		"/api/address/" + watched: `{"chain_stats":{"funded_txo_sum":250000,"spent_txo_sum":100000}}`,
		"/api/tx/tx-mined": `{"txid":"tx-mined","status":{"confirmed":true,"block_height":800000},"vout":[
			{"scriptpubkey_address":"` + watched + `","value":50000},
			{"scriptpubkey_address":"bc1qother","value":70000}
		]}`,
		"/api/blocks/tip/height": "800005\n",
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/address/tb1") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("Invalid Bitcoin address"))
			return
		}
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
}

func newProvider(srv *httptest.Server, options ...Option) *Provider {
	return New("esplora-test", shared.ClientOptions{BaseURL: srv.URL + "/api", MaxRetries: -1}, options...)
}

type fixedTip int64

func (f fixedTip) Height() (int64, bool) { return int64(f), f > 0 }

func TestFetchTransactionsFor(t *testing.T) {
	srv := newEsploraServer(t)
	defer srv.Close()

	txs, err := newProvider(srv).FetchTransactionsFor(context.Background(), watched)
	require.NoError(t, err)
	require.Equal(t, []blockchain.Transaction{
		{ID: "tx-mempool", Amount: 100000},
		{ID: "tx-mined", Amount: 50000, Confirmations: 6, BlockHeight: 800000},
	}, txs)
}

func TestFetchTransactionsForFollowsChainPages(t *testing.T) {
	confirmed := func(id string, height int) string {
		return fmt.Sprintf(`{"txid":%q,"status":{"confirmed":true,"block_height":%d},"vout":[{"scriptpubkey_address":%q,"value":1}]}`,
			id, height, watched)
	}
	first := make([]string, 0, chainPageSize)
	for i := 0; i < chainPageSize; i++ {
		first = append(first, confirmed(fmt.Sprintf("tx-%d", i), 800100-i))
	}

	var tipCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/address/" + watched + "/txs":
			_, _ = w.Write([]byte("[" + strings.Join(first, ",") + "]"))
		case "/api/address/" + watched + "/txs/chain/tx-24":
			_, _ = w.Write([]byte("[" + confirmed("tx-25", 800000) + "]"))
		case "/api/blocks/tip/height":
			tipCalls.Add(1)
			_, _ = w.Write([]byte("800100"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	txs, err := newProvider(srv).FetchTransactionsFor(context.Background(), watched)
	require.NoError(t, err)
	require.Len(t, txs, chainPageSize+1)
	require.Equal(t, "tx-0", txs[0].ID)
	require.Equal(t, int64(1), txs[0].Confirmations)
	require.Equal(t, blockchain.Transaction{ID: "tx-25", Amount: 1, Confirmations: 101, BlockHeight: 800000}, txs[chainPageSize])
	require.Equal(t, int32(1), tipCalls.Load())
}

func TestFetchTransactionUsesTipSource(t *testing.T) {
	srv := newEsploraServer(t)
	defer srv.Close()

	p := newProvider(srv, WithTipSource(fixedTip(800009)))
	tx, err := p.FetchTransaction(context.Background(), "tx-mined", "")
	require.NoError(t, err)
	require.Equal(t, int64(120000), tx.Amount)
	require.Equal(t, int64(10), tx.Confirmations)

	height, err := p.LatestBlockHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(800009), height)
}

func TestFetchBalanceAndHeight(t *testing.T) {
	srv := newEsploraServer(t)
	defer srv.Close()
	p := newProvider(srv, WithTipSource(fixedTip(0)))

	balance, err := p.FetchBalanceFor(context.Background(), watched)
	require.NoError(t, err)
	require.Equal(t, int64(150000), balance)

	height, err := p.LatestBlockHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(800005), height)
}

func TestInvalidAddress(t *testing.T) {
	srv := newEsploraServer(t)
	defer srv.Close()

	_, err := newProvider(srv).FetchBalanceFor(context.Background(), "tb1qexample")
	require.ErrorIs(t, err, errs.ErrInvalidAddress)
}

func TestTipFeedTracksHighestBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscribed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "shutdown")

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		subscribed <- string(data)
		frames := []string{
			`{"blocks":[{"height":799998},{"height":800001}]}`,
			`not json`,
			`{"block":{"height":800000}}`,
			`{"block":{"height":800002}}`,
		}
		for _, frame := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		<-ctx.Done()
	}))
	defer srv.Close()

	feed := NewTipFeed("esplora-test", "ws"+strings.TrimPrefix(srv.URL, "http"))
	_, ok := feed.Height()
	require.False(t, ok)

	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	select {
	case <-feed.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("expected first tip")
	}
	require.JSONEq(t, `{"action":"want","data":["blocks"]}`, <-subscribed)
	require.Eventually(t, func() bool {
		h, _ := feed.Height()
		return h == 800002
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
}
