package esplora

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/paywatch/internal/observability"
)

const (
	tipFeedReadLimit            = 1 << 20
	tipFeedMaxReconnectInterval = 30 * time.Second
)

// TipFeed follows new blocks over a mempool.space style websocket and keeps the latest tip height.
type TipFeed struct {
	name   string
	url    string
	height atomic.Int64
	ready  chan struct{}
	once   sync.Once
}

type wantRequest struct {
	Action string   `json:"action"`
	Data   []string `json:"data"`
}

type blockMessage struct {
	Block *struct {
		Height int64 `json:"height"`
	} `json:"block"`
	Blocks []struct {
		Height int64 `json:"height"`
	} `json:"blocks"`
}

// NewTipFeed returns a feed for the websocket endpoint at url (for example wss://mempool.space/api/v1/ws).
func NewTipFeed(name, url string) *TipFeed {
	if name == "" {
		name = "esplora"
	}
	return &TipFeed{name: name, url: url, ready: make(chan struct{})}
}

// Height implements TipSource.
func (f *TipFeed) Height() (int64, bool) {
	h := f.height.Load()
	return h, h > 0
}

// Ready is closed once the first tip height arrives.
func (f *TipFeed) Ready() <-chan struct{} { return f.ready }

// Run connects and reconnects until ctx is done.
func (f *TipFeed) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = tipFeedMaxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := websocket.Dial(ctx, f.url, nil)
		if err == nil {
			conn.SetReadLimit(tipFeedReadLimit)
			backoffCfg.Reset()
			err = f.serve(ctx, conn)
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
		if err != nil && ctx.Err() == nil {
			observability.Log().Warn("block tip feed disconnected",
				observability.F("provider", f.name),
				observability.F("error", err))
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = tipFeedMaxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (f *TipFeed) serve(ctx context.Context, conn *websocket.Conn) error {
	want, err := json.Marshal(wantRequest{Action: "want", Data: []string{"blocks"}})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, want); err != nil {
		return fmt.Errorf("subscribe blocks: %w", err)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		f.handle(data)
	}
}

func (f *TipFeed) handle(data []byte) {
	var msg blockMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		observability.Log().Debug("block tip feed: skip frame",
			observability.F("provider", f.name),
			observability.F("error", err))
		return
	}
	height := int64(0)
	if msg.Block != nil {
		height = msg.Block.Height
	}
	for _, b := range msg.Blocks {
		if b.Height > height {
			height = b.Height
		}
	}
	if height <= 0 {
		return
	}
	for {
		current := f.height.Load()
		if height <= current {
			return
		}
		if f.height.CompareAndSwap(current, height) {
			break
		}
	}
	f.once.Do(func() { close(f.ready) })
}
