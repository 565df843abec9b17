// Package esplora implements blockchain.Provider over the Esplora REST API
// (Blockstream, mempool.space) with an optional websocket block tip feed.
package esplora

import (
	"context"
	"strconv"
	"strings"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/blockchain"
	"github.com/coachpo/paywatch/internal/infra/adapters/shared"
)

// TipSource reports a cached chain tip height; ok is false until one is known.
type TipSource interface {
	Height() (int64, bool)
}

// Provider queries one Esplora deployment.
type Provider struct {
	name   string
	client *shared.Client
	tip    TipSource
}

// Option customises a Provider.
type Option func(*Provider)

// WithTipSource answers LatestBlockHeight and confirmation counts from a live feed when it has a value.
func WithTipSource(tip TipSource) Option {
	return func(p *Provider) { p.tip = tip }
}

// New returns a Provider for the Esplora API rooted at opts.BaseURL (for example https://blockstream.info/api).
func New(name string, opts shared.ClientOptions, options ...Option) *Provider {
	if strings.TrimSpace(name) == "" {
		name = "esplora"
	}
	opts.Provider = name
	p := &Provider{name: name, client: shared.NewClient(opts)}
	for _, opt := range options {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Name implements blockchain.Provider.
func (p *Provider) Name() string { return p.name }

type txStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
}

type txOutput struct {
	Address string `json:"scriptpubkey_address"`
	Value   int64  `json:"value"`
}

type txResponse struct {
	TxID   string     `json:"txid"`
	Status txStatus   `json:"status"`
	Vout   []txOutput `json:"vout"`
}

type addressStats struct {
	FundedTxoSum int64 `json:"funded_txo_sum"`
	SpentTxoSum  int64 `json:"spent_txo_sum"`
}

type addressResponse struct {
	ChainStats addressStats `json:"chain_stats"`
}

// FetchTransaction returns tx id. When address is set only outputs paying it are summed.
func (p *Provider) FetchTransaction(ctx context.Context, id, address string) (blockchain.Transaction, error) {
	var raw txResponse
	if err := p.get(ctx, shared.Path("tx", id), id, &raw); err != nil {
		return blockchain.Transaction{}, err
	}
	tip, err := p.tipFor(ctx, []txResponse{raw})
	if err != nil {
		return blockchain.Transaction{}, err
	}
	return straighten(raw, address, tip), nil
}

const (
	// chainPageSize is how many confirmed transactions Esplora returns per page.
	chainPageSize = 25
	// maxChainPages caps the confirmed history read for one address.
	maxChainPages = 20
)

// FetchTransactionsFor returns the transactions of address, newest first.
// Confirmed history is followed page by page up to maxChainPages.
func (p *Provider) FetchTransactionsFor(ctx context.Context, address string) ([]blockchain.Transaction, error) {
	var raw []txResponse
	if err := p.get(ctx, shared.Path("address", address, "txs"), address, &raw); err != nil {
		return nil, err
	}
	page, lastSeen := confirmedTail(raw)
	for pages := 1; page == chainPageSize && pages < maxChainPages; pages++ {
		var next []txResponse
		if err := p.get(ctx, shared.Path("address", address, "txs", "chain", lastSeen), address, &next); err != nil {
			return nil, err
		}
		raw = append(raw, next...)
		page, lastSeen = confirmedTail(next)
	}

	tip, err := p.tipFor(ctx, raw)
	if err != nil {
		return nil, err
	}
	out := make([]blockchain.Transaction, 0, len(raw))
	for _, tx := range raw {
		out = append(out, straighten(tx, address, tip))
	}
	return out, nil
}

// confirmedTail counts the confirmed transactions of a page and returns the
// id of the last one, the cursor of the next chain page.
func confirmedTail(txs []txResponse) (int, string) {
	var (
		n    int
		last string
	)
	for _, tx := range txs {
		if tx.Status.Confirmed {
			n++
			last = tx.TxID
		}
	}
	return n, last
}

// FetchBalanceFor returns the confirmed balance of address in satoshi.
func (p *Provider) FetchBalanceFor(ctx context.Context, address string) (int64, error) {
	var raw addressResponse
	if err := p.get(ctx, shared.Path("address", address), address, &raw); err != nil {
		return 0, err
	}
	return raw.ChainStats.FundedTxoSum - raw.ChainStats.SpentTxoSum, nil
}

// LatestBlockHeight returns the tip height, preferring the live feed.
func (p *Provider) LatestBlockHeight(ctx context.Context) (int64, error) {
	if p.tip != nil {
		if height, ok := p.tip.Height(); ok {
			return height, nil
		}
	}
	body, err := p.client.Get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, errs.New(p.name, errs.CodeProvider,
			errs.WithMessage("parse tip height"),
			errs.WithRawMessage(string(body)),
			errs.WithCause(err))
	}
	return height, nil
}

// tipFor fetches the tip only when a confirmed transaction needs a confirmation count.
func (p *Provider) tipFor(ctx context.Context, txs []txResponse) (int64, error) {
	for _, tx := range txs {
		if tx.Status.Confirmed {
			return p.LatestBlockHeight(ctx)
		}
	}
	return 0, nil
}

func (p *Provider) get(ctx context.Context, path, subject string, out any) error {
	err := p.client.GetJSON(ctx, path, out)
	if err != nil && shared.StatusCode(err) == 400 &&
		strings.Contains(strings.ToLower(shared.RawMessage(err)), "invalid bitcoin address") {
		return errs.InvalidAddress(p.name, subject, err)
	}
	return err
}

func straighten(raw txResponse, address string, tip int64) blockchain.Transaction {
	tx := blockchain.Transaction{ID: raw.TxID}
	for _, out := range raw.Vout {
		if out.Address == "" {
			continue
		}
		if address != "" && out.Address != address {
			continue
		}
		tx.Amount += out.Value
	}
	if raw.Status.Confirmed && raw.Status.BlockHeight > 0 {
		tx.BlockHeight = raw.Status.BlockHeight
		if tip >= raw.Status.BlockHeight {
			tx.Confirmations = tip - raw.Status.BlockHeight + 1
		}
	}
	return tx
}
