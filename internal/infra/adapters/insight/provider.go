// Package insight implements blockchain.Provider over the Insight REST API.
package insight

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/paywatch/errs"
	"github.com/coachpo/paywatch/internal/blockchain"
	"github.com/coachpo/paywatch/internal/infra/adapters/shared"
	"github.com/coachpo/paywatch/internal/numeric"
)

const invalidAddressMarker = "Invalid address"

// Provider queries one Insight deployment.
type Provider struct {
	name   string
	client *shared.Client
}

// New returns a Provider for the Insight API rooted at opts.BaseURL (for example https://host/api).
func New(name string, opts shared.ClientOptions) *Provider {
	if strings.TrimSpace(name) == "" {
		name = "insight"
	}
	opts.Provider = name
	return &Provider{name: name, client: shared.NewClient(opts)}
}

// Name implements blockchain.Provider.
func (p *Provider) Name() string { return p.name }

type txResponse struct {
	TxID          string     `json:"txid"`
	Confirmations *int64     `json:"confirmations"`
	BlockHeight   *int64     `json:"blockheight"`
	BlockHash     string     `json:"blockhash"`
	Vout          []txOutput `json:"vout"`
}

type txOutput struct {
	Value        decimal.Decimal `json:"value"`
	ScriptPubKey *scriptPubKey   `json:"scriptPubKey"`
}

type scriptPubKey struct {
	Addresses []string `json:"addresses"`
}

type addrResponse struct {
	Transactions []string `json:"transactions"`
	BalanceSat   int64    `json:"balanceSat"`
}

type statusResponse struct {
	Info struct {
		Blocks int64 `json:"blocks"`
	} `json:"info"`
}

type blockResponse struct {
	Height int64 `json:"height"`
}

// FetchTransaction returns tx id. When address is set only outputs paying it are summed.
func (p *Provider) FetchTransaction(ctx context.Context, id, address string) (blockchain.Transaction, error) {
	var raw txResponse
	if err := p.get(ctx, shared.Path("tx", id), id, &raw); err != nil {
		return blockchain.Transaction{}, err
	}
	return p.straighten(ctx, raw, address)
}

// FetchTransactionsFor returns every transaction listed for address, newest first.
func (p *Provider) FetchTransactionsFor(ctx context.Context, address string) ([]blockchain.Transaction, error) {
	var addr addrResponse
	if err := p.get(ctx, shared.Path("addr", address), address, &addr); err != nil {
		return nil, err
	}
	out := make([]blockchain.Transaction, 0, len(addr.Transactions))
	for _, id := range addr.Transactions {
		tx, err := p.FetchTransaction(ctx, id, address)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// FetchBalanceFor returns the address balance in satoshi.
func (p *Provider) FetchBalanceFor(ctx context.Context, address string) (int64, error) {
	var addr addrResponse
	if err := p.get(ctx, shared.Path("addr", address), address, &addr); err != nil {
		return 0, err
	}
	return addr.BalanceSat, nil
}

// LatestBlockHeight returns the node's block count.
func (p *Provider) LatestBlockHeight(ctx context.Context) (int64, error) {
	var status statusResponse
	if err := p.get(ctx, "/status", "", &status); err != nil {
		return 0, err
	}
	return status.Info.Blocks, nil
}

func (p *Provider) get(ctx context.Context, path, subject string, out any) error {
	err := p.client.GetJSON(ctx, path, out)
	if err != nil && strings.Contains(shared.RawMessage(err), invalidAddressMarker) {
		return errs.InvalidAddress(p.name, subject, err)
	}
	return err
}

func (p *Provider) straighten(ctx context.Context, raw txResponse, address string) (blockchain.Transaction, error) {
	tx := blockchain.Transaction{ID: raw.TxID}
	total := decimal.Zero
	for _, out := range raw.Vout {
		if out.ScriptPubKey == nil || len(out.ScriptPubKey.Addresses) == 0 {
			continue
		}
		if address != "" && out.ScriptPubKey.Addresses[0] != address {
			continue
		}
		total = total.Add(out.Value)
	}
	amount, err := numeric.ToSatoshi(total, numeric.BTC)
	if err != nil {
		return blockchain.Transaction{}, err
	}
	tx.Amount = amount
	if raw.Confirmations != nil {
		tx.Confirmations = *raw.Confirmations
	}

	switch {
	case raw.BlockHeight != nil && *raw.BlockHeight > 0:
		tx.BlockHeight = *raw.BlockHeight
	case strings.TrimSpace(raw.BlockHash) != "":
		var block blockResponse
		if err := p.get(ctx, shared.Path("block", raw.BlockHash), raw.BlockHash, &block); err != nil {
			return blockchain.Transaction{}, err
		}
		tx.BlockHeight = block.Height
	}
	return tx, nil
}
