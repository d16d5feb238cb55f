// Package assetrpc implements the chain-client contract for the pegged
// asset ledger. It talks JSON-RPC to a wallet-enabled gateway node that
// holds the issuer account, so issue/burn calls are signed node-side.
package assetrpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ybbus/jsonrpc"
	"go.uber.org/zap"

	"gopegbridge/chain"
	"gopegbridge/config"
)

type Client struct {
	rpc     jsonrpc.RPCClient
	account string

	subscribePoll time.Duration

	log *zap.Logger
}

func New(cfg *config.Configuration, log *zap.Logger) (*Client, error) {
	c := &Client{
		rpc:           jsonrpc.NewClient(cfg.Asset.Endpoint),
		account:       cfg.Asset.Account,
		subscribePoll: 10 * time.Second,
		log:           log.Named("assetrpc"),
	}

	// unlock the node-side wallet so issue/burn can be signed
	if _, err := c.call("unlock", cfg.Asset.SignKey); err != nil {
		return nil, fmt.Errorf("unlocking gateway wallet: %w", err)
	}
	return c, nil
}

func (c *Client) call(method string, params ...interface{}) (*jsonrpc.RPCResponse, error) {
	resp, err := c.rpc.Call(method, params...)
	if err != nil {
		return nil, fmt.Errorf("asset RPC %s: %w", method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("asset RPC %s: %d %s", method, resp.Error.Code, resp.Error.Message)
	}
	return resp, nil
}

func (c *Client) CurrentHeight(_ context.Context) (uint64, error) {
	resp, err := c.call("head_block_number")
	if err != nil {
		return 0, err
	}
	n, err := resp.GetInt()
	if err != nil {
		return 0, fmt.Errorf("decoding head block number: %w", err)
	}
	return uint64(n), nil
}

// nodeTransfer is the wire shape of one transfer operation.
type nodeTransfer struct {
	TxID     string `json:"tx_id"`
	BlockNum uint64 `json:"block_num"`
	From     string `json:"from"`
	To       string `json:"to"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"` // base units, decimal string
}

type nodeReceipt struct {
	TxID      string         `json:"tx_id"`
	BlockNum  uint64         `json:"block_num"`
	Success   bool           `json:"success"`
	Transfers []nodeTransfer `json:"transfers"`
}

func (c *Client) Receipt(_ context.Context, txID string) (*chain.Receipt, error) {
	resp, err := c.call("get_transaction", txID)
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		// unknown or still pending
		return nil, nil
	}

	var nr nodeReceipt
	if err := resp.GetObject(&nr); err != nil {
		return nil, fmt.Errorf("decoding transaction receipt: %w", err)
	}

	out := &chain.Receipt{TxID: nr.TxID, BlockNumber: nr.BlockNum, Success: nr.Success}
	for _, t := range nr.Transfers {
		out.TransferEvents = append(out.TransferEvents, transferEvent(t))
	}
	return out, nil
}

func (c *Client) InMempool(_ context.Context, txID string) (bool, error) {
	resp, err := c.call("is_known_transaction", txID)
	if err != nil {
		return false, err
	}
	known, err := resp.GetBool()
	if err != nil {
		return false, fmt.Errorf("decoding is_known_transaction: %w", err)
	}
	return known, nil
}

func (c *Client) Resubmit(_ context.Context, raw []byte) error {
	_, err := c.call("broadcast_transaction", hex.EncodeToString(raw))
	return err
}

func (c *Client) PastTransfers(_ context.Context, ticker, recipient string, fromBlock, toBlock uint64) ([]chain.Event, error) {
	resp, err := c.call("get_account_transfers", ticker, recipient, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	var transfers []nodeTransfer
	if err := resp.GetObject(&transfers); err != nil {
		return nil, fmt.Errorf("decoding account transfers: %w", err)
	}

	events := make([]chain.Event, 0, len(transfers))
	for _, t := range transfers {
		events = append(events, transferEvent(t))
	}
	return events, nil
}

// SubscribeTransfers polls forward from the current head; the gateway
// node exposes no push channel.
func (c *Client) SubscribeTransfers(ctx context.Context, ticker, recipient string) (<-chan chain.Event, error) {
	start, err := c.CurrentHeight(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan chain.Event)
	go func() {
		defer close(out)
		last := start
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.subscribePoll):
			}

			head, err := c.CurrentHeight(ctx)
			if err != nil {
				c.log.Warn("error reading head block", zap.Error(err))
				continue
			}
			if head <= last {
				continue
			}

			events, err := c.PastTransfers(ctx, ticker, recipient, last+1, head)
			if err != nil {
				c.log.Warn("error polling new blocks",
					zap.Uint64("fromBlock", last+1), zap.Uint64("toBlock", head), zap.Error(err))
				continue
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			last = head
		}
	}()
	return out, nil
}

func (c *Client) AssetDecimals(_ context.Context, ticker string) (int32, error) {
	resp, err := c.call("get_asset", ticker)
	if err != nil {
		return 0, err
	}

	var asset struct {
		Precision int32 `json:"precision"`
	}
	if err := resp.GetObject(&asset); err != nil {
		return 0, fmt.Errorf("decoding asset: %w", err)
	}
	return asset.Precision, nil
}

type nodeSignedTx struct {
	TxID string          `json:"tx_id"`
	Raw  string          `json:"raw"` // hex, resubmittable
	Tx   json.RawMessage `json:"tx"`
}

// Issue mints amount base units of ticker to the recipient account.
func (c *Client) Issue(_ context.Context, recipient, ticker string, amount *big.Int) (*chain.SignedTx, error) {
	return c.signedCall("issue_asset", recipient, ticker, amount.String())
}

// Burn reserves amount base units of ticker from the issuer account.
func (c *Client) Burn(_ context.Context, ticker string, amount *big.Int) (*chain.SignedTx, error) {
	return c.signedCall("burn_asset", c.account, ticker, amount.String())
}

func (c *Client) signedCall(method string, params ...interface{}) (*chain.SignedTx, error) {
	resp, err := c.call(method, params...)
	if err != nil {
		return nil, err
	}

	var nt nodeSignedTx
	if err := resp.GetObject(&nt); err != nil {
		return nil, fmt.Errorf("decoding signed transaction: %w", err)
	}
	raw, err := hex.DecodeString(nt.Raw)
	if err != nil {
		return nil, fmt.Errorf("decoding raw transaction hex: %w", err)
	}

	c.log.Info("broadcast asset operation",
		zap.String("method", method), zap.String("txId", nt.TxID))

	return &chain.SignedTx{TxID: nt.TxID, Raw: raw, Payload: nt.Tx}, nil
}

func transferEvent(t nodeTransfer) chain.Event {
	ev := chain.Event{
		TxID:        t.TxID,
		BlockNumber: t.BlockNum,
		From:        t.From,
		To:          t.To,
	}
	if amt, ok := new(big.Int).SetString(t.Amount, 10); ok {
		ev.Amount = amt
	}
	return ev
}
