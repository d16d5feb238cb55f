// Package EVMRPC implements the chain-client contract for the EVM leg of
// the bridge on top of go-ethereum. One Client instance per process,
// injected into the orchestrator; RPC endpoints are tried in order until
// one answers.
package EVMRPC

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"gopegbridge/chain"
	"gopegbridge/config"
	"gopegbridge/types"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"decimals","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[],"payable":false,"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// keccak256("Transfer(address,address,uint256)")
var transferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

type Client struct {
	chainID  *big.Int
	rpcList  []string
	contract common.Address
	from     common.Address
	key      *ecdsa.PrivateKey
	erc20    abi.ABI
	ticker   string

	// how often the live-subscription poller checks for new blocks
	subscribePoll time.Duration

	log *zap.Logger
}

func New(cfg *config.Configuration, log *zap.Logger) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.EVM.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing EVM private key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing ERC-20 ABI: %w", err)
	}

	return &Client{
		chainID:       big.NewInt(cfg.EVM.ChainID),
		rpcList:       cfg.EVM.RPCList,
		contract:      common.HexToAddress(cfg.EVM.ContractAddress),
		from:          crypto.PubkeyToAddress(key.PublicKey),
		key:           key,
		erc20:         parsed,
		ticker:        config.TickerUSDT,
		subscribePoll: 15 * time.Second,
		log:           log.Named("evmrpc"),
	}, nil
}

// withClient dials the configured endpoints in order and runs f against
// the first one that answers.
func withClient[T any](c *Client, f func(client *ethclient.Client) (T, error)) (res T, err error) {
	for _, url := range c.rpcList {
		var client *ethclient.Client
		client, err = ethclient.Dial(url)
		if err != nil {
			c.log.Warn("error connecting to RPC endpoint", zap.String("url", url), zap.Error(err))
			continue
		}

		res, err = f(client)
		client.Close()
		if err == nil {
			return
		}
	}
	return
}

func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	return withClient(c, func(client *ethclient.Client) (uint64, error) {
		return client.BlockNumber(ctx)
	})
}

func (c *Client) Receipt(ctx context.Context, txID string) (*chain.Receipt, error) {
	return withClient(c, func(client *ethclient.Client) (*chain.Receipt, error) {
		rcpt, err := client.TransactionReceipt(ctx, common.HexToHash(txID))
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		out := &chain.Receipt{
			TxID:        txID,
			BlockNumber: rcpt.BlockNumber.Uint64(),
			Success:     rcpt.Status == ethtypes.ReceiptStatusSuccessful,
		}
		for _, l := range rcpt.Logs {
			if ev, ok := c.decodeTransferLog(*l); ok {
				out.TransferEvents = append(out.TransferEvents, ev)
			}
		}
		return out, nil
	})
}

func (c *Client) InMempool(ctx context.Context, txID string) (bool, error) {
	return withClient(c, func(client *ethclient.Client) (bool, error) {
		_, _, err := client.TransactionByHash(ctx, common.HexToHash(txID))
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	})
}

func (c *Client) Resubmit(ctx context.Context, raw []byte) error {
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("decoding raw transaction: %w", err)
	}

	_, err := withClient(c, func(client *ethclient.Client) (struct{}, error) {
		err := client.SendTransaction(ctx, tx)
		// an identical pending transaction is as good as a resubmission
		if err != nil && strings.Contains(err.Error(), "already known") {
			err = nil
		}
		return struct{}{}, err
	})
	return err
}

func (c *Client) PastTransfers(ctx context.Context, ticker, recipient string, fromBlock, toBlock uint64) ([]chain.Event, error) {
	if ticker != c.ticker {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownTicker, ticker)
	}

	logs, err := withClient(c, func(client *ethclient.Client) ([]ethtypes.Log, error) {
		return client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
			Addresses: []common.Address{c.contract},
			Topics: [][]common.Hash{
				{transferTopic},
				{},
				{common.BytesToHash(common.HexToAddress(recipient).Bytes())},
			},
		})
	})
	if err != nil {
		return nil, err
	}

	var events []chain.Event
	for _, l := range logs {
		if ev, ok := c.decodeTransferLog(l); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// SubscribeTransfers streams matching transfer events by polling new
// block ranges. Polling over plain HTTPS endpoints is deliberate: the
// configured public RPC list rarely offers websocket subscriptions.
func (c *Client) SubscribeTransfers(ctx context.Context, ticker, recipient string) (<-chan chain.Event, error) {
	if ticker != c.ticker {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownTicker, ticker)
	}

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
				c.log.Warn("error reading chain head", zap.Error(err))
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

func (c *Client) AssetDecimals(ctx context.Context, ticker string) (int32, error) {
	if ticker != c.ticker {
		return 0, fmt.Errorf("%w: %s", types.ErrUnknownTicker, ticker)
	}

	data, err := c.erc20.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("packing decimals call: %w", err)
	}

	res, err := withClient(c, func(client *ethclient.Client) ([]byte, error) {
		return client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	})
	if err != nil {
		return 0, err
	}

	vals, err := c.erc20.Unpack("decimals", res)
	if err != nil || len(vals) != 1 {
		return 0, fmt.Errorf("unpacking decimals result: %w", err)
	}
	dec, ok := vals[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", vals[0])
	}
	return int32(dec.Int64()), nil
}

// TransferTo signs and broadcasts an ERC-20 transfer of amount base units
// to the recipient. The returned SignedTx carries the raw payload for
// later resubmission by the confirmation tracker.
func (c *Client) TransferTo(ctx context.Context, recipient string, amount *big.Int) (*chain.SignedTx, error) {
	// validate the raw string; HexToAddress would quietly turn garbage
	// into the zero address
	if err := ethav.Validate(recipient); err != nil {
		return nil, fmt.Errorf("invalid recipient address %q: %w", recipient, err)
	}

	data, err := c.erc20.Pack("transfer", common.HexToAddress(recipient), amount)
	if err != nil {
		return nil, fmt.Errorf("packing transfer call: %w", err)
	}

	op := func() (*ethtypes.Transaction, error) {
		return withClient(c, func(client *ethclient.Client) (*ethtypes.Transaction, error) {
			nonce, err := client.PendingNonceAt(ctx, c.from)
			if err != nil {
				return nil, fmt.Errorf("getting nonce: %w", err)
			}
			gasPrice, err := client.SuggestGasPrice(ctx)
			if err != nil {
				return nil, fmt.Errorf("getting suggested gas price: %w", err)
			}
			gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &c.contract, Data: data})
			if err != nil {
				return nil, fmt.Errorf("estimating gas: %w", err)
			}

			signed, err := ethtypes.SignNewTx(c.key, ethtypes.LatestSignerForChainID(c.chainID), &ethtypes.LegacyTx{
				Nonce:    nonce,
				To:       &c.contract,
				Gas:      gas * 4,
				GasPrice: gasPrice,
				Data:     data,
			})
			if err != nil {
				return nil, backoff.Permanent(fmt.Errorf("signing transaction: %w", err))
			}

			if err := client.SendTransaction(ctx, signed); err != nil {
				return nil, fmt.Errorf("broadcasting transaction: %w", err)
			}
			return signed, nil
		})
	}

	signed, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(config.EVM_RETRIES))
	if err != nil {
		return nil, err
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encoding raw transaction: %w", err)
	}
	payload, err := signed.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding transaction payload: %w", err)
	}

	c.log.Info("broadcast ERC-20 transfer",
		zap.String("txId", signed.Hash().Hex()),
		zap.String("to", recipient),
		zap.String("amount", amount.String()))

	return &chain.SignedTx{
		TxID:    signed.Hash().Hex(),
		Raw:     raw,
		Payload: json.RawMessage(payload),
	}, nil
}

func (c *Client) decodeTransferLog(l ethtypes.Log) (chain.Event, bool) {
	if l.Address != c.contract || len(l.Topics) < 3 || l.Topics[0] != transferTopic {
		return chain.Event{}, false
	}
	ev := chain.Event{
		TxID:        l.TxHash.Hex(),
		BlockNumber: l.BlockNumber,
		From:        common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
	}
	if len(l.Data) >= 32 {
		ev.Amount = new(big.Int).SetBytes(l.Data[:32])
	}
	return ev, true
}
