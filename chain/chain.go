// Package chain defines the ledger-client contract the orchestrator,
// confirmation tracker and race scanner consume. Concrete clients live in
// EVMRPC and assetrpc and are injected at startup, never reached through
// package globals.
package chain

import (
	"context"
	"encoding/json"
	"math/big"
)

// Event is a decoded transfer event: {from, to, amount} plus where it was
// observed. Amount is in the asset's base (integer) units; nil means the
// event carried no usable amount field.
type Event struct {
	TxID        string
	BlockNumber uint64
	From        string
	To          string
	Amount      *big.Int
}

// Receipt is a transaction's inclusion proof. TransferEvents holds every
// transfer-shaped event decoded from its logs; the tracker insists on
// exactly one.
type Receipt struct {
	TxID           string
	BlockNumber    uint64
	Success        bool
	TransferEvents []Event
}

// SignedTx is a signed, possibly already broadcast transaction. Raw is
// the resubmittable wire payload; Payload is the opaque representation
// persisted into the step artifact. Either may be empty for transactions
// discovered on-chain rather than built locally.
type SignedTx struct {
	TxID    string
	Raw     []byte
	Payload json.RawMessage
}

// Client is the per-ledger read/confirm surface. Every call may suspend;
// implementations honor ctx cancellation.
type Client interface {
	// CurrentHeight returns the chain head height.
	CurrentHeight(ctx context.Context) (uint64, error)

	// Receipt returns the receipt for txID, or (nil, nil) while the
	// transaction is unknown or still pending.
	Receipt(ctx context.Context, txID string) (*Receipt, error)

	// InMempool reports whether the node knows txID at all, mined or not.
	InMempool(ctx context.Context, txID string) (bool, error)

	// Resubmit rebroadcasts a raw signed transaction, covering the
	// dropped-from-mempool case.
	Resubmit(ctx context.Context, raw []byte) error

	// PastTransfers queries historical transfer events of ticker to
	// recipient within [fromBlock, toBlock].
	PastTransfers(ctx context.Context, ticker, recipient string, fromBlock, toBlock uint64) ([]Event, error)

	// SubscribeTransfers streams new transfer events of ticker to
	// recipient until ctx is cancelled. The channel is closed on exit.
	SubscribeTransfers(ctx context.Context, ticker, recipient string) (<-chan Event, error)

	// AssetDecimals returns the declared decimal precision of ticker.
	AssetDecimals(ctx context.Context, ticker string) (int32, error)
}
