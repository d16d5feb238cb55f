package workers

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopegbridge/chain"
	"gopegbridge/types"
)

func newTestOrchestrator(t *testing.T, store Store, evm *fakeChain, asset *fakeChain) *Orchestrator {
	log := testLogger(t)
	tracker := NewTracker(store, log, time.Millisecond, 5, 24)
	scanner := NewScanner(tracker, log, 1000)
	return NewOrchestrator(store, evm, asset, tracker, scanner, log, "bridge-evm", "bridge-account")
}

func TestForwardHappyPath(t *testing.T) {
	rec := newTestRecord("fwd-1", types.StatusPending)
	store := newFakeStore(rec)

	evm := newFakeChain(100, 6)
	evm.pastFn = func(fromBlock, toBlock uint64) ([]chain.Event, error) {
		if fromBlock <= 50 && 50 <= toBlock {
			return []chain.Event{{TxID: "0xdep", BlockNumber: 50, To: "bridge-evm", Amount: big.NewInt(5_000_000)}}, nil
		}
		return nil, nil
	}
	evm.setReceipts("0xdep", receiptFor("0xdep", 50, "bridge-evm", 5_000_000))

	asset := newFakeChain(200, 5)
	asset.nextTx = &chain.SignedTx{TxID: "tx-issue", Payload: []byte(`{"op":"issue"}`)}
	asset.setReceipts("tx-issue", receiptFor("tx-issue", 150, "payout-destination", 500_000))

	o := newTestOrchestrator(t, store, evm, asset)
	require.NoError(t, o.Forward(context.Background(), "fwd-1"))

	assert.Equal(t, types.StatusOk, rec.Status)
	assert.Equal(t, "5", rec.AmountFrom.Decimal.String())
	assert.Equal(t, "5", rec.AmountTo.Decimal.String())
	assert.Equal(t, "0xdep", rec.Artifact(types.StepReceive).TxID)
	assert.Equal(t, "tx-issue", rec.Artifact(types.StepIssue).TxID)
	require.Len(t, asset.issued, 1)
	assert.Nil(t, rec.TxBurn)
	assert.Nil(t, rec.TxTransferTo)

	assert.Equal(t, []types.Status{
		types.StatusReceiveOk,
		types.StatusIssueCommitOk,
		types.StatusIssueOk,
		types.StatusOk,
	}, store.savedStatuses())
}

func TestReverseHappyPath(t *testing.T) {
	rec := newTestRecord("rev-1", types.StatusPending)
	rec.TickerFrom = "FINTEH.USDT"
	rec.TickerTo = "USDT"
	rec.DerivedWallet.Ledger = types.LedgerEVM
	rec.DerivedWallet.Invoice = "0xuser"
	store := newFakeStore(rec)

	asset := newFakeChain(200, 5)
	asset.pastFn = func(fromBlock, toBlock uint64) ([]chain.Event, error) {
		if fromBlock <= 120 && 120 <= toBlock {
			return []chain.Event{{TxID: "atx-dep", BlockNumber: 120, To: "bridge-account", Amount: big.NewInt(700_000)}}, nil
		}
		return nil, nil
	}
	asset.setReceipts("atx-dep", receiptFor("atx-dep", 120, "bridge-account", 700_000))
	asset.nextTx = &chain.SignedTx{TxID: "tx-burn", Payload: []byte(`{"op":"burn"}`)}
	asset.setReceipts("tx-burn", receiptFor("tx-burn", 150, "bridge-account", 700_000))

	evm := newFakeChain(100, 6)
	evm.nextTx = &chain.SignedTx{TxID: "0xout", Raw: []byte{0x01}, Payload: []byte(`{"hash":"0xout"}`)}
	evm.setReceipts("0xout", receiptFor("0xout", 70, "0xuser", 7_000_000))

	o := newTestOrchestrator(t, store, evm, asset)
	require.NoError(t, o.Reverse(context.Background(), "rev-1"))

	assert.Equal(t, types.StatusOk, rec.Status)
	assert.Equal(t, "7", rec.AmountFrom.Decimal.String())
	assert.Equal(t, "7", rec.AmountTo.Decimal.String())
	assert.Equal(t, "atx-dep", rec.Artifact(types.StepReceive).TxID)
	assert.Equal(t, "tx-burn", rec.Artifact(types.StepBurn).TxID)
	assert.Equal(t, "0xout", rec.Artifact(types.StepTransferTo).TxID)
	require.Len(t, asset.burned, 1)
	require.Len(t, evm.paidOut, 1)
	assert.Nil(t, rec.TxIssue)

	assert.Equal(t, []types.Status{
		types.StatusReceiveOk,
		types.StatusBurnCommitOk,
		types.StatusBurnOk,
		types.StatusTransferToCommitOk,
		types.StatusTransferToOk,
		types.StatusOk,
	}, store.savedStatuses())
}

func TestForwardAlreadyCompleted(t *testing.T) {
	rec := newTestRecord("fwd-1", types.StatusOk)
	store := newFakeStore(rec)

	o := newTestOrchestrator(t, store, newFakeChain(1, 6), newFakeChain(1, 5))
	require.NoError(t, o.Forward(context.Background(), "fwd-1"))
	assert.Empty(t, store.savedStatuses())
}

func TestForwardUnknownStatusIsFatal(t *testing.T) {
	rec := newTestRecord("fwd-1", types.Status("exotic"))
	store := newFakeStore(rec)

	o := newTestOrchestrator(t, store, newFakeChain(1, 6), newFakeChain(1, 5))
	err := o.Forward(context.Background(), "fwd-1")
	require.ErrorIs(t, err, types.ErrUnknownStatus)
	assert.True(t, types.IsFatal(err))
}

func TestForwardMissingRecordIsRetryable(t *testing.T) {
	store := newFakeStore()

	o := newTestOrchestrator(t, store, newFakeChain(1, 6), newFakeChain(1, 5))
	err := o.Forward(context.Background(), "nope")
	require.ErrorIs(t, err, types.ErrRecordNotFound)
	// the record may simply not have replicated yet; the queue retries
	assert.False(t, types.IsFatal(err))
}

func TestForwardTransientLoadFailureIsRetryable(t *testing.T) {
	rec := newTestRecord("fwd-1", types.StatusPending)
	store := newFakeStore(rec)
	store.loadErr = errors.New("connection refused")

	o := newTestOrchestrator(t, store, newFakeChain(1, 6), newFakeChain(1, 5))
	err := o.Forward(context.Background(), "fwd-1")
	require.EqualError(t, err, "connection refused")
	assert.False(t, types.IsFatal(err))
}

func TestForwardDepositNotFoundIsRetryable(t *testing.T) {
	rec := newTestRecord("fwd-1", types.StatusPending)
	store := newFakeStore(rec)

	evm := newFakeChain(100, 6)
	evm.subscribeFn = func(ctx context.Context) (<-chan chain.Event, error) {
		ch := make(chan chain.Event)
		close(ch)
		return ch, nil
	}

	o := newTestOrchestrator(t, store, evm, newFakeChain(1, 5))
	err := o.Forward(context.Background(), "fwd-1")
	require.ErrorIs(t, err, types.ErrDepositNotFound)
	assert.False(t, types.IsFatal(err))
	// the record keeps its status; the retried job scans again
	assert.Equal(t, types.StatusPending, rec.Status)
}

func TestForwardIssueSubmissionFailure(t *testing.T) {
	rec := newTestRecord("fwd-1", types.StatusReceiveOk)
	rec.AmountFrom = amount("5")
	store := newFakeStore(rec)

	asset := newFakeChain(200, 5)
	asset.submitErr = errors.New("issuer node down")

	o := newTestOrchestrator(t, store, newFakeChain(100, 6), asset)
	err := o.Forward(context.Background(), "fwd-1")
	require.Error(t, err)
	assert.False(t, types.IsFatal(err))

	assert.Equal(t, types.StatusIssueCommitErr, rec.Status)
	art := rec.Artifact(types.StepIssue)
	assert.Empty(t, art.TxID)
	require.NotNil(t, art.LastError)
	assert.Contains(t, art.LastError.Message, "issuer node down")
}

func TestForwardRetriesAfterCommitFailure(t *testing.T) {
	rec := newTestRecord("fwd-1", types.StatusIssueCommitErr)
	rec.AmountFrom = amount("5")
	store := newFakeStore(rec)

	asset := newFakeChain(200, 5)
	asset.nextTx = &chain.SignedTx{TxID: "tx-issue", Payload: []byte(`{"op":"issue"}`)}
	asset.setReceipts("tx-issue", receiptFor("tx-issue", 150, "payout-destination", 500_000))

	o := newTestOrchestrator(t, store, newFakeChain(100, 6), asset)
	require.NoError(t, o.Forward(context.Background(), "fwd-1"))
	assert.Equal(t, types.StatusOk, rec.Status)
}

func TestForwardRecoversBroadcastLostBySaveFailure(t *testing.T) {
	// issue was broadcast but the commit save failed afterwards; the txId
	// still made it into the persisted error state
	rec := newTestRecord("fwd-1", types.StatusIssueCommitErr)
	rec.AmountFrom = amount("5")
	rec.Artifact(types.StepIssue).TxID = "tx-issue"
	store := newFakeStore(rec)

	asset := newFakeChain(200, 5)
	asset.setReceipts("tx-issue", receiptFor("tx-issue", 150, "payout-destination", 500_000))

	o := newTestOrchestrator(t, store, newFakeChain(100, 6), asset)
	require.NoError(t, o.Forward(context.Background(), "fwd-1"))
	assert.Equal(t, types.StatusOk, rec.Status)
	assert.Empty(t, asset.issued)
}

func TestForwardResumesWithoutResubmitting(t *testing.T) {
	rec := newTestRecord("fwd-1", types.StatusIssueCommitOk)
	rec.AmountFrom = amount("5")
	rec.AmountTo = amount("5")
	rec.Artifact(types.StepIssue).TxID = "tx-issue"
	store := newFakeStore(rec)

	asset := newFakeChain(200, 5)
	asset.setReceipts("tx-issue", receiptFor("tx-issue", 150, "payout-destination", 500_000))

	o := newTestOrchestrator(t, store, newFakeChain(100, 6), asset)
	require.NoError(t, o.Forward(context.Background(), "fwd-1"))

	assert.Equal(t, types.StatusOk, rec.Status)
	assert.Empty(t, asset.issued)
}

func TestForwardMissingAmountIsFatal(t *testing.T) {
	rec := newTestRecord("fwd-1", types.StatusReceiveOk)
	store := newFakeStore(rec)

	o := newTestOrchestrator(t, store, newFakeChain(100, 6), newFakeChain(200, 5))
	err := o.Forward(context.Background(), "fwd-1")
	require.ErrorIs(t, err, types.ErrAmountNotFound)
	assert.True(t, types.IsFatal(err))
	assert.Equal(t, types.StatusIssueCommitErr, rec.Status)
}

func TestReverseUnconfirmedPayoutIsRetryable(t *testing.T) {
	rec := newTestRecord("rev-1", types.StatusTransferToCommitOk)
	rec.DerivedWallet.Invoice = "0xuser"
	rec.AmountFrom = amount("7")
	rec.AmountTo = amount("7")
	rec.Artifact(types.StepTransferTo).TxID = "0xout"
	store := newFakeStore(rec)

	// the payout receipt never shows up within the allowed attempts
	evm := newFakeChain(100, 6)

	o := newTestOrchestrator(t, store, evm, newFakeChain(200, 5))
	err := o.Reverse(context.Background(), "rev-1")
	require.ErrorIs(t, err, types.ErrTxNotFound)
	assert.False(t, types.IsFatal(err))
}
