package workers

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gopegbridge/chain"
	"gopegbridge/config"
	"gopegbridge/queue"
	"gopegbridge/types"
)

// EVMClient is the EVM side of the bridge: the shared chain contract plus
// the outbound ERC-20 transfer used by the reverse flow.
type EVMClient interface {
	chain.Client
	TransferTo(ctx context.Context, recipient string, amount *big.Int) (*chain.SignedTx, error)
}

// AssetClient is the asset-ledger side: the shared chain contract plus the
// issuer operations backing the peg.
type AssetClient interface {
	chain.Client
	Issue(ctx context.Context, recipient, ticker string, amount *big.Int) (*chain.SignedTx, error)
	Burn(ctx context.Context, ticker string, amount *big.Int) (*chain.SignedTx, error)
}

// Orchestrator drives a transfer through its step sequence. Every phase is
// idempotent against the persisted status, so a job retried after a crash
// resumes exactly where the record left off.
type Orchestrator struct {
	store   Store
	evm     EVMClient
	asset   AssetClient
	tracker *Tracker
	scanner *Scanner
	log     *zap.Logger

	// Bridge-controlled receiving endpoints: the ERC-20 address deposits
	// arrive at, and the issuer account on the asset ledger.
	evmDeposit   string
	assetDeposit string
}

func NewOrchestrator(store Store, evm EVMClient, asset AssetClient, tracker *Tracker, scanner *Scanner, log *zap.Logger, evmDeposit, assetDeposit string) *Orchestrator {
	return &Orchestrator{
		store:        store,
		evm:          evm,
		asset:        asset,
		tracker:      tracker,
		scanner:      scanner,
		log:          log,
		evmDeposit:   evmDeposit,
		assetDeposit: assetDeposit,
	}
}

// Register attaches the two transfer flows to the queue worker.
func (o *Orchestrator) Register(w *queue.Worker) {
	w.Register(queue.JobTransferForward, o.HandleForward)
	w.Register(queue.JobTransferReverse, o.HandleReverse)
}

func (o *Orchestrator) HandleForward(ctx context.Context, job *queue.Job) error {
	return o.Forward(ctx, job.ID)
}

func (o *Orchestrator) HandleReverse(ctx context.Context, job *queue.Job) error {
	return o.Reverse(ctx, job.ID)
}

// Forward pegs an ERC-20 deposit into the pegged asset: wait for the
// inbound USDT transfer, issue FINTEH.USDT to the payout account, confirm
// the issue, then mark the record done.
func (o *Orchestrator) Forward(ctx context.Context, jobID string) error {
	rec, err := o.load(ctx, jobID)
	if err != nil || rec == nil {
		return err
	}

	switch rec.Status {
	case types.StatusPending, types.StepReceive.Pending(), types.StepReceive.Err():
		if err := o.receive(ctx, o.evm, rec, config.TickerUSDT, o.evmDeposit); err != nil {
			return err
		}
	}

	switch rec.Status {
	case types.StepReceive.Ok(), types.StepIssue.CommitErr(), types.StepIssue.CommitOk(),
		types.StepIssue.Pending(), types.StepIssue.Err():
		tx, err := o.submitIssue(ctx, rec)
		if err != nil {
			return err
		}
		dest, err := rec.DestinationAddress()
		if err != nil {
			return types.Fatal(err)
		}
		if err := o.track(ctx, o.asset, rec, types.StepIssue, tx, config.TickerPeggedUSDT, dest); err != nil {
			return err
		}
	}

	return o.finalize(ctx, rec, types.StepIssue)
}

// Reverse pegs out: wait for the FINTEH.USDT deposit back to the issuer,
// burn it, pay USDT out on the EVM side, confirm, mark done.
func (o *Orchestrator) Reverse(ctx context.Context, jobID string) error {
	rec, err := o.load(ctx, jobID)
	if err != nil || rec == nil {
		return err
	}

	switch rec.Status {
	case types.StatusPending, types.StepReceive.Pending(), types.StepReceive.Err():
		if err := o.receive(ctx, o.asset, rec, config.TickerPeggedUSDT, o.assetDeposit); err != nil {
			return err
		}
	}

	switch rec.Status {
	case types.StepReceive.Ok(), types.StepBurn.CommitErr(), types.StepBurn.CommitOk(),
		types.StepBurn.Pending(), types.StepBurn.Err():
		tx, err := o.submitBurn(ctx, rec)
		if err != nil {
			return err
		}
		if err := o.track(ctx, o.asset, rec, types.StepBurn, tx, config.TickerPeggedUSDT, o.assetDeposit); err != nil {
			return err
		}
	}

	switch rec.Status {
	case types.StepBurn.Ok(), types.StepTransferTo.CommitErr(), types.StepTransferTo.CommitOk(),
		types.StepTransferTo.Pending(), types.StepTransferTo.Err():
		tx, err := o.submitTransferTo(ctx, rec)
		if err != nil {
			return err
		}
		dest, err := rec.DestinationAddress()
		if err != nil {
			return types.Fatal(err)
		}
		if err := o.track(ctx, o.evm, rec, types.StepTransferTo, tx, config.TickerUSDT, dest); err != nil {
			return err
		}
	}

	return o.finalize(ctx, rec, types.StepTransferTo)
}

// load fetches the record and screens statuses no flow can act on. A nil
// record with nil error means the transfer is already complete. Load
// failures stay retryable: a missing record or an unreachable store is a
// failed job for the queue to retry, not a poisoned one.
func (o *Orchestrator) load(ctx context.Context, jobID string) (*types.TransferRecord, error) {
	rec, err := o.store.LoadByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.Status == types.StatusOk {
		o.log.Info("transfer already completed", zap.String("jobID", jobID))
		return nil, nil
	}
	if !types.KnownStatus(rec.Status) {
		return nil, types.Fatal(fmt.Errorf("%w: %s", types.ErrUnknownStatus, rec.Status))
	}
	return rec, nil
}

func (o *Orchestrator) receive(ctx context.Context, client chain.Client, rec *types.TransferRecord, ticker, deposit string) error {
	found, err := commitStep(ctx, o.store, o.log, rec, types.StepReceive, false, func() (bool, error) {
		return o.scanner.FindDeposit(ctx, client, rec, ticker, deposit)
	})
	if err != nil {
		return err
	}
	if !found {
		return types.ErrDepositNotFound
	}
	return nil
}

func (o *Orchestrator) track(ctx context.Context, client chain.Client, rec *types.TransferRecord, step types.Step, tx *chain.SignedTx, ticker, dest string) error {
	resolved, err := commitStep(ctx, o.store, o.log, rec, step, false, func() (bool, error) {
		return o.tracker.Track(ctx, client, rec, step, step.CommitOk(), tx, ticker, dest)
	})
	if err != nil {
		return err
	}
	if !resolved {
		return types.ErrTxNotFound
	}
	return nil
}

// submitIssue issues the pegged amount to the payout account. The artifact
// is written in the same save as the commit_ok status, so a crash can never
// leave a broadcast issue without its txId on record.
func (o *Orchestrator) submitIssue(ctx context.Context, rec *types.TransferRecord) (*chain.SignedTx, error) {
	if tx := resumeTx(rec, types.StepIssue); tx != nil {
		return tx, nil
	}
	if rec.Status != types.StepReceive.Ok() && rec.Status != types.StepIssue.CommitErr() {
		return nil, types.Fatal(fmt.Errorf("%w: %s", types.ErrUnknownStatus, rec.Status))
	}

	return commitStep(ctx, o.store, o.log, rec, types.StepIssue, true, func() (*chain.SignedTx, error) {
		amount, err := requireAmountFrom(rec)
		if err != nil {
			return nil, err
		}
		dest, err := rec.DestinationAddress()
		if err != nil {
			return nil, types.Fatal(err)
		}
		base, err := o.baseUnits(ctx, o.asset, config.TickerPeggedUSDT, amount)
		if err != nil {
			return nil, err
		}
		tx, err := o.asset.Issue(ctx, dest, config.TickerPeggedUSDT, base)
		if err != nil {
			return nil, err
		}

		rec.AmountTo = decimal.NewNullDecimal(amount)
		o.commitArtifact(rec, types.StepIssue, tx)
		if err := o.store.Save(ctx, rec); err != nil {
			return nil, err
		}
		o.log.Info("issue submitted",
			zap.String("jobID", rec.JobID),
			zap.String("txID", tx.TxID),
			zap.String("amount", amount.String()))
		return tx, nil
	})
}

// submitBurn reserves the received pegged amount from the issuer account.
func (o *Orchestrator) submitBurn(ctx context.Context, rec *types.TransferRecord) (*chain.SignedTx, error) {
	if tx := resumeTx(rec, types.StepBurn); tx != nil {
		return tx, nil
	}
	if rec.Status != types.StepReceive.Ok() && rec.Status != types.StepBurn.CommitErr() {
		return nil, types.Fatal(fmt.Errorf("%w: %s", types.ErrUnknownStatus, rec.Status))
	}

	return commitStep(ctx, o.store, o.log, rec, types.StepBurn, true, func() (*chain.SignedTx, error) {
		amount, err := requireAmountFrom(rec)
		if err != nil {
			return nil, err
		}
		base, err := o.baseUnits(ctx, o.asset, config.TickerPeggedUSDT, amount)
		if err != nil {
			return nil, err
		}
		tx, err := o.asset.Burn(ctx, config.TickerPeggedUSDT, base)
		if err != nil {
			return nil, err
		}

		o.commitArtifact(rec, types.StepBurn, tx)
		if err := o.store.Save(ctx, rec); err != nil {
			return nil, err
		}
		o.log.Info("burn submitted",
			zap.String("jobID", rec.JobID),
			zap.String("txID", tx.TxID),
			zap.String("amount", amount.String()))
		return tx, nil
	})
}

// submitTransferTo pays the unlocked USDT out to the recorded EVM address.
func (o *Orchestrator) submitTransferTo(ctx context.Context, rec *types.TransferRecord) (*chain.SignedTx, error) {
	if tx := resumeTx(rec, types.StepTransferTo); tx != nil {
		return tx, nil
	}
	if rec.Status != types.StepBurn.Ok() && rec.Status != types.StepTransferTo.CommitErr() {
		return nil, types.Fatal(fmt.Errorf("%w: %s", types.ErrUnknownStatus, rec.Status))
	}

	return commitStep(ctx, o.store, o.log, rec, types.StepTransferTo, true, func() (*chain.SignedTx, error) {
		amount, err := requireAmountFrom(rec)
		if err != nil {
			return nil, err
		}
		dest, err := rec.DestinationAddress()
		if err != nil {
			return nil, types.Fatal(err)
		}
		base, err := o.baseUnits(ctx, o.evm, config.TickerUSDT, amount)
		if err != nil {
			return nil, err
		}
		tx, err := o.evm.TransferTo(ctx, dest, base)
		if err != nil {
			return nil, err
		}

		rec.AmountTo = decimal.NewNullDecimal(amount)
		o.commitArtifact(rec, types.StepTransferTo, tx)
		if err := o.store.Save(ctx, rec); err != nil {
			return nil, err
		}
		o.log.Info("payout submitted",
			zap.String("jobID", rec.JobID),
			zap.String("txID", tx.TxID),
			zap.String("amount", amount.String()))
		return tx, nil
	})
}

func (o *Orchestrator) finalize(ctx context.Context, rec *types.TransferRecord, lastStep types.Step) error {
	if rec.Status != lastStep.Ok() {
		return types.Fatal(fmt.Errorf("%w: %s", types.ErrUnknownStatus, rec.Status))
	}
	rec.Status = types.StatusOk
	if err := o.store.Save(ctx, rec); err != nil {
		return err
	}
	o.log.Info("transfer completed",
		zap.String("jobID", rec.JobID),
		zap.String("tickerFrom", rec.TickerFrom),
		zap.String("tickerTo", rec.TickerTo))
	return nil
}

func (o *Orchestrator) commitArtifact(rec *types.TransferRecord, step types.Step, tx *chain.SignedTx) {
	art := rec.Artifact(step)
	art.TxID = tx.TxID
	art.Tx = tx.Payload
	art.LastError = nil
	now := time.Now().UTC()
	art.CreatedAt = &now
	rec.Status = step.CommitOk()
}

// resumeTx rebuilds the signed-tx handle from an artifact persisted by an
// earlier run. The raw bytes are not stored, so a resumed transaction can
// no longer be resubmitted, only observed.
func resumeTx(rec *types.TransferRecord, step types.Step) *chain.SignedTx {
	art := rec.Artifact(step)
	if art.TxID == "" {
		return nil
	}
	return &chain.SignedTx{TxID: art.TxID, Payload: art.Tx}
}

func requireAmountFrom(rec *types.TransferRecord) (decimal.Decimal, error) {
	if !rec.AmountFrom.Valid {
		return decimal.Decimal{}, types.Fatal(types.ErrAmountNotFound)
	}
	return rec.AmountFrom.Decimal, nil
}

func (o *Orchestrator) baseUnits(ctx context.Context, client chain.Client, ticker string, amount decimal.Decimal) (*big.Int, error) {
	decimals, err := client.AssetDecimals(ctx, ticker)
	if err != nil {
		return nil, err
	}
	return amount.Shift(decimals).BigInt(), nil
}
