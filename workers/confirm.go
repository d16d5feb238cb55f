package workers

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gopegbridge/chain"
	"gopegbridge/types"
)

// Tracker polls a chain until a submitted transaction is confirmed deeply
// enough, persisting progress after every observation so a restarted worker
// resumes from the recorded state.
type Tracker struct {
	store Store
	log   *zap.Logger

	pollInterval          time.Duration
	maxPollAttempts       int
	requiredConfirmations int64
}

func NewTracker(store Store, log *zap.Logger, pollInterval time.Duration, maxPollAttempts int, requiredConfirmations int64) *Tracker {
	return &Tracker{
		store:                 store,
		log:                   log,
		pollInterval:          pollInterval,
		maxPollAttempts:       maxPollAttempts,
		requiredConfirmations: requiredConfirmations,
	}
}

// Track watches tx on client until the step's artifact accumulates the
// required confirmations and the record reaches step's ok status. dest is
// the address the single transfer event must pay. Track returns
// (false, nil) when polling gives up without a verdict: receipt never
// appeared, the transfer shape never validated, or another record already
// claimed the txId. Callers decide whether that is fatal.
func (t *Tracker) Track(ctx context.Context, client chain.Client, rec *types.TransferRecord, step types.Step, fromStatus types.Status, tx *chain.SignedTx, ticker, dest string) (bool, error) {
	for rec.Status != step.Ok() {
		receipt, head, ok, err := t.awaitReceipt(ctx, client, tx, dest)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}

		decimals, err := client.AssetDecimals(ctx, ticker)
		if err != nil {
			return false, err
		}
		ev := receipt.TransferEvents[0]
		amount := decimal.NewFromBigInt(ev.Amount, -decimals)
		confirmations := int64(head) - int64(receipt.BlockNumber) + 1

		art := rec.Artifact(step)
		if art.TxID == "" {
			art.TxID = receipt.TxID
			art.Tx = tx.Payload
			now := time.Now().UTC()
			art.CreatedAt = &now
		}
		art.Confirmations = confirmations
		art.LastError = nil

		if confirmations >= t.requiredConfirmations {
			switch rec.Status {
			case fromStatus, types.StatusPending, step.Pending(), step.Err(), step.CommitErr():
				rec.Status = step.Ok()
				if step == types.StepReceive {
					rec.AmountFrom = decimal.NewNullDecimal(amount)
				}
			}
		} else {
			rec.Status = step.Pending()
		}

		saved, err := t.store.SaveWithDuplicateCheck(ctx, rec, step, art.TxID)
		if err != nil {
			return false, err
		}
		if !saved {
			t.log.Warn("transaction already claimed by another record",
				zap.String("jobID", rec.JobID),
				zap.String("txID", art.TxID),
				zap.String("step", string(step)))
			return false, nil
		}

		if rec.Status != step.Ok() {
			t.log.Debug("awaiting confirmations",
				zap.String("jobID", rec.JobID),
				zap.String("txID", art.TxID),
				zap.Int64("confirmations", confirmations),
				zap.Int64("required", t.requiredConfirmations))
			if err := t.sleep(ctx); err != nil {
				return false, err
			}
		}
	}

	return true, nil
}

// awaitReceipt polls until the transaction has a usable receipt with exactly
// one transfer event paying dest, resubmitting the raw transaction when the
// node appears to have dropped it. A false result means attempts ran out.
func (t *Tracker) awaitReceipt(ctx context.Context, client chain.Client, tx *chain.SignedTx, dest string) (*chain.Receipt, uint64, bool, error) {
	for attempts := 0; attempts < t.maxPollAttempts; attempts++ {
		if attempts > 0 {
			if err := t.sleep(ctx); err != nil {
				return nil, 0, false, err
			}
		}

		head, err := client.CurrentHeight(ctx)
		if err != nil {
			return nil, 0, false, err
		}
		receipt, err := client.Receipt(ctx, tx.TxID)
		if err != nil {
			return nil, 0, false, err
		}
		if receipt == nil {
			if len(tx.Raw) > 0 {
				known, err := client.InMempool(ctx, tx.TxID)
				if err != nil {
					return nil, 0, false, err
				}
				if !known {
					t.log.Info("resubmitting dropped transaction", zap.String("txID", tx.TxID))
					if err := client.Resubmit(ctx, tx.Raw); err != nil {
						return nil, 0, false, err
					}
				}
			}
			continue
		}
		if !receipt.Success {
			t.log.Warn("transaction reverted, waiting for replacement", zap.String("txID", tx.TxID))
			continue
		}
		if len(receipt.TransferEvents) != 1 {
			t.log.Warn("unexpected transfer event count",
				zap.String("txID", tx.TxID),
				zap.Int("events", len(receipt.TransferEvents)))
			continue
		}
		ev := receipt.TransferEvents[0]
		if ev.To != dest || ev.Amount == nil {
			t.log.Warn("transfer does not pay the expected recipient",
				zap.String("txID", tx.TxID),
				zap.String("to", ev.To),
				zap.String("expected", dest))
			continue
		}
		return receipt, head, true, nil
	}

	t.log.Warn("gave up waiting for transaction", zap.String("txID", tx.TxID))
	return nil, 0, false, nil
}

func (t *Tracker) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.pollInterval):
		return nil
	}
}
