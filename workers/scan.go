package workers

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gopegbridge/chain"
	"gopegbridge/types"
)

// Scanner locates an inbound deposit for a transfer record by racing a
// backward replay of chain history against a live transfer subscription.
// Whichever side confirms a matching deposit first wins and the other is
// cancelled. A failure on one side is held back until the other side has
// also given up, so a flaky subscription cannot abort a replay that would
// have found the deposit.
type Scanner struct {
	tracker   *Tracker
	log       *zap.Logger
	batchSize uint64

	// confirmMu serializes confirmation attempts from the two racing
	// goroutines; they share the transfer record.
	confirmMu sync.Mutex
}

func NewScanner(tracker *Tracker, log *zap.Logger, batchSize uint64) *Scanner {
	return &Scanner{tracker: tracker, log: log, batchSize: batchSize}
}

// FindDeposit scans for a confirmed deposit of ticker to dest and records
// it on rec's receive artifact. It returns false when history has been
// exhausted and the subscription produced nothing confirmable.
//
// dest is the shared custodial address, so attribution is first observed,
// first claimed: the duplicate check guarantees a transaction credits only
// one record, not that concurrent pending records receive the amounts
// their depositors sent. Per-transfer deposit addresses would need the
// derived-wallet table to mint one per record.
func (s *Scanner) FindDeposit(ctx context.Context, client chain.Client, rec *types.TransferRecord, ticker, dest string) (bool, error) {
	// A prior run may have already pinned the deposit; resume tracking it
	// instead of scanning again.
	art := rec.Artifact(types.StepReceive)
	if art.TxID != "" {
		return s.confirm(ctx, client, rec, ticker, dest, chain.Event{TxID: art.TxID})
	}

	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	found := make(chan struct{}, 2)
	var replayErr, watchErr error

	g.Go(func() error {
		ok, err := s.replayHistory(gctx, client, rec, ticker, dest)
		if err != nil {
			replayErr = err
			return nil
		}
		if ok {
			found <- struct{}{}
			cancel()
		}
		return nil
	})

	g.Go(func() error {
		ok, err := s.watchNew(gctx, client, rec, ticker, dest)
		if err != nil {
			watchErr = err
			return nil
		}
		if ok {
			found <- struct{}{}
			cancel()
		}
		return nil
	})

	_ = g.Wait()

	select {
	case <-found:
		return true, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if replayErr != nil {
		return false, replayErr
	}
	if watchErr != nil {
		return false, watchErr
	}
	return false, nil
}

// replayHistory walks chain history backward in fixed batches. Errors from
// individual batches are remembered and surfaced only after the whole
// history has been covered without a match; a transient failure in one
// range must not mask a deposit sitting in an older one.
func (s *Scanner) replayHistory(ctx context.Context, client chain.Client, rec *types.TransferRecord, ticker, dest string) (bool, error) {
	head, err := client.CurrentHeight(ctx)
	if err != nil {
		return false, err
	}

	var lastErr error
	to := head
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		var from uint64
		if to+1 > s.batchSize {
			from = to + 1 - s.batchSize
		}
		events, err := client.PastTransfers(ctx, ticker, dest, from, to)
		if err != nil {
			s.log.Warn("history batch failed",
				zap.Uint64("from", from),
				zap.Uint64("to", to),
				zap.Error(err))
			lastErr = err
		}
		for _, ev := range events {
			ok, err := s.confirm(ctx, client, rec, ticker, dest, ev)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		if from == 0 {
			break
		}
		to = from - 1
	}
	return false, lastErr
}

func (s *Scanner) watchNew(ctx context.Context, client chain.Client, rec *types.TransferRecord, ticker, dest string) (bool, error) {
	events, err := client.SubscribeTransfers(ctx, ticker, dest)
	if err != nil {
		return false, err
	}
	for ev := range events {
		ok, err := s.confirm(ctx, client, rec, ticker, dest, ev)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, ctx.Err()
}

func (s *Scanner) confirm(ctx context.Context, client chain.Client, rec *types.TransferRecord, ticker, dest string, ev chain.Event) (bool, error) {
	s.confirmMu.Lock()
	defer s.confirmMu.Unlock()
	if rec.Status == types.StepReceive.Ok() {
		return true, nil
	}
	tx := &chain.SignedTx{TxID: ev.TxID}
	return s.tracker.Track(ctx, client, rec, types.StepReceive, types.StatusReceivePending, tx, ticker, dest)
}
