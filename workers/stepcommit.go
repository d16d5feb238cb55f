package workers

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"gopegbridge/types"
)

// commitStep runs fn and, when it fails, persists the step's error status
// together with diagnostics before returning. The record's tx and txId are
// never touched here, only status and lastError, so a later retry still
// sees any artifact the failed attempt managed to save on its own.
//
// commitPhase selects the commit_err status instead of err; for the
// receive step the two coincide.
func commitStep[T any](ctx context.Context, store Store, log *zap.Logger, rec *types.TransferRecord, step types.Step, commitPhase bool, fn func() (T, error)) (T, error) {
	out, err := fn()
	if err == nil {
		return out, nil
	}

	if commitPhase {
		rec.Status = step.CommitErr()
	} else {
		rec.Status = step.Err()
	}
	art := rec.Artifact(step)
	art.LastError = &types.StepError{
		Name:    fmt.Sprintf("%T", err),
		Message: err.Error(),
		Trace:   string(debug.Stack()),
	}

	if saveErr := store.Save(ctx, rec); saveErr != nil {
		log.Error("failed to persist step error",
			zap.String("jobID", rec.JobID),
			zap.String("status", string(rec.Status)),
			zap.Error(saveErr))
	} else {
		log.Warn("step failed",
			zap.String("jobID", rec.JobID),
			zap.String("status", string(rec.Status)),
			zap.Error(err))
	}

	var zero T
	return zero, err
}
