package workers

import (
	"context"

	"gopegbridge/types"
)

// Store is the persistence contract the orchestrator consumes. pgstore
// provides the production implementation; tests use an in-memory fake.
type Store interface {
	// Create inserts a fresh pending record referencing an existing
	// derived wallet.
	Create(ctx context.Context, rec *types.TransferRecord) error

	// LoadByJobID loads the record for a job's idempotency key with its
	// wallet relation eagerly loaded. Returns types.ErrRecordNotFound
	// when absent.
	LoadByJobID(ctx context.Context, jobID string) (*types.TransferRecord, error)

	// Save persists the record's mutable state in one transaction with
	// an optimistic version check.
	Save(ctx context.Context, rec *types.TransferRecord) error

	// SaveWithDuplicateCheck persists like Save but refuses, inside the
	// same transaction, when another record already claims txID in the
	// same artifact slot. Returns false without saving in that case.
	SaveWithDuplicateCheck(ctx context.Context, rec *types.TransferRecord, step types.Step, txID string) (bool, error)

	// ListByStatus serves the operational API.
	ListByStatus(ctx context.Context, status types.Status, limit int) ([]*types.TransferRecord, error)
}
