// Package pgstore implements the relational persistence contract on
// PostgreSQL. Every mutation runs in one transaction guarded by the
// record's optimistic version counter; the duplicate-transaction check
// runs inside the same transaction as the status/amount update.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gopegbridge/types"
)

// artifactColumns maps the closed step enum to its jsonb column. Adding a
// step without a column here is a programming error caught at startup by
// the column lookup.
var artifactColumns = map[types.Step]string{
	types.StepReceive:      "tx_receive",
	types.StepIssue:        "tx_issue",
	types.StepBurn:         "tx_burn",
	types.StepTransferFrom: "tx_transfer_from",
	types.StepTransferTo:   "tx_transfer_to",
}

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(pool *pgxpool.Pool, log *zap.Logger) *Store {
	return &Store{pool: pool, log: log.Named("pgstore")}
}

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return New(pool, log), nil
}

func (s *Store) Close() { s.pool.Close() }

const recordColumns = `
	t.id, t.job_id, t.ticker_from, t.ticker_to,
	t.amount_from::text, t.amount_to::text, t.status,
	t.tx_receive, t.tx_issue, t.tx_burn, t.tx_transfer_from, t.tx_transfer_to,
	t.version, t.created_at, t.updated_at,
	d.id, d.ledger, d.invoice,
	w.id, w.ledger, w.invoice`

const recordJoin = `
	FROM transfer_records t
	JOIN derived_wallets d ON d.id = t.derived_wallet_id
	JOIN wallets w ON w.id = d.wallet_id`

// Create inserts a fresh pending record for an intake request. The
// derived wallet must already exist; only its id is referenced.
func (s *Store) Create(ctx context.Context, rec *types.TransferRecord) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO transfer_records (job_id, derived_wallet_id, ticker_from, ticker_to, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, version, created_at, updated_at`,
		rec.JobID, rec.DerivedWallet.ID, rec.TickerFrom, rec.TickerTo, string(rec.Status))
	if err := row.Scan(&rec.ID, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return fmt.Errorf("inserting transfer record: %w", err)
	}
	return nil
}

// LoadByJobID loads the record matching the job's idempotency key with
// its wallet relation eagerly joined.
func (s *Store) LoadByJobID(ctx context.Context, jobID string) (*types.TransferRecord, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT"+recordColumns+recordJoin+" WHERE t.job_id = $1", jobID)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrRecordNotFound
		}
		return nil, fmt.Errorf("loading transfer record by job id: %w", err)
	}
	return rec, nil
}

// ListByStatus returns up to limit records currently in status, newest
// first. Serves the operational API only.
func (s *Store) ListByStatus(ctx context.Context, status types.Status, limit int) ([]*types.TransferRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT"+recordColumns+recordJoin+" WHERE t.status = $1 ORDER BY t.updated_at DESC LIMIT $2",
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("listing transfer records: %w", err)
	}
	defer rows.Close()

	var recs []*types.TransferRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transfer record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Save persists the record's mutable fields in one transaction, guarded
// by the optimistic version counter. The counter is bumped on success and
// a stale counter yields ErrStaleRecord.
func (s *Store) Save(ctx context.Context, rec *types.TransferRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.saveInTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SaveWithDuplicateCheck persists the record like Save but first checks,
// inside the same transaction, whether any other record already claims
// txID in the same artifact slot. Returns false without saving when it
// does, so one on-chain transfer can never be credited to two records.
// The check alone cannot see a concurrent uncommitted claimer under read
// committed, so the partial unique txId indexes are the backstop: a
// unique violation on commit is reported as the same false result.
func (s *Store) SaveWithDuplicateCheck(ctx context.Context, rec *types.TransferRecord, step types.Step, txID string) (bool, error) {
	column, ok := artifactColumns[step]
	if !ok {
		return false, types.Fatal(fmt.Errorf("no artifact column for step %q", step))
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var claimedBy int64
	err = tx.QueryRow(ctx,
		"SELECT id FROM transfer_records WHERE id <> $1 AND "+column+" ->> 'txId' = $2 LIMIT 1",
		rec.ID, txID).Scan(&claimedBy)
	switch {
	case err == nil:
		s.log.Warn("transaction already claimed by another record",
			zap.String("txId", txID),
			zap.Int64("recordId", rec.ID),
			zap.Int64("claimedBy", claimedBy))
		return false, nil
	case errors.Is(err, pgx.ErrNoRows):
		// free to claim
	default:
		return false, fmt.Errorf("checking duplicate transaction id: %w", err)
	}

	if err := s.saveInTx(ctx, tx, rec); err != nil {
		if isTxIDUniqueViolation(err) {
			s.log.Warn("transaction claimed concurrently by another record",
				zap.String("txId", txID),
				zap.Int64("recordId", rec.ID))
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		if isTxIDUniqueViolation(err) {
			s.log.Warn("transaction claimed concurrently by another record",
				zap.String("txId", txID),
				zap.Int64("recordId", rec.ID))
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// isTxIDUniqueViolation reports whether err is a unique violation on one
// of the per-artifact txId indexes.
func isTxIDUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == "23505" &&
		strings.HasSuffix(pgErr.ConstraintName, "_txid_idx")
}

func (s *Store) saveInTx(ctx context.Context, tx pgx.Tx, rec *types.TransferRecord) error {
	artifacts := make([]any, 0, len(types.Steps))
	for _, step := range types.Steps {
		raw, err := marshalArtifact(artifactFor(rec, step))
		if err != nil {
			return err
		}
		artifacts = append(artifacts, raw)
	}

	args := append([]any{
		rec.ID,
		rec.Version,
		nullDecimalArg(rec.AmountFrom),
		nullDecimalArg(rec.AmountTo),
		string(rec.Status),
	}, artifacts...)

	tag, err := tx.Exec(ctx, `
		UPDATE transfer_records SET
			amount_from = $3,
			amount_to = $4,
			status = $5,
			tx_receive = $6,
			tx_issue = $7,
			tx_burn = $8,
			tx_transfer_from = $9,
			tx_transfer_to = $10,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2`,
		args...)
	if err != nil {
		return fmt.Errorf("updating transfer record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrStaleRecord
	}
	rec.Version++
	return nil
}

// artifactFor reads the slot without allocating it, so untouched slots
// stay NULL in the database.
func artifactFor(rec *types.TransferRecord, step types.Step) *types.TxArtifact {
	switch step {
	case types.StepReceive:
		return rec.TxReceive
	case types.StepIssue:
		return rec.TxIssue
	case types.StepBurn:
		return rec.TxBurn
	case types.StepTransferFrom:
		return rec.TxTransferFrom
	case types.StepTransferTo:
		return rec.TxTransferTo
	}
	return nil
}

func marshalArtifact(a *types.TxArtifact) (any, error) {
	if a == nil {
		return nil, nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshalling step artifact: %w", err)
	}
	return raw, nil
}

func nullDecimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func scanRecord(row pgx.Row) (*types.TransferRecord, error) {
	var (
		rec        types.TransferRecord
		amountFrom *string
		amountTo   *string
		status     string
		artifacts  [5][]byte
		derived    types.DerivedWallet
		wallet     types.Wallet
	)

	err := row.Scan(
		&rec.ID, &rec.JobID, &rec.TickerFrom, &rec.TickerTo,
		&amountFrom, &amountTo, &status,
		&artifacts[0], &artifacts[1], &artifacts[2], &artifacts[3], &artifacts[4],
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
		&derived.ID, &derived.Ledger, &derived.Invoice,
		&wallet.ID, &wallet.Ledger, &wallet.Invoice,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = types.Status(status)
	if rec.AmountFrom, err = parseNullDecimal(amountFrom); err != nil {
		return nil, err
	}
	if rec.AmountTo, err = parseNullDecimal(amountTo); err != nil {
		return nil, err
	}

	slots := []**types.TxArtifact{
		&rec.TxReceive, &rec.TxIssue, &rec.TxBurn, &rec.TxTransferFrom, &rec.TxTransferTo,
	}
	for i, raw := range artifacts {
		if len(raw) == 0 {
			continue
		}
		var a types.TxArtifact
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("unmarshalling step artifact: %w", err)
		}
		*slots[i] = &a
	}

	derived.Wallet = &wallet
	rec.DerivedWallet = &derived
	return &rec, nil
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parsing stored amount: %w", err)
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}
