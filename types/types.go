package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Ledger identifies which chain a wallet or transfer leg lives on.
type Ledger string

const (
	LedgerEVM   Ledger = "evm"
	LedgerAsset Ledger = "asset"
)

// Step is one atomic ledger operation within a flow. The set is closed:
// every persisted artifact column maps to exactly one of these.
type Step string

const (
	StepReceive      Step = "receive"
	StepIssue        Step = "issue"
	StepBurn         Step = "burn"
	StepTransferFrom Step = "transfer_from"
	StepTransferTo   Step = "transfer_to"
)

// Steps lists every artifact slot a transfer record carries.
var Steps = []Step{StepReceive, StepIssue, StepBurn, StepTransferFrom, StepTransferTo}

// Status values are persisted as literal strings. Anything outside this
// set is an invariant violation, not retried.
type Status string

const (
	StatusPending Status = "pending"

	StatusReceivePending Status = "receive_pending"
	StatusReceiveOk      Status = "receive_ok"
	StatusReceiveErr     Status = "receive_err"

	StatusIssueCommitOk  Status = "issue_commit_ok"
	StatusIssueCommitErr Status = "issue_commit_err"
	StatusIssuePending   Status = "issue_pending"
	StatusIssueOk        Status = "issue_ok"
	StatusIssueErr       Status = "issue_err"

	StatusBurnCommitOk  Status = "burn_commit_ok"
	StatusBurnCommitErr Status = "burn_commit_err"
	StatusBurnPending   Status = "burn_pending"
	StatusBurnOk        Status = "burn_ok"
	StatusBurnErr       Status = "burn_err"

	StatusTransferFromCommitOk  Status = "transfer_from_commit_ok"
	StatusTransferFromCommitErr Status = "transfer_from_commit_err"
	StatusTransferFromPending   Status = "transfer_from_pending"
	StatusTransferFromOk        Status = "transfer_from_ok"
	StatusTransferFromErr       Status = "transfer_from_err"

	StatusTransferToCommitOk  Status = "transfer_to_commit_ok"
	StatusTransferToCommitErr Status = "transfer_to_commit_err"
	StatusTransferToPending   Status = "transfer_to_pending"
	StatusTransferToOk        Status = "transfer_to_ok"
	StatusTransferToErr       Status = "transfer_to_err"

	StatusOk Status = "ok"
)

type stepStatusSet struct {
	Pending   Status
	Ok        Status
	Err       Status
	CommitOk  Status
	CommitErr Status
}

// stepStatuses replaces runtime string composition with an explicit
// closed table, one row per step.
var stepStatuses = map[Step]stepStatusSet{
	StepReceive: {
		Pending: StatusReceivePending,
		Ok:      StatusReceiveOk,
		Err:     StatusReceiveErr,
		// the receive step never submits, so it has no commit pair
		CommitOk:  StatusReceiveOk,
		CommitErr: StatusReceiveErr,
	},
	StepIssue: {
		Pending:   StatusIssuePending,
		Ok:        StatusIssueOk,
		Err:       StatusIssueErr,
		CommitOk:  StatusIssueCommitOk,
		CommitErr: StatusIssueCommitErr,
	},
	StepBurn: {
		Pending:   StatusBurnPending,
		Ok:        StatusBurnOk,
		Err:       StatusBurnErr,
		CommitOk:  StatusBurnCommitOk,
		CommitErr: StatusBurnCommitErr,
	},
	StepTransferFrom: {
		Pending:   StatusTransferFromPending,
		Ok:        StatusTransferFromOk,
		Err:       StatusTransferFromErr,
		CommitOk:  StatusTransferFromCommitOk,
		CommitErr: StatusTransferFromCommitErr,
	},
	StepTransferTo: {
		Pending:   StatusTransferToPending,
		Ok:        StatusTransferToOk,
		Err:       StatusTransferToErr,
		CommitOk:  StatusTransferToCommitOk,
		CommitErr: StatusTransferToCommitErr,
	},
}

func (s Step) Pending() Status   { return stepStatuses[s].Pending }
func (s Step) Ok() Status        { return stepStatuses[s].Ok }
func (s Step) Err() Status       { return stepStatuses[s].Err }
func (s Step) CommitOk() Status  { return stepStatuses[s].CommitOk }
func (s Step) CommitErr() Status { return stepStatuses[s].CommitErr }

var knownStatuses = func() map[Status]bool {
	m := map[Status]bool{StatusPending: true, StatusOk: true}
	for _, set := range stepStatuses {
		m[set.Pending] = true
		m[set.Ok] = true
		m[set.Err] = true
		m[set.CommitOk] = true
		m[set.CommitErr] = true
	}
	return m
}()

// KnownStatus reports whether a persisted status value belongs to the enum.
func KnownStatus(s Status) bool { return knownStatuses[s] }

// StepError is the persisted shape of a step failure.
type StepError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// TxArtifact is the per-step persisted payload. Tx and TxID are set once:
// code must never overwrite them after first successful submission, so a
// retried step cannot resubmit or lose an already-broadcast transaction.
type TxArtifact struct {
	Tx            json.RawMessage `json:"tx,omitempty"`
	TxID          string          `json:"txId,omitempty"`
	CreatedAt     *time.Time      `json:"createdAt,omitempty"`
	Confirmations int64           `json:"confirmations,omitempty"`
	LastError     *StepError      `json:"lastError,omitempty"`
}

// Wallet is the custodial hot wallet a deposit address derives from.
// Managed by the intake flow; read-only here.
type Wallet struct {
	ID      int64  `json:"id"`
	Ledger  Ledger `json:"ledger"`
	Invoice string `json:"invoice"`
}

// DerivedWallet carries the per-transfer deposit address on the source
// ledger and the payout invoice on the destination ledger.
type DerivedWallet struct {
	ID      int64   `json:"id"`
	Ledger  Ledger  `json:"ledger"`
	Invoice string  `json:"invoice"`
	Wallet  *Wallet `json:"wallet,omitempty"`
}

// TransferRecord is the persisted state machine instance for one
// cross-chain asset movement. Status is the single source of resumption
// truth; Version is the optimistic concurrency counter bumped by the
// store on every successful save.
type TransferRecord struct {
	ID    int64  `json:"id"`
	JobID string `json:"jobId"`

	TickerFrom string `json:"tickerFrom"`
	TickerTo   string `json:"tickerTo"`

	AmountFrom decimal.NullDecimal `json:"amountFrom"`
	AmountTo   decimal.NullDecimal `json:"amountTo"`

	Status Status `json:"status"`

	TxReceive      *TxArtifact `json:"txReceive,omitempty"`
	TxIssue        *TxArtifact `json:"txIssue,omitempty"`
	TxBurn         *TxArtifact `json:"txBurn,omitempty"`
	TxTransferFrom *TxArtifact `json:"txTransferFrom,omitempty"`
	TxTransferTo   *TxArtifact `json:"txTransferTo,omitempty"`

	DerivedWallet *DerivedWallet `json:"derivedWallet,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Artifact returns the artifact slot for a step, allocating it on first
// use so callers can mutate through the pointer before saving.
func (r *TransferRecord) Artifact(step Step) *TxArtifact {
	var slot **TxArtifact
	switch step {
	case StepReceive:
		slot = &r.TxReceive
	case StepIssue:
		slot = &r.TxIssue
	case StepBurn:
		slot = &r.TxBurn
	case StepTransferFrom:
		slot = &r.TxTransferFrom
	case StepTransferTo:
		slot = &r.TxTransferTo
	default:
		return nil
	}
	if *slot == nil {
		*slot = &TxArtifact{}
	}
	return *slot
}

// DestinationAddress resolves the payout address through the derived
// wallet relation. It is set once at record creation by the intake flow.
func (r *TransferRecord) DestinationAddress() (string, error) {
	if r.DerivedWallet == nil {
		return "", ErrWalletNotFound
	}
	if r.DerivedWallet.Invoice == "" {
		return "", ErrInvoiceNotFound
	}
	return r.DerivedWallet.Invoice, nil
}
