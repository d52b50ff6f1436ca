// Package txn implements the Transaction Manager: the coordinator that
// drives a package installation's lifecycle end to end — begin, snapshot
// and apply each step in order, commit on success, or roll back in
// reverse order on failure, including recovery after a crash.
package txn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fly-io/txinstall/internal/handlers"
	"github.com/fly-io/txinstall/internal/rollback"
	"github.com/fly-io/txinstall/internal/store"
	"github.com/fly-io/txinstall/internal/tracker"
	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
	yaml "go.yaml.in/yaml/v3"
)

// StepSpec is one caller-supplied step to execute, already validated
// against the metadata schema.
type StepSpec struct {
	Type             string
	Data             json.RawMessage
	RollbackStrategy string
}

// TransactionView is the read-side projection of a transaction handed
// back to callers (e.g. the CLI's status/list commands).
type TransactionView struct {
	ID           int64
	PackageName  string
	Status       string
	CreatedAt    string
	CompletedAt  string
	Steps        []StepView
}

// StepView is the read-side projection of one step.
type StepView struct {
	OrderIndex int
	Type       string
	Status     string
	ExecutedAt string
}

// Manager drives the transaction lifecycle described in the durable log.
type Manager struct {
	store    *store.Store
	registry *handlers.Registry
	tracker  *tracker.Tracker
	rollback *rollback.Engine

	current           int64 // 0 means no transaction is currently bound to this instance
	allowIrreversible bool  // whether the bound transaction's metadata opted into irreversible steps
}

// New builds a Manager over the given durable log and handler registry.
func New(st *store.Store, registry *handlers.Registry) *Manager {
	return &Manager{
		store:    st,
		registry: registry,
		tracker:  tracker.New(registry, st),
		rollback: rollback.New(registry, st),
	}
}

// Begin creates a pending transaction, fingerprints the metadata, and
// transitions it to in_progress. Fails with KindBusy if another
// transaction is already in_progress. allowIrreversible mirrors the
// metadata document's allow_irreversible flag and gates whether Execute
// will run any step declaring rollback: none.
func (m *Manager) Begin(ctx context.Context, packageName string, metadata []byte, allowIrreversible bool) (int64, error) {
	hash := sha256.Sum256(canonicalize(metadata))
	fingerprint := hex.EncodeToString(hash[:])

	id, err := m.store.BeginPending(ctx, packageName, fingerprint, metadata)
	if err != nil {
		return 0, err
	}
	if err := m.store.SetTransactionStatus(ctx, id, store.StatusInProgress); err != nil {
		return 0, err
	}
	m.current = id
	m.allowIrreversible = allowIrreversible
	slog.Info("manager_begin", "transaction_id", id, "package_name", packageName, "allow_irreversible", allowIrreversible)
	return id, nil
}

// canonicalize re-encodes the metadata document (YAML or JSON) as JSON,
// whose object keys encoding/json emits in sorted order, so documents
// that differ only in key order or formatting share a fingerprint.
// Input that does not decode, or decodes to a value encoding/json
// cannot encode, is returned unchanged.
func canonicalize(metadata []byte) []byte {
	var doc interface{}
	if err := yaml.Unmarshal(metadata, &doc); err != nil {
		return metadata
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return metadata
	}
	return out
}

// Execute runs the given steps in order against the transaction begun
// by Begin. Every step's handler and shape are checked before any step
// runs; a failure there marks the transaction failed without rollback.
// On any later step failure it triggers rollback and returns the
// original cause.
func (m *Manager) Execute(ctx context.Context, steps []StepSpec) error {
	if m.current == 0 {
		return pkgerrors.New(pkgerrors.KindValidation, "no transaction is currently in progress on this manager")
	}
	txnID := m.current

	for i, spec := range steps {
		h, err := m.registry.Get(spec.Type)
		if err == nil {
			err = h.Validate(spec.Data)
		}
		if err != nil {
			m.store.SetTransactionStatus(ctx, txnID, store.StatusFailed)
			m.current = 0
			m.allowIrreversible = false
			return pkgerrors.Wrap(pkgerrors.KindValidation, err, fmt.Sprintf("step %d (%s) failed validation", i, spec.Type))
		}
	}

	for i, spec := range steps {
		h, err := m.registry.Get(spec.Type)
		if err != nil {
			return m.failAndRollback(ctx, txnID, i-1, pkgerrors.Wrap(pkgerrors.KindValidation, err, "unknown step type"))
		}
		if err := h.Validate(spec.Data); err != nil {
			return m.failAndRollback(ctx, txnID, i-1, err)
		}

		if spec.RollbackStrategy == store.RollbackNone && !m.allowIrreversible {
			return m.failAndRollback(ctx, txnID, i-1, pkgerrors.New(pkgerrors.KindValidation,
				fmt.Sprintf("step %d (%s) declares rollback: none but metadata does not set allow_irreversible: true", i, spec.Type)))
		}

		if _, err := m.tracker.CaptureAndPersist(ctx, txnID, i, spec.Type, spec.Data, spec.RollbackStrategy); err != nil {
			return m.failAndRollback(ctx, txnID, i-1, err)
		}

		if err := m.store.SetStepStatus(ctx, txnID, i, store.StepRunning); err != nil {
			return m.failAndRollback(ctx, txnID, i-1, err)
		}

		slog.Info("manager_apply_step", "transaction_id", txnID, "order_index", i, "type", spec.Type)
		if err := h.Apply(ctx, spec.Data); err != nil {
			m.store.SetStepStatus(ctx, txnID, i, store.StepFailed)
			return m.failAndRollback(ctx, txnID, i, pkgerrors.Wrap(pkgerrors.KindApply, err, "step apply failed"))
		}

		if err := m.store.SetStepStatus(ctx, txnID, i, store.StepSucceeded); err != nil {
			return m.failAndRollback(ctx, txnID, i, err)
		}
	}
	return nil
}

// failAndRollback transitions the transaction to rolling_back and asks
// the rollback engine to compensate every eligible step. lastGoodIndex
// is informational only; the engine derives what to compensate from
// step status, not from this index.
func (m *Manager) failAndRollback(ctx context.Context, txnID int64, lastGoodIndex int, cause error) error {
	slog.Error("manager_execute_failed", "transaction_id", txnID, "last_good_index", lastGoodIndex, "error", cause)
	if err := m.store.SetTransactionStatus(ctx, txnID, store.StatusRollingBack); err != nil {
		return err
	}

	outcome, err := m.rollback.Rollback(ctx, txnID)
	if err != nil {
		slog.Error("manager_rollback_failed", "transaction_id", txnID, "error", err)
		m.store.SetTransactionStatus(ctx, txnID, store.StatusFailed)
		m.current = 0
		m.allowIrreversible = false
		return cause
	}

	if outcome.AnyCompensationFailed {
		m.store.SetTransactionStatus(ctx, txnID, store.StatusFailed)
	} else {
		m.store.SetTransactionStatus(ctx, txnID, store.StatusRolledBack)
	}
	m.current = 0
	m.allowIrreversible = false
	return cause
}

// Commit transitions the transaction to committed and deletes its
// snapshots, which are no longer needed once nothing can roll back.
func (m *Manager) Commit(ctx context.Context) error {
	if m.current == 0 {
		return pkgerrors.New(pkgerrors.KindValidation, "no transaction is currently in progress on this manager")
	}
	txnID := m.current

	if err := m.store.SetTransactionStatus(ctx, txnID, store.StatusCommitted); err != nil {
		return err
	}
	if err := m.store.DeleteSnapshots(ctx, txnID); err != nil {
		return err
	}
	slog.Info("manager_commit", "transaction_id", txnID)
	m.current = 0
	m.allowIrreversible = false
	return nil
}

// Rollback re-attempts rollback for a transaction that is not committed,
// idempotently skipping already-compensated steps; a transaction already
// rolled_back is left as it is. Used both for the CLI's explicit
// `rollback` verb and for retrying a failed rollback.
func (m *Manager) Rollback(ctx context.Context, txnID int64) error {
	t, err := m.store.GetTransaction(ctx, txnID)
	if err != nil {
		return err
	}
	switch t.Status {
	case store.StatusRolledBack:
		return nil
	case store.StatusCommitted:
		return pkgerrors.New(pkgerrors.KindValidation, fmt.Sprintf("transaction %d is committed and cannot be rolled back", txnID))
	}
	if err := m.store.SetTransactionStatus(ctx, txnID, store.StatusRollingBack); err != nil {
		return err
	}
	outcome, err := m.rollback.Rollback(ctx, txnID)
	if err != nil {
		m.store.SetTransactionStatus(ctx, txnID, store.StatusFailed)
		return err
	}
	if outcome.AnyCompensationFailed {
		return m.store.SetTransactionStatus(ctx, txnID, store.StatusFailed)
	}
	return m.store.SetTransactionStatus(ctx, txnID, store.StatusRolledBack)
}

// Status returns a read-side projection of a transaction and its steps.
func (m *Manager) Status(ctx context.Context, txnID int64) (*TransactionView, error) {
	t, err := m.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	steps, err := m.store.StepsForTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	view := &TransactionView{
		ID: t.ID, PackageName: t.PackageName, Status: t.Status,
		CreatedAt: t.CreatedAt, CompletedAt: t.CompletedAt,
	}
	for _, s := range steps {
		view.Steps = append(view.Steps, StepView{OrderIndex: s.OrderIndex, Type: s.Type, Status: s.Status, ExecutedAt: s.ExecutedAt})
	}
	return view, nil
}

// List returns the most recent transactions, most recent first.
func (m *Manager) List(ctx context.Context, limit int) ([]*TransactionView, error) {
	txns, err := m.store.ListTransactions(ctx, limit)
	if err != nil {
		return nil, err
	}
	var out []*TransactionView
	for _, t := range txns {
		out = append(out, &TransactionView{ID: t.ID, PackageName: t.PackageName, Status: t.Status, CreatedAt: t.CreatedAt, CompletedAt: t.CompletedAt})
	}
	return out, nil
}

// GC deletes terminal transactions (and their steps/snapshots) older
// than olderThan.
func (m *Manager) GC(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	return m.store.GC(ctx, cutoff)
}

// RecoverOrphans scans the log at startup for transactions left
// non-terminal by a crash and resolves them: an empty pending
// transaction is deleted, anything further along is rolled back.
func (m *Manager) RecoverOrphans(ctx context.Context) error {
	orphans, err := m.store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, t := range orphans {
		steps, err := m.store.StepsForTransaction(ctx, t.ID)
		if err != nil {
			return err
		}
		if t.Status == store.StatusPending && len(steps) == 0 {
			slog.Info("recover_orphan_empty_pending", "transaction_id", t.ID)
			if err := m.store.DeleteEmptyPending(ctx, t.ID); err != nil {
				return err
			}
			continue
		}

		slog.Info("recover_orphan_rolling_back", "transaction_id", t.ID, "status", t.Status)
		if err := m.Rollback(ctx, t.ID); err != nil {
			slog.Error("recover_orphan_rollback_failed", "transaction_id", t.ID, "error", err)
		}
	}
	return nil
}
