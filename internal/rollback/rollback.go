// Package rollback implements the Rollback Engine: walking a
// transaction's steps in reverse order and asking each step's handler
// to compensate using the paired snapshot, continuing best-effort past
// any single step's compensation failure.
package rollback

import (
	"context"
	"log/slog"

	"github.com/fly-io/txinstall/internal/handlers"
	"github.com/fly-io/txinstall/internal/store"
	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
)

// Engine drives compensation for a transaction.
type Engine struct {
	registry *handlers.Registry
	store    *store.Store
}

// New builds a rollback Engine bound to the given registry and durable log.
func New(registry *handlers.Registry, st *store.Store) *Engine {
	return &Engine{registry: registry, store: st}
}

// Outcome summarizes a rollback run.
type Outcome struct {
	AnyCompensationFailed bool
}

// compensable is the set of step statuses eligible for compensation:
// anything that ran or might have run, excluding steps never reached
// (pending) or already fully compensated.
func compensable(status string) bool {
	switch status {
	case store.StepRunning, store.StepSucceeded, store.StepFailed, store.StepCompensating, store.StepCompensationFailed:
		return true
	default:
		return false
	}
}

// Rollback compensates every eligible step of txnID in strictly reverse
// order. It continues past a compensation failure (best-effort) and
// reports whether any step ended compensation_failed.
func (e *Engine) Rollback(ctx context.Context, txnID int64) (Outcome, error) {
	steps, err := e.store.StepsForTransaction(ctx, txnID)
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{}
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Status == store.StepCompensated {
			continue
		}
		if !compensable(step.Status) {
			continue
		}

		if err := e.compensateStep(ctx, step); err != nil {
			slog.Error("rollback_step_compensation_failed", "transaction_id", txnID, "order_index", step.OrderIndex, "error", err)
			outcome.AnyCompensationFailed = true
			if setErr := e.store.SetStepStatus(ctx, txnID, step.OrderIndex, store.StepCompensationFailed); setErr != nil {
				return outcome, setErr
			}
			continue
		}
		if setErr := e.store.SetStepStatus(ctx, txnID, step.OrderIndex, store.StepCompensated); setErr != nil {
			return outcome, setErr
		}
	}
	return outcome, nil
}

func (e *Engine) compensateStep(ctx context.Context, step *store.Step) error {
	if step.RollbackStrategy == store.RollbackNone {
		slog.Info("rollback_step_skipped_irreversible", "transaction_id", step.TransactionID, "order_index", step.OrderIndex)
		return nil
	}

	h, err := e.registry.Get(step.Type)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "no handler for step type")
	}

	snap, err := e.store.SnapshotFor(ctx, step.TransactionID, step.OrderIndex)
	if err != nil {
		return err
	}
	var snapshotBlob []byte
	if snap != nil {
		snapshotBlob = snap.DataBlob
	} else {
		snapshotBlob = []byte(`{}`)
	}

	if setErr := e.store.SetStepStatus(ctx, step.TransactionID, step.OrderIndex, store.StepCompensating); setErr != nil {
		return setErr
	}

	slog.Info("rollback_step_compensate", "transaction_id", step.TransactionID, "order_index", step.OrderIndex, "type", step.Type)
	if err := h.Compensate(ctx, step.DataBlob, snapshotBlob); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "handler compensate failed")
	}
	return nil
}
