// Package tracker implements the State Tracker: capturing a step's
// pre-image via its handler and persisting it durably alongside the
// step row before any side effect runs.
package tracker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/fly-io/txinstall/internal/handlers"
	"github.com/fly-io/txinstall/internal/store"
	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
)

// Tracker coordinates snapshot capture and durable persistence.
type Tracker struct {
	registry *handlers.Registry
	store    *store.Store
}

// New builds a Tracker bound to the given registry and durable log.
func New(registry *handlers.Registry, st *store.Store) *Tracker {
	return &Tracker{registry: registry, store: st}
}

// CaptureAndPersist snapshots the given step via its handler and writes
// the step+snapshot pair durably. It returns the persisted snapshot
// blob, which the caller (Transaction Manager) may hand back to
// Compensate on a later rollback.
func (t *Tracker) CaptureAndPersist(ctx context.Context, txnID int64, orderIndex int, stepType string, data json.RawMessage, rollbackStrategy string) (json.RawMessage, error) {
	h, err := t.registry.Get(stepType)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindValidation, err, "no handler for step type")
	}

	slog.Info("tracker_snapshot_start", "transaction_id", txnID, "order_index", orderIndex, "type", stepType)
	snapshot, err := h.Snapshot(ctx, data)
	if err != nil {
		slog.Error("tracker_snapshot_failed", "transaction_id", txnID, "order_index", orderIndex, "type", stepType, "error", err)
		return nil, pkgerrors.Wrap(pkgerrors.KindSnapshot, err, "handler failed to capture snapshot")
	}

	if err := t.store.PersistStepAndSnapshot(ctx, txnID, orderIndex, stepType, data, rollbackStrategy, snapshot); err != nil {
		return nil, err
	}
	slog.Info("tracker_snapshot_persisted", "transaction_id", txnID, "order_index", orderIndex)
	return snapshot, nil
}
