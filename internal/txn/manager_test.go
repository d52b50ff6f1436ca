package txn

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/fly-io/txinstall/internal/handlers"
	"github.com/fly-io/txinstall/internal/store"
)

// fakeHandler is an in-memory handlers.Handler used to drive the
// Transaction Manager's tests without touching the host.
type fakeHandler struct {
	applyErr      error
	compensateErr error
	applyCalls    *[]string
	compensateCalls *[]string
	name          string
}

func (f *fakeHandler) Validate(data json.RawMessage) error { return nil }

func (f *fakeHandler) Snapshot(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"pre":"state"}`), nil
}

func (f *fakeHandler) Apply(ctx context.Context, data json.RawMessage) error {
	if f.applyCalls != nil {
		*f.applyCalls = append(*f.applyCalls, f.name)
	}
	return f.applyErr
}

func (f *fakeHandler) Compensate(ctx context.Context, data, snapshot json.RawMessage) error {
	if f.compensateCalls != nil {
		*f.compensateCalls = append(*f.compensateCalls, f.name)
	}
	return f.compensateErr
}

func newTestManager(t *testing.T, dbName string, reg *handlers.Registry) (*Manager, func()) {
	t.Helper()
	dbPath := "/tmp/" + dbName
	os.Remove(dbPath)
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	mgr := New(st, reg)
	return mgr, func() {
		st.Close()
		os.Remove(dbPath)
	}
}

func TestManager_HappyPathTwoSteps(t *testing.T) {
	reg := handlers.NewRegistry()
	reg.Register("noop_a", &fakeHandler{name: "a"})
	reg.Register("noop_b", &fakeHandler{name: "b"})

	mgr, cleanup := newTestManager(t, "test_txn_happy.db", reg)
	defer cleanup()

	ctx := context.Background()
	id, err := mgr.Begin(ctx, "demo", []byte(`{}`), false)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	steps := []StepSpec{
		{Type: "noop_a", Data: json.RawMessage(`{}`), RollbackStrategy: store.RollbackAuto},
		{Type: "noop_b", Data: json.RawMessage(`{}`), RollbackStrategy: store.RollbackAuto},
	}
	if err := mgr.Execute(ctx, steps); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if err := mgr.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	view, err := mgr.Status(ctx, id)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if view.Status != store.StatusCommitted {
		t.Errorf("expected committed, got %s", view.Status)
	}
	for _, s := range view.Steps {
		if s.Status != store.StepSucceeded {
			t.Errorf("expected step %d succeeded, got %s", s.OrderIndex, s.Status)
		}
	}
}

func TestManager_RollbackOnSecondStepFailure(t *testing.T) {
	var compensateCalls []string
	reg := handlers.NewRegistry()
	reg.Register("ok", &fakeHandler{name: "ok", compensateCalls: &compensateCalls})
	reg.Register("boom", &fakeHandler{name: "boom", applyErr: errors.New("apply exploded")})

	mgr, cleanup := newTestManager(t, "test_txn_rollback.db", reg)
	defer cleanup()

	ctx := context.Background()
	id, err := mgr.Begin(ctx, "demo", []byte(`{}`), false)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	steps := []StepSpec{
		{Type: "ok", Data: json.RawMessage(`{}`), RollbackStrategy: store.RollbackAuto},
		{Type: "boom", Data: json.RawMessage(`{}`), RollbackStrategy: store.RollbackAuto},
	}
	if err := mgr.Execute(ctx, steps); err == nil {
		t.Fatal("expected execute to fail")
	}

	view, err := mgr.Status(ctx, id)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if view.Status != store.StatusRolledBack {
		t.Errorf("expected rolled_back, got %s", view.Status)
	}
	if len(compensateCalls) != 1 {
		t.Errorf("expected step 0 to be compensated, calls=%v", compensateCalls)
	}
}

func TestManager_BusyRejection(t *testing.T) {
	reg := handlers.NewRegistry()
	mgr, cleanup := newTestManager(t, "test_txn_busy.db", reg)
	defer cleanup()

	ctx := context.Background()
	if _, err := mgr.Begin(ctx, "a", []byte(`{}`), false); err != nil {
		t.Fatalf("first begin failed: %v", err)
	}

	if _, err := mgr.Begin(ctx, "b", []byte(`{}`), false); err == nil {
		t.Fatal("expected second begin to fail with busy")
	}
}

func TestManager_BestEffortRollbackContinuesPastFailure(t *testing.T) {
	var compensateCalls []string
	reg := handlers.NewRegistry()
	reg.Register("step0", &fakeHandler{name: "step0", compensateCalls: &compensateCalls})
	reg.Register("step1", &fakeHandler{name: "step1", compensateCalls: &compensateCalls, compensateErr: errors.New("compensation failed")})
	reg.Register("step2", &fakeHandler{name: "step2", applyErr: errors.New("apply failed")})

	mgr, cleanup := newTestManager(t, "test_txn_besteffort.db", reg)
	defer cleanup()

	ctx := context.Background()
	if _, err := mgr.Begin(ctx, "demo", []byte(`{}`), false); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	steps := []StepSpec{
		{Type: "step0", Data: json.RawMessage(`{}`), RollbackStrategy: store.RollbackAuto},
		{Type: "step1", Data: json.RawMessage(`{}`), RollbackStrategy: store.RollbackAuto},
		{Type: "step2", Data: json.RawMessage(`{}`), RollbackStrategy: store.RollbackAuto},
	}
	if err := mgr.Execute(ctx, steps); err == nil {
		t.Fatal("expected execute to fail")
	}

	// Both step1 and step0 must have been attempted despite step1 failing.
	if len(compensateCalls) != 2 {
		t.Fatalf("expected both prior steps to be attempted, calls=%v", compensateCalls)
	}
	if compensateCalls[0] != "step1" || compensateCalls[1] != "step0" {
		t.Errorf("expected reverse order step1,step0, got %v", compensateCalls)
	}
}

func TestManager_GCRetentionKeepsRecentTransactions(t *testing.T) {
	reg := handlers.NewRegistry()
	mgr, cleanup := newTestManager(t, "test_txn_gc.db", reg)
	defer cleanup()

	ctx := context.Background()
	id, _ := mgr.Begin(ctx, "recent", []byte(`{}`), false)
	if err := mgr.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// A freshly committed transaction is younger than any positive
	// retention window, so it must survive GC.
	deleted, err := mgr.GC(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("gc failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("expected 0 deletions for a fresh transaction, got %d", deleted)
	}
	if _, err := mgr.store.GetTransaction(ctx, id); err != nil {
		t.Fatalf("expected recent transaction to survive gc: %v", err)
	}
}

func TestManager_RecoverOrphansRollsBackCrashedTransaction(t *testing.T) {
	var compensateCalls []string
	reg := handlers.NewRegistry()
	reg.Register("step0", &fakeHandler{name: "step0", compensateCalls: &compensateCalls})
	reg.Register("step1", &fakeHandler{name: "step1", compensateCalls: &compensateCalls})

	mgr, cleanup := newTestManager(t, "test_txn_recover.db", reg)
	defer cleanup()

	ctx := context.Background()

	// Simulate a process that began a transaction, persisted and applied
	// step0, then crashed mid-apply on step1 before the manager could
	// observe the failure or run rollback itself.
	id, err := mgr.Begin(ctx, "demo", []byte(`{}`), false)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if _, err := mgr.tracker.CaptureAndPersist(ctx, id, 0, "step0", json.RawMessage(`{}`), store.RollbackAuto); err != nil {
		t.Fatalf("capture step0 failed: %v", err)
	}
	if err := mgr.store.SetStepStatus(ctx, id, 0, store.StepSucceeded); err != nil {
		t.Fatalf("set step0 succeeded failed: %v", err)
	}
	if _, err := mgr.tracker.CaptureAndPersist(ctx, id, 1, "step1", json.RawMessage(`{}`), store.RollbackAuto); err != nil {
		t.Fatalf("capture step1 failed: %v", err)
	}
	if err := mgr.store.SetStepStatus(ctx, id, 1, store.StepRunning); err != nil {
		t.Fatalf("set step1 running failed: %v", err)
	}
	// No further status transition happens: the crash left the
	// transaction in_progress with step1 stuck at running.

	// A fresh Manager instance (mgr.current == 0) stands in for the
	// process restarting after the crash.
	fresh := New(mgr.store, reg)
	if err := fresh.RecoverOrphans(ctx); err != nil {
		t.Fatalf("recover orphans failed: %v", err)
	}

	view, err := fresh.Status(ctx, id)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if view.Status != store.StatusRolledBack {
		t.Errorf("expected rolled_back after orphan recovery, got %s", view.Status)
	}
	if len(compensateCalls) != 2 {
		t.Fatalf("expected both steps compensated, calls=%v", compensateCalls)
	}
	if compensateCalls[0] != "step1" || compensateCalls[1] != "step0" {
		t.Errorf("expected reverse order step1,step0, got %v", compensateCalls)
	}
}

func TestManager_RecoverOrphansDeletesEmptyPending(t *testing.T) {
	reg := handlers.NewRegistry()
	mgr, cleanup := newTestManager(t, "test_txn_recover_empty.db", reg)
	defer cleanup()

	ctx := context.Background()
	id, err := mgr.Begin(ctx, "demo", []byte(`{}`), false)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	// Simulate a crash between BeginPending and the transition to
	// in_progress by forcing the row back to pending with no steps.
	if err := mgr.store.SetTransactionStatus(ctx, id, store.StatusPending); err != nil {
		t.Fatalf("failed to force pending: %v", err)
	}

	fresh := New(mgr.store, reg)
	if err := fresh.RecoverOrphans(ctx); err != nil {
		t.Fatalf("recover orphans failed: %v", err)
	}

	if _, err := fresh.store.GetTransaction(ctx, id); err == nil {
		t.Fatal("expected empty pending transaction to be deleted by orphan recovery")
	}
}

func TestManager_RefusesIrreversibleStepWithoutOptIn(t *testing.T) {
	var applyCalls []string
	reg := handlers.NewRegistry()
	reg.Register("wipe", &fakeHandler{name: "wipe", applyCalls: &applyCalls})

	mgr, cleanup := newTestManager(t, "test_txn_irreversible_refused.db", reg)
	defer cleanup()

	ctx := context.Background()
	id, err := mgr.Begin(ctx, "demo", []byte(`{}`), false)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	steps := []StepSpec{
		{Type: "wipe", Data: json.RawMessage(`{}`), RollbackStrategy: store.RollbackNone},
	}
	if err := mgr.Execute(ctx, steps); err == nil {
		t.Fatal("expected execute to refuse an unacknowledged rollback:none step")
	}
	if len(applyCalls) != 0 {
		t.Errorf("expected Apply never to run for a refused step, calls=%v", applyCalls)
	}

	view, err := mgr.Status(ctx, id)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if view.Status != store.StatusRolledBack {
		t.Errorf("expected rolled_back, got %s", view.Status)
	}
}

func TestManager_AllowsIrreversibleStepWithOptIn(t *testing.T) {
	var applyCalls []string
	reg := handlers.NewRegistry()
	reg.Register("wipe", &fakeHandler{name: "wipe", applyCalls: &applyCalls})

	mgr, cleanup := newTestManager(t, "test_txn_irreversible_allowed.db", reg)
	defer cleanup()

	ctx := context.Background()
	if _, err := mgr.Begin(ctx, "demo", []byte(`{}`), true); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	steps := []StepSpec{
		{Type: "wipe", Data: json.RawMessage(`{}`), RollbackStrategy: store.RollbackNone},
	}
	if err := mgr.Execute(ctx, steps); err != nil {
		t.Fatalf("expected execute to succeed with allow_irreversible opt-in: %v", err)
	}
	if len(applyCalls) != 1 {
		t.Errorf("expected Apply to run once, calls=%v", applyCalls)
	}
}
