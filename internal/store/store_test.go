package store

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestStore_BeginAndGet(t *testing.T) {
	dbPath := "/tmp/test_txinstall_store.db"
	os.Remove(dbPath)
	defer os.Remove(dbPath)

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	id, err := s.BeginPending(ctx, "nginx", "hash1", []byte(`{"package":"nginx"}`))
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}

	txn, err := s.GetTransaction(ctx, id)
	if err != nil {
		t.Fatalf("failed to get transaction: %v", err)
	}
	if txn.PackageName != "nginx" || txn.Status != StatusPending {
		t.Errorf("transaction mismatch: got %+v", txn)
	}
}

func TestStore_BusyRejection(t *testing.T) {
	dbPath := "/tmp/test_txinstall_store_busy.db"
	os.Remove(dbPath)
	defer os.Remove(dbPath)

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	id, err := s.BeginPending(ctx, "a", "hash-a", []byte("{}"))
	if err != nil {
		t.Fatalf("failed to begin first transaction: %v", err)
	}
	if err := s.SetTransactionStatus(ctx, id, StatusInProgress); err != nil {
		t.Fatalf("failed to mark in_progress: %v", err)
	}

	if _, err := s.BeginPending(ctx, "b", "hash-b", []byte("{}")); err == nil {
		t.Fatal("expected second begin to fail with Busy, got nil")
	}
}

func TestStore_StepAndSnapshotPaired(t *testing.T) {
	dbPath := "/tmp/test_txinstall_store_steps.db"
	os.Remove(dbPath)
	defer os.Remove(dbPath)

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	id, err := s.BeginPending(ctx, "a", "hash-a", []byte("{}"))
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}

	if err := s.PersistStepAndSnapshot(ctx, id, 0, "custom_script", []byte(`{"cmd":"true"}`), RollbackManual, []byte(`{}`)); err != nil {
		t.Fatalf("failed to persist step+snapshot: %v", err)
	}

	steps, err := s.StepsForTransaction(ctx, id)
	if err != nil {
		t.Fatalf("failed to list steps: %v", err)
	}
	if len(steps) != 1 || steps[0].Status != StepPending {
		t.Errorf("unexpected steps: %+v", steps)
	}

	snap, err := s.SnapshotFor(ctx, id, 0)
	if err != nil {
		t.Fatalf("failed to get snapshot: %v", err)
	}
	if snap == nil {
		t.Fatal("expected paired snapshot, got nil")
	}
}

func TestStore_GCDeletesOnlyTerminal(t *testing.T) {
	dbPath := "/tmp/test_txinstall_store_gc.db"
	os.Remove(dbPath)
	defer os.Remove(dbPath)

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	committedID, _ := s.BeginPending(ctx, "old-committed", "hash1", []byte("{}"))
	s.SetTransactionStatus(ctx, committedID, StatusCommitted)
	activeID, _ := s.BeginPending(ctx, "old-active", "hash2", []byte("{}"))
	s.SetTransactionStatus(ctx, activeID, StatusInProgress)

	// Force created_at far enough in the past for the cutoff to catch the committed one.
	s.writer.Exec(`UPDATE transactions SET created_at = datetime('now', '-45 days')`)

	deleted, err := s.GC(ctx, time.Now())
	if err != nil {
		t.Fatalf("gc failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	if _, err := s.GetTransaction(ctx, activeID); err != nil {
		t.Errorf("expected active transaction to survive gc: %v", err)
	}
}
