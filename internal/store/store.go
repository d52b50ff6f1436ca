// Package store implements the durable log: a crash-safe SQLite-backed
// record of transactions, their ordered steps, and the pre-image snapshot
// paired with each step.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
	_ "modernc.org/sqlite"
)

// Store provides durable persistence for the transaction log. It keeps a
// dedicated writer handle (single connection, WAL mode) and a separate
// reader handle so List/Status never block behind an in-progress
// transaction's subprocess waits.
type Store struct {
	writer *sql.DB
	reader *sql.DB
}

// Open opens (creating if necessary) the SQLite file at dbPath and
// ensures the schema exists.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", dbPath)
	slog.Info("store_open", "db_path", dbPath)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		slog.Error("store_open_failed", "db_path", dbPath, "error", err)
		return nil, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to open durable log")
	}
	writer.SetMaxOpenConns(1)

	if _, err := writer.Exec(Schema); err != nil {
		writer.Close()
		slog.Error("store_schema_failed", "db_path", dbPath, "error", err)
		return nil, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to create schema")
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		slog.Error("store_reader_open_failed", "db_path", dbPath, "error", err)
		return nil, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to open reader handle")
	}

	slog.Info("store_ready", "db_path", dbPath)
	return &Store{writer: writer, reader: reader}, nil
}

// Close closes both handles.
func (s *Store) Close() error {
	err1 := s.writer.Close()
	err2 := s.reader.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// BeginPending inserts a new transaction row in status pending and
// returns its id. It rejects the call if any transaction is already
// in_progress (the Busy check).
func (s *Store) BeginPending(ctx context.Context, packageName, metadataHash string, metadata []byte) (int64, error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE status = ?`, StatusInProgress).Scan(&count); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to check for in-progress transactions")
	}
	if count > 0 {
		return 0, pkgerrors.New(pkgerrors.KindBusy, "another transaction is already in progress")
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (package_name, metadata_hash, metadata, status) VALUES (?, ?, ?, ?)`,
		packageName, metadataHash, metadata, StatusPending)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to insert transaction")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to read last insert id")
	}
	if err := tx.Commit(); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to commit transaction insert")
	}

	slog.Info("transaction_begun", "transaction_id", id, "package_name", packageName)
	return id, nil
}

// SetTransactionStatus updates a transaction's status. When status is
// terminal, completed_at is stamped.
func (s *Store) SetTransactionStatus(ctx context.Context, id int64, status string) error {
	slog.Info("transaction_status_update", "transaction_id", id, "status", status)
	var query string
	switch status {
	case StatusCommitted, StatusRolledBack, StatusFailed:
		query = `UPDATE transactions SET status = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?`
	default:
		query = `UPDATE transactions SET status = ? WHERE id = ?`
	}
	if _, err := s.writer.ExecContext(ctx, query, status, id); err != nil {
		slog.Error("transaction_status_update_failed", "transaction_id", id, "status", status, "error", err)
		return pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to update transaction status")
	}
	return nil
}

// GetTransaction reads a single transaction by id.
func (s *Store) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT id, package_name, metadata_hash, metadata, status, created_at, COALESCE(completed_at, '') FROM transactions WHERE id = ?`, id)
	var t Transaction
	if err := row.Scan(&t.ID, &t.PackageName, &t.MetadataHash, &t.Metadata, &t.Status, &t.CreatedAt, &t.CompletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, pkgerrors.New(pkgerrors.KindStorage, fmt.Sprintf("transaction %d not found", id))
		}
		return nil, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to query transaction")
	}
	return &t, nil
}

// ListTransactions returns up to limit transactions, most recent first.
func (s *Store) ListTransactions(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, package_name, metadata_hash, metadata, status, created_at, COALESCE(completed_at, '') FROM transactions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to list transactions")
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.PackageName, &t.MetadataHash, &t.Metadata, &t.Status, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to scan transaction row")
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ListNonTerminal returns transactions in pending, in_progress, or
// rolling_back status, used by crash recovery at startup.
func (s *Store) ListNonTerminal(ctx context.Context) ([]*Transaction, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT id, package_name, metadata_hash, metadata, status, created_at, COALESCE(completed_at, '') FROM transactions WHERE status IN (?, ?, ?)`,
		StatusPending, StatusInProgress, StatusRollingBack)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to list non-terminal transactions")
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.PackageName, &t.MetadataHash, &t.Metadata, &t.Status, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to scan transaction row")
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// PersistStepAndSnapshot writes a step row (status pending) and its
// paired snapshot row inside one transaction, so a crash between the two
// writes is never observable: either both exist or neither does.
func (s *Store) PersistStepAndSnapshot(ctx context.Context, txnID int64, orderIndex int, stepType string, dataBlob []byte, rollbackStrategy string, snapshotBlob []byte) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to begin step+snapshot transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO steps (transaction_id, order_index, type, data_blob, status, rollback_strategy) VALUES (?, ?, ?, ?, ?, ?)`,
		txnID, orderIndex, stepType, dataBlob, StepPending, rollbackStrategy); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to insert step row")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (transaction_id, order_index, data_blob) VALUES (?, ?, ?)`,
		txnID, orderIndex, snapshotBlob); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to insert snapshot row")
	}

	if err := tx.Commit(); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to commit step+snapshot write")
	}
	slog.Info("step_snapshot_persisted", "transaction_id", txnID, "order_index", orderIndex, "type", stepType)
	return nil
}

// SetStepStatus updates a step's status, stamping executed_at when it
// first transitions to running.
func (s *Store) SetStepStatus(ctx context.Context, txnID int64, orderIndex int, status string) error {
	var query string
	if status == StepRunning {
		query = `UPDATE steps SET status = ?, executed_at = CURRENT_TIMESTAMP WHERE transaction_id = ? AND order_index = ?`
	} else {
		query = `UPDATE steps SET status = ? WHERE transaction_id = ? AND order_index = ?`
	}
	if _, err := s.writer.ExecContext(ctx, query, status, txnID, orderIndex); err != nil {
		slog.Error("step_status_update_failed", "transaction_id", txnID, "order_index", orderIndex, "status", status, "error", err)
		return pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to update step status")
	}
	slog.Info("step_status_updated", "transaction_id", txnID, "order_index", orderIndex, "status", status)
	return nil
}

// StepsForTransaction returns all steps for a transaction ordered by index.
func (s *Store) StepsForTransaction(ctx context.Context, txnID int64) ([]*Step, error) {
	rows, err := s.reader.QueryContext(ctx,
		`SELECT transaction_id, order_index, type, data_blob, status, rollback_strategy, COALESCE(executed_at, '') FROM steps WHERE transaction_id = ? ORDER BY order_index ASC`, txnID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to list steps")
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.TransactionID, &st.OrderIndex, &st.Type, &st.DataBlob, &st.Status, &st.RollbackStrategy, &st.ExecutedAt); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to scan step row")
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// SnapshotFor returns the snapshot paired with a step, or nil if none exists.
func (s *Store) SnapshotFor(ctx context.Context, txnID int64, orderIndex int) (*Snapshot, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT transaction_id, order_index, data_blob, created_at FROM snapshots WHERE transaction_id = ? AND order_index = ?`, txnID, orderIndex)
	var sn Snapshot
	if err := row.Scan(&sn.TransactionID, &sn.OrderIndex, &sn.DataBlob, &sn.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to query snapshot")
	}
	return &sn, nil
}

// DeleteSnapshots removes all snapshot rows for a committed transaction;
// they are no longer needed once nothing can roll back.
func (s *Store) DeleteSnapshots(ctx context.Context, txnID int64) error {
	if _, err := s.writer.ExecContext(ctx, `DELETE FROM snapshots WHERE transaction_id = ?`, txnID); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to delete snapshots")
	}
	return nil
}

// GC deletes the (transaction, steps, snapshots) triple for every
// terminal transaction older than cutoff, as a single atomic write.
// Returns the number of transactions deleted.
func (s *Store) GC(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to begin gc transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM transactions WHERE status IN (?, ?, ?) AND created_at < ?`,
		StatusCommitted, StatusRolledBack, StatusFailed, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to select gc candidates")
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to scan gc candidate")
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE transaction_id = ?`, id); err != nil {
			return 0, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to delete snapshots during gc")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE transaction_id = ?`, id); err != nil {
			return 0, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to delete steps during gc")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id); err != nil {
			return 0, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to delete transaction during gc")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to commit gc")
	}
	slog.Info("gc_complete", "deleted_count", len(ids), "cutoff", cutoff)
	return len(ids), nil
}

// DeleteEmptyPending removes a pending transaction that has no steps
// recorded; used by crash recovery when begin() ran but nothing else did.
func (s *Store) DeleteEmptyPending(ctx context.Context, txnID int64) error {
	if _, err := s.writer.ExecContext(ctx, `DELETE FROM transactions WHERE id = ? AND status = ?`, txnID, StatusPending); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to delete empty pending transaction")
	}
	return nil
}
