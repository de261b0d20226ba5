package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/log"

	_ "modernc.org/sqlite"
)

var ErrOperationNotFound = errors.New("pending operation not found")

type SQLiteRepository struct {
	db     *sql.DB
	logger *log.Logger
}

func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = log.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	version, err := RunMigrations(dbPath)
	if err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Queue sequencing relies on a single writer connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{
		db:     db,
		logger: logger.WithComponent(log.ComponentStorage),
	}
	repo.logger.Info("Local cache opened", "path", dbPath, "schema_version", version)

	return repo, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Get implements LocalCache
func (r *SQLiteRepository) Get(ctx context.Context, c core.Collection) (core.Snapshot, error) {
	var (
		version   int64
		items     string
		updatedAt int64
	)
	err := r.db.QueryRowContext(ctx, getSnapshot, string(c)).Scan(&version, &items, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Snapshot{Collection: c, Items: []json.RawMessage{}}, nil
	}
	if err != nil {
		return core.Snapshot{}, &core.StorageError{Op: "get " + string(c), Err: err}
	}

	snap := core.Snapshot{
		Collection: c,
		Version:    version,
		UpdatedAt:  time.Unix(0, updatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(items), &snap.Items); err != nil {
		return core.Snapshot{}, &core.StorageError{Op: "decode " + string(c), Err: err}
	}
	if snap.Items == nil {
		snap.Items = []json.RawMessage{}
	}
	return snap, nil
}

// Put implements LocalCache
func (r *SQLiteRepository) Put(ctx context.Context, s core.Snapshot) (core.Snapshot, error) {
	items := s.Items
	if items == nil {
		items = []json.RawMessage{}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return core.Snapshot{}, &core.StorageError{Op: "encode " + string(s.Collection), Err: err}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Snapshot{}, &core.StorageError{Op: "begin put", Err: err}
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx, getSnapshotVersion, string(s.Collection)).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return core.Snapshot{}, &core.StorageError{Op: "read version", Err: err}
	}

	now := time.Now().UTC()
	next := current + 1
	if _, err := tx.ExecContext(ctx, upsertSnapshot, string(s.Collection), next, string(encoded), now.UnixNano()); err != nil {
		return core.Snapshot{}, &core.StorageError{Op: "put " + string(s.Collection), Err: err}
	}
	if err := tx.Commit(); err != nil {
		return core.Snapshot{}, &core.StorageError{Op: "commit put", Err: err}
	}

	r.logger.DebugContext(ctx, "Snapshot stored",
		log.FieldCollection, s.Collection,
		log.FieldVersion, next,
		"items", len(items))

	return core.Snapshot{Collection: s.Collection, Version: next, UpdatedAt: now, Items: items}, nil
}

// AppendOperation implements QueueStore
func (r *SQLiteRepository) AppendOperation(ctx context.Context, op core.PendingOperation) (core.PendingOperation, error) {
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, insertOperation,
		string(op.Kind),
		string(op.Collection),
		op.EntityID,
		nullablePayload(op.Payload),
		op.EnqueuedAt.UnixNano(),
		op.Attempts,
		op.LastError)
	if err != nil {
		return core.PendingOperation{}, &core.StorageError{Op: "enqueue", Err: err}
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return core.PendingOperation{}, &core.StorageError{Op: "enqueue", Err: err}
	}
	op.Sequence = seq
	return op, nil
}

// ListOperations implements QueueStore
func (r *SQLiteRepository) ListOperations(ctx context.Context) ([]core.PendingOperation, error) {
	rows, err := r.db.QueryContext(ctx, listOperations)
	if err != nil {
		return nil, &core.StorageError{Op: "list operations", Err: err}
	}
	defer rows.Close()

	var ops []core.PendingOperation
	for rows.Next() {
		var (
			op         core.PendingOperation
			kind       string
			collection string
			payload    sql.NullString
			enqueuedAt int64
		)
		if err := rows.Scan(&op.Sequence, &kind, &collection, &op.EntityID, &payload, &enqueuedAt, &op.Attempts, &op.LastError); err != nil {
			return nil, &core.StorageError{Op: "scan operation", Err: err}
		}
		op.Kind = core.OperationKind(kind)
		op.Collection = core.Collection(collection)
		if payload.Valid {
			op.Payload = json.RawMessage(payload.String)
		}
		op.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.StorageError{Op: "list operations", Err: err}
	}
	return ops, nil
}

// DeleteOperation implements QueueStore
func (r *SQLiteRepository) DeleteOperation(ctx context.Context, sequence int64) error {
	return r.execOne(ctx, "delete operation", deleteOperation, sequence)
}

// RecordFailure implements QueueStore
func (r *SQLiteRepository) RecordFailure(ctx context.Context, sequence int64, message string) error {
	return r.execOne(ctx, "record failure", recordFailure, message, sequence)
}

// UpdateOperation implements QueueStore
func (r *SQLiteRepository) UpdateOperation(ctx context.Context, op core.PendingOperation) error {
	return r.execOne(ctx, "update operation", updateOperation, op.EntityID, nullablePayload(op.Payload), op.Sequence)
}

// CountOperations implements QueueStore
func (r *SQLiteRepository) CountOperations(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, countOperations).Scan(&n); err != nil {
		return 0, &core.StorageError{Op: "count operations", Err: err}
	}
	return n, nil
}

func (r *SQLiteRepository) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &core.StorageError{Op: op, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &core.StorageError{Op: op, Err: err}
	}
	if n == 0 {
		return &core.StorageError{Op: op, Err: ErrOperationNotFound}
	}
	return nil
}

func nullablePayload(p json.RawMessage) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}
