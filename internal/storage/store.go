// Package storage holds the durable local mirror of the remote store and the
// persisted queue of operations waiting to be replayed.
package storage

import (
	"context"

	"bilancio/internal/core"
)

// LocalCache stores whole-collection snapshots. It has no business logic:
// Put replaces the collection and assigns the next version.
type LocalCache interface {
	Get(ctx context.Context, c core.Collection) (core.Snapshot, error)
	Put(ctx context.Context, s core.Snapshot) (core.Snapshot, error)
}

// QueueStore persists pending operations ordered by sequence.
type QueueStore interface {
	// AppendOperation assigns the next sequence and enqueue time.
	AppendOperation(ctx context.Context, op core.PendingOperation) (core.PendingOperation, error)
	ListOperations(ctx context.Context) ([]core.PendingOperation, error)
	DeleteOperation(ctx context.Context, sequence int64) error
	RecordFailure(ctx context.Context, sequence int64, message string) error
	// UpdateOperation rewrites entity id and payload, keeping the sequence.
	UpdateOperation(ctx context.Context, op core.PendingOperation) error
	CountOperations(ctx context.Context) (int, error)
}

// Store is a LocalCache and QueueStore sharing one backend.
type Store interface {
	LocalCache
	QueueStore
	Close() error
}
