package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"bilancio/internal/core"
)

// MemoryStore keeps snapshots and the pending queue in process memory. It is
// used for tests and for running without a database file.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[core.Collection]core.Snapshot
	ops       []core.PendingOperation
	nextSeq   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[core.Collection]core.Snapshot), nextSeq: 1}
}

func (s *MemoryStore) Get(_ context.Context, c core.Collection) (core.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[c]
	if !ok {
		return core.Snapshot{Collection: c, Items: []json.RawMessage{}}, nil
	}
	return snap.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, snap core.Snapshot) (core.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := snap.Clone()
	stored.Version = s.snapshots[snap.Collection].Version + 1
	stored.UpdatedAt = time.Now().UTC()
	s.snapshots[snap.Collection] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) AppendOperation(_ context.Context, op core.PendingOperation) (core.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}
	op.Sequence = s.nextSeq
	s.nextSeq++
	s.ops = append(s.ops, op)
	return op, nil
}

func (s *MemoryStore) ListOperations(_ context.Context) ([]core.PendingOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.PendingOperation(nil), s.ops...), nil
}

func (s *MemoryStore) DeleteOperation(_ context.Context, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(sequence)
	if i < 0 {
		return &core.StorageError{Op: "delete operation", Err: ErrOperationNotFound}
	}
	s.ops = append(s.ops[:i], s.ops[i+1:]...)
	return nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, sequence int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(sequence)
	if i < 0 {
		return &core.StorageError{Op: "record failure", Err: ErrOperationNotFound}
	}
	s.ops[i].Attempts++
	s.ops[i].LastError = message
	return nil
}

func (s *MemoryStore) UpdateOperation(_ context.Context, op core.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(op.Sequence)
	if i < 0 {
		return &core.StorageError{Op: "update operation", Err: ErrOperationNotFound}
	}
	s.ops[i].EntityID = op.EntityID
	s.ops[i].Payload = op.Payload
	return nil
}

func (s *MemoryStore) CountOperations(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops), nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) indexOf(sequence int64) int {
	for i, op := range s.ops {
		if op.Sequence == sequence {
			return i
		}
	}
	return -1
}
