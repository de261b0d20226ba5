package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/storage"
)

var temporaryIDPattern = regexp.MustCompile(`"tmp-[0-9a-fA-F-]{36}"`)

// ApplyFunc performs one operation against the remote store and returns the
// stored record, if any.
type ApplyFunc func(ctx context.Context, op core.PendingOperation) (json.RawMessage, error)

type AppliedOperation struct {
	Operation core.PendingOperation `json:"operation"`
	Record    json.RawMessage       `json:"record,omitempty"`
	// ServerID is set when a create replaced a temporary id.
	ServerID string `json:"serverId,omitempty"`
}

type FailedOperation struct {
	Operation core.PendingOperation `json:"operation"`
	Err       error                 `json:"-"`
	Error     string                `json:"error"`
}

// DrainResult reports one pass over the queue.
type DrainResult struct {
	Applied   []AppliedOperation `json:"applied"`
	Failed    []FailedOperation  `json:"failed"`
	Conflicts []FailedOperation  `json:"conflicts"`
	// Skipped counts operations held back behind a failed operation on the
	// same entity or behind an unresolved temporary id.
	Skipped   int   `json:"skipped"`
	Remaining int   `json:"remaining"`
	Stopped   bool  `json:"stopped"`
	StopErr   error `json:"-"`
}

// Empty reports whether the pass did nothing at all.
func (r DrainResult) Empty() bool {
	return len(r.Applied) == 0 && len(r.Failed) == 0 && len(r.Conflicts) == 0 && r.Skipped == 0
}

// PendingQueue is the durable FIFO of operations waiting for the remote
// store. Only the Coordinator uses it.
type PendingQueue struct {
	store      storage.QueueStore
	logger     *log.Logger
	structured *log.StructuredLogger
}

func NewPendingQueue(store storage.QueueStore, logger *log.Logger) *PendingQueue {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentQueue)
	return &PendingQueue{
		store:      store,
		logger:     logger,
		structured: log.NewStructuredLogger(logger),
	}
}

// Enqueue persists op at the tail. cause is the error that prevented a
// direct write, if any, and is only logged.
func (q *PendingQueue) Enqueue(ctx context.Context, op core.PendingOperation, cause error) (core.PendingOperation, error) {
	if err := op.Validate(); err != nil {
		return core.PendingOperation{}, fmt.Errorf("invalid operation: %w", err)
	}
	stored, err := q.store.AppendOperation(ctx, op)
	if err != nil {
		return core.PendingOperation{}, err
	}
	q.structured.LogOperationQueued(ctx, stored.Sequence, string(stored.Kind), string(stored.Collection), stored.EntityID, cause)
	return stored, nil
}

func (q *PendingQueue) List(ctx context.Context) ([]core.PendingOperation, error) {
	return q.store.ListOperations(ctx)
}

func (q *PendingQueue) Len(ctx context.Context) (int, error) {
	return q.store.CountOperations(ctx)
}

// RewriteID replaces every reference to from with to in queued operations.
func (q *PendingQueue) RewriteID(ctx context.Context, from, to string) (int, error) {
	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, op := range ops {
		rewritten, changed := rewriteOperation(op, from, to)
		if !changed {
			continue
		}
		if err := q.store.UpdateOperation(ctx, rewritten); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func rewriteOperation(op core.PendingOperation, from, to string) (core.PendingOperation, bool) {
	changed := false
	if op.EntityID == from {
		op.EntityID = to
		changed = true
	}
	old := []byte(`"` + from + `"`)
	if bytes.Contains(op.Payload, old) {
		op.Payload = bytes.ReplaceAll(op.Payload, old, []byte(`"`+to+`"`))
		changed = true
	}
	return op, changed
}

// Drain attempts every queued operation in sequence order.
//
// A success removes the operation. A conflict removes it and reports it; it
// is never retried. Any other error keeps the operation in place with its
// attempt count raised. After a conflict or failure, later operations on the
// same entity wait for the next pass. A connectivity error ends the pass.
// When the remote store returns a create without a new id, later references
// to the temporary id in the same pass are sent unchanged.
func (q *PendingQueue) Drain(ctx context.Context, apply ApplyFunc) (DrainResult, error) {
	var result DrainResult

	ops, err := q.store.ListOperations(ctx)
	if err != nil {
		return result, err
	}

	blocked := make(map[string]bool)
	// Temporary ids with a create still queued. A reference to any other
	// temporary id can never be resolved.
	creates := make(map[string]bool)
	for _, op := range ops {
		if op.Kind == core.OpCreate && core.IsTemporaryID(op.EntityID) {
			creates[op.EntityID] = true
		}
	}
	// Temporary ids the remote store accepted without assigning a new one.
	// References to them are sent as they are.
	kept := make(map[string]bool)

pass:
	for i := 0; i < len(ops); i++ {
		if ctx.Err() != nil {
			result.Stopped = true
			result.StopErr = ctx.Err()
			break pass
		}
		op := ops[i]
		fields := log.NewFields().WithPendingOperation(op.Sequence, string(op.Kind), string(op.Collection), op.EntityID)

		refs := unresolved(temporaryRefs(op), kept)
		if dangling := firstMissing(refs, creates); dangling != "" {
			conflict := &core.ConflictError{
				Op:      string(op.Kind) + " " + string(op.Collection),
				Message: "depends on rejected create of " + dangling,
			}
			if err := q.store.DeleteOperation(ctx, op.Sequence); err != nil {
				return result, err
			}
			blocked[op.EntityKey()] = true
			delete(creates, op.EntityID)
			result.Conflicts = append(result.Conflicts, FailedOperation{Operation: op, Err: conflict, Error: conflict.Error()})
			q.structured.LogError(ctx, "Operation dropped, its dependency was rejected", conflict, log.ErrorTypeConflict, fields)
			continue
		}
		if len(refs) > 0 || isBlocked(blocked, op) {
			result.Skipped++
			continue
		}

		record, applyErr := apply(ctx, op)
		switch {
		case applyErr == nil:
			if err := q.store.DeleteOperation(ctx, op.Sequence); err != nil {
				return result, err
			}
			applied := AppliedOperation{Operation: op, Record: record}
			if op.Kind == core.OpCreate && core.IsTemporaryID(op.EntityID) {
				delete(creates, op.EntityID)
				serverID, err := core.RecordID(record)
				if err == nil && serverID != "" && serverID != op.EntityID {
					applied.ServerID = serverID
					if _, err := q.RewriteID(ctx, op.EntityID, serverID); err != nil {
						return result, err
					}
					for j := i + 1; j < len(ops); j++ {
						ops[j], _ = rewriteOperation(ops[j], op.EntityID, serverID)
					}
				} else {
					kept[op.EntityID] = true
					q.logger.WarnContext(ctx, "Remote store kept the temporary id", fields.ToSlice()...)
				}
			}
			result.Applied = append(result.Applied, applied)
			q.logger.InfoContext(ctx, "Operation applied", fields.ToSlice()...)

		case core.IsConflict(applyErr):
			if err := q.store.DeleteOperation(ctx, op.Sequence); err != nil {
				return result, err
			}
			blocked[op.EntityKey()] = true
			delete(creates, op.EntityID)
			result.Conflicts = append(result.Conflicts, FailedOperation{Operation: op, Err: applyErr, Error: applyErr.Error()})
			q.structured.LogError(ctx, "Operation rejected by remote store, dropped", applyErr, log.ErrorTypeConflict, fields)

		default:
			if err := q.store.RecordFailure(ctx, op.Sequence, applyErr.Error()); err != nil {
				return result, err
			}
			op.Attempts++
			op.LastError = applyErr.Error()
			blocked[op.EntityKey()] = true
			result.Failed = append(result.Failed, FailedOperation{Operation: op, Err: applyErr, Error: applyErr.Error()})

			if core.IsConnectivity(applyErr) {
				q.structured.LogError(ctx, "Remote unreachable, stopping drain", applyErr, log.ErrorTypeConnectivity, fields)
				result.Stopped = true
				result.StopErr = applyErr
				result.Skipped += len(ops) - i - 1
				break pass
			}
			q.logger.WarnContext(ctx, "Operation failed, kept for retry",
				append(fields.WithError(applyErr).ToSlice(), log.FieldAttempts, op.Attempts)...)
		}
	}

	remaining, err := q.store.CountOperations(context.WithoutCancel(ctx))
	if err != nil {
		return result, err
	}
	result.Remaining = remaining
	return result, nil
}

// isBlocked treats a bulk clear as touching every category.
func isBlocked(blocked map[string]bool, op core.PendingOperation) bool {
	if blocked[op.EntityKey()] {
		return true
	}
	if op.Collection != core.Categories {
		return false
	}
	if blocked[string(core.Categories)+"/*"] {
		return true
	}
	if op.Kind == core.OpClear {
		prefix := string(core.Categories) + "/"
		for key := range blocked {
			if strings.HasPrefix(key, prefix) {
				return true
			}
		}
	}
	return false
}

// temporaryRefs lists the temporary ids op depends on, other than the id its
// own create assigns.
func temporaryRefs(op core.PendingOperation) []string {
	var refs []string
	if op.Kind != core.OpCreate && core.IsTemporaryID(op.EntityID) {
		refs = append(refs, op.EntityID)
	}
	for _, m := range temporaryIDPattern.FindAll(op.Payload, -1) {
		if id := string(m[1 : len(m)-1]); id != op.EntityID {
			refs = append(refs, id)
		}
	}
	return refs
}

func unresolved(ids []string, kept map[string]bool) []string {
	out := ids[:0]
	for _, id := range ids {
		if !kept[id] {
			out = append(out, id)
		}
	}
	return out
}

func firstMissing(ids []string, present map[string]bool) string {
	for _, id := range ids {
		if !present[id] {
			return id
		}
	}
	return ""
}
