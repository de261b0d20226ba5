package services

import (
	"context"
	"encoding/json"
	"fmt"

	"bilancio/internal/core"
)

// project applies op to snap the way the remote store is expected to, so
// queued writes stay visible locally before they are replayed.
func project(snap core.Snapshot, op core.PendingOperation) (core.Snapshot, error) {
	if op.Collection != snap.Collection {
		return snap, nil
	}
	switch op.Kind {
	case core.OpCreate, core.OpUpdate:
		out, err := snap.Upsert(op.Payload)
		if err != nil {
			return snap, fmt.Errorf("project %s %s: %w", op.Kind, op.Collection, err)
		}
		return out, nil
	case core.OpDelete:
		return snap.Remove(op.EntityID), nil
	case core.OpClear:
		return keepRootCategories(snap), nil
	default:
		return snap, fmt.Errorf("project: unsupported operation kind %q", op.Kind)
	}
}

// projectAll replays ops over snap in queue order.
func projectAll(snap core.Snapshot, ops []core.PendingOperation) (core.Snapshot, error) {
	var err error
	for _, op := range ops {
		if snap, err = project(snap, op); err != nil {
			return snap, err
		}
	}
	return snap, nil
}

func keepRootCategories(snap core.Snapshot) core.Snapshot {
	return snap.Filter(func(item json.RawMessage) bool {
		var probe struct {
			ParentID string `json:"parentId"`
		}
		if err := json.Unmarshal(item, &probe); err != nil {
			return true
		}
		return probe.ParentID == ""
	})
}

// cacheBatch collects snapshot edits and writes each touched collection once.
type cacheBatch struct {
	c     *Coordinator
	snaps map[core.Collection]core.Snapshot
	dirty map[core.Collection]bool
}

func (c *Coordinator) newBatch() *cacheBatch {
	return &cacheBatch{
		c:     c,
		snaps: make(map[core.Collection]core.Snapshot),
		dirty: make(map[core.Collection]bool),
	}
}

func (b *cacheBatch) get(ctx context.Context, coll core.Collection) (core.Snapshot, error) {
	if snap, ok := b.snaps[coll]; ok {
		return snap, nil
	}
	snap, err := b.c.cache.Get(ctx, coll)
	if err != nil {
		return core.Snapshot{}, err
	}
	b.snaps[coll] = snap
	return snap, nil
}

func (b *cacheBatch) set(coll core.Collection, snap core.Snapshot) {
	b.snaps[coll] = snap
	b.dirty[coll] = true
}

// apply folds one remote-confirmed operation into the batch.
func (b *cacheBatch) apply(ctx context.Context, applied AppliedOperation) error {
	op := applied.Operation
	if applied.ServerID != "" {
		// Categories are referenced by transactions and by child categories.
		colls := []core.Collection{op.Collection}
		if op.Collection == core.Categories {
			colls = append(colls, core.Transactions)
		}
		for _, coll := range colls {
			snap, err := b.get(ctx, coll)
			if err != nil {
				return err
			}
			b.set(coll, snap.ReplaceID(op.EntityID, applied.ServerID))
		}
	}

	snap, err := b.get(ctx, op.Collection)
	if err != nil {
		return err
	}
	switch op.Kind {
	case core.OpCreate, core.OpUpdate:
		record := applied.Record
		if len(record) == 0 {
			record = op.Payload
		}
		if snap, err = snap.Upsert(record); err != nil {
			return fmt.Errorf("reconcile %s %s: %w", op.Kind, op.Collection, err)
		}
	default:
		if snap, err = project(snap, op); err != nil {
			return err
		}
	}
	b.set(op.Collection, snap)
	return nil
}

func (b *cacheBatch) commit(ctx context.Context) error {
	for _, coll := range core.AllCollections() {
		if !b.dirty[coll] {
			continue
		}
		if _, err := b.c.cache.Put(ctx, b.snaps[coll]); err != nil {
			return err
		}
	}
	return nil
}
