package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"bilancio/internal/connectivity"
	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/storage"
)

// ErrNotConnected is returned by Replay while the remote store is offline.
var ErrNotConnected = errors.New("remote store not reachable")

const (
	StateDisconnected State = iota
	StateDraining
	StateConnected
)

// State is the coordinator's view of the remote store.
type State int32

func (s State) String() string {
	switch s {
	case StateDraining:
		return "draining"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	EventStateChanged       EventKind = "state_changed"
	EventDrained            EventKind = "drained"
	EventConflict           EventKind = "conflict"
	EventOfflineUnavailable EventKind = "offline_unavailable"
	EventOfflineRestored    EventKind = "offline_restored"
)

type EventKind string

// Event tells subscribers about sync progress. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind      EventKind              `json:"kind"`
	State     State                  `json:"state"`
	Operation *core.PendingOperation `json:"operation,omitempty"`
	Result    *DrainResult           `json:"result,omitempty"`
	Err       error                  `json:"-"`
	Error     string                 `json:"error,omitempty"`
	At        time.Time              `json:"at"`
}

// Remote is the authoritative store.
type Remote interface {
	Fetch(ctx context.Context, coll core.Collection) (core.Snapshot, error)
	Apply(ctx context.Context, op core.PendingOperation) (json.RawMessage, error)
}

// Connectivity is the part of the monitor the coordinator needs.
type Connectivity interface {
	IsConnected() bool
	ReportFailure(err error)
}

type ReadResult struct {
	Snapshot core.Snapshot `json:"snapshot"`
	// Degraded is set when the snapshot came from the local cache because the
	// remote store could not be used.
	Degraded bool `json:"degraded"`
}

type WriteResult struct {
	Operation core.PendingOperation `json:"operation"`
	Record    json.RawMessage       `json:"record,omitempty"`
	// Pending is set when the write was queued for a later replay.
	Pending bool `json:"pending"`
}

// Coordinator is the single read and write path for mirrored collections.
// It owns the local cache and the pending queue.
type Coordinator struct {
	cache      storage.LocalCache
	queue      *PendingQueue
	remote     Remote
	conn       Connectivity
	logger     *log.Logger
	structured *log.StructuredLogger

	// mu serializes cache writes, queue writes and drains.
	mu               sync.Mutex
	draining         atomic.Bool
	state            atomic.Int32
	offlineAvailable atomic.Bool
	reads            singleflight.Group

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

func NewCoordinator(cache storage.LocalCache, queue *PendingQueue, remote Remote, conn Connectivity, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentSync)
	c := &Coordinator{
		cache:      cache,
		queue:      queue,
		remote:     remote,
		conn:       conn,
		logger:     logger,
		structured: log.NewStructuredLogger(logger),
		subs:       make(map[int]chan Event),
	}
	c.state.Store(int32(StateDisconnected))
	c.offlineAvailable.Store(true)
	return c
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// IsDegraded reports whether reads may be stale or writes may be queued.
func (c *Coordinator) IsDegraded() bool {
	return c.State() != StateConnected
}

// OfflineAvailable is false while the local cache cannot be used.
func (c *Coordinator) OfflineAvailable() bool {
	return c.offlineAvailable.Load()
}

func (c *Coordinator) PendingCount(ctx context.Context) (int, error) {
	n, err := c.queue.Len(ctx)
	if err != nil {
		c.storageFailed(ctx, err)
	}
	return n, err
}

func (c *Coordinator) PendingOperations(ctx context.Context) ([]core.PendingOperation, error) {
	ops, err := c.queue.List(ctx)
	if err != nil {
		c.storageFailed(ctx, err)
	}
	return ops, err
}

// Subscribe returns a channel of events and a function that stops the
// subscription. Slow subscribers miss events rather than block.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, 32)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

// Read returns collection coll. When connected it refreshes the cache from
// the remote store first, with queued writes projected on top; otherwise, or
// when the remote call fails, it serves the cached snapshot as degraded.
func (c *Coordinator) Read(ctx context.Context, coll core.Collection) (ReadResult, error) {
	if !coll.IsValid() {
		return ReadResult{}, fmt.Errorf("%w: %q", core.ErrUnknownCollection, coll)
	}

	if c.conn.IsConnected() {
		v, err, _ := c.reads.Do(string(coll), func() (any, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.refreshLocked(ctx, coll)
		})
		if err == nil {
			return ReadResult{Snapshot: v.(core.Snapshot).Clone()}, nil
		}
		c.remoteFailed(ctx, err)
		c.logger.WarnContext(ctx, "Remote read failed, serving cached snapshot",
			log.FieldCollection, coll, log.FieldError, err)
	}

	snap, err := c.cache.Get(ctx, coll)
	if err != nil {
		c.storageFailed(ctx, err)
		return ReadResult{}, err
	}
	return ReadResult{Snapshot: snap, Degraded: true}, nil
}

// Write validates op and applies it to the remote store, or queues it when
// the remote store is unreachable or earlier writes are still queued. A
// conflict reported by the remote store is returned and nothing is queued.
func (c *Coordinator) Write(ctx context.Context, op core.PendingOperation) (WriteResult, error) {
	if err := op.Validate(); err != nil {
		return WriteResult{}, &core.ValidationError{Err: fmt.Errorf("invalid operation: %w", err)}
	}

	c.mu.Lock()
	result, err := c.writeLocked(ctx, op)
	c.mu.Unlock()
	if err != nil || !result.Pending {
		return result, err
	}

	if c.conn.IsConnected() {
		drained, err := c.Replay(ctx)
		if err != nil {
			c.logger.WarnContext(ctx, "Replay after queued write failed", log.FieldError, err)
			return result, nil
		}
		for _, applied := range drained.Applied {
			if applied.Operation.Sequence == result.Operation.Sequence {
				result.Operation = applied.Operation
				result.Record = applied.Record
				result.Pending = false
				break
			}
		}
	}
	return result, nil
}

func (c *Coordinator) writeLocked(ctx context.Context, op core.PendingOperation) (WriteResult, error) {
	if err := c.validate(ctx, op); err != nil {
		return WriteResult{}, &core.ValidationError{Err: fmt.Errorf("%s %s: %w", op.Kind, op.Collection, err)}
	}

	pending, queueErr := c.queue.Len(ctx)
	if queueErr != nil {
		c.storageFailed(ctx, queueErr)
	}

	direct := c.conn.IsConnected() && c.State() == StateConnected && pending == 0
	if queueErr != nil {
		// Without a queue the only option is the remote store.
		direct = c.conn.IsConnected()
	}

	var cause error
	if direct {
		record, err := c.remote.Apply(ctx, op)
		if err == nil {
			applied := AppliedOperation{Operation: op, Record: record}
			if op.Kind == core.OpCreate {
				if id, idErr := core.RecordID(record); idErr == nil && id != "" && id != op.EntityID {
					applied.ServerID = id
				}
			}
			c.reconcileLocked(ctx, []AppliedOperation{applied})
			return WriteResult{Operation: op, Record: record}, nil
		}
		if core.IsConflict(err) {
			c.structured.LogError(ctx, "Write rejected by remote store", err, log.ErrorTypeConflict,
				log.NewFields().WithOperation(string(op.Kind)))
			return WriteResult{}, err
		}
		c.remoteFailed(ctx, err)
		if queueErr != nil {
			return WriteResult{}, err
		}
		cause = err
	}
	if queueErr != nil {
		return WriteResult{}, fmt.Errorf("queue unavailable: %w", queueErr)
	}

	stored, err := c.queue.Enqueue(ctx, op, cause)
	if err != nil {
		c.storageFailed(ctx, err)
		return WriteResult{}, err
	}

	snap, err := c.cache.Get(ctx, stored.Collection)
	if err == nil {
		snap, err = project(snap, stored)
	}
	if err == nil {
		_, err = c.cache.Put(ctx, snap)
	}
	if err != nil {
		c.storageFailed(ctx, err)
		c.logger.WarnContext(ctx, "Queued write not projected into cache",
			log.FieldSequence, stored.Sequence, log.FieldError, err)
	}

	return WriteResult{Operation: stored, Record: stored.Payload, Pending: true}, nil
}

// Replay drains the pending queue against the remote store and reconciles
// the cache with what the remote store returned. A call made while another
// replay is running returns an empty result. Replay refuses to run while the
// remote store is not known to be reachable and leaves the state untouched;
// a connectivity failure during the drain is returned as an error.
func (c *Coordinator) Replay(ctx context.Context) (DrainResult, error) {
	if !c.conn.IsConnected() {
		return DrainResult{}, &core.ConnectivityError{Op: "replay", Err: ErrNotConnected}
	}
	return c.replay(ctx)
}

func (c *Coordinator) replay(ctx context.Context) (DrainResult, error) {
	if !c.draining.CompareAndSwap(false, true) {
		c.logger.DebugContext(ctx, "Replay already running")
		return DrainResult{}, nil
	}
	defer c.draining.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.setState(ctx, StateDraining)

	result, err := c.queue.Drain(ctx, c.remote.Apply)
	if err != nil {
		c.storageFailed(ctx, err)
		return result, err
	}

	c.reconcileLocked(ctx, result.Applied)
	for _, conflict := range result.Conflicts {
		op := conflict.Operation
		c.emit(Event{Kind: EventConflict, State: c.State(), Operation: &op, Err: conflict.Err, Error: conflict.Error})
	}

	if len(result.Applied) > 0 || len(result.Conflicts) > 0 {
		// Conflicting writes were projected optimistically; the remote copy
		// is the only way to undo them.
		for _, coll := range touched(result) {
			if _, err := c.refreshLocked(ctx, coll); err != nil {
				c.logger.WarnContext(ctx, "Refresh after replay failed",
					log.FieldCollection, coll, log.FieldError, err)
				break
			}
		}
	}

	if !result.Empty() {
		c.logger.InfoContext(ctx, "Replay finished",
			"applied", len(result.Applied),
			"failed", len(result.Failed),
			"conflicts", len(result.Conflicts),
			log.FieldPending, result.Remaining)
		r := result
		c.emit(Event{Kind: EventDrained, State: c.State(), Result: &r})
	}

	switch {
	case result.Stopped && core.IsConnectivity(result.StopErr):
		c.remoteFailed(ctx, result.StopErr)
		return result, result.StopErr
	case result.Stopped:
		return result, result.StopErr
	case result.Remaining == 0:
		c.setState(ctx, StateConnected)
	}
	return result, nil
}

// BeforeOnline is the monitor hook: it replays the queue before the monitor
// reports the remote store as reachable. The monitor calls it right after a
// successful probe, so it skips the connectivity check Replay makes.
func (c *Coordinator) BeforeOnline(ctx context.Context) error {
	_, err := c.replay(ctx)
	return err
}

// Follow keeps the coordinator state in step with connectivity transitions
// until ctx ends or the channel closes.
func (c *Coordinator) Follow(ctx context.Context, transitions <-chan connectivity.Transition) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			switch tr {
			case connectivity.BecameOffline:
				c.setState(ctx, StateDisconnected)
			case connectivity.BecameOnline:
				if c.State() == StateDisconnected {
					if _, err := c.Replay(ctx); err != nil {
						c.logger.WarnContext(ctx, "Replay on reconnect failed", log.FieldError, err)
					}
				}
			}
		}
	}
}

// refreshLocked fetches coll, projects the queue over it and stores it. A
// cache failure still returns the fetched snapshot.
func (c *Coordinator) refreshLocked(ctx context.Context, coll core.Collection) (core.Snapshot, error) {
	snap, err := c.remote.Fetch(ctx, coll)
	if err != nil {
		return core.Snapshot{}, err
	}

	ops, err := c.queue.List(ctx)
	if err != nil {
		c.storageFailed(ctx, err)
		ops = nil
	}
	projected, err := projectAll(snap, ops)
	if err != nil {
		return core.Snapshot{}, err
	}

	// Unchanged content keeps its version so version-keyed caches stay warm.
	if cached, err := c.cache.Get(ctx, coll); err == nil && cached.Version > 0 && sameItems(cached, projected) {
		c.storageRecovered(ctx)
		return cached, nil
	}

	stored, err := c.cache.Put(ctx, projected)
	if err != nil {
		c.storageFailed(ctx, err)
		return projected, nil
	}
	c.storageRecovered(ctx)
	return stored, nil
}

func sameItems(a, b core.Snapshot) bool {
	if len(a.Items) != len(b.Items) {
		return false
	}
	for i := range a.Items {
		if !bytes.Equal(a.Items[i], b.Items[i]) {
			return false
		}
	}
	return true
}

func (c *Coordinator) reconcileLocked(ctx context.Context, applied []AppliedOperation) {
	if len(applied) == 0 {
		return
	}
	batch := c.newBatch()
	for _, a := range applied {
		if err := batch.apply(ctx, a); err != nil {
			c.storageFailed(ctx, err)
			c.logger.WarnContext(ctx, "Cache not reconciled with remote record",
				log.FieldSequence, a.Operation.Sequence, log.FieldError, err)
			return
		}
	}
	if err := batch.commit(ctx); err != nil {
		c.storageFailed(ctx, err)
	}
}

// validate checks op against the cached state it depends on. Cache reads
// that fail skip the checks that need them.
func (c *Coordinator) validate(ctx context.Context, op core.PendingOperation) error {
	switch op.Collection {
	case core.Categories:
		return c.validateCategory(ctx, op)
	case core.Transactions:
		if op.Kind != core.OpCreate && op.Kind != core.OpUpdate {
			return nil
		}
		var tx core.Transaction
		if err := json.Unmarshal(op.Payload, &tx); err != nil {
			return fmt.Errorf("decode transaction: %w", err)
		}
		if err := tx.Validate(); err != nil {
			return err
		}
		cats, ok := c.cachedCategories(ctx)
		if !ok || len(cats) == 0 {
			return nil
		}
		cat, found := cats[tx.CategoryID]
		if !found {
			return fmt.Errorf("%w: %s", core.ErrUnknownCategory, tx.CategoryID)
		}
		if cat.Type != tx.Type {
			return fmt.Errorf("%w: transaction is %s, category %q is %s", core.ErrTypeMismatch, tx.Type, cat.Name, cat.Type)
		}
		return nil
	case core.Users:
		if op.Kind != core.OpCreate && op.Kind != core.OpUpdate {
			return nil
		}
		var u core.User
		if err := json.Unmarshal(op.Payload, &u); err != nil {
			return fmt.Errorf("decode user: %w", err)
		}
		return u.Validate()
	}
	return nil
}

func (c *Coordinator) validateCategory(ctx context.Context, op core.PendingOperation) error {
	switch op.Kind {
	case core.OpCreate, core.OpUpdate:
		var cat core.Category
		if err := json.Unmarshal(op.Payload, &cat); err != nil {
			return fmt.Errorf("decode category: %w", err)
		}
		if err := cat.Validate(); err != nil {
			return err
		}
		cats, ok := c.cachedCategories(ctx)
		if !ok || len(cats) == 0 {
			return nil
		}
		if !cat.IsRoot() {
			parent, found := cats[cat.ParentID]
			if !found {
				return fmt.Errorf("%w: parent %s", core.ErrUnknownCategory, cat.ParentID)
			}
			if parent.Type != cat.Type {
				return fmt.Errorf("%w: %q is %s, parent %q is %s", core.ErrTypeMismatch, cat.Name, cat.Type, parent.Name, parent.Type)
			}
			if cat.ID != "" && hasAncestor(cats, cat.ParentID, cat.ID) {
				return fmt.Errorf("%w: %s under %s", core.ErrCategoryCycle, cat.ID, cat.ParentID)
			}
		}
		if existing, found := cats[cat.ID]; op.Kind == core.OpUpdate && found && existing.Type != cat.Type {
			for _, other := range cats {
				if other.ParentID == cat.ID {
					return fmt.Errorf("%w: %q has children of type %s", core.ErrTypeMismatch, cat.Name, existing.Type)
				}
			}
		}
	case core.OpDelete:
		cats, ok := c.cachedCategories(ctx)
		if !ok {
			return nil
		}
		for _, other := range cats {
			if other.ParentID == op.EntityID && other.IsActive {
				return fmt.Errorf("%w: %s", core.ErrCategoryHasChildren, op.EntityID)
			}
		}
	}
	return nil
}

// hasAncestor reports whether id appears on the parent chain starting at
// from. The walk is bounded by len(cats) so a cycle already in the cache
// cannot loop forever.
func hasAncestor(cats map[string]core.Category, from, id string) bool {
	cur := from
	for range len(cats) + 1 {
		if cur == "" {
			return false
		}
		if cur == id {
			return true
		}
		next, ok := cats[cur]
		if !ok {
			return false
		}
		cur = next.ParentID
	}
	return false
}

func (c *Coordinator) cachedCategories(ctx context.Context) (map[string]core.Category, bool) {
	snap, err := c.cache.Get(ctx, core.Categories)
	if err != nil {
		c.storageFailed(ctx, err)
		return nil, false
	}
	cats, err := snap.Categories()
	if err != nil {
		c.logger.WarnContext(ctx, "Cached categories unreadable", log.FieldError, err)
		return nil, false
	}
	byID := make(map[string]core.Category, len(cats))
	for _, cat := range cats {
		byID[cat.ID] = cat
	}
	return byID, true
}

// remoteFailed marks the coordinator offline when err means the remote
// store could not be reached.
func (c *Coordinator) remoteFailed(ctx context.Context, err error) {
	if !core.IsConnectivity(err) {
		return
	}
	c.conn.ReportFailure(err)
	c.setState(ctx, StateDisconnected)
}

func (c *Coordinator) storageFailed(ctx context.Context, err error) {
	if !core.IsStorage(err) {
		return
	}
	if c.offlineAvailable.CompareAndSwap(true, false) {
		c.structured.LogError(ctx, "Local cache unavailable, offline support disabled", err, log.ErrorTypeStorage, nil)
		c.emit(Event{Kind: EventOfflineUnavailable, State: c.State(), Err: err, Error: err.Error()})
	}
}

func (c *Coordinator) storageRecovered(ctx context.Context) {
	if c.offlineAvailable.CompareAndSwap(false, true) {
		c.logger.InfoContext(ctx, "Local cache available again")
		c.emit(Event{Kind: EventOfflineRestored, State: c.State()})
	}
}

func (c *Coordinator) setState(ctx context.Context, s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.logger.InfoContext(ctx, "Sync state changed", "from", old, log.FieldState, s)
	c.emit(Event{Kind: EventStateChanged, State: s})
}

func (c *Coordinator) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Debug("Dropping event for slow subscriber", "kind", ev.Kind)
		}
	}
}

// touched lists the collections a drain changed, in a stable order.
func touched(result DrainResult) []core.Collection {
	seen := make(map[core.Collection]bool)
	mark := func(op core.PendingOperation) {
		seen[op.Collection] = true
		if op.Collection == core.Categories && op.Kind == core.OpCreate {
			seen[core.Transactions] = true
		}
	}
	for _, a := range result.Applied {
		mark(a.Operation)
	}
	for _, f := range result.Conflicts {
		mark(f.Operation)
	}
	var out []core.Collection
	for _, coll := range core.AllCollections() {
		if seen[coll] {
			out = append(out, coll)
		}
	}
	return out
}
