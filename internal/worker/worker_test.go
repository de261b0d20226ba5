package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bilancio/internal/amqp"
	"bilancio/internal/core"
	"bilancio/internal/services"
)

type stubReader struct {
	mu       sync.Mutex
	reads    []core.Collection
	errs     map[core.Collection]error
	degraded bool
}

func (r *stubReader) Read(_ context.Context, coll core.Collection) (services.ReadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, coll)
	if err := r.errs[coll]; err != nil {
		return services.ReadResult{}, err
	}
	return services.ReadResult{Snapshot: core.Snapshot{Collection: coll, Version: 1}, Degraded: r.degraded}, nil
}

func TestHandleCollectionChanged(t *testing.T) {
	reader := &stubReader{}
	w := NewRefreshWorker(reader, nil)

	err := w.HandleCollectionChanged(context.Background(), amqp.NewCollectionChangedMessage("transactions"))
	require.NoError(t, err)
	assert.Equal(t, []core.Collection{core.Transactions}, reader.reads)
}

func TestHandleCollectionChangedIgnoresUnknownCollection(t *testing.T) {
	reader := &stubReader{}
	w := NewRefreshWorker(reader, nil)

	err := w.HandleCollectionChanged(context.Background(), amqp.NewCollectionChangedMessage("budgets"))
	require.NoError(t, err)
	assert.Empty(t, reader.reads)
}

func TestHandleCollectionChangedRequeuesOnError(t *testing.T) {
	boom := &core.StorageError{Op: "put snapshot", Err: errors.New("disk full")}
	reader := &stubReader{errs: map[core.Collection]error{core.Categories: boom}}
	w := NewRefreshWorker(reader, nil)

	err := w.HandleCollectionChanged(context.Background(), amqp.NewCollectionChangedMessage("categories"))
	assert.ErrorIs(t, err, boom)
}

func TestHandleCollectionChangedDegradedIsNotAnError(t *testing.T) {
	reader := &stubReader{degraded: true}
	w := NewRefreshWorker(reader, nil)

	assert.NoError(t, w.HandleCollectionChanged(context.Background(), amqp.NewCollectionChangedMessage("users")))
}

func TestRefreshAllContinuesAfterFailure(t *testing.T) {
	boom := errors.New("boom")
	reader := &stubReader{errs: map[core.Collection]error{core.Categories: boom}}
	w := NewRefreshWorker(reader, nil)

	err := w.RefreshAll(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, reader.reads, len(core.AllCollections()))
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*amqp.SyncEventMessage
	err  error
}

func (p *recordingPublisher) PublishSyncEvent(_ context.Context, msg *amqp.SyncEventMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func TestEventMessage(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	op := core.NewDelete(core.Categories, "c1")
	op.Sequence = 4

	msg := EventMessage(services.Event{
		Kind:      services.EventConflict,
		State:     services.StateDraining,
		Operation: &op,
		Error:     "not found",
		At:        at,
	})
	assert.Equal(t, "conflict", msg.Kind)
	assert.Equal(t, "sync.conflict", msg.RoutingKey())
	assert.Equal(t, services.StateDraining.String(), msg.State)
	require.NotNil(t, msg.Operation)
	assert.Equal(t, int64(4), msg.Operation.Sequence)
	assert.Equal(t, "categories", msg.Operation.Collection)
	assert.Equal(t, "c1", msg.Operation.EntityID)
	assert.Equal(t, at, msg.Timestamp)

	drained := EventMessage(services.Event{
		Kind:   services.EventDrained,
		Result: &services.DrainResult{Applied: make([]services.AppliedOperation, 2), Remaining: 1},
	})
	assert.Equal(t, 2, drained.Applied)
	assert.Equal(t, 1, drained.Remaining)
	assert.False(t, drained.Timestamp.IsZero())
}

func TestEventPublisherRun(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("circuit breaker is open")}
	p := NewEventPublisher(pub, nil)

	events := make(chan services.Event, 2)
	events <- services.Event{Kind: services.EventStateChanged, State: services.StateConnected}
	events <- services.Event{Kind: services.EventOfflineUnavailable}
	close(events)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the events channel closed")
	}
	assert.Equal(t, 2, pub.count(), "publish failures do not stop the loop")
}

func TestEventPublisherStopsOnCancel(t *testing.T) {
	p := NewEventPublisher(&recordingPublisher{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Run(ctx, make(chan services.Event))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
