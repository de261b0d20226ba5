package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bilancio/internal/core"
)

type switchProber struct {
	up    atomic.Bool
	calls atomic.Int32
}

func (p *switchProber) Probe(ctx context.Context) error {
	p.calls.Add(1)
	if p.up.Load() {
		return nil
	}
	return errors.New("connection refused")
}

func always(v bool) PresenceFunc { return func() bool { return v } }

func newMonitor(p Prober, presence PresenceFunc) *Monitor {
	return NewMonitor(p, Config{ProbeInterval: time.Hour, ProbeTimeout: 50 * time.Millisecond, Presence: presence}, nil)
}

func receive(t *testing.T, ch <-chan Transition) Transition {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(time.Second):
		t.Fatal("no transition received")
		return 0
	}
}

func TestCheckEmitsTransitions(t *testing.T) {
	p := &switchProber{}
	m := newMonitor(p, always(true))
	ch, cancel := m.Subscribe()
	defer cancel()

	assert.False(t, m.Check(context.Background()))
	assert.Empty(t, ch)

	p.up.Store(true)
	assert.True(t, m.Check(context.Background()))
	assert.Equal(t, BecameOnline, receive(t, ch))

	// No transition while state is unchanged.
	assert.True(t, m.Check(context.Background()))
	assert.Empty(t, ch)

	p.up.Store(false)
	assert.False(t, m.Check(context.Background()))
	assert.Equal(t, BecameOffline, receive(t, ch))
}

func TestNoPresenceSkipsProbe(t *testing.T) {
	p := &switchProber{}
	p.up.Store(true)
	m := newMonitor(p, always(false))

	assert.False(t, m.Check(context.Background()))
	assert.Zero(t, p.calls.Load())
}

func TestProbeIsBoundedByTimeout(t *testing.T) {
	slow := ProberFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m := newMonitor(slow, always(true))

	start := time.Now()
	assert.False(t, m.Check(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestBeforeOnlineRunsBeforeConnected(t *testing.T) {
	p := &switchProber{}
	p.up.Store(true)
	m := newMonitor(p, always(true))

	var sawConnected atomic.Bool
	m.SetBeforeOnline(func(ctx context.Context) error {
		sawConnected.Store(m.IsConnected())
		return nil
	})

	assert.True(t, m.Check(context.Background()))
	assert.False(t, sawConnected.Load(), "hook must run while still offline")
	assert.True(t, m.IsConnected())
}

func TestBeforeOnlineConnectivityFailureKeepsOffline(t *testing.T) {
	p := &switchProber{}
	p.up.Store(true)
	m := newMonitor(p, always(true))
	ch, cancel := m.Subscribe()
	defer cancel()

	m.SetBeforeOnline(func(ctx context.Context) error {
		return &core.ConnectivityError{Op: "replay", Err: errors.New("reset by peer")}
	})
	assert.False(t, m.Check(context.Background()))
	assert.Empty(t, ch)

	// Other hook errors do not block going online.
	m.SetBeforeOnline(func(ctx context.Context) error { return errors.New("queue had conflicts") })
	assert.True(t, m.Check(context.Background()))
	assert.Equal(t, BecameOnline, receive(t, ch))
}

func TestReportFailure(t *testing.T) {
	p := &switchProber{}
	p.up.Store(true)
	m := newMonitor(p, always(true))
	require.True(t, m.Check(context.Background()))

	ch, cancel := m.Subscribe()
	defer cancel()

	m.ReportFailure(errors.New("timeout"))
	assert.False(t, m.IsConnected())
	assert.Equal(t, BecameOffline, receive(t, ch))

	// Already offline: nothing more to report.
	m.ReportFailure(errors.New("timeout"))
	assert.Empty(t, ch)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := newMonitor(&switchProber{}, always(true))
	ch, cancel := m.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestRunStopsWithContext(t *testing.T) {
	p := &switchProber{}
	p.up.Store(true)
	m := newMonitor(p, always(true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
