// Package connectivity decides whether the remote store is reachable.
package connectivity

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/log"
)

const (
	BecameOffline Transition = iota
	BecameOnline
)

// Transition is emitted to subscribers when connectivity changes.
type Transition int

func (t Transition) String() string {
	if t == BecameOnline {
		return "online"
	}
	return "offline"
}

// Prober performs a bounded health request against the remote store.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// PresenceFunc reports whether the host has any usable network at all.
type PresenceFunc func() bool

// InterfacePresence reports true when any non-loopback interface is up.
func InterfacePresence() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}

type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// Presence defaults to InterfacePresence.
	Presence PresenceFunc
}

func DefaultConfig() Config {
	return Config{
		ProbeInterval: 15 * time.Second,
		ProbeTimeout:  3 * time.Second,
		Presence:      InterfacePresence,
	}
}

// Monitor combines the network presence signal with an active probe. A
// failed probe means offline; probe errors never reach callers.
type Monitor struct {
	prober Prober
	config Config
	logger *log.Logger

	checkMu      sync.Mutex
	connected    atomic.Bool
	beforeOnline func(ctx context.Context) error

	subsMu  sync.Mutex
	subs    map[int]chan Transition
	nextSub int
}

func NewMonitor(prober Prober, config Config, logger *log.Logger) *Monitor {
	defaults := DefaultConfig()
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = defaults.ProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if config.Presence == nil {
		config.Presence = defaults.Presence
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Monitor{
		prober: prober,
		config: config,
		logger: logger.WithComponent(log.ComponentMonitor),
		subs:   make(map[int]chan Transition),
	}
}

// SetBeforeOnline registers the hook run on an offline to online change
// before IsConnected reports true. A connectivity error from the hook keeps
// the monitor offline.
func (m *Monitor) SetBeforeOnline(fn func(ctx context.Context) error) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()
	m.beforeOnline = fn
}

func (m *Monitor) IsConnected() bool {
	return m.connected.Load()
}

// Subscribe returns a channel of transitions and a function that stops the
// subscription. Slow subscribers miss transitions rather than block.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Transition, 8)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// Check probes once and applies any resulting transition. It returns the
// connectivity state after the check.
func (m *Monitor) Check(ctx context.Context) bool {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	online := m.probe(ctx)
	was := m.connected.Load()

	switch {
	case online && !was:
		if m.beforeOnline != nil {
			if err := m.beforeOnline(ctx); err != nil {
				if core.IsConnectivity(err) {
					m.logger.WarnContext(ctx, "Staying offline, replay could not reach remote",
						log.FieldError, err)
					return false
				}
				m.logger.WarnContext(ctx, "Replay before going online reported an error",
					log.FieldError, err)
			}
		}
		m.connected.Store(true)
		m.logger.InfoContext(ctx, "Remote store reachable", log.FieldState, BecameOnline)
		m.emit(BecameOnline)
	case !online && was:
		m.connected.Store(false)
		m.logger.WarnContext(ctx, "Remote store unreachable", log.FieldState, BecameOffline)
		m.emit(BecameOffline)
	}
	return m.connected.Load()
}

// ReportFailure marks the monitor offline after a request failed mid-flight.
func (m *Monitor) ReportFailure(err error) {
	if m.connected.CompareAndSwap(true, false) {
		m.logger.Warn("Connection lost during request", log.FieldError, err)
		m.emit(BecameOffline)
	}
}

// Run checks immediately and then every probe interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	if !m.config.Presence() {
		m.logger.DebugContext(ctx, "No network interface available")
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	if err := m.prober.Probe(probeCtx); err != nil {
		m.logger.DebugContext(ctx, "Probe failed", log.FieldError, err)
		return false
	}
	return true
}

func (m *Monitor) emit(t Transition) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- t:
		default:
			m.logger.Debug("Dropping transition for slow subscriber", log.FieldState, t)
		}
	}
}
