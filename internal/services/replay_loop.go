package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bilancio/internal/log"
)

// ReplayLoopConfig holds configuration for the replay loop
type ReplayLoopConfig struct {
	// PollInterval is how often to retry queued operations (default: 30s)
	PollInterval time.Duration
}

// DefaultReplayLoopConfig returns sensible defaults
func DefaultReplayLoopConfig() ReplayLoopConfig {
	return ReplayLoopConfig{PollInterval: 30 * time.Second}
}

// Replayer is the part of the coordinator the loop drives.
type Replayer interface {
	Replay(ctx context.Context) (DrainResult, error)
	PendingCount(ctx context.Context) (int, error)
}

// ReplayLoop retries queued operations that failed on an earlier pass while
// the remote store stays reachable. Reconnects are handled by the monitor
// hook; this loop only covers operations left behind by non-network errors.
type ReplayLoop struct {
	replayer Replayer
	conn     interface{ IsConnected() bool }
	config   ReplayLoopConfig
	logger   *log.Logger

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReplayLoop creates a new replay loop
func NewReplayLoop(replayer Replayer, conn interface{ IsConnected() bool }, config ReplayLoopConfig, logger *log.Logger) *ReplayLoop {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultReplayLoopConfig().PollInterval
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &ReplayLoop{
		replayer: replayer,
		conn:     conn,
		config:   config,
		logger:   logger.WithComponent(log.ComponentSync),
	}
}

// Start begins the loop. Returns an error if already running.
func (l *ReplayLoop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("replay loop is already running")
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	go l.runLoop(ctx)

	l.logger.InfoContext(ctx, "Replay loop started", "poll_interval", l.config.PollInterval)
	return nil
}

// Stop stops the loop and waits for the current pass to finish.
func (l *ReplayLoop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	close(l.stopCh)

	select {
	case <-l.doneCh:
		l.logger.InfoContext(ctx, "Replay loop stopped gracefully")
	case <-ctx.Done():
		l.logger.WarnContext(ctx, "Replay loop stop timed out")
		return ctx.Err()
	}

	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
	return nil
}

// IsRunning returns whether the loop is currently running
func (l *ReplayLoop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *ReplayLoop) runLoop(ctx context.Context) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick replays once if there is anything to replay.
func (l *ReplayLoop) tick(ctx context.Context) {
	if !l.conn.IsConnected() {
		return
	}
	pending, err := l.replayer.PendingCount(ctx)
	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to count pending operations", log.FieldError, err)
		return
	}
	if pending == 0 {
		return
	}

	result, err := l.replayer.Replay(ctx)
	if err != nil {
		l.logger.WarnContext(ctx, "Periodic replay failed", log.FieldError, err)
		return
	}
	l.logger.DebugContext(ctx, "Periodic replay done",
		"applied", len(result.Applied),
		log.FieldPending, result.Remaining)
}
