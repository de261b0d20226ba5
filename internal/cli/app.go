package cli

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"bilancio/internal/amqp"
	"bilancio/internal/backend"
	"bilancio/internal/cache"
	"bilancio/internal/config"
	"bilancio/internal/connectivity"
	"bilancio/internal/http"
	"bilancio/internal/log"
	"bilancio/internal/middleware/ratelimit"
	"bilancio/internal/remote"
	"bilancio/internal/services"
	"bilancio/internal/worker"
)

const (
	shutdownTimeout      = 10 * time.Second
	cacheCleanupInterval = time.Minute
	consumeRetryDelay    = 5 * time.Second
)

// App holds the wired sync and reporting components.
type App struct {
	Config      *config.Config
	Logger      *log.Logger
	Backend     *backend.BackendResult
	Remote      *remote.Client
	Monitor     *connectivity.Monitor
	Queue       *services.PendingQueue
	Coordinator *services.Coordinator
	Reports     *services.ReportService
	Caches      *cache.Manager
}

// Option adjusts how NewApp wires the app.
type Option func(*options)

type options struct {
	presence connectivity.PresenceFunc
}

// WithPresence replaces the network interface check used by the monitor.
func WithPresence(fn connectivity.PresenceFunc) Option {
	return func(o *options) { o.presence = fn }
}

// NewApp opens the local cache and wires every component around it. The
// caller owns the returned app and must Close it.
func NewApp(ctx context.Context, cfg *config.Config, logger *log.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = log.Discard()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	backendConfig, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	result, err := backend.NewFactory(logger).CreateBackend(ctx, backendConfig)
	if err != nil {
		return nil, err
	}

	remoteClient := remote.NewClient(remote.Config{
		BaseURL:       cfg.RemoteBaseURL,
		Timeout:       cfg.RemoteTimeout,
		ProbeDatabase: cfg.ProbeDatabase,
	}, logger)

	monitor := connectivity.NewMonitor(remoteClient, connectivity.Config{
		ProbeInterval: cfg.ProbeInterval,
		ProbeTimeout:  cfg.ProbeTimeout,
		Presence:      o.presence,
	}, logger)

	queue := services.NewPendingQueue(result.Store, logger)
	coordinator := services.NewCoordinator(result.Store, queue, remoteClient, monitor, logger)
	monitor.SetBeforeOnline(coordinator.BeforeOnline)

	reportConfig := services.DefaultReportConfig()
	reportConfig.CacheTTL = cfg.ReportCacheTTL
	reports := services.NewReportService(coordinator, reportConfig, logger)

	caches := cache.NewManager(logger)
	caches.Register("report_trees", reports.TreeCache())

	return &App{
		Config:      cfg,
		Logger:      logger,
		Backend:     result,
		Remote:      remoteClient,
		Monitor:     monitor,
		Queue:       queue,
		Coordinator: coordinator,
		Reports:     reports,
		Caches:      caches,
	}, nil
}

// Connect probes the remote store once, replaying the queue when it is
// reachable. One-shot commands use it instead of the monitor loop.
func (a *App) Connect(ctx context.Context) bool {
	return a.Monitor.Check(ctx)
}

// Serve runs the HTTP API and the background workers until ctx ends or one
// of them fails.
func (a *App) Serve(ctx context.Context) error {
	limits := ratelimit.DefaultConfig()
	if a.Config.RateLimitPerMinute > 0 {
		limits.RequestsPerMinute = a.Config.RateLimitPerMinute
	}
	server := http.NewServer(http.Config{
		Addr:           ":" + a.Config.Port,
		RateLimit:      limits,
		RequestTimeout: a.Config.RemoteTimeout + 5*time.Second,
	}, a.Coordinator, a.Reports, a.Logger)

	replay := services.NewReplayLoop(a.Coordinator, a.Monitor, services.ReplayLoopConfig{
		PollInterval: a.Config.ReplayInterval,
	}, a.Logger)

	transitions, unsubscribe := a.Monitor.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Monitor.Run(gctx) })
	g.Go(func() error {
		a.Coordinator.Follow(gctx, transitions)
		return nil
	})
	g.Go(func() error {
		a.Caches.Run(gctx, cacheCleanupInterval)
		return nil
	})
	if err := replay.Start(gctx); err != nil {
		return err
	}

	if notifier := a.Backend.Notifier; notifier != nil {
		events, stop := a.Coordinator.Subscribe()
		defer stop()
		publisher := worker.NewEventPublisher(notifier, a.Logger)
		refresher := worker.NewRefreshWorker(a.Coordinator, a.Logger)

		g.Go(func() error {
			publisher.Run(gctx, events)
			return nil
		})
		g.Go(func() error { return a.consume(gctx, notifier, refresher) })
	}

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.Logger.InfoContext(shutdownCtx, "Shutting down")
		return errors.Join(server.Shutdown(shutdownCtx), replay.Stop(shutdownCtx))
	})

	return g.Wait()
}

// consume keeps the change-notice consumer alive across broker restarts.
func (a *App) consume(ctx context.Context, client *amqp.Client, refresher *worker.RefreshWorker) error {
	for {
		err := client.ConsumeCollectionChanged(ctx, refresher.HandleCollectionChanged)
		if ctx.Err() != nil {
			return nil
		}
		a.Logger.WarnContext(ctx, "Change notice consumer stopped, retrying",
			log.FieldError, err,
			"retry_in", consumeRetryDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(consumeRetryDelay):
		}
	}
}

// Close releases the local cache and the notifier.
func (a *App) Close() error {
	if a.Backend == nil || a.Backend.Cleanup == nil {
		return nil
	}
	return a.Backend.Cleanup()
}
