package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/middleware/ratelimit"
	"bilancio/internal/middleware/security"
	"bilancio/internal/middleware/trace"
	"bilancio/internal/services"
)

// SyncService is the coordinator surface the API exposes.
type SyncService interface {
	State() services.State
	IsDegraded() bool
	OfflineAvailable() bool
	PendingCount(ctx context.Context) (int, error)
	PendingOperations(ctx context.Context) ([]core.PendingOperation, error)
	Read(ctx context.Context, coll core.Collection) (services.ReadResult, error)
	Write(ctx context.Context, op core.PendingOperation) (services.WriteResult, error)
	Replay(ctx context.Context) (services.DrainResult, error)
}

// ReportService serves hierarchical reports and the comparison working set.
type ReportService interface {
	Tree(ctx context.Context, t core.CategoryType, rng core.DateRange) (services.TreeReport, error)
	TotalFor(ctx context.Context, categoryID string, rng core.DateRange) (decimal.Decimal, error)
	Comparison(ctx context.Context) (services.ComparisonView, error)
	AddSelection(ctx context.Context, categoryID string, rng core.DateRange) (core.ComparisonSelection, error)
	RemoveSelection(id string) bool
	ResetComparison()
}

type Config struct {
	Addr      string
	RateLimit ratelimit.Config
	// RequestTimeout bounds every handler; zero disables it.
	RequestTimeout time.Duration
}

type Server struct {
	http.Server
	sync    SyncService
	reports ReportService
	logger  *log.Logger

	limiter  *ratelimit.Limiter
	detector *security.Detector
	tracer   *trace.Middleware
	started  time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(config Config, syncSvc SyncService, reports ReportService, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentHTTP)

	detector := security.NewDetector(logger)
	s := &Server{
		sync:     syncSvc,
		reports:  reports,
		logger:   logger,
		limiter:  ratelimit.NewLimiter(config.RateLimit),
		detector: detector,
		tracer:   trace.NewMiddleware(logger, detector.ExtractClientIP),
		started:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /collections/{name}", s.handleCollection)
	mux.HandleFunc("POST /operations", s.handleWrite)
	mux.HandleFunc("GET /pending", s.handlePending)
	mux.HandleFunc("POST /sync", s.handleSync)

	mux.HandleFunc("GET /reports/tree", s.handleTree)
	mux.HandleFunc("GET /reports/categories/{id}/total", s.handleCategoryTotal)
	mux.HandleFunc("GET /comparisons", s.handleComparison)
	mux.HandleFunc("POST /comparisons", s.handleAddSelection)
	mux.HandleFunc("DELETE /comparisons", s.handleResetComparison)
	mux.HandleFunc("DELETE /comparisons/{id}", s.handleRemoveSelection)

	var handler http.Handler = mux
	if config.RequestTimeout > 0 {
		handler = http.TimeoutHandler(handler, config.RequestTimeout, `{"error":{"code":"timeout","message":"request timed out"}}`)
	}
	handler = s.limiter.Middleware(detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
		ErrorResponse(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, retry later").Write(w)
	})(handler)
	handler = detector.Middleware(handler)
	handler = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(handler)
	handler = s.tracer.Middleware(handler)

	s.Server = http.Server{
		Addr:              config.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Shutdown stops the server and its background cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		err = s.Server.Shutdown(ctx)
	})
	return err
}
