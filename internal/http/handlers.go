package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/services"
)

type statusResponse struct {
	State            string `json:"state"`
	Degraded         bool   `json:"degraded"`
	OfflineAvailable bool   `json:"offlineAvailable"`
	Pending          int    `json:"pending"`
}

type collectionResponse struct {
	core.Snapshot
	Degraded bool `json:"degraded"`
}

type pendingResponse struct {
	Count      int                     `json:"count"`
	Operations []core.PendingOperation `json:"operations"`
}

type totalResponse struct {
	CategoryID string          `json:"categoryId"`
	Range      core.DateRange  `json:"range"`
	Total      decimal.Decimal `json:"total"`
}

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Payload(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.started).String(),
	}).Write(w)
}

// handleReady reports whether requests can be served at all: either the
// remote store is reachable or the local cache is available.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"remote": "ok",
		"cache":  "ok",
	}
	if s.sync.IsDegraded() {
		checks["remote"] = "unreachable"
	}
	if !s.sync.OfflineAvailable() {
		checks["cache"] = "unavailable"
	}

	status, code := "ready", http.StatusOK
	if s.sync.IsDegraded() && !s.sync.OfflineAvailable() {
		status, code = "not_ready", http.StatusServiceUnavailable
	}

	NewJSONResponse().Status(code).Payload(map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	}).Write(w)
}

// handleMetrics provides sync and HTTP metrics in Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	pending, err := s.sync.PendingCount(r.Context())
	if err != nil {
		pending = -1
	}
	traceMetrics := s.tracer.GetMetrics()
	limitMetrics := s.limiter.GetMetrics()
	securityMetrics := s.detector.GetMetrics()

	degraded := 0
	if s.sync.IsDegraded() {
		degraded = 1
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	metric := func(name, help, kind string, value any) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %v\n\n", name, help, name, kind, name, value)
	}
	metric("bilancio_sync_state", "Sync state (0 disconnected, 1 draining, 2 connected)", "gauge", int32(s.sync.State()))
	metric("bilancio_sync_degraded", "Whether reads are served from the local cache", "gauge", degraded)
	metric("bilancio_pending_operations", "Operations waiting for replay", "gauge", pending)
	metric("http_requests_total", "Total number of HTTP requests", "counter", traceMetrics.TotalRequests)
	metric("http_server_errors_total", "Responses with a 5xx status", "counter", traceMetrics.ServerErrors)
	metric("http_response_time_microseconds", "Moving average response time", "gauge", traceMetrics.AverageResponseTime)
	metric("rate_limit_hits_total", "Total rate limit hits", "counter", limitMetrics.TotalHits)
	metric("active_rate_limit_clients", "Currently tracked rate limit clients", "gauge", limitMetrics.ClientCount)
	metric("suspicious_requests_total", "Total suspicious requests detected", "counter", securityMetrics.SuspiciousRequests)
	metric("uptime_seconds", "Application uptime in seconds", "gauge", fmt.Sprintf("%.0f", time.Since(s.started).Seconds()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.sync.PendingCount(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Payload(statusResponse{
		State:            s.sync.State().String(),
		Degraded:         s.sync.IsDegraded(),
		OfflineAvailable: s.sync.OfflineAvailable(),
		Pending:          pending,
	}).Write(w)
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	coll, err := core.ParseCollection(r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	result, err := s.sync.Read(r.Context(), coll)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().
		Degraded(result.Degraded).
		Payload(collectionResponse{Snapshot: result.Snapshot, Degraded: result.Degraded}).
		Write(w)
}

// handleWrite submits one operation. 202 means it was queued for replay.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	op, err := req.toOperation()
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.sync.Write(r.Context(), op)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	switch {
	case result.Pending:
		status = http.StatusAccepted
	case op.Kind == core.OpCreate:
		status = http.StatusCreated
	}
	log.FromContext(r.Context()).InfoContext(r.Context(), "Operation submitted",
		log.FieldOperation, op.Kind,
		log.FieldCollection, op.Collection,
		log.FieldPending, result.Pending)
	NewJSONResponse().Status(status).Degraded(result.Pending).Payload(result).Write(w)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	ops, err := s.sync.PendingOperations(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ops == nil {
		ops = []core.PendingOperation{}
	}
	NewJSONResponse().Payload(pendingResponse{Count: len(ops), Operations: ops}).Write(w)
}

// handleSync runs one replay pass now instead of waiting for the next tick.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.sync.Replay(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Payload(result).Write(w)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	t, err := parseType(query)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rng, err := parseRange(query.Get("from"), query.Get("to"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	tree, err := s.reports.Tree(r.Context(), t, rng)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Degraded(tree.Degraded).Payload(tree).Write(w)
}

func (s *Server) handleCategoryTotal(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	rng, err := parseRange(query.Get("from"), query.Get("to"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	total, err := s.reports.TotalFor(r.Context(), id, rng)
	if err != nil {
		writeError(w, r, err)
		return
	}
	NewJSONResponse().Payload(totalResponse{CategoryID: id, Range: rng, Total: total}).Write(w)
}

func (s *Server) handleComparison(w http.ResponseWriter, r *http.Request) {
	s.writeComparison(r.Context(), w, r, http.StatusOK)
}

func (s *Server) handleAddSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rng, err := req.dateRange()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.reports.AddSelection(r.Context(), req.CategoryID, rng); err != nil {
		writeError(w, r, err)
		return
	}
	s.writeComparison(r.Context(), w, r, http.StatusCreated)
}

func (s *Server) handleRemoveSelection(w http.ResponseWriter, r *http.Request) {
	if !s.reports.RemoveSelection(r.PathValue("id")) {
		ErrorResponse(http.StatusNotFound, "not_found", "no selection with that id").Write(w)
		return
	}
	s.writeComparison(r.Context(), w, r, http.StatusOK)
}

func (s *Server) handleResetComparison(w http.ResponseWriter, r *http.Request) {
	s.reports.ResetComparison()
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
}

func (s *Server) writeComparison(ctx context.Context, w http.ResponseWriter, r *http.Request, status int) {
	view, err := s.reports.Comparison(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if view.Selections == nil {
		view.Selections = []core.ComparisonSelection{}
	}
	NewJSONResponse().Status(status).Degraded(view.Degraded).Payload(view).Write(w)
}

var _ SyncService = (*services.Coordinator)(nil)
var _ ReportService = (*services.ReportService)(nil)
