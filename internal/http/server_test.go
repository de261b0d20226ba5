package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bilancio/internal/core"
	"bilancio/internal/middleware/ratelimit"
	"bilancio/internal/report"
	"bilancio/internal/services"
)

type fakeSync struct {
	state     services.State
	degraded  bool
	offline   bool
	pending   []core.PendingOperation
	snaps     map[core.Collection]core.Snapshot
	writeErr  error
	queue     bool
	written   []core.PendingOperation
	replayed  int
	replayErr error
}

func newFakeSync() *fakeSync {
	return &fakeSync{
		state:   services.StateConnected,
		offline: true,
		snaps:   make(map[core.Collection]core.Snapshot),
	}
}

func (f *fakeSync) State() services.State  { return f.state }
func (f *fakeSync) IsDegraded() bool       { return f.degraded }
func (f *fakeSync) OfflineAvailable() bool { return f.offline }

func (f *fakeSync) PendingCount(context.Context) (int, error) { return len(f.pending), nil }

func (f *fakeSync) PendingOperations(context.Context) ([]core.PendingOperation, error) {
	return f.pending, nil
}

func (f *fakeSync) Read(_ context.Context, coll core.Collection) (services.ReadResult, error) {
	snap := f.snaps[coll]
	snap.Collection = coll
	return services.ReadResult{Snapshot: snap, Degraded: f.degraded}, nil
}

func (f *fakeSync) Write(_ context.Context, op core.PendingOperation) (services.WriteResult, error) {
	if f.writeErr != nil {
		return services.WriteResult{}, f.writeErr
	}
	f.written = append(f.written, op)
	if f.queue {
		op.Sequence = int64(len(f.written))
		return services.WriteResult{Operation: op, Record: op.Payload, Pending: true}, nil
	}
	return services.WriteResult{Operation: op, Record: op.Payload}, nil
}

func (f *fakeSync) Replay(context.Context) (services.DrainResult, error) {
	f.replayed++
	return services.DrainResult{}, f.replayErr
}

type fakeReports struct {
	tree       services.TreeReport
	treeType   core.CategoryType
	treeRange  core.DateRange
	selections []core.ComparisonSelection
	addErr     error
}

func (f *fakeReports) Tree(_ context.Context, t core.CategoryType, rng core.DateRange) (services.TreeReport, error) {
	f.treeType, f.treeRange = t, rng
	return f.tree, nil
}

func (f *fakeReports) TotalFor(_ context.Context, id string, _ core.DateRange) (decimal.Decimal, error) {
	if id != "c1" {
		return decimal.Zero, core.ErrUnknownCategory
	}
	return decimal.NewFromInt(150), nil
}

func (f *fakeReports) Comparison(context.Context) (services.ComparisonView, error) {
	return services.ComparisonView{Selections: f.selections, Limit: report.DefaultSelectionLimit}, nil
}

func (f *fakeReports) AddSelection(_ context.Context, id string, rng core.DateRange) (core.ComparisonSelection, error) {
	if f.addErr != nil {
		return core.ComparisonSelection{}, f.addErr
	}
	sel := core.ComparisonSelection{ID: "s1", CategoryID: id, Label: "Casa", Amount: decimal.NewFromInt(150), Range: rng}
	f.selections = append(f.selections, sel)
	return sel, nil
}

func (f *fakeReports) RemoveSelection(id string) bool {
	for i, sel := range f.selections {
		if sel.ID == id {
			f.selections = append(f.selections[:i], f.selections[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeReports) ResetComparison() { f.selections = nil }

func newTestServer(t *testing.T, syncSvc *fakeSync, reports *fakeReports) *Server {
	t.Helper()
	srv := NewServer(Config{Addr: ":0", RateLimit: ratelimit.Config{RequestsPerMinute: 1000}}, syncSvc, reports, nil)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dst), rr.Body.String())
}

func TestHealthAndReady(t *testing.T) {
	syncSvc := newFakeSync()
	srv := newTestServer(t, syncSvc, &fakeReports{})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rr := do(t, srv, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}
	assert.NotEmpty(t, do(t, srv, http.MethodGet, "/healthz", "").Header().Get("X-Request-ID"))

	// Offline with a working cache is still ready.
	syncSvc.degraded = true
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/readyz", "").Code)

	syncSvc.offline = false
	assert.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodGet, "/readyz", "").Code)
}

func TestMetricsExposeSyncState(t *testing.T) {
	syncSvc := newFakeSync()
	syncSvc.pending = []core.PendingOperation{core.NewDelete(core.Users, "u1")}
	srv := newTestServer(t, syncSvc, &fakeReports{})

	rr := do(t, srv, http.MethodGet, "/metrics", "")
	assert.Contains(t, rr.Body.String(), "bilancio_pending_operations 1")
	assert.Contains(t, rr.Body.String(), "bilancio_sync_state 2")
}

func TestStatus(t *testing.T) {
	syncSvc := newFakeSync()
	syncSvc.state = services.StateDisconnected
	syncSvc.degraded = true
	syncSvc.pending = []core.PendingOperation{core.NewDelete(core.Users, "u1")}
	srv := newTestServer(t, syncSvc, &fakeReports{})

	rr := do(t, srv, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var got statusResponse
	decodeBody(t, rr, &got)
	assert.Equal(t, statusResponse{State: "disconnected", Degraded: true, OfflineAvailable: true, Pending: 1}, got)
}

func TestCollection(t *testing.T) {
	syncSvc := newFakeSync()
	snap, err := core.NewSnapshot(core.Users, []core.User{{ID: "u1", Name: "Anna"}})
	require.NoError(t, err)
	snap.Version = 3
	syncSvc.snaps[core.Users] = snap
	srv := newTestServer(t, syncSvc, &fakeReports{})

	rr := do(t, srv, http.MethodGet, "/collections/users", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get(DegradedHeader))

	var got struct {
		Collection string            `json:"collection"`
		Version    int64             `json:"version"`
		Items      []json.RawMessage `json:"items"`
		Degraded   bool              `json:"degraded"`
	}
	decodeBody(t, rr, &got)
	assert.Equal(t, "users", got.Collection)
	assert.Equal(t, int64(3), got.Version)
	assert.Len(t, got.Items, 1)

	syncSvc.degraded = true
	rr = do(t, srv, http.MethodGet, "/collections/users", "")
	assert.Equal(t, "true", rr.Header().Get(DegradedHeader))

	rr = do(t, srv, http.MethodGet, "/collections/budgets", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWriteOperation(t *testing.T) {
	syncSvc := newFakeSync()
	srv := newTestServer(t, syncSvc, &fakeReports{})

	rr := do(t, srv, http.MethodPost, "/operations",
		`{"kind":"create","collection":"users","record":{"name":"Anna"}}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Len(t, syncSvc.written, 1)
	assert.True(t, core.IsTemporaryID(syncSvc.written[0].EntityID))

	rr = do(t, srv, http.MethodPost, "/operations", `{"kind":"delete","collection":"users","id":"u1"}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, srv, http.MethodPost, "/operations", `{"kind":"clear"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, core.OpClear, syncSvc.written[2].Kind)
	assert.Equal(t, core.Categories, syncSvc.written[2].Collection)
}

func TestWriteOperationQueued(t *testing.T) {
	syncSvc := newFakeSync()
	syncSvc.queue = true
	srv := newTestServer(t, syncSvc, &fakeReports{})

	rr := do(t, srv, http.MethodPost, "/operations",
		`{"kind":"update","collection":"users","id":"u1","record":{"name":"Anna"}}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var got services.WriteResult
	decodeBody(t, rr, &got)
	assert.True(t, got.Pending)
	assert.Equal(t, int64(1), got.Operation.Sequence)
}

func TestWriteOperationRejected(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		writeErr error
		want     int
		code     string
	}{
		{"malformed json", `{"kind":`, nil, http.StatusBadRequest, "bad_request"},
		{"unknown field", `{"kind":"delete","collection":"users","id":"u1","force":true}`, nil, http.StatusBadRequest, "bad_request"},
		{"unknown kind", `{"kind":"merge","collection":"users"}`, nil, http.StatusBadRequest, "bad_request"},
		{"update needs id", `{"kind":"update","collection":"users","record":{}}`, nil, http.StatusBadRequest, "bad_request"},
		{"create needs record", `{"kind":"create","collection":"users"}`, nil, http.StatusBadRequest, "bad_request"},
		{"clear on users", `{"kind":"clear","collection":"users"}`, nil, http.StatusUnprocessableEntity, "validation_error"},
		{"domain validation", `{"kind":"delete","collection":"users","id":"u1"}`,
			&core.ValidationError{Err: core.ErrEmptyName}, http.StatusUnprocessableEntity, "validation_error"},
		{"has children", `{"kind":"delete","collection":"categories","id":"c1"}`,
			&core.ValidationError{Err: core.ErrCategoryHasChildren}, http.StatusConflict, "has_children"},
		{"remote conflict", `{"kind":"delete","collection":"users","id":"u1"}`,
			&core.ConflictError{Op: "delete users", StatusCode: 409, Message: "stale"}, http.StatusConflict, "conflict_error"},
		{"storage", `{"kind":"delete","collection":"users","id":"u1"}`,
			&core.StorageError{Op: "enqueue", Err: errors.New("disk full")}, http.StatusServiceUnavailable, "storage_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncSvc := newFakeSync()
			syncSvc.writeErr = tt.writeErr
			srv := newTestServer(t, syncSvc, &fakeReports{})

			rr := do(t, srv, http.MethodPost, "/operations", tt.body)
			require.Equal(t, tt.want, rr.Code, rr.Body.String())

			var body errorBody
			decodeBody(t, rr, &body)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestValidationErrorsNameFields(t *testing.T) {
	srv := newTestServer(t, newFakeSync(), &fakeReports{})

	rr := do(t, srv, http.MethodPost, "/comparisons", `{"from":"01/03/2024"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var body errorBody
	decodeBody(t, rr, &body)
	fields := map[string]string{}
	for _, f := range body.Error.Fields {
		fields[f.Field] = f.Rule
	}
	assert.Equal(t, map[string]string{"categoryId": "required", "from": "datetime"}, fields)
}

func TestPendingAndSync(t *testing.T) {
	syncSvc := newFakeSync()
	srv := newTestServer(t, syncSvc, &fakeReports{})

	rr := do(t, srv, http.MethodGet, "/pending", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"count":0,"operations":[]}`, rr.Body.String())

	rr = do(t, srv, http.MethodPost, "/sync", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, syncSvc.replayed)

	syncSvc.replayErr = &core.ConnectivityError{Op: "apply", Err: errors.New("connection refused")}
	rr = do(t, srv, http.MethodPost, "/sync", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestTreeReport(t *testing.T) {
	reports := &fakeReports{tree: services.TreeReport{Type: core.Expense, Degraded: true}}
	srv := newTestServer(t, newFakeSync(), reports)

	rr := do(t, srv, http.MethodGet, "/reports/tree?type=Expense&from=2024-03-01&to=2024-03-31", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, core.Expense, reports.treeType)
	assert.Equal(t, core.NewDate(2024, 3, 1), reports.treeRange.Start)
	assert.Equal(t, "true", rr.Header().Get(DegradedHeader))

	tests := []struct {
		query string
		want  int
	}{
		{"type=savings", http.StatusUnprocessableEntity},
		{"from=2024-03-31&to=2024-03-01", http.StatusUnprocessableEntity},
		{"from=march", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rr := do(t, srv, http.MethodGet, "/reports/tree?"+tt.query, "")
		assert.Equal(t, tt.want, rr.Code, tt.query)
	}
}

func TestCategoryTotal(t *testing.T) {
	srv := newTestServer(t, newFakeSync(), &fakeReports{})

	rr := do(t, srv, http.MethodGet, "/reports/categories/c1/total", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got totalResponse
	decodeBody(t, rr, &got)
	assert.True(t, decimal.NewFromInt(150).Equal(got.Total))

	rr = do(t, srv, http.MethodGet, "/reports/categories/nope/total", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestComparisonLifecycle(t *testing.T) {
	reports := &fakeReports{}
	srv := newTestServer(t, newFakeSync(), reports)

	rr := do(t, srv, http.MethodGet, "/comparisons", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"selections":[]`)

	rr = do(t, srv, http.MethodPost, "/comparisons", `{"categoryId":"c1","from":"2024-03-01","to":"2024-03-31"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var view services.ComparisonView
	decodeBody(t, rr, &view)
	require.Len(t, view.Selections, 1)
	assert.Equal(t, core.NewDate(2024, 3, 31), view.Selections[0].Range.End)

	reports.addErr = &report.RejectedError{Reason: report.RejectFull, CategoryID: "c2"}
	rr = do(t, srv, http.MethodPost, "/comparisons", `{"categoryId":"c2"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	reports.addErr = &report.RejectedError{Reason: report.RejectZeroAmount, CategoryID: "c2"}
	rr = do(t, srv, http.MethodPost, "/comparisons", `{"categoryId":"c2"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodDelete, "/comparisons/zz", "").Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodDelete, "/comparisons/s1", "").Code)
	assert.Empty(t, reports.selections)

	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/comparisons", "").Code)
}

func TestRateLimitAppliesToWrites(t *testing.T) {
	syncSvc := newFakeSync()
	srv := NewServer(Config{RateLimit: ratelimit.Config{RequestsPerMinute: 1, Methods: []string{http.MethodPost}}}, syncSvc, &fakeReports{}, nil)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	body := `{"kind":"delete","collection":"users","id":"u1"}`
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/operations", body).Code)
	rr := do(t, srv, http.MethodPost, "/operations", body)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, rr.Body.String(), "rate_limited")

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/status", "").Code)
}
