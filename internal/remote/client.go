// Package remote talks to the REST persistence service that owns the
// authoritative copy of every collection.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/log"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	maxErrorBody      = 4 << 10
)

// StatusError is a remote failure that is neither a conflict nor a sign the
// store is unreachable, for example a 500 on a single request.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// ProbeDatabase makes Probe also call POST /db-test.
	ProbeDatabase bool
}

type Client struct {
	baseURL       string
	httpClient    *http.Client
	probeDatabase bool
	logger        *log.Logger
}

func NewClient(cfg Config, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Discard()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		probeDatabase: cfg.ProbeDatabase,
		logger:        logger.WithComponent(log.ComponentRemote),
	}
}

// Ping checks the service is alive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, "ping", http.MethodGet, "/ping", nil, "")
	return err
}

// DBTest checks the service can reach its database.
func (c *Client) DBTest(ctx context.Context) error {
	_, err := c.do(ctx, "db-test", http.MethodPost, "/db-test", nil, "")
	return err
}

// Probe implements the connectivity probe.
func (c *Client) Probe(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return err
	}
	if c.probeDatabase {
		return c.DBTest(ctx)
	}
	return nil
}

// Fetch downloads collection coll as a snapshot. The version is left for the
// local cache to assign.
func (c *Client) Fetch(ctx context.Context, coll core.Collection) (core.Snapshot, error) {
	body, err := c.do(ctx, "fetch "+string(coll), http.MethodGet, "/"+url.PathEscape(string(coll)), nil, "")
	if err != nil {
		return core.Snapshot{}, err
	}

	var wire []json.RawMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		return core.Snapshot{}, fmt.Errorf("decode %s: %w", coll, err)
	}
	items := make([]json.RawMessage, 0, len(wire))
	for _, w := range wire {
		rec, err := DecodeRecord(coll, w)
		if err != nil {
			return core.Snapshot{}, err
		}
		items = append(items, rec)
	}

	c.logger.DebugContext(ctx, "Collection fetched", log.FieldCollection, coll, "items", len(items))
	return core.Snapshot{Collection: coll, UpdatedAt: time.Now().UTC(), Items: items}, nil
}

// Apply performs op against the remote store. For creates and updates it
// returns the stored record in the in-process format; deletes return nil.
func (c *Client) Apply(ctx context.Context, op core.PendingOperation) (json.RawMessage, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	name := string(op.Kind) + " " + string(op.Collection)
	base := "/" + url.PathEscape(string(op.Collection))

	switch op.Kind {
	case core.OpCreate:
		return c.write(ctx, name, http.MethodPost, base, op)
	case core.OpUpdate:
		if core.IsTemporaryID(op.EntityID) {
			return nil, fmt.Errorf("update of %s before its create was applied", op.EntityID)
		}
		return c.write(ctx, name, http.MethodPut, base+"/"+url.PathEscape(op.EntityID), op)
	case core.OpDelete:
		_, err := c.do(ctx, name, http.MethodDelete, base+"/"+url.PathEscape(op.EntityID), nil, "")
		// Deleting something already gone leaves the store as requested.
		var conflict *core.ConflictError
		if errors.As(err, &conflict) && conflict.StatusCode == http.StatusNotFound {
			c.logger.InfoContext(ctx, "Delete target already removed",
				log.FieldCollection, op.Collection, log.FieldEntityID, op.EntityID)
			return nil, nil
		}
		return nil, err
	case core.OpClear:
		_, err := c.do(ctx, name, http.MethodDelete, base+"/clear/non-root", nil, "")
		return nil, err
	default:
		return nil, fmt.Errorf("unsupported operation kind %q", op.Kind)
	}
}

func (c *Client) write(ctx context.Context, name, method, path string, op core.PendingOperation) (json.RawMessage, error) {
	payload, err := EncodeRecord(op.Collection, op.Payload)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, name, method, path, payload, IdempotencyKey(op))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%s: empty response body", name)
	}
	return DecodeRecord(op.Collection, body)
}

// IdempotencyKey identifies op across retries. A create keeps its temporary
// id until applied, so retried creates share a key.
func IdempotencyKey(op core.PendingOperation) string {
	if op.Kind == core.OpCreate {
		return "create:" + string(op.Collection) + ":" + op.EntityID
	}
	return fmt.Sprintf("%s:%s:%s:%d", op.Kind, op.Collection, op.EntityID, op.Sequence)
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, idempotencyKey string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &core.ConnectivityError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.ConnectivityError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	c.logger.DebugContext(ctx, "Remote call",
		log.FieldOperation, op,
		log.FieldStatusCode, resp.StatusCode,
		log.FieldDuration, time.Since(start).Milliseconds())

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, classify(op, resp.StatusCode, data)
}

// classify maps a non-2xx status to the error taxonomy.
func classify(op string, status int, body []byte) error {
	msg := errorMessage(body)
	switch {
	case status == http.StatusBadRequest,
		status == http.StatusNotFound,
		status == http.StatusConflict,
		status == http.StatusGone,
		status == http.StatusUnprocessableEntity:
		return &core.ConflictError{Op: op, StatusCode: status, Message: msg}
	case status == http.StatusRequestTimeout,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return &core.ConnectivityError{Op: op, Err: fmt.Errorf("status %d: %s", status, msg)}
	default:
		return &StatusError{Op: op, StatusCode: status, Message: msg}
	}
}

func errorMessage(body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(body))
}
