package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"bilancio/internal/core"
)

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// operationRequest is the body of POST /operations.
type operationRequest struct {
	Kind       string          `json:"kind" validate:"required,oneof=create update delete clear"`
	Collection string          `json:"collection" validate:"omitempty,oneof=categories transactions users"`
	ID         string          `json:"id" validate:"required_if=Kind update,required_if=Kind delete,max=128"`
	Record     json.RawMessage `json:"record" validate:"required_if=Kind create,required_if=Kind update"`
}

// toOperation builds the pending operation the request describes.
func (req operationRequest) toOperation() (core.PendingOperation, error) {
	kind := core.OperationKind(req.Kind)
	if kind == core.OpClear {
		if req.Collection != "" && req.Collection != string(core.Categories) {
			return core.PendingOperation{}, &core.ValidationError{Err: errors.New("clear is only supported for categories")}
		}
		return core.NewClearNonRootCategories(), nil
	}

	if req.Collection == "" {
		return core.PendingOperation{}, &core.ValidationError{Err: errors.New("collection is required")}
	}
	coll := core.Collection(req.Collection)

	var (
		op  core.PendingOperation
		err error
	)
	switch kind {
	case core.OpCreate:
		op, err = core.NewCreate(coll, req.Record)
	case core.OpUpdate:
		op, err = core.NewUpdate(coll, req.ID, req.Record)
	case core.OpDelete:
		op = core.NewDelete(coll, req.ID)
	}
	if err != nil {
		return core.PendingOperation{}, &core.ValidationError{Err: err}
	}
	return op, nil
}

// selectionRequest is the body of POST /comparisons.
type selectionRequest struct {
	CategoryID string `json:"categoryId" validate:"required,max=128"`
	From       string `json:"from" validate:"omitempty,datetime=2006-01-02"`
	To         string `json:"to" validate:"omitempty,datetime=2006-01-02"`
}

func (req selectionRequest) dateRange() (core.DateRange, error) {
	return parseRange(req.From, req.To)
}

// decodeJSON reads a JSON body into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &requestError{msg: "request body is empty"}
		}
		return &requestError{msg: fmt.Sprintf("malformed JSON body: %v", err)}
	}
	if dec.More() {
		return &requestError{msg: "request body must contain a single JSON object"}
	}
	return validate.Struct(dst)
}

// parseRange builds a date range from optional YYYY-MM-DD bounds.
func parseRange(from, to string) (core.DateRange, error) {
	var start, end core.Date
	var err error
	if strings.TrimSpace(from) != "" {
		if start, err = core.ParseDate(from); err != nil {
			return core.DateRange{}, &requestError{msg: err.Error()}
		}
	}
	if strings.TrimSpace(to) != "" {
		if end, err = core.ParseDate(to); err != nil {
			return core.DateRange{}, &requestError{msg: err.Error()}
		}
	}
	return core.NewDateRange(start, end)
}

// parseType reads an optional category type; empty means both types.
func parseType(query url.Values) (core.CategoryType, error) {
	t := core.CategoryType(strings.ToLower(strings.TrimSpace(query.Get("type"))))
	if t != "" && !t.IsValid() {
		return "", fmt.Errorf("%w: %q", core.ErrInvalidType, t)
	}
	return t, nil
}

// requestError is a malformed request, as opposed to a well-formed request
// the domain rejects.
type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }
