package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/report"
)

// DegradedHeader is set on responses served from the local cache.
const DegradedHeader = "X-Bilancio-Degraded"

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	headers    map[string]string
	payload    any
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// Degraded marks the response as served from the local cache.
func (b *JSONResponseBuilder) Degraded(degraded bool) *JSONResponseBuilder {
	if degraded {
		b.headers[DegradedHeader] = "true"
	}
	return b
}

func (b *JSONResponseBuilder) Payload(v any) *JSONResponseBuilder {
	b.payload = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.payload == nil {
		w.WriteHeader(b.statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.statusCode)
	_ = json.NewEncoder(w).Encode(b.payload)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Fields  []fieldError `json:"fields,omitempty"`
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ErrorResponse creates a standard error response.
func ErrorResponse(statusCode int, code, message string) *JSONResponseBuilder {
	return NewJSONResponse().
		Status(statusCode).
		Payload(errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeError maps err to a status code and writes it. Server-side failures
// are logged with the request-scoped logger.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	body := errorBody{Error: errorDetail{Code: code, Message: err.Error()}}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		body.Error.Message = "request validation failed"
		for _, fe := range verrs {
			body.Error.Fields = append(body.Error.Fields, fieldError{
				Field: jsonFieldName(fe.Field()),
				Rule:  fe.Tag(),
			})
		}
	}

	logger := log.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "Request failed",
			log.FieldError, err,
			log.FieldErrorType, code)
	} else {
		logger.DebugContext(r.Context(), "Request rejected",
			log.FieldError, err,
			log.FieldStatusCode, status)
	}

	NewJSONResponse().Status(status).Payload(body).Write(w)
}

func classify(err error) (int, string) {
	var (
		verrs  validator.ValidationErrors
		reqErr *requestError
		rej    *report.RejectedError
	)
	switch {
	case errors.As(err, &verrs), errors.As(err, &reqErr):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, core.ErrUnknownCollection):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrCategoryHasChildren):
		return http.StatusConflict, "has_children"
	case errors.As(err, &rej):
		if rej.Reason == report.RejectZeroAmount {
			return http.StatusUnprocessableEntity, "rejected_" + string(rej.Reason)
		}
		return http.StatusConflict, "rejected_" + string(rej.Reason)
	case core.IsConflict(err):
		return http.StatusConflict, log.ErrorTypeConflict
	case core.IsValidation(err),
		errors.Is(err, core.ErrInvalidType),
		errors.Is(err, core.ErrInvalidDateRange),
		errors.Is(err, core.ErrUnknownCategory):
		return http.StatusUnprocessableEntity, log.ErrorTypeValidation
	case core.IsConnectivity(err):
		return http.StatusServiceUnavailable, log.ErrorTypeConnectivity
	case core.IsStorage(err):
		return http.StatusServiceUnavailable, log.ErrorTypeStorage
	default:
		return http.StatusInternalServerError, log.ErrorTypeInternal
	}
}

// jsonFieldName lower-cases the first letter of a struct field name, which
// matches the json tags used by request types.
func jsonFieldName(field string) string {
	if field == "" {
		return field
	}
	if field == "ID" {
		return "id"
	}
	if strings.HasSuffix(field, "ID") {
		field = strings.TrimSuffix(field, "ID") + "Id"
	}
	return strings.ToLower(field[:1]) + field[1:]
}
