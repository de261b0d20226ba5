package log

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldErrorType  = "error_type"
	FieldOperation  = "operation"
	FieldCollection = "collection"
	FieldEntityID   = "entity_id"
	FieldSequence   = "sequence"
	FieldAttempts   = "attempts"
	FieldPending    = "pending"
	FieldState      = "state"
	FieldVersion    = "version"
	FieldCategoryID = "category_id"
)

// Components defines standard component names
const (
	ComponentApp     = "app"
	ComponentHTTP    = "http"
	ComponentSync    = "sync"
	ComponentQueue   = "queue"
	ComponentMonitor = "monitor"
	ComponentRemote  = "remote"
	ComponentStorage = "storage"
	ComponentReport  = "report"
	ComponentAMQP    = "amqp"
	ComponentWorker  = "worker"
	ComponentCache   = "cache"
)

// ErrorTypes defines standard error type categories
const (
	ErrorTypeValidation   = "validation_error"
	ErrorTypeConnectivity = "connectivity_error"
	ErrorTypeConflict     = "conflict_error"
	ErrorTypeIntegrity    = "integrity_error"
	ErrorTypeStorage      = "storage_error"
	ErrorTypeInternal     = "internal_error"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithErrorType(errorType string) LogFields {
	f[FieldErrorType] = errorType
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithPendingOperation adds the identifying fields of a queued mutation
func (f LogFields) WithPendingOperation(sequence int64, kind, collection, entityID string) LogFields {
	f[FieldSequence] = sequence
	f[FieldOperation] = kind
	f[FieldCollection] = collection
	if entityID != "" {
		f[FieldEntityID] = entityID
	}
	return f
}

func (f LogFields) WithHTTPRequest(method, path string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	return f
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		if k == FieldComponent {
			continue
		}
		slice = append(slice, k, v)
	}
	return slice
}
