package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
	// OpClear removes every non-root category in one request.
	OpClear OperationKind = "clear"
)

const temporaryIDPrefix = "tmp-"

type (
	OperationKind string

	// PendingOperation is a mutation that has not reached the remote store yet.
	PendingOperation struct {
		Sequence   int64           `json:"sequence"`
		Kind       OperationKind   `json:"kind"`
		Collection Collection      `json:"collection"`
		EntityID   string          `json:"entityId,omitempty"`
		Payload    json.RawMessage `json:"payload,omitempty"`
		EnqueuedAt time.Time       `json:"enqueuedAt"`
		Attempts   int             `json:"attempts"`
		LastError  string          `json:"lastError,omitempty"`
	}
)

func (k OperationKind) IsValid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete, OpClear:
		return true
	default:
		return false
	}
}

// NewTemporaryID returns an identifier for a record created before the
// remote store has assigned one.
func NewTemporaryID() string {
	return temporaryIDPrefix + uuid.NewString()
}

func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, temporaryIDPrefix)
}

// EntityKey identifies the entity an operation touches. Operations that share
// a key must be applied in issuance order.
func (op PendingOperation) EntityKey() string {
	if op.Kind == OpClear {
		return string(op.Collection) + "/*"
	}
	return string(op.Collection) + "/" + op.EntityID
}

func (op PendingOperation) Validate() error {
	if !op.Kind.IsValid() {
		return fmt.Errorf("invalid operation kind %q", op.Kind)
	}
	if !op.Collection.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, op.Collection)
	}
	switch op.Kind {
	case OpClear:
		if op.Collection != Categories {
			return errors.New("clear is only supported for categories")
		}
	case OpCreate:
		if len(op.Payload) == 0 {
			return errors.New("create requires a payload")
		}
	case OpUpdate:
		if op.EntityID == "" {
			return errors.New("update requires an entity id")
		}
		if len(op.Payload) == 0 {
			return errors.New("update requires a payload")
		}
	case OpDelete:
		if op.EntityID == "" {
			return errors.New("delete requires an entity id")
		}
	}
	return nil
}

// NewCreate builds a create operation for record, which must marshal to a JSON
// object with an "id" field. A temporary id is assigned when none is set.
func NewCreate(c Collection, record any) (PendingOperation, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return PendingOperation{}, fmt.Errorf("marshal payload: %w", err)
	}
	id, err := RecordID(payload)
	if err != nil {
		return PendingOperation{}, err
	}
	if id == "" {
		id = NewTemporaryID()
		if payload, err = SetRecordID(payload, id); err != nil {
			return PendingOperation{}, err
		}
	}
	return PendingOperation{Kind: OpCreate, Collection: c, EntityID: id, Payload: payload}, nil
}

func NewUpdate(c Collection, id string, record any) (PendingOperation, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return PendingOperation{}, fmt.Errorf("marshal payload: %w", err)
	}
	if payload, err = SetRecordID(payload, id); err != nil {
		return PendingOperation{}, err
	}
	return PendingOperation{Kind: OpUpdate, Collection: c, EntityID: id, Payload: payload}, nil
}

func NewDelete(c Collection, id string) PendingOperation {
	return PendingOperation{Kind: OpDelete, Collection: c, EntityID: id}
}

func NewClearNonRootCategories() PendingOperation {
	return PendingOperation{Kind: OpClear, Collection: Categories}
}

// RecordID extracts the "id" field of a JSON object.
func RecordID(record json.RawMessage) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(record, &probe); err != nil {
		return "", fmt.Errorf("decode record id: %w", err)
	}
	return probe.ID, nil
}

// SetRecordID overwrites the "id" field of a JSON object.
func SetRecordID(record json.RawMessage, id string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(record, &fields); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	encoded, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["id"] = encoded
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return out, nil
}
