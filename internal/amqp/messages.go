package amqp

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// RoutingCollectionChanged carries notices that a remote collection
	// was modified by another client.
	RoutingCollectionChanged = "collection.changed"
	// routingSyncPrefix prefixes the routing key of published sync events.
	routingSyncPrefix = "sync."
)

// OperationRef identifies a queued operation without its payload.
type OperationRef struct {
	Sequence   int64  `json:"sequence"`
	Kind       string `json:"kind"`
	Collection string `json:"collection"`
	EntityID   string `json:"entityId,omitempty"`
}

// SyncEventMessage is published for sync progress other clients may show:
// state changes, drain summaries, conflicts and cache availability.
type SyncEventMessage struct {
	Kind      string        `json:"kind"`
	State     string        `json:"state"`
	Operation *OperationRef `json:"operation,omitempty"`
	Applied   int           `json:"applied,omitempty"`
	Failed    int           `json:"failed,omitempty"`
	Conflicts int           `json:"conflicts,omitempty"`
	Remaining int           `json:"remaining,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// RoutingKey returns the key the event is published under.
func (m *SyncEventMessage) RoutingKey() string {
	return routingSyncPrefix + m.Kind
}

// ToJSON converts the message to JSON bytes
func (m *SyncEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SyncEventMessageFromJSON creates a message from JSON bytes
func SyncEventMessageFromJSON(data []byte) (*SyncEventMessage, error) {
	var msg SyncEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// CollectionChangedMessage tells the worker to refresh one collection.
// Only the collection name travels; the data is fetched from the remote store.
type CollectionChangedMessage struct {
	Collection string    `json:"collection"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewCollectionChangedMessage(collection string) *CollectionChangedMessage {
	return &CollectionChangedMessage{Collection: collection, Timestamp: time.Now()}
}

// ToJSON converts the message to JSON bytes
func (m *CollectionChangedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// CollectionChangedMessageFromJSON creates a message from JSON bytes
func CollectionChangedMessageFromJSON(data []byte) (*CollectionChangedMessage, error) {
	var msg CollectionChangedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Collection == "" {
		return nil, fmt.Errorf("collection changed message without collection")
	}
	return &msg, nil
}
