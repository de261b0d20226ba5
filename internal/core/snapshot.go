package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is a whole-collection copy of remote state. Items are the
// in-process JSON encoding of the collection's records.
type Snapshot struct {
	Collection Collection        `json:"collection"`
	Version    int64             `json:"version"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	Items      []json.RawMessage `json:"items"`
}

// NewSnapshot encodes records into a snapshot of collection c.
func NewSnapshot[T any](c Collection, records []T) (Snapshot, error) {
	items := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return Snapshot{}, fmt.Errorf("encode %s record: %w", c, err)
		}
		items = append(items, b)
	}
	return Snapshot{Collection: c, Items: items}, nil
}

func decodeItems[T any](s Snapshot) ([]T, error) {
	out := make([]T, 0, len(s.Items))
	for i, item := range s.Items {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, fmt.Errorf("decode %s item %d: %w", s.Collection, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s Snapshot) Categories() ([]Category, error) {
	return decodeItems[Category](s)
}

func (s Snapshot) Transactions() ([]Transaction, error) {
	return decodeItems[Transaction](s)
}

func (s Snapshot) Users() ([]User, error) {
	return decodeItems[User](s)
}

// Len returns the number of records.
func (s Snapshot) Len() int {
	return len(s.Items)
}

// Clone returns a snapshot that shares no item slice with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Items = make([]json.RawMessage, len(s.Items))
	copy(out.Items, s.Items)
	return out
}

// IndexOf returns the position of the record with the given id, or -1.
func (s Snapshot) IndexOf(id string) int {
	for i, item := range s.Items {
		if rid, err := RecordID(item); err == nil && rid == id {
			return i
		}
	}
	return -1
}

// Upsert replaces the record with the same id or appends it.
func (s Snapshot) Upsert(record json.RawMessage) (Snapshot, error) {
	id, err := RecordID(record)
	if err != nil {
		return s, err
	}
	out := s.Clone()
	if i := out.IndexOf(id); i >= 0 {
		out.Items[i] = record
		return out, nil
	}
	out.Items = append(out.Items, record)
	return out, nil
}

// Remove drops the record with the given id. Missing ids are ignored.
func (s Snapshot) Remove(id string) Snapshot {
	out := s.Clone()
	if i := out.IndexOf(id); i >= 0 {
		out.Items = append(out.Items[:i], out.Items[i+1:]...)
	}
	return out
}

// Filter keeps the records for which keep returns true.
func (s Snapshot) Filter(keep func(json.RawMessage) bool) Snapshot {
	out := s
	out.Items = make([]json.RawMessage, 0, len(s.Items))
	for _, item := range s.Items {
		if keep(item) {
			out.Items = append(out.Items, item)
		}
	}
	return out
}

// ReplaceID rewrites every quoted occurrence of from with to. Temporary ids
// are unique uuids, so a textual replacement also fixes references held by
// other records (parentId, categoryId).
func (s Snapshot) ReplaceID(from, to string) Snapshot {
	old := []byte(`"` + from + `"`)
	repl := []byte(`"` + to + `"`)
	out := s.Clone()
	for i, item := range out.Items {
		if bytes.Contains(item, old) {
			out.Items[i] = bytes.ReplaceAll(item, old, repl)
		}
	}
	return out
}
