package remote

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bilancio/internal/core"
)

// The remote store names fields in lower case without separators. These
// types are the only place that knows about it.

type wireCategory struct {
	ID             string            `json:"id,omitempty"`
	Name           string            `json:"name"`
	Type           core.CategoryType `json:"type"`
	Level          int               `json:"level"`
	ParentID       *string           `json:"parentid"`
	IsFixedExpense bool              `json:"isfixedexpense"`
	IsActive       bool              `json:"isactive"`
	CreatedAt      *time.Time        `json:"createdat,omitempty"`
}

type wireTransaction struct {
	ID          string            `json:"id,omitempty"`
	Description string            `json:"description"`
	Amount      decimal.Decimal   `json:"amount"`
	Date        core.Date         `json:"date"`
	CategoryID  string            `json:"categoryid"`
	Type        core.CategoryType `json:"type"`
}

type wireUser struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

func categoryToWire(c core.Category) wireCategory {
	w := wireCategory{
		ID:             c.ID,
		Name:           c.Name,
		Type:           c.Type,
		Level:          c.Level,
		IsFixedExpense: c.IsFixedExpense,
		IsActive:       c.IsActive,
	}
	if c.ParentID != "" {
		parent := c.ParentID
		w.ParentID = &parent
	}
	if !c.CreatedAt.IsZero() {
		created := c.CreatedAt
		w.CreatedAt = &created
	}
	return w
}

func categoryFromWire(w wireCategory) core.Category {
	c := core.Category{
		ID:             w.ID,
		Name:           w.Name,
		Type:           w.Type,
		Level:          w.Level,
		IsFixedExpense: w.IsFixedExpense,
		IsActive:       w.IsActive,
	}
	if w.ParentID != nil {
		c.ParentID = *w.ParentID
	}
	if w.CreatedAt != nil {
		c.CreatedAt = w.CreatedAt.UTC()
	}
	return c
}

// codec translates one collection between the in-process JSON model and the
// wire format.
type codec struct {
	toWire   func(json.RawMessage) (any, error)
	fromWire func(json.RawMessage) (any, error)
}

var codecs = map[core.Collection]codec{
	core.Categories: {
		toWire: func(raw json.RawMessage) (any, error) {
			var c core.Category
			if err := json.Unmarshal(raw, &c); err != nil {
				return nil, err
			}
			return categoryToWire(c), nil
		},
		fromWire: func(raw json.RawMessage) (any, error) {
			var w wireCategory
			if err := json.Unmarshal(raw, &w); err != nil {
				return nil, err
			}
			return categoryFromWire(w), nil
		},
	},
	core.Transactions: {
		toWire: func(raw json.RawMessage) (any, error) {
			var t core.Transaction
			if err := json.Unmarshal(raw, &t); err != nil {
				return nil, err
			}
			return wireTransaction(t), nil
		},
		fromWire: func(raw json.RawMessage) (any, error) {
			var w wireTransaction
			if err := json.Unmarshal(raw, &w); err != nil {
				return nil, err
			}
			return core.Transaction(w), nil
		},
	},
	core.Users: {
		toWire: func(raw json.RawMessage) (any, error) {
			var u core.User
			if err := json.Unmarshal(raw, &u); err != nil {
				return nil, err
			}
			return wireUser(u), nil
		},
		fromWire: func(raw json.RawMessage) (any, error) {
			var w wireUser
			if err := json.Unmarshal(raw, &w); err != nil {
				return nil, err
			}
			return core.User(w), nil
		},
	},
}

// EncodeRecord converts an in-process record of collection c to its wire form.
// Temporary ids are never sent.
func EncodeRecord(c core.Collection, record json.RawMessage) ([]byte, error) {
	cd, ok := codecs[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownCollection, c)
	}
	if id, err := core.RecordID(record); err == nil && core.IsTemporaryID(id) {
		if record, err = core.SetRecordID(record, ""); err != nil {
			return nil, err
		}
	}
	v, err := cd.toWire(record)
	if err != nil {
		return nil, fmt.Errorf("decode %s record: %w", c, err)
	}
	return json.Marshal(v)
}

// DecodeRecord converts a wire record of collection c to the in-process form.
func DecodeRecord(c core.Collection, wire json.RawMessage) (json.RawMessage, error) {
	cd, ok := codecs[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownCollection, c)
	}
	v, err := cd.fromWire(wire)
	if err != nil {
		return nil, fmt.Errorf("decode wire %s record: %w", c, err)
	}
	return json.Marshal(v)
}
