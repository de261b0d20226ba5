package report

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bilancio/internal/categories"
	"bilancio/internal/core"
)

// DefaultSelectionLimit caps the comparison working set.
const DefaultSelectionLimit = 5

const (
	RejectFull       RejectReason = "full"
	RejectDuplicate  RejectReason = "duplicate"
	RejectZeroAmount RejectReason = "zero_amount"
)

var hundred = decimal.NewFromInt(100)

type RejectReason string

// RejectedError is returned by AddSelection when a selection is refused.
type RejectedError struct {
	Reason     RejectReason
	CategoryID string
	Range      core.DateRange
}

func (e *RejectedError) Error() string {
	switch e.Reason {
	case RejectFull:
		return "comparison already holds the maximum number of selections"
	case RejectDuplicate:
		return fmt.Sprintf("category %s is already selected for %s", e.CategoryID, e.Range)
	case RejectZeroAmount:
		return fmt.Sprintf("category %s has no amount for %s", e.CategoryID, e.Range)
	default:
		return fmt.Sprintf("selection rejected: %s", e.Reason)
	}
}

// IsRejected reports whether err is a RejectedError, optionally with reason.
func IsRejected(err error, reason RejectReason) bool {
	var rej *RejectedError
	if !errors.As(err, &rej) {
		return false
	}
	return reason == "" || rej.Reason == reason
}

// AmountSource resolves amounts and labels for comparison selections.
type AmountSource interface {
	TotalFor(categoryID string, rng core.DateRange) (decimal.Decimal, error)
	Label(categoryID string) (string, bool)
}

// Share is the derived percentage of one selection.
type Share struct {
	SelectionID string          `json:"selectionId"`
	Percentage  decimal.Decimal `json:"percentage"`
}

// Comparison is a bounded working set of selections. It is independent of
// any report filter and safe for concurrent use.
type Comparison struct {
	mu         sync.Mutex
	source     AmountSource
	limit      int
	selections []core.ComparisonSelection
}

func NewComparison(source AmountSource, limit int) *Comparison {
	if limit <= 0 {
		limit = DefaultSelectionLimit
	}
	return &Comparison{source: source, limit: limit}
}

func (c *Comparison) Limit() int { return c.limit }

// AddSelection resolves the amount for (categoryID, rng) and appends it.
func (c *Comparison) AddSelection(categoryID string, rng core.DateRange) (core.ComparisonSelection, error) {
	if err := rng.Validate(); err != nil {
		return core.ComparisonSelection{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.selections) >= c.limit {
		return core.ComparisonSelection{}, &RejectedError{Reason: RejectFull, CategoryID: categoryID, Range: rng}
	}
	for _, s := range c.selections {
		if s.CategoryID == categoryID && s.Range.Equal(rng) {
			return core.ComparisonSelection{}, &RejectedError{Reason: RejectDuplicate, CategoryID: categoryID, Range: rng}
		}
	}

	amount, err := c.source.TotalFor(categoryID, rng)
	if err != nil {
		return core.ComparisonSelection{}, fmt.Errorf("resolve amount: %w", err)
	}
	if amount.IsZero() {
		return core.ComparisonSelection{}, &RejectedError{Reason: RejectZeroAmount, CategoryID: categoryID, Range: rng}
	}

	label, ok := c.source.Label(categoryID)
	if !ok {
		label = categoryID
	}
	sel := core.ComparisonSelection{
		ID:         uuid.NewString(),
		CategoryID: categoryID,
		Label:      label,
		Amount:     amount,
		Range:      rng,
	}
	c.selections = append(c.selections, sel)
	return sel, nil
}

// RemoveSelection reports whether a selection with id existed.
func (c *Comparison) RemoveSelection(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.selections {
		if s.ID == id {
			c.selections = append(c.selections[:i], c.selections[i+1:]...)
			return true
		}
	}
	return false
}

// Selections returns the working set in insertion order.
func (c *Comparison) Selections() []core.ComparisonSelection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.ComparisonSelection(nil), c.selections...)
}

func (c *Comparison) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selections = nil
}

// Refresh recomputes every amount and label against source, which becomes
// the source for later selections. Selections whose category no longer
// resolves are dropped and their ids returned.
func (c *Comparison) Refresh(source AmountSource) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.source = source
	var dropped []string
	kept := c.selections[:0]
	for _, s := range c.selections {
		amount, err := source.TotalFor(s.CategoryID, s.Range)
		if err != nil {
			dropped = append(dropped, s.ID)
			continue
		}
		s.Amount = amount
		if label, ok := source.Label(s.CategoryID); ok {
			s.Label = label
		}
		kept = append(kept, s)
	}
	c.selections = kept
	return dropped
}

// Shares derives each selection's percentage of the working set total,
// rounded to two places. The last share absorbs the rounding remainder so
// the shares sum to exactly 100. A zero total yields zero shares.
func (c *Comparison) Shares() []Share {
	sels := c.Selections()
	shares := make([]Share, len(sels))

	total := decimal.Zero
	for _, s := range sels {
		total = total.Add(s.Amount)
	}
	if total.IsZero() {
		for i, s := range sels {
			shares[i] = Share{SelectionID: s.ID, Percentage: decimal.Zero}
		}
		return shares
	}

	allocated := decimal.Zero
	for i, s := range sels {
		if i == len(sels)-1 {
			shares[i] = Share{SelectionID: s.ID, Percentage: hundred.Sub(allocated)}
			break
		}
		pct := s.Amount.Mul(hundred).Div(total).Round(2)
		shares[i] = Share{SelectionID: s.ID, Percentage: pct}
		allocated = allocated.Add(pct)
	}
	return shares
}

// IndexSource resolves comparison amounts from a category index and a
// transaction set.
type IndexSource struct {
	Index        *categories.Index
	Transactions []core.Transaction
}

func (s IndexSource) TotalFor(categoryID string, rng core.DateRange) (decimal.Decimal, error) {
	return TotalFor(s.Index, categoryID, s.Transactions, rng)
}

func (s IndexSource) Label(categoryID string) (string, bool) {
	if _, ok := s.Index.Get(categoryID); !ok {
		return "", false
	}
	return s.Index.Path(categoryID), true
}
