package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Income  CategoryType = "income"
	Expense CategoryType = "expense"
)

const (
	Categories   Collection = "categories"
	Transactions Collection = "transactions"
	Users        Collection = "users"
)

const dateLayout = "2006-01-02"

type (
	CategoryType string

	// Collection names a whole set of records mirrored from the remote store.
	Collection string

	Date struct {
		time.Time
	}

	// DateRange is inclusive on both ends. The zero value matches every date.
	DateRange struct {
		Start Date `json:"start"`
		End   Date `json:"end"`
	}

	Category struct {
		ID             string       `json:"id"`
		Name           string       `json:"name"`
		Type           CategoryType `json:"type"`
		Level          int          `json:"level"`
		ParentID       string       `json:"parentId,omitempty"` // empty for root categories
		IsFixedExpense bool         `json:"isFixedExpense"`
		IsActive       bool         `json:"isActive"`
		CreatedAt      time.Time    `json:"createdAt"`
	}

	Transaction struct {
		ID          string          `json:"id"`
		Description string          `json:"description"`
		Amount      decimal.Decimal `json:"amount"`
		Date        Date            `json:"date"`
		CategoryID  string          `json:"categoryId"`
		Type        CategoryType    `json:"type"`
	}

	User struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email,omitempty"`
	}

	// ComparisonSelection is one (category, date range) pair in a comparison
	// working set, with its amount resolved at selection time.
	ComparisonSelection struct {
		ID         string          `json:"id"`
		CategoryID string          `json:"categoryId"`
		Label      string          `json:"label"`
		Amount     decimal.Decimal `json:"amount"`
		Range      DateRange       `json:"range"`
	}
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidType         = errors.New("invalid category type")
	ErrInvalidLevel        = errors.New("invalid category level")
	ErrEmptyName           = errors.New("empty name")
	ErrEmptyDescription    = errors.New("empty description")
	ErrEmptyCategory       = errors.New("empty category reference")
	ErrSelfParent          = errors.New("category cannot be its own parent")
	ErrCategoryCycle       = errors.New("category cannot be moved under its own descendant")
	ErrTypeMismatch        = errors.New("type does not match category type")
	ErrUnknownCategory     = errors.New("unknown category")
	ErrCategoryHasChildren = errors.New("category has active children")
	ErrUnknownCollection   = errors.New("unknown collection")
	ErrInvalidDateRange    = errors.New("date range end before start")
)

// ParseCollection validates a collection name.
func ParseCollection(s string) (Collection, error) {
	c := Collection(strings.ToLower(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, s)
	}
	return c, nil
}

// AllCollections lists every mirrored collection.
func AllCollections() []Collection {
	return []Collection{Categories, Transactions, Users}
}

func (c Collection) IsValid() bool {
	switch c {
	case Categories, Transactions, Users:
		return true
	default:
		return false
	}
}

func (c Collection) String() string {
	return string(c)
}

func (t CategoryType) IsValid() bool {
	return t == Income || t == Expense
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a date string in YYYY-MM-DD format.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date{Time: t}, nil
}

// DateOf truncates a timestamp to its calendar date in UTC.
func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return NewDate(y, int(m), d)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.Format(dateLayout))
}

func (d *Date) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	// Remote payloads sometimes carry full timestamps.
	if len(s) > len(dateLayout) {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parse date %q: %w", s, err)
		}
		*d = DateOf(t)
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// NewDateRange builds an inclusive range; either end may be zero to leave it open.
func NewDateRange(start, end Date) (DateRange, error) {
	r := DateRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return DateRange{}, err
	}
	return r, nil
}

func (r DateRange) Validate() error {
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start.Time) {
		return ErrInvalidDateRange
	}
	return nil
}

// IsAll reports whether the range leaves both ends open.
func (r DateRange) IsAll() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

func (r DateRange) Contains(d Date) bool {
	if !r.Start.IsZero() && d.Before(r.Start.Time) {
		return false
	}
	if !r.End.IsZero() && d.After(r.End.Time) {
		return false
	}
	return true
}

func (r DateRange) Equal(other DateRange) bool {
	return r.Start.Equal(other.Start.Time) && r.End.Equal(other.End.Time)
}

func (r DateRange) String() string {
	if r.IsAll() {
		return "all dates"
	}
	return fmt.Sprintf("%s..%s", r.Start, r.End)
}

func (c Category) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrEmptyName
	}
	if len(c.Name) > 100 {
		return errors.New("name too long (max 100 characters)")
	}
	if !c.Type.IsValid() {
		return ErrInvalidType
	}
	if c.Level < 1 {
		return ErrInvalidLevel
	}
	if c.ParentID != "" && c.ParentID == c.ID {
		return ErrSelfParent
	}
	return nil
}

// IsRoot reports whether the category has no parent.
func (c Category) IsRoot() bool {
	return c.ParentID == ""
}

func (t Transaction) Validate() error {
	if len(strings.TrimSpace(t.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(t.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	if t.Amount.IsNegative() {
		return ErrInvalidAmount
	}
	if t.Date.IsZero() {
		return errors.New("date cannot be zero")
	}
	if strings.TrimSpace(t.CategoryID) == "" {
		return ErrEmptyCategory
	}
	if !t.Type.IsValid() {
		return ErrInvalidType
	}
	return nil
}

func (u User) Validate() error {
	if strings.TrimSpace(u.Name) == "" {
		return ErrEmptyName
	}
	return nil
}
