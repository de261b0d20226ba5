package core

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDateRangeContains(t *testing.T) {
	r := DateRange{Start: NewDate(2025, 1, 1), End: NewDate(2025, 1, 31)}
	cases := []struct {
		d  Date
		in bool
	}{
		{NewDate(2025, 1, 1), true},
		{NewDate(2025, 1, 31), true},
		{NewDate(2025, 1, 15), true},
		{NewDate(2024, 12, 31), false},
		{NewDate(2025, 2, 1), false},
	}
	for i, tc := range cases {
		if got := r.Contains(tc.d); got != tc.in {
			t.Fatalf("case %d: Contains(%s) = %v, want %v", i, tc.d, got, tc.in)
		}
	}
	if !(DateRange{}).Contains(NewDate(1990, 5, 5)) {
		t.Fatalf("zero range should match every date")
	}
}

func TestNewDateRangeRejectsInverted(t *testing.T) {
	if _, err := NewDateRange(NewDate(2025, 2, 1), NewDate(2025, 1, 1)); err == nil {
		t.Fatalf("expected error for inverted range")
	}
	if _, err := NewDateRange(NewDate(2025, 1, 1), Date{}); err != nil {
		t.Fatalf("open-ended range should be valid, got %v", err)
	}
}

func TestDateJSON(t *testing.T) {
	var d Date
	if err := json.Unmarshal([]byte(`"2025-03-04"`), &d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.String() != "2025-03-04" {
		t.Fatalf("got %s", d)
	}
	if err := json.Unmarshal([]byte(`"2025-03-04T10:00:00Z"`), &d); err != nil {
		t.Fatalf("timestamp form: %v", err)
	}
	if d.String() != "2025-03-04" {
		t.Fatalf("got %s", d)
	}
}

func TestCategoryValidate(t *testing.T) {
	good := Category{ID: "c1", Name: "Food", Type: Expense, Level: 1, IsActive: true}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	bads := []Category{
		{ID: "c1", Name: "", Type: Expense, Level: 1},
		{ID: "c1", Name: "x", Type: "other", Level: 1},
		{ID: "c1", Name: "x", Type: Expense, Level: 0},
		{ID: "c1", Name: "x", Type: Expense, Level: 2, ParentID: "c1"},
	}
	for i, c := range bads {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestTransactionValidate(t *testing.T) {
	good := Transaction{
		Description: "groceries",
		Amount:      decimal.RequireFromString("12.50"),
		Date:        NewDate(2025, 1, 1),
		CategoryID:  "c1",
		Type:        Expense,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	bads := []Transaction{
		{Description: "", Amount: decimal.NewFromInt(1), Date: NewDate(2025, 1, 1), CategoryID: "c", Type: Expense},
		{Description: "a", Amount: decimal.NewFromInt(-1), Date: NewDate(2025, 1, 1), CategoryID: "c", Type: Expense},
		{Description: "a", Amount: decimal.NewFromInt(1), CategoryID: "c", Type: Expense},
		{Description: "a", Amount: decimal.NewFromInt(1), Date: NewDate(2025, 1, 1), Type: Expense},
		{Description: "a", Amount: decimal.NewFromInt(1), Date: NewDate(2025, 1, 1), CategoryID: "c"},
	}
	for i, tx := range bads {
		if err := tx.Validate(); err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in  string
		out string
		ok  bool
	}{
		{"1", "1", true},
		{"1.23", "1.23", true},
		{"1,23", "1.23", true},
		{" 2.50 ", "2.5", true},
		{"0", "0", true},
		{"-1", "", false},
		{"abc", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.ok {
			if err != nil || !got.Equal(decimal.RequireFromString(tc.out)) {
				t.Fatalf("%q expected %s, got %s (err=%v)", tc.in, tc.out, got, err)
			}
		} else if err == nil {
			t.Fatalf("%q expected error", tc.in)
		}
	}
}

func TestNewCreateAssignsTemporaryID(t *testing.T) {
	op, err := NewCreate(Transactions, Transaction{Description: "x", CategoryID: "c1", Type: Expense})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsTemporaryID(op.EntityID) {
		t.Fatalf("expected temporary id, got %q", op.EntityID)
	}
	id, err := RecordID(op.Payload)
	if err != nil || id != op.EntityID {
		t.Fatalf("payload id %q does not match entity id %q (err=%v)", id, op.EntityID, err)
	}
}

func TestSnapshotReplaceIDRewritesReferences(t *testing.T) {
	tmp := NewTemporaryID()
	snap, err := NewSnapshot(Transactions, []Transaction{
		{ID: tmp, Description: "a", CategoryID: "c1", Type: Expense, Date: NewDate(2025, 1, 1)},
		{ID: "t2", Description: "b", CategoryID: tmp, Type: Expense, Date: NewDate(2025, 1, 1)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := snap.ReplaceID(tmp, "srv-1")
	txs, err := out.Transactions()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if txs[0].ID != "srv-1" || txs[1].CategoryID != "srv-1" {
		t.Fatalf("ids not rewritten: %+v", txs)
	}
	if orig, _ := snap.Transactions(); orig[0].ID != tmp {
		t.Fatalf("ReplaceID must not mutate the receiver")
	}
}
