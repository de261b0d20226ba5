// Package report computes roll-up totals over a category tree and the
// comparison working set built on top of them.
package report

import (
	"github.com/shopspring/decimal"

	"bilancio/internal/categories"
	"bilancio/internal/core"
)

// Row is one line of a hierarchical report.
type Row struct {
	CategoryID     string            `json:"categoryId"`
	Name           string            `json:"name"`
	Path           string            `json:"path"`
	Depth          int               `json:"depth"`
	Type           core.CategoryType `json:"type"`
	IsFixedExpense bool              `json:"isFixedExpense"`
	// Direct is the sum of transactions posted to this category only.
	Direct decimal.Decimal `json:"direct"`
	Total  decimal.Decimal `json:"total"`
}

// Bucket sums the amounts of transactions inside rng by category id.
func Bucket(txs []core.Transaction, rng core.DateRange) map[string]decimal.Decimal {
	sums := make(map[string]decimal.Decimal)
	for _, t := range txs {
		if !rng.Contains(t.Date) {
			continue
		}
		sums[t.CategoryID] = sums[t.CategoryID].Add(t.Amount)
	}
	return sums
}

// TotalFor sums the transactions in rng posted to categoryID or any of its
// descendants.
func TotalFor(idx *categories.Index, categoryID string, txs []core.Transaction, rng core.DateRange) (decimal.Decimal, error) {
	ids, err := idx.DescendantIDsOf(categoryID)
	if err != nil {
		return decimal.Zero, err
	}
	buckets := Bucket(txs, rng)
	total := decimal.Zero
	for _, id := range ids {
		total = total.Add(buckets[id])
	}
	return total, nil
}

// Totals computes the roll-up total of every category in one bottom-up fold.
// Categories in malformed subtrees are absent from the result.
func Totals(idx *categories.Index, txs []core.Transaction, rng core.DateRange) map[string]decimal.Decimal {
	return fold(idx, Bucket(txs, rng))
}

func fold(idx *categories.Index, buckets map[string]decimal.Decimal) map[string]decimal.Decimal {
	order := idx.PostOrder()
	totals := make(map[string]decimal.Decimal, len(order))
	for _, id := range order {
		sum := buckets[id]
		for _, child := range idx.ChildrenOf(id) {
			sum = sum.Add(totals[child.ID])
		}
		totals[id] = sum
	}
	return totals
}

// TypeTotal sums the roots of type t, which equals the sum of every
// transaction posted to a well-formed category of that type.
func TypeTotal(idx *categories.Index, txs []core.Transaction, rng core.DateRange, t core.CategoryType) decimal.Decimal {
	totals := Totals(idx, txs, rng)
	sum := decimal.Zero
	for _, root := range idx.Roots(t) {
		sum = sum.Add(totals[root.ID])
	}
	return sum
}

// Tree returns report rows for categories of type t in depth-first order.
// Categories whose total is zero are left out together with their subtree.
func Tree(idx *categories.Index, txs []core.Transaction, rng core.DateRange, t core.CategoryType) []Row {
	buckets := Bucket(txs, rng)
	totals := fold(idx, buckets)

	var rows []Row
	var walk func(c core.Category, depth int)
	walk = func(c core.Category, depth int) {
		total := totals[c.ID]
		if total.IsZero() {
			return
		}
		rows = append(rows, Row{
			CategoryID:     c.ID,
			Name:           c.Name,
			Path:           idx.Path(c.ID),
			Depth:          depth,
			Type:           c.Type,
			IsFixedExpense: c.IsFixedExpense,
			Direct:         buckets[c.ID],
			Total:          total,
		})
		for _, child := range idx.ChildrenOf(c.ID) {
			walk(child, depth+1)
		}
	}
	for _, root := range idx.Roots(t) {
		walk(root, 1)
	}
	return rows
}
