package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bilancio/internal/core"
	"bilancio/internal/report"
)

// staticReader serves fixed snapshots; tests bump versions by hand.
type staticReader struct {
	mu       sync.Mutex
	snaps    map[core.Collection]core.Snapshot
	degraded bool
	err      error
	reads    int
}

func newStaticReader(t *testing.T, cats []core.Category, txs []core.Transaction) *staticReader {
	t.Helper()
	r := &staticReader{snaps: make(map[core.Collection]core.Snapshot)}
	r.setCategories(t, cats, 1)
	r.setTransactions(t, txs, 1)
	return r
}

func (r *staticReader) setCategories(t *testing.T, cats []core.Category, version int64) {
	t.Helper()
	snap, err := core.NewSnapshot(core.Categories, cats)
	require.NoError(t, err)
	snap.Version = version
	r.mu.Lock()
	r.snaps[core.Categories] = snap
	r.mu.Unlock()
}

func (r *staticReader) setTransactions(t *testing.T, txs []core.Transaction, version int64) {
	t.Helper()
	snap, err := core.NewSnapshot(core.Transactions, txs)
	require.NoError(t, err)
	snap.Version = version
	r.mu.Lock()
	r.snaps[core.Transactions] = snap
	r.mu.Unlock()
}

func (r *staticReader) Read(_ context.Context, coll core.Collection) (ReadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if r.err != nil {
		return ReadResult{}, r.err
	}
	return ReadResult{Snapshot: r.snaps[coll].Clone(), Degraded: r.degraded}, nil
}

func posted(id, categoryID, amount string, typ core.CategoryType, day int) core.Transaction {
	return core.Transaction{
		ID:          id,
		Description: "tx " + id,
		Amount:      decimal.RequireFromString(amount),
		Date:        core.NewDate(2024, 3, day),
		CategoryID:  categoryID,
		Type:        typ,
	}
}

func reportFixture(t *testing.T) *staticReader {
	return newStaticReader(t,
		[]core.Category{casa, luce, salary},
		[]core.Transaction{
			posted("t1", "c1", "100", core.Expense, 1),
			posted("t2", "c2", "50", core.Expense, 2),
			posted("t3", "c3", "2000", core.Income, 3),
		})
}

func TestReportTree(t *testing.T) {
	reader := reportFixture(t)
	svc := NewReportService(reader, DefaultReportConfig(), nil)

	tree, err := svc.Tree(context.Background(), core.Expense, core.DateRange{})
	require.NoError(t, err)
	require.Len(t, tree.Rows, 2)
	assert.Equal(t, "c1", tree.Rows[0].CategoryID)
	assert.True(t, decimal.RequireFromString("150").Equal(tree.Rows[0].Total))
	assert.Equal(t, "Casa > Luce", tree.Rows[1].Path)
	assert.True(t, decimal.RequireFromString("150").Equal(tree.Total))

	all, err := svc.Tree(context.Background(), "", core.DateRange{})
	require.NoError(t, err)
	assert.Len(t, all.Rows, 3)
	assert.True(t, decimal.RequireFromString("1850").Equal(all.Total), "net is income minus expense")
}

func TestReportTreeRejectsBadInput(t *testing.T) {
	svc := NewReportService(reportFixture(t), DefaultReportConfig(), nil)

	_, err := svc.Tree(context.Background(), core.CategoryType("savings"), core.DateRange{})
	assert.ErrorIs(t, err, core.ErrInvalidType)

	_, err = svc.Tree(context.Background(), core.Expense, core.DateRange{Start: core.NewDate(2024, 3, 5), End: core.NewDate(2024, 3, 1)})
	assert.ErrorIs(t, err, core.ErrInvalidDateRange)
}

func TestReportTreeIsCachedPerVersion(t *testing.T) {
	reader := reportFixture(t)
	svc := NewReportService(reader, DefaultReportConfig(), nil)
	ctx := context.Background()

	first, err := svc.Tree(ctx, core.Expense, core.DateRange{})
	require.NoError(t, err)
	assert.Equal(t, 1, svc.TreeCache().Size())

	// Same versions: the cached tree is served.
	reader.setTransactions(t, []core.Transaction{posted("t9", "c1", "1", core.Expense, 1)}, 1)
	again, err := svc.Tree(ctx, core.Expense, core.DateRange{})
	require.NoError(t, err)
	assert.Equal(t, first.Rows, again.Rows)

	// A new version is recomputed.
	reader.setTransactions(t, []core.Transaction{posted("t9", "c1", "1", core.Expense, 1)}, 2)
	fresh, err := svc.Tree(ctx, core.Expense, core.DateRange{})
	require.NoError(t, err)
	require.Len(t, fresh.Rows, 1)
	assert.True(t, decimal.NewFromInt(1).Equal(fresh.Total))
	assert.Equal(t, int64(2), fresh.TransactionsVersion)
}

func TestReportIndexReusedUntilCategoriesChange(t *testing.T) {
	reader := reportFixture(t)
	svc := NewReportService(reader, DefaultReportConfig(), nil)
	ctx := context.Background()

	_, err := svc.TotalFor(ctx, "c1", core.DateRange{})
	require.NoError(t, err)
	idx := svc.index

	_, err = svc.TotalFor(ctx, "c2", core.DateRange{})
	require.NoError(t, err)
	assert.Same(t, idx, svc.index)

	reader.setCategories(t, []core.Category{casa, salary}, 2)
	total, err := svc.TotalFor(ctx, "c1", core.DateRange{})
	require.NoError(t, err)
	assert.NotSame(t, idx, svc.index)
	assert.True(t, decimal.NewFromInt(100).Equal(total), "c2 is gone, its transactions no longer roll up")
}

func TestReportTotalForUnknownCategory(t *testing.T) {
	svc := NewReportService(reportFixture(t), DefaultReportConfig(), nil)
	_, err := svc.TotalFor(context.Background(), "nope", core.DateRange{})
	assert.ErrorIs(t, err, core.ErrUnknownCategory)
}

func TestReportReadFailure(t *testing.T) {
	reader := reportFixture(t)
	reader.err = &core.StorageError{Op: "get snapshot", Err: errors.New("disk I/O error")}
	svc := NewReportService(reader, DefaultReportConfig(), nil)

	_, err := svc.Tree(context.Background(), core.Expense, core.DateRange{})
	assert.True(t, core.IsStorage(err))
}

func TestReportDegradedFlag(t *testing.T) {
	reader := reportFixture(t)
	svc := NewReportService(reader, DefaultReportConfig(), nil)
	ctx := context.Background()

	tree, err := svc.Tree(ctx, core.Expense, core.DateRange{})
	require.NoError(t, err)
	assert.False(t, tree.Degraded)

	reader.degraded = true
	tree, err = svc.Tree(ctx, core.Expense, core.DateRange{})
	require.NoError(t, err)
	assert.True(t, tree.Degraded, "a cached tree still reports the current read mode")
}

func TestReportComparisonFollowsData(t *testing.T) {
	reader := reportFixture(t)
	svc := NewReportService(reader, DefaultReportConfig(), nil)
	ctx := context.Background()

	march := core.DateRange{Start: core.NewDate(2024, 3, 1), End: core.NewDate(2024, 3, 31)}
	first, err := svc.AddSelection(ctx, "c1", march)
	require.NoError(t, err)
	assert.Equal(t, "Casa", first.Label)
	assert.True(t, decimal.NewFromInt(150).Equal(first.Amount))

	_, err = svc.AddSelection(ctx, "c1", march)
	assert.True(t, report.IsRejected(err, report.RejectDuplicate))

	_, err = svc.AddSelection(ctx, "c2", march)
	require.NoError(t, err)

	view, err := svc.Comparison(ctx)
	require.NoError(t, err)
	require.Len(t, view.Selections, 2)
	assert.Equal(t, report.DefaultSelectionLimit, view.Limit)
	assert.True(t, decimal.RequireFromString("75").Equal(view.Shares[0].Percentage))
	assert.True(t, decimal.RequireFromString("25").Equal(view.Shares[1].Percentage))

	// New transactions change the amounts on the next view.
	reader.setTransactions(t, []core.Transaction{
		posted("t1", "c1", "100", core.Expense, 1),
		posted("t2", "c2", "100", core.Expense, 2),
	}, 2)
	view, err = svc.Comparison(ctx)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(200).Equal(view.Selections[0].Amount))
	assert.True(t, decimal.RequireFromString("33.33").Equal(view.Shares[1].Percentage))

	// Deleting a category drops its selection.
	reader.setCategories(t, []core.Category{casa, salary}, 2)
	view, err = svc.Comparison(ctx)
	require.NoError(t, err)
	require.Len(t, view.Selections, 1)

	assert.True(t, svc.RemoveSelection(view.Selections[0].ID))
	svc.ResetComparison()
	view, err = svc.Comparison(ctx)
	require.NoError(t, err)
	assert.Empty(t, view.Selections)
}
