package categories

import (
	"errors"
	"strconv"
	"testing"

	"bilancio/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cat(id, name, parent string, t core.CategoryType) core.Category {
	level := 1
	if parent != "" {
		level = 2
	}
	return core.Category{ID: id, Name: name, Type: t, Level: level, ParentID: parent, IsActive: true}
}

func ids(cats []core.Category) []string {
	out := make([]string, 0, len(cats))
	for _, c := range cats {
		out = append(out, c.ID)
	}
	return out
}

func sampleTree() []core.Category {
	return []core.Category{
		cat("home", "Casa", "", core.Expense),
		cat("bills", "Bollette", "home", core.Expense),
		cat("rent", "Affitto", "home", core.Expense),
		cat("power", "Luce", "bills", core.Expense),
		cat("water", "Acqua", "bills", core.Expense),
		cat("food", "Cibo", "", core.Expense),
		cat("salary", "Stipendio", "", core.Income),
	}
}

func TestChildrenOrderedByName(t *testing.T) {
	idx := NewIndex(sampleTree(), 3)

	assert.EqualValues(t, 3, idx.Version())
	assert.Equal(t, []string{"rent", "bills"}, ids(idx.ChildrenOf("home")))
	assert.Equal(t, []string{"water", "power"}, ids(idx.ChildrenOf("bills")))
	assert.Empty(t, idx.ChildrenOf("power"))
	assert.Empty(t, idx.Issues())
}

func TestRootsByType(t *testing.T) {
	idx := NewIndex(sampleTree(), 1)

	assert.Equal(t, []string{"home", "food"}, ids(idx.Roots(core.Expense)))
	assert.Equal(t, []string{"salary"}, ids(idx.Roots(core.Income)))
	assert.Len(t, idx.Roots(""), 3)
}

func TestDescendantIDsOfIncludesSelf(t *testing.T) {
	idx := NewIndex(sampleTree(), 1)

	got, err := idx.DescendantIDsOf("home")
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "rent", "bills", "water", "power"}, got)

	leaf, err := idx.DescendantIDsOf("power")
	require.NoError(t, err)
	assert.Equal(t, []string{"power"}, leaf)

	// Memoized result is not shared with callers.
	got[0] = "mutated"
	again, err := idx.DescendantIDsOf("home")
	require.NoError(t, err)
	assert.Equal(t, "home", again[0])

	_, err = idx.DescendantIDsOf("missing")
	assert.True(t, errors.Is(err, core.ErrUnknownCategory))
}

func TestCycleIsReportedAndExcluded(t *testing.T) {
	cats := []core.Category{
		cat("a", "A", "c", core.Expense),
		cat("b", "B", "a", core.Expense),
		cat("c", "C", "b", core.Expense),
		cat("d", "D", "a", core.Expense),
		cat("root", "Root", "", core.Expense),
	}
	idx := NewIndex(cats, 1)

	issues := idx.Issues()
	require.Len(t, issues, 1)
	assert.Equal(t, "a", issues[0].CategoryID)

	for _, id := range []string{"a", "b", "c", "d"} {
		assert.True(t, idx.Excluded(id), id)
		_, err := idx.DescendantIDsOf(id)
		assert.True(t, core.IsIntegrity(err), id)
	}
	assert.False(t, idx.Excluded("root"))
	assert.Equal(t, []string{"root"}, ids(idx.Roots("")))
	assert.Equal(t, []string{"root"}, idx.PostOrder())

	// Path and Depth terminate on cyclic input.
	assert.NotEmpty(t, idx.Path("a"))
	assert.Positive(t, idx.Depth("a"))
}

func TestSelfParentIsACycle(t *testing.T) {
	idx := NewIndex([]core.Category{cat("x", "X", "x", core.Income)}, 1)
	require.Len(t, idx.Issues(), 1)
	assert.True(t, idx.Excluded("x"))
}

func TestTypeMismatchExcludesSubtree(t *testing.T) {
	cats := []core.Category{
		cat("home", "Casa", "", core.Expense),
		cat("bonus", "Bonus", "home", core.Income),
		cat("gift", "Regalo", "bonus", core.Income),
		cat("rent", "Affitto", "home", core.Expense),
	}
	idx := NewIndex(cats, 1)

	require.Len(t, idx.Issues(), 1)
	assert.Equal(t, "bonus", idx.Issues()[0].CategoryID)
	assert.True(t, idx.Excluded("bonus"))
	assert.True(t, idx.Excluded("gift"))

	got, err := idx.DescendantIDsOf("home")
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "rent"}, got)
}

func TestOrphanIsTreatedAsRoot(t *testing.T) {
	idx := NewIndex([]core.Category{cat("lost", "Perso", "gone", core.Expense)}, 1)

	assert.Empty(t, idx.Issues())
	assert.Equal(t, []string{"lost"}, ids(idx.Roots(core.Expense)))
	assert.Equal(t, "Perso", idx.Path("lost"))
	assert.Equal(t, 1, idx.Depth("lost"))
}

func TestPathAndDepth(t *testing.T) {
	idx := NewIndex(sampleTree(), 1)

	assert.Equal(t, "Casa > Bollette > Luce", idx.Path("power"))
	assert.Equal(t, 3, idx.Depth("power"))
	assert.Equal(t, "Casa", idx.Path("home"))
	assert.Equal(t, "", idx.Path("missing"))
}

func TestPostOrderPutsChildrenFirst(t *testing.T) {
	idx := NewIndex(sampleTree(), 1)

	order := idx.PostOrder()
	require.Len(t, order, 7)
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["power"], pos["bills"])
	assert.Less(t, pos["bills"], pos["home"])
	assert.Less(t, pos["rent"], pos["home"])
}

func TestActiveChildren(t *testing.T) {
	cats := sampleTree()
	cats[2].IsActive = false // rent
	idx := NewIndex(cats, 1)

	assert.Equal(t, 1, idx.ActiveChildren("home"))
	assert.Equal(t, 2, idx.ActiveChildren("bills"))
	assert.Zero(t, idx.ActiveChildren("power"))
}

func TestDeepChainTerminates(t *testing.T) {
	const depth = 2000
	cats := make([]core.Category, 0, depth)
	cats = append(cats, cat(idFor(0), "n0", "", core.Expense))
	for i := 1; i < depth; i++ {
		cats = append(cats, cat(idFor(i), idFor(i), idFor(i-1), core.Expense))
	}
	idx := NewIndex(cats, 1)

	got, err := idx.DescendantIDsOf("n0")
	require.NoError(t, err)
	assert.Len(t, got, depth)
	assert.Equal(t, depth, idx.Depth(idFor(depth-1)))
}

func idFor(i int) string {
	return "n" + strconv.Itoa(i)
}
