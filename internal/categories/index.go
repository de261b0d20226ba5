// Package categories indexes a category snapshot as a tree.
//
// An Index is built once per snapshot version in a single pass and is
// read-only afterwards, so it can be shared between concurrent readers.
// Malformed input (parent cycles, a child whose type differs from its
// parent's) is reported through Issues and the affected subtrees are left out
// of every traversal.
package categories

import (
	"fmt"
	"sort"
	"strings"

	"bilancio/internal/cache"
	"bilancio/internal/core"
)

// PathSeparator joins category names in Path.
const PathSeparator = " > "

const descendantCacheSize = 1024

type Index struct {
	version  int64
	nodes    map[string]core.Category
	children map[string][]string
	roots    []string
	excluded map[string]bool
	issues   []*core.IntegrityError

	descendants *cache.LRUCache[[]string]
}

// NewIndex builds the tree for one category snapshot version.
func NewIndex(cats []core.Category, version int64) *Index {
	idx := &Index{
		version:     version,
		nodes:       make(map[string]core.Category, len(cats)),
		children:    make(map[string][]string),
		excluded:    make(map[string]bool),
		descendants: cache.NewLRUCache[[]string](descendantCacheSize, 0),
	}
	for _, c := range cats {
		if c.ID == "" {
			continue
		}
		idx.nodes[c.ID] = c
	}

	idx.resolve()

	for id, c := range idx.nodes {
		if idx.excluded[id] {
			continue
		}
		if idx.isRoot(c) {
			idx.roots = append(idx.roots, id)
			continue
		}
		idx.children[c.ParentID] = append(idx.children[c.ParentID], id)
	}
	idx.sortIDs(idx.roots)
	for _, ids := range idx.children {
		idx.sortIDs(ids)
	}
	sort.Slice(idx.issues, func(i, j int) bool {
		return idx.issues[i].CategoryID < idx.issues[j].CategoryID
	})

	return idx
}

// resolve walks every node's ancestor chain once, marking cycle members and
// type-mismatched subtrees as excluded.
func (idx *Index) resolve() {
	resolved := make(map[string]bool, len(idx.nodes))

	ids := make([]string, 0, len(idx.nodes))
	for id := range idx.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if _, done := resolved[id]; done {
			continue
		}

		var chain []string
		pos := make(map[string]int)
		excluded := false
		cur := id
		for {
			if ex, done := resolved[cur]; done {
				excluded = ex
				break
			}
			if p, seen := pos[cur]; seen {
				cycle := chain[p:]
				idx.issues = append(idx.issues, &core.IntegrityError{
					CategoryID: minID(cycle),
					Reason:     "parent cycle through " + strings.Join(cycle, ", "),
				})
				for _, c := range cycle {
					resolved[c] = true
					idx.excluded[c] = true
				}
				chain = chain[:p]
				excluded = true
				break
			}
			node := idx.nodes[cur]
			if idx.isRoot(node) {
				resolved[cur] = false
				excluded = false
				break
			}
			pos[cur] = len(chain)
			chain = append(chain, cur)
			cur = node.ParentID
		}

		// chain runs from id up to just below the anchor; resolve top-down.
		for i := len(chain) - 1; i >= 0; i-- {
			c := chain[i]
			if !excluded {
				node := idx.nodes[c]
				parent := idx.nodes[node.ParentID]
				if node.Type != parent.Type {
					idx.issues = append(idx.issues, &core.IntegrityError{
						CategoryID: c,
						Reason:     fmt.Sprintf("type %s differs from parent %s type %s", node.Type, parent.ID, parent.Type),
					})
					excluded = true
				}
			}
			resolved[c] = excluded
			if excluded {
				idx.excluded[c] = true
			}
		}
	}
}

// isRoot treats a node whose parent is unknown as a root.
func (idx *Index) isRoot(c core.Category) bool {
	if c.ParentID == "" {
		return true
	}
	_, ok := idx.nodes[c.ParentID]
	return !ok
}

func (idx *Index) sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := idx.nodes[ids[i]], idx.nodes[ids[j]]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
}

func minID(ids []string) string {
	m := ids[0]
	for _, id := range ids[1:] {
		if id < m {
			m = id
		}
	}
	return m
}

// Version is the category snapshot version the index was built from.
func (idx *Index) Version() int64 { return idx.version }

func (idx *Index) Len() int { return len(idx.nodes) }

func (idx *Index) Get(id string) (core.Category, bool) {
	c, ok := idx.nodes[id]
	return c, ok
}

// Excluded reports whether id sits in a cycle or a type-mismatched subtree.
func (idx *Index) Excluded(id string) bool {
	return idx.excluded[id]
}

// Issues lists the integrity problems found while building the index.
func (idx *Index) Issues() []*core.IntegrityError {
	return append([]*core.IntegrityError(nil), idx.issues...)
}

// Roots returns the root categories of type t ordered by name. An empty t
// returns the roots of both types.
func (idx *Index) Roots(t core.CategoryType) []core.Category {
	out := make([]core.Category, 0, len(idx.roots))
	for _, id := range idx.roots {
		c := idx.nodes[id]
		if t == "" || c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// ChildrenOf returns the direct children of id ordered by name, then id.
func (idx *Index) ChildrenOf(id string) []core.Category {
	ids := idx.children[id]
	out := make([]core.Category, 0, len(ids))
	for _, cid := range ids {
		out = append(out, idx.nodes[cid])
	}
	return out
}

// ActiveChildren counts the active direct children of id.
func (idx *Index) ActiveChildren(id string) int {
	n := 0
	for _, cid := range idx.children[id] {
		if idx.nodes[cid].IsActive {
			n++
		}
	}
	return n
}

// DescendantIDsOf returns id and every category below it in depth-first
// order. Results are memoized for the lifetime of the index.
func (idx *Index) DescendantIDsOf(id string) ([]string, error) {
	if _, ok := idx.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownCategory, id)
	}
	if idx.excluded[id] {
		return nil, &core.IntegrityError{CategoryID: id, Reason: "category is part of a malformed subtree"}
	}
	if ids, ok := idx.descendants.Get(id); ok {
		return append([]string(nil), ids...), nil
	}

	out := make([]string, 0, 1)
	stack := []string{id}
	// Excluded nodes never appear in children, but bound the walk anyway.
	for steps := 0; len(stack) > 0; steps++ {
		if steps > len(idx.nodes) {
			return nil, &core.IntegrityError{CategoryID: id, Reason: "traversal exceeded category count"}
		}
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, cur)
		kids := idx.children[cur]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}

	idx.descendants.Set(id, out)
	return append([]string(nil), out...), nil
}

// Depth is 1 for roots.
func (idx *Index) Depth(id string) int {
	d := 0
	for cur, ok := idx.nodes[id]; ok && d <= len(idx.nodes); cur, ok = idx.nodes[cur.ParentID] {
		d++
		if idx.isRoot(cur) {
			break
		}
	}
	return d
}

// Path labels id with its ancestors' names, for example "Casa > Bollette".
func (idx *Index) Path(id string) string {
	var names []string
	for cur, ok := idx.nodes[id]; ok && len(names) <= len(idx.nodes); cur, ok = idx.nodes[cur.ParentID] {
		names = append(names, cur.Name)
		if idx.isRoot(cur) {
			break
		}
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return strings.Join(names, PathSeparator)
}

// PostOrder returns every non-excluded category with children before their
// parents. Used for bottom-up folds.
func (idx *Index) PostOrder() []string {
	out := make([]string, 0, len(idx.nodes))
	var visit func(id string, depth int)
	visit = func(id string, depth int) {
		if depth > len(idx.nodes) {
			return
		}
		for _, cid := range idx.children[id] {
			visit(cid, depth+1)
		}
		out = append(out, id)
	}
	for _, id := range idx.roots {
		visit(id, 1)
	}
	return out
}
