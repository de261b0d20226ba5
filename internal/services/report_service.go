package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bilancio/internal/cache"
	"bilancio/internal/categories"
	"bilancio/internal/core"
	"bilancio/internal/log"
	"bilancio/internal/report"
)

// SnapshotReader is the read side of the coordinator.
type SnapshotReader interface {
	Read(ctx context.Context, coll core.Collection) (ReadResult, error)
}

type ReportConfig struct {
	CacheSize int
	// CacheTTL bounds how long a computed tree is reused; zero keeps it until
	// evicted or the underlying snapshots change.
	CacheTTL       time.Duration
	SelectionLimit int
}

func DefaultReportConfig() ReportConfig {
	return ReportConfig{
		CacheSize:      64,
		CacheTTL:       10 * time.Minute,
		SelectionLimit: report.DefaultSelectionLimit,
	}
}

// TreeReport is a hierarchical report over one category type and range.
type TreeReport struct {
	Type     core.CategoryType `json:"type"`
	Range    core.DateRange    `json:"range"`
	Rows     []report.Row      `json:"rows"`
	Total    decimal.Decimal   `json:"total"`
	Issues   []string          `json:"issues,omitempty"`
	Degraded bool              `json:"degraded"`

	CategoriesVersion   int64 `json:"categoriesVersion"`
	TransactionsVersion int64 `json:"transactionsVersion"`
}

// ComparisonView is the comparison working set with its derived shares.
type ComparisonView struct {
	Selections []core.ComparisonSelection `json:"selections"`
	Shares     []report.Share             `json:"shares"`
	Limit      int                        `json:"limit"`
	Degraded   bool                       `json:"degraded"`
}

// dataset is one consistent view of categories and transactions.
type dataset struct {
	index        *categories.Index
	transactions []core.Transaction
	txVersion    int64
	degraded     bool
}

func (d dataset) cacheable() bool {
	return d.index.Version() > 0 && d.txVersion > 0
}

func (d dataset) source() report.IndexSource {
	return report.IndexSource{Index: d.index, Transactions: d.transactions}
}

// ReportService builds reports from the coordinator's snapshots. The
// category index is rebuilt only when the categories snapshot version
// changes, and computed trees are cached per snapshot versions.
type ReportService struct {
	reader SnapshotReader
	logger *log.Logger

	mu          sync.Mutex
	index       *categories.Index
	trees       *cache.LRUCache[TreeReport]
	comparison  *report.Comparison
	compVersion [2]int64
}

func NewReportService(reader SnapshotReader, config ReportConfig, logger *log.Logger) *ReportService {
	defaults := DefaultReportConfig()
	if config.CacheSize <= 0 {
		config.CacheSize = defaults.CacheSize
	}
	if config.SelectionLimit <= 0 {
		config.SelectionLimit = defaults.SelectionLimit
	}
	if logger == nil {
		logger = log.Discard()
	}
	s := &ReportService{
		reader: reader,
		logger: logger.WithComponent(log.ComponentReport),
		trees:  cache.NewLRUCache[TreeReport](config.CacheSize, config.CacheTTL),
	}
	s.comparison = report.NewComparison(report.IndexSource{Index: categories.NewIndex(nil, 0)}, config.SelectionLimit)
	return s
}

// TreeCache exposes the report cache for periodic cleanup.
func (s *ReportService) TreeCache() *cache.LRUCache[TreeReport] {
	return s.trees
}

// Tree returns the report rows for type t over rng. An empty t covers both
// types.
func (s *ReportService) Tree(ctx context.Context, t core.CategoryType, rng core.DateRange) (TreeReport, error) {
	if t != "" && !t.IsValid() {
		return TreeReport{}, core.ErrInvalidType
	}
	if err := rng.Validate(); err != nil {
		return TreeReport{}, err
	}

	data, err := s.load(ctx)
	if err != nil {
		return TreeReport{}, err
	}

	key := fmt.Sprintf("%d:%d:%s:%s", data.index.Version(), data.txVersion, t, rng)
	if data.cacheable() {
		if cached, ok := s.trees.Get(key); ok {
			cached.Degraded = data.degraded
			return cached, nil
		}
	}

	out := TreeReport{
		Type:                t,
		Range:               rng,
		Rows:                report.Tree(data.index, data.transactions, rng, t),
		Degraded:            data.degraded,
		CategoriesVersion:   data.index.Version(),
		TransactionsVersion: data.txVersion,
	}
	if t == "" {
		out.Total = report.TypeTotal(data.index, data.transactions, rng, core.Income).
			Sub(report.TypeTotal(data.index, data.transactions, rng, core.Expense))
	} else {
		out.Total = report.TypeTotal(data.index, data.transactions, rng, t)
	}
	for _, issue := range data.index.Issues() {
		out.Issues = append(out.Issues, issue.Error())
	}

	if data.cacheable() {
		s.trees.Set(key, out)
	}
	return out, nil
}

// TotalFor returns the roll-up total of one category over rng.
func (s *ReportService) TotalFor(ctx context.Context, categoryID string, rng core.DateRange) (decimal.Decimal, error) {
	if err := rng.Validate(); err != nil {
		return decimal.Zero, err
	}
	data, err := s.load(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return report.TotalFor(data.index, categoryID, data.transactions, rng)
}

// Comparison returns the working set, refreshed against current data.
func (s *ReportService) Comparison(ctx context.Context) (ComparisonView, error) {
	data, err := s.syncComparison(ctx)
	if err != nil {
		return ComparisonView{}, err
	}
	return ComparisonView{
		Selections: s.comparison.Selections(),
		Shares:     s.comparison.Shares(),
		Limit:      s.comparison.Limit(),
		Degraded:   data.degraded,
	}, nil
}

func (s *ReportService) AddSelection(ctx context.Context, categoryID string, rng core.DateRange) (core.ComparisonSelection, error) {
	if _, err := s.syncComparison(ctx); err != nil {
		return core.ComparisonSelection{}, err
	}
	sel, err := s.comparison.AddSelection(categoryID, rng)
	if err != nil {
		return core.ComparisonSelection{}, err
	}
	s.logger.DebugContext(ctx, "Selection added", log.FieldCategoryID, categoryID, "range", rng.String())
	return sel, nil
}

func (s *ReportService) RemoveSelection(id string) bool {
	return s.comparison.RemoveSelection(id)
}

func (s *ReportService) ResetComparison() {
	s.comparison.Reset()
}

// syncComparison points the comparison at current data, recomputing every
// selection when either snapshot changed.
func (s *ReportService) syncComparison(ctx context.Context) (dataset, error) {
	data, err := s.load(ctx)
	if err != nil {
		return dataset{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	versions := [2]int64{data.index.Version(), data.txVersion}
	if versions == s.compVersion && data.cacheable() {
		return data, nil
	}
	dropped := s.comparison.Refresh(data.source())
	if len(dropped) > 0 {
		s.logger.InfoContext(ctx, "Selections dropped, category no longer resolves", "count", len(dropped))
	}
	s.compVersion = versions
	return data, nil
}

func (s *ReportService) load(ctx context.Context) (dataset, error) {
	cats, err := s.reader.Read(ctx, core.Categories)
	if err != nil {
		return dataset{}, fmt.Errorf("read categories: %w", err)
	}
	txs, err := s.reader.Read(ctx, core.Transactions)
	if err != nil {
		return dataset{}, fmt.Errorf("read transactions: %w", err)
	}
	transactions, err := txs.Snapshot.Transactions()
	if err != nil {
		return dataset{}, err
	}
	idx, err := s.indexFor(ctx, cats.Snapshot)
	if err != nil {
		return dataset{}, err
	}
	return dataset{
		index:        idx,
		transactions: transactions,
		txVersion:    txs.Snapshot.Version,
		degraded:     cats.Degraded || txs.Degraded,
	}, nil
}

func (s *ReportService) indexFor(ctx context.Context, snap core.Snapshot) (*categories.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index != nil && snap.Version > 0 && s.index.Version() == snap.Version {
		return s.index, nil
	}
	cats, err := snap.Categories()
	if err != nil {
		return nil, err
	}
	idx := categories.NewIndex(cats, snap.Version)
	for _, issue := range idx.Issues() {
		s.logger.WarnContext(ctx, "Category excluded from reports",
			log.FieldCategoryID, issue.CategoryID, "reason", issue.Reason)
	}
	s.index = idx
	return idx, nil
}
