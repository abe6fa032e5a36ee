// Package search implements the Search Runner (SR): it executes compiled
// PQL queries, maps rows to typed results, and optionally verifies each
// result's file still exists on disk, per spec.md §4.9. It is a close port
// of the Python implementation's search_pql (db/pql/search.py).
package search

import (
	"fmt"
	"os"
	"time"

	"github.com/iamlouk/lrucache"
	"github.com/jmoiron/sqlx"

	"github.com/reasv/panoptikon-go/internal/pql"
	"github.com/reasv/panoptikon-go/log"
	"github.com/reasv/panoptikon-go/repository"
	"github.com/reasv/panoptikon-go/schema"
)

var logger = log.Default().With("search")

// Metrics times one phase of a search_pql call (build/compile/execute),
// mirroring search.py's SearchMetrics.
type Metrics struct {
	Build   time.Duration `json:"build"`
	Execute time.Duration `json:"execute"`
}

// Result is one page of search_pql's output: the total row count (count
// phase, only meaningful when the query requested it), the page of typed
// rows, and timing for both phases.
type Result struct {
	TotalCount   int                  `json:"total_count"`
	Results      []schema.SearchResult `json:"results"`
	CountMetrics Metrics              `json:"count_metrics"`
	PageMetrics  Metrics              `json:"page_metrics"`
}

// Runner executes PQL queries against the index database.
type Runner struct {
	DB    *sqlx.DB
	Items *repository.ItemRepository

	// pathCache memoizes check_path's os.Stat result per path behind a
	// TTL; existence is cheap to go stale, so a short TTL
	// still saves real work across a page of otherwise-identical paths.
	pathCache *lrucache.Cache
}

// New builds a Runner with a modestly sized existence-check cache; repeat
// searches over large result sets are the common case this helps.
func New(db *sqlx.DB, items *repository.ItemRepository) *Runner {
	return &Runner{DB: db, Items: items, pathCache: lrucache.New(4096)}
}

// Run executes query per spec.md §4.9: a count phase (if requested), then
// a page phase, with per-row check_path verification and stale-path repair
// folded into the page phase exactly as search_pql does it.
func (r *Runner) Run(query pql.Query) (Result, error) {
	var out Result

	if query.Count {
		start := time.Now()
		countQuery := query
		countQuery.Count = true
		compiled, err := pql.Compile(countQuery)
		if err != nil {
			return out, fmt.Errorf("search: compile count query: %w", err)
		}
		out.CountMetrics.Build = time.Since(start)

		start = time.Now()
		if err := r.DB.Get(&out.TotalCount, compiled.SQL, compiled.Args...); err != nil {
			return out, fmt.Errorf("search: execute count query: %w", err)
		}
		out.CountMetrics.Execute = time.Since(start)
	}

	if query.PageSize <= 0 {
		// count-only request: search.py's "if not query.results: return
		// empty_generator()" equivalent.
		return out, nil
	}

	start := time.Now()
	pageQuery := query
	pageQuery.Count = false
	compiled, err := pql.Compile(pageQuery)
	if err != nil {
		return out, fmt.Errorf("search: compile page query: %w", err)
	}
	out.PageMetrics.Build = time.Since(start)

	start = time.Now()
	rows, err := r.DB.Queryx(compiled.SQL, compiled.Args...)
	if err != nil {
		return out, fmt.Errorf("search: execute page query: %w", err)
	}
	defer rows.Close()

	results := make([]schema.SearchResult, 0, pageQuery.PageSize)
	for rows.Next() {
		raw := map[string]any{}
		if err := rows.MapScan(raw); err != nil {
			return out, fmt.Errorf("search: scan page row: %w", err)
		}
		row := schema.ScanSearchResult(raw)

		if query.CheckPath {
			ok, repaired := r.checkPath(query.Entity, row)
			if !ok {
				continue
			}
			row = repaired
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return out, err
	}
	out.PageMetrics.Execute = time.Since(start)
	out.Results = results
	return out, nil
}

// checkPath verifies row.Path still exists, repairing it from any other
// known file for the same item when it does not. For a plain file-entity
// query (no partitioning across multiple rows per item), a missing path
// drops the row outright, matching search.py's
// "entity == file and not partition_by -> continue" branch; any other
// entity tries the repair first.
func (r *Runner) checkPath(entity pql.Entity, row schema.SearchResult) (ok bool, repaired schema.SearchResult) {
	exists := r.pathExists(row.Path)
	if exists {
		return true, row
	}

	logger.Warnf("result path not found: %s", row.Path)
	if entity == pql.EntityFile {
		return false, row
	}

	files, err := r.Items.FilesForItem(row.ItemID)
	if err != nil {
		logger.Warnf("file lookup failed for item %d: %v", row.ItemID, err)
		return false, row
	}
	for _, f := range files {
		if !f.Available || f.Path == row.Path {
			continue
		}
		if !r.pathExists(f.Path) {
			continue
		}
		row.Path = f.Path
		row.LastModified = f.LastModified
		return true, row
	}
	logger.Warnf("no other existing file found for item %d (sha256=%s)", row.ItemID, row.SHA256)
	return false, row
}

func (r *Runner) pathExists(path string) bool {
	v := r.pathCache.Get(path, func() (any, time.Duration, int) {
		_, err := os.Stat(path)
		return err == nil, 30 * time.Second, 1
	})
	exists, _ := v.(bool)
	return exists
}
