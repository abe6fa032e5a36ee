// Package extraction implements the Extraction Engine (EE): it discovers
// unprocessed rows via the PQL Compiler, batches them to a model through
// the Distributed Client, and persists typed outputs, per spec.md §4.7.
// It is a close port of the Python implementation's run_extraction_job/
// batch_items/minibatcher (data_extractors/extraction_job.py).
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/reasv/panoptikon-go/internal/inferio/plugin"
	"github.com/reasv/panoptikon-go/internal/pql"
	"github.com/reasv/panoptikon-go/log"
	"github.com/reasv/panoptikon-go/repository"
	"github.com/reasv/panoptikon-go/schema"
)

var logger = log.Default().With("extraction")

// Predictor is the subset of internal/inferio/client.Client's surface the
// engine needs, narrowed so tests can substitute a fake without standing up
// real HTTP endpoints.
type Predictor interface {
	Predict(ctx context.Context, id schema.InferenceId, cacheKey string, lruSize, ttlSeconds int, inputs []plugin.PredictionInput) ([]any, error)
}

// InputHandler turns one discovered row into zero or more prediction work
// units. Returning zero units means the row is skipped entirely: it was
// never sent to inference, so per SPEC_FULL.md §11 it must NOT be
// placeholder-marked (the item may be picked up again, or handled by a
// different input_handler later).
type InputHandler func(ctx context.Context, db *sqlx.DB, row schema.SearchResult) ([]plugin.PredictionInput, error)

// OutputHandler persists the model outputs produced for one row's work
// units (same length and order as the InputHandler returned), using items
// (already bound to the job's transaction). It returns how many item_data
// rows it wrote; zero with a nil error means "sent to inference, produced
// nothing", which the engine placeholder-marks itself.
type OutputHandler func(items *repository.ItemDataRepository, jobID, setterID int64, row schema.SearchResult, outputs []any) (written int, err error)

// Options configures one extraction run: which model, which rows to feed
// it, and the handlers that translate between rows and predictions.
type Options struct {
	ID         schema.InferenceId
	SetterName string
	DataType   string // schema.OutputType string, used for the placeholder row
	BatchSize  int
	Threshold  float64
	CacheKey   string
	LRUSize    int
	TTLSeconds int

	// InputQuery is the model's configured discovery filter (schema.
	// ModelMetadata.InputQuery), narrowed further by the engine to exclude
	// items already processed by this setter.
	InputQuery map[string]any
	// Entity overrides the discovery query's entity when InputQuery does
	// not specify one (spec.md §4.8's TargetEntity -> pql.Entity mapping).
	Entity pql.Entity
	// ExtraFilter is an optional caller-supplied predicate ANDed into the
	// discovery query alongside InputQuery and the exclude-processed filter,
	// per spec.md §4.7 step 1: "derive a PQL query from model.input_query
	// AND any user-supplied predicate filters." Nil means no extra filter.
	ExtraFilter pql.QueryElement

	Input  InputHandler
	Output OutputHandler

	// ProgressEvery controls how often (in items processed) UpdateProgress
	// is flushed; defaults to 50 when zero.
	ProgressEvery int
}

// Engine owns the repositories and predictor an extraction run is executed
// against.
type Engine struct {
	DB        *sqlx.DB
	DataJobs  *repository.DataJobRepository
	Setters   *repository.SetterRepository
	Predictor Predictor
	Now       func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// workItem pairs one discovered row with the prediction inputs its
// InputHandler produced.
type workItem struct {
	row   schema.SearchResult
	units []plugin.PredictionInput
}

// Run executes one full extraction job, per spec.md §4.7's seven steps:
// remove any incomplete prior job for this setter, start a fresh data_job/
// data_log pair, stream discovery rows, batch and dispatch to inference,
// persist typed outputs with per-item failure isolation, and finish.
//
// If ctx is cancelled mid-run, Run returns ctx.Err() without calling
// Finish, leaving the data_job incomplete so the next Run's
// RemoveIncomplete cleans it up (spec.md §8's worker-isolation property).
func (e *Engine) Run(ctx context.Context, opts Options) (schema.DataLog, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 50
	}

	if err := e.DataJobs.RemoveIncomplete(opts.SetterName); err != nil {
		return schema.DataLog{}, fmt.Errorf("extraction: remove incomplete job: %w", err)
	}

	setterID, err := e.Setters.EnsureSetter(opts.SetterName)
	if err != nil {
		return schema.DataLog{}, fmt.Errorf("extraction: ensure setter: %w", err)
	}

	startedAt := e.now()
	jobID, logID, err := e.DataJobs.Start(opts.SetterName, startedAt)
	if err != nil {
		return schema.DataLog{}, fmt.Errorf("extraction: start job: %w", err)
	}

	query, err := e.discoveryQuery(opts)
	if err != nil {
		return schema.DataLog{}, fmt.Errorf("extraction: build discovery query: %w", err)
	}

	remaining, err := e.countRemaining(query)
	if err != nil {
		return schema.DataLog{}, fmt.Errorf("extraction: count discovery rows: %w", err)
	}

	compiled, err := pql.Compile(query)
	if err != nil {
		return schema.DataLog{}, fmt.Errorf("extraction: compile discovery query: %w", err)
	}

	rows, err := e.DB.Queryx(compiled.SQL, compiled.Args...)
	if err != nil {
		return schema.DataLog{}, fmt.Errorf("extraction: run discovery query: %w", err)
	}
	defer rows.Close()

	dl := schema.DataLog{DataJobID: &jobID, SetterName: opts.SetterName, StartTime: startedAt.Unix(), ItemsRemaining: remaining}

	var pending []workItem
	pendingUnits := 0
	sinceProgress := 0

	flush := func() error {
		if pendingUnits == 0 {
			pending = pending[:0]
			return nil
		}
		batch := pending
		pending = nil
		pendingUnits = 0
		return e.runBatch(ctx, opts, jobID, setterID, batch, &dl)
	}

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			rows.Close()
			return dl, err
		}

		raw := map[string]any{}
		if err := rows.MapScan(raw); err != nil {
			return dl, fmt.Errorf("extraction: scan discovery row: %w", err)
		}
		row := schema.ScanSearchResult(raw)

		units, err := opts.Input(ctx, e.DB, row)
		if err != nil {
			logger.Warnf("%s: input handler failed for item %d: %v", opts.SetterName, row.ItemID, err)
			dl.ItemsFailed++
			continue
		}
		if len(units) == 0 {
			// Never sent to inference: not placeholder-marked, not counted
			// as processed (SPEC_FULL.md §11).
			continue
		}

		pending = append(pending, workItem{row: row, units: units})
		pendingUnits += len(units)
		dl.ItemsRemaining--
		if dl.ItemsRemaining < 0 {
			dl.ItemsRemaining = 0
		}

		if pendingUnits >= opts.BatchSize {
			if err := flush(); err != nil {
				return dl, err
			}
		}

		sinceProgress++
		if sinceProgress >= opts.ProgressEvery {
			sinceProgress = 0
			if err := e.DataJobs.UpdateProgress(logID, dl); err != nil {
				logger.Warnf("%s: update progress: %v", opts.SetterName, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return dl, err
	}
	rows.Close()

	if err := flush(); err != nil {
		return dl, err
	}

	dl.ItemsRemaining = 0
	if err := e.DataJobs.Finish(jobID, logID, dl, e.now()); err != nil {
		return dl, fmt.Errorf("extraction: finish job: %w", err)
	}
	dl.Completed = true
	end := e.now().Unix()
	dl.EndTime = &end
	return dl, nil
}

// discoveryQuery parses the model's configured InputQuery and ANDs in a
// negated has_data_from filter so rows this setter already produced
// (possibly-placeholder) output for are excluded, per spec.md §4.7 step 1
// ("the input query... minus items already processed by this setter").
func (e *Engine) discoveryQuery(opts Options) (pql.Query, error) {
	q, err := pql.ParseQuery(opts.InputQuery)
	if err != nil {
		return pql.Query{}, err
	}
	if q.Entity == "" {
		q.Entity = opts.Entity
	}
	if q.Entity == "" {
		q.Entity = pql.EntityItem
	}

	excludeEl, err := hasDataFromElement(opts.SetterName)
	if err != nil {
		return pql.Query{}, err
	}
	unprocessed := pql.Not{Element: excludeEl}

	extra := []pql.QueryElement{unprocessed}
	if opts.ExtraFilter != nil {
		extra = append(extra, opts.ExtraFilter)
	}
	if q.Query == nil {
		if len(extra) == 1 {
			q.Query = extra[0]
		} else {
			q.Query = pql.And{Elements: extra}
		}
	} else {
		q.Query = pql.And{Elements: append([]pql.QueryElement{q.Query}, extra...)}
	}
	return q, nil
}

func (e *Engine) countRemaining(q pql.Query) (int, error) {
	countQ := q
	countQ.Count = true
	countQ.PageSize = 0
	countQ.Page = 0
	compiled, err := pql.Compile(countQ)
	if err != nil {
		return 0, err
	}
	var n int
	if err := e.DB.Get(&n, compiled.SQL, compiled.Args...); err != nil {
		return 0, err
	}
	return n, nil
}

// hasDataFromElement builds the has_data_from filter element through its
// public wire format (pql.ParseElement), since processedByFilter itself is
// unexported: {"has_data_from": {"has_data_from": "<setter>"}}, matching
// the single-level-nesting convention plain (non-sortable) filters use.
func hasDataFromElement(setter string) (pql.QueryElement, error) {
	raw, err := json.Marshal(map[string]any{
		"has_data_from": map[string]any{"has_data_from": setter},
	})
	if err != nil {
		return nil, err
	}
	return pql.ParseElement(raw)
}
