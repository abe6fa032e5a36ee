package extraction

import (
	"context"
	"fmt"
	"time"

	"github.com/reasv/panoptikon-go/internal/inferio/plugin"
	"github.com/reasv/panoptikon-go/repository"
	"github.com/reasv/panoptikon-go/schema"
)

// runBatch implements the Python minibatcher: it flattens every item's
// prediction units into one list, re-chunks that list into sub-batches of
// exactly opts.BatchSize (the last may be shorter), dispatches each
// sub-batch to the predictor, and reassembles the 1:1 ordered outputs back
// onto their originating items before persisting each one.
//
// A predictor failure aborts the whole run (it is a model-serving fault,
// not a per-item data fault); per-item output persistence is isolated
// below in persistItem.
func (e *Engine) runBatch(ctx context.Context, opts Options, jobID, setterID int64, items []workItem, dl *schema.DataLog) error {
	bounds := make([]int, 0, len(items)+1)
	bounds = append(bounds, 0)
	var flatUnits []plugin.PredictionInput
	for _, it := range items {
		flatUnits = append(flatUnits, it.units...)
		bounds = append(bounds, len(flatUnits))
	}

	flatOutputs := make([]any, 0, len(flatUnits))
	for start := 0; start < len(flatUnits); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(flatUnits) {
			end = len(flatUnits)
		}
		sub := flatUnits[start:end]

		t0 := time.Now()
		outs, err := e.Predictor.Predict(ctx, opts.ID, opts.CacheKey, opts.LRUSize, opts.TTLSeconds, sub)
		dl.InferenceTimeMS += time.Since(t0).Milliseconds()
		dl.Batches++
		if err != nil {
			return fmt.Errorf("extraction: predict: %w", err)
		}
		if len(outs) != len(sub) {
			return fmt.Errorf("extraction: predictor returned %d outputs for %d inputs", len(outs), len(sub))
		}
		flatOutputs = append(flatOutputs, outs...)
	}

	for i, it := range items {
		start, end := bounds[i], bounds[i+1]
		itemOutputs := flatOutputs[start:end]
		if err := e.persistItem(jobID, setterID, opts, it.row, itemOutputs); err != nil {
			dl.ItemsFailed++
			logger.Warnf("%s: persist item %d failed: %v", opts.SetterName, it.row.ItemID, err)
			continue
		}
		dl.ItemsProcessed++
		dl.TextsProcessed += len(itemOutputs)
	}
	return nil
}

// persistItem writes one item's outputs inside its own transaction, per
// spec.md §4.7 step 5 ("per-item, transactional, failure-isolated"). When
// the output handler reports it wrote nothing, persistItem placeholder-
// marks the item itself: this item WAS sent to inference, so (unlike a
// zero-unit InputHandler skip) it must never be picked up again.
func (e *Engine) persistItem(jobID, setterID int64, opts Options, row schema.SearchResult, outputs []any) error {
	tx, err := e.DB.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	items := &repository.ItemDataRepository{DB: tx}
	written, err := opts.Output(items, jobID, setterID, row, outputs)
	if err != nil {
		return err
	}
	if written == 0 {
		if _, err := items.InsertPlaceholder(jobID, row.ItemID, setterID, opts.DataType); err != nil {
			return err
		}
	}
	return tx.Commit()
}
