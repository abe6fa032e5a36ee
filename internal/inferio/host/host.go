// Package host implements the Inference Host (IH): a per-model actor that
// owns one plug-in instance and fuses concurrent predict calls into batched
// MP.Predict invocations, per spec.md §4.2.
package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reasv/panoptikon-go/internal/inferio/plugin"
	"github.com/reasv/panoptikon-go/log"
	"github.com/reasv/panoptikon-go/schema"
)

const (
	defaultMaxBatchSize = 8
	defaultBatchWait    = 50 * time.Millisecond
)

var logger = log.Default().With("inferio.host")

type predictRequest struct {
	ctx      context.Context
	input    plugin.PredictionInput
	resultCh chan predictResult
}

type predictResult struct {
	output any
	err    error
}

// Host is the IH actor for one loaded model instance. Its mailbox is a
// buffered channel plus a goroutine loop, not literal coroutines, per
// SPEC_FULL.md §4's implementation notes.
type Host struct {
	inferenceID  schema.InferenceId
	plugin       plugin.Plugin
	maxBatchSize int
	batchWait    time.Duration

	reqCh chan predictRequest
	done  chan struct{}
	wg    sync.WaitGroup

	loadMu sync.Mutex
	loaded bool
}

// New builds the IH for inferenceID from cfg, instantiating its plug-in via
// the registry but not yet calling Load (the Model Manager decides when to
// load, per spec.md §4.3 step 6).
func New(inferenceID schema.InferenceId, cfg schema.ModelConfig) (*Host, error) {
	p, err := plugin.New(cfg.ImplClass, cfg.ImplArgs)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", inferenceID, err)
	}

	maxBatch := cfg.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatchSize
	}
	wait := defaultBatchWait
	if cfg.BatchWaitMillis > 0 {
		wait = time.Duration(cfg.BatchWaitMillis) * time.Millisecond
	}

	h := &Host{
		inferenceID:  inferenceID,
		plugin:       p,
		maxBatchSize: maxBatch,
		batchWait:    wait,
		reqCh:        make(chan predictRequest),
		done:         make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h, nil
}

// Load acquires the plug-in's resources, guarded by a mutex so concurrent
// callers wait on a single Load rather than racing into the plug-in
// (spec.md §4.2: "protected by an async mutex so concurrent requests wait
// on a single load"). A failed Load propagates to the caller and leaves the
// host unloaded, so the next call retries.
func (h *Host) Load(ctx context.Context) error {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()
	if h.loaded {
		return nil
	}
	if err := h.plugin.Load(ctx); err != nil {
		return fmt.Errorf("host %s: load: %w", h.inferenceID, err)
	}
	h.loaded = true
	return nil
}

// Keepalive is a no-op that exists so the Model Manager can probe liveness
// without touching the batching mailbox.
func (h *Host) Keepalive(_ context.Context) error { return nil }

// Predict submits one input into the batching mailbox and blocks for its
// result. Concurrent Predict calls within batch_wait_timeout (or until
// max_batch_size requests accumulate) are fused into a single
// plugin.Predict invocation.
func (h *Host) Predict(ctx context.Context, input plugin.PredictionInput) (any, error) {
	resultCh := make(chan predictResult, 1)
	select {
	case h.reqCh <- predictRequest{ctx: ctx, input: input, resultCh: resultCh}:
	case <-h.done:
		return nil, fmt.Errorf("host %s: shut down", h.inferenceID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-resultCh:
		return res.output, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PredictBatch submits every input concurrently so they land on the
// mailbox together and genuinely get fused into one plug-in batch, then
// waits for all results preserving input order. Uses errgroup to fan out
// and collect without hand-rolled WaitGroup+error-channel bookkeeping.
func (h *Host) PredictBatch(ctx context.Context, inputs []plugin.PredictionInput) ([]any, error) {
	outputs := make([]any, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			out, err := h.Predict(gctx, in)
			if err != nil {
				return err
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// Unload releases the plug-in's resources. Safe to call even if never
// loaded.
func (h *Host) Unload(ctx context.Context) error {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()
	if !h.loaded {
		return nil
	}
	if err := h.plugin.Unload(ctx); err != nil {
		return fmt.Errorf("host %s: unload: %w", h.inferenceID, err)
	}
	h.loaded = false
	return nil
}

// Close stops the batching goroutine. The host must not be used afterward.
func (h *Host) Close() {
	close(h.done)
	h.wg.Wait()
}

func (h *Host) run() {
	defer h.wg.Done()
	for {
		select {
		case req := <-h.reqCh:
			batch := []predictRequest{req}
			timer := time.NewTimer(h.batchWait)
		fill:
			for len(batch) < h.maxBatchSize {
				select {
				case req2 := <-h.reqCh:
					batch = append(batch, req2)
				case <-timer.C:
					break fill
				case <-h.done:
					timer.Stop()
					h.failAll(batch, fmt.Errorf("host %s: shut down", h.inferenceID))
					return
				}
			}
			timer.Stop()
			h.dispatch(batch)
		case <-h.done:
			return
		}
	}
}

func (h *Host) dispatch(batch []predictRequest) {
	inputs := make([]plugin.PredictionInput, len(batch))
	for i, req := range batch {
		inputs[i] = req.input
	}

	outputs, err := h.plugin.Predict(context.Background(), inputs)
	if err != nil {
		logger.Warnf("host %s: predict batch of %d failed: %v", h.inferenceID, len(batch), err)
		h.failAll(batch, err)
		return
	}
	for i, req := range batch {
		req.resultCh <- predictResult{output: outputs[i]}
	}
}

func (h *Host) failAll(batch []predictRequest, err error) {
	for _, req := range batch {
		req.resultCh <- predictResult{err: err}
	}
}
