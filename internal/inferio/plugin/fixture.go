package plugin

import (
	"context"
	"fmt"
	"time"
)

// fixturePlugin is a test double simulating latency and failure injection,
// used by internal/inferio/host and internal/inferio/manager tests instead
// of a real model.
//
// lastBatchSize is explicitly initialized to 0 in newFixture rather than
// left as an implicit zero value, resolving spec.md §9 open question (a):
// the Python `DotsOCRModel.__init__` references an undefined
// `self.batch_size` local; here the analogous "remembered last batch size"
// field is declared and zeroed deliberately instead of left to guesswork.
type fixturePlugin struct {
	name          string
	loadDelay     time.Duration
	predictDelay  time.Duration
	failLoad      bool
	failPredict   bool
	lastBatchSize int
	loaded        bool
}

func newFixture(args map[string]any) (Plugin, error) {
	p := &fixturePlugin{name: "fixture", lastBatchSize: 0}
	if v, ok := args["name"].(string); ok {
		p.name = v
	}
	if v, ok := args["load_delay_ms"].(int64); ok {
		p.loadDelay = time.Duration(v) * time.Millisecond
	}
	if v, ok := args["predict_delay_ms"].(int64); ok {
		p.predictDelay = time.Duration(v) * time.Millisecond
	}
	if v, ok := args["fail_load"].(bool); ok {
		p.failLoad = v
	}
	if v, ok := args["fail_predict"].(bool); ok {
		p.failPredict = v
	}
	return p, nil
}

func (p *fixturePlugin) Name() string { return p.name }

func (p *fixturePlugin) Load(ctx context.Context) error {
	if p.loadDelay > 0 {
		select {
		case <-time.After(p.loadDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.failLoad {
		return fmt.Errorf("fixture: injected load failure for %q", p.name)
	}
	p.loaded = true
	return nil
}

func (p *fixturePlugin) Predict(ctx context.Context, inputs []PredictionInput) ([]any, error) {
	p.lastBatchSize = len(inputs)
	if p.predictDelay > 0 {
		select {
		case <-time.After(p.predictDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.failPredict {
		return nil, fmt.Errorf("fixture: injected predict failure for %q", p.name)
	}
	out := make([]any, len(inputs))
	for i, in := range inputs {
		out[i] = in.Data
	}
	return out, nil
}

func (p *fixturePlugin) Unload(_ context.Context) error {
	p.loaded = false
	return nil
}

// LastBatchSize exposes the most recent Predict call's input count, for
// tests asserting batching behavior.
func (p *fixturePlugin) LastBatchSize() int { return p.lastBatchSize }
