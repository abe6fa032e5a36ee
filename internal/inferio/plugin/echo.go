package plugin

import "context"

// echoPlugin returns each input's Data unchanged, or its raw File bytes when
// Data is absent. It exists to exercise the end-to-end predict path (spec.md
// §8 scenario 1) without any real model weights.
type echoPlugin struct {
	loaded bool
}

func newEcho(_ map[string]any) (Plugin, error) {
	return &echoPlugin{}, nil
}

func (p *echoPlugin) Name() string { return "echo" }

func (p *echoPlugin) Load(_ context.Context) error {
	p.loaded = true
	return nil
}

func (p *echoPlugin) Predict(_ context.Context, inputs []PredictionInput) ([]any, error) {
	out := make([]any, len(inputs))
	for i, in := range inputs {
		if in.Data != nil {
			out[i] = in.Data
			continue
		}
		out[i] = in.File
	}
	return out, nil
}

func (p *echoPlugin) Unload(_ context.Context) error {
	p.loaded = false
	return nil
}
