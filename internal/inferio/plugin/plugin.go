// Package plugin defines the Model Plug-in capability set (spec.md §4.1)
// and the factory registry the Inference Host uses to instantiate one from
// a ModelConfig.
package plugin

import (
	"context"
	"fmt"
)

// PredictionInput is one unit of work handed to a plug-in's Predict call: a
// JSON-able structured payload, a raw byte blob, or both.
type PredictionInput struct {
	Data any
	File []byte
}

// Plugin is the capability set every model implementation satisfies, per
// spec.md §4.1: "name/load/predict/unload". Load and Unload must be
// idempotent; Predict returns exactly one output per input, in order.
type Plugin interface {
	Name() string
	Load(ctx context.Context) error
	Predict(ctx context.Context, inputs []PredictionInput) ([]any, error)
	Unload(ctx context.Context) error
}

// Factory builds a Plugin from its impl_args, as resolved by the Config
// Registry's ModelConfig.ImplArgs.
type Factory func(implArgs map[string]any) (Plugin, error)

var registry = map[string]Factory{}

// Register adds a factory under implClass. Called explicitly from the var
// block at the end of this file rather than via import-time init() magic, so the set
// of available plug-ins is visible and test-substitutable (spec.md Design
// Notes §9 "Plug-in discovery"). Returns true so call sites can register
// via a package-level var initializer instead of an init() func.
func Register(implClass string, f Factory) bool {
	registry[implClass] = f
	return true
}

// New instantiates the plug-in registered under implClass.
func New(implClass string, implArgs map[string]any) (Plugin, error) {
	f, ok := registry[implClass]
	if !ok {
		return nil, fmt.Errorf("plugin: no factory registered for impl_class %q", implClass)
	}
	return f(implArgs)
}

// Registered via var initializers rather than init(), so every built-in
// plug-in's presence in the registry is declared in this one place without
// relying on import-time ordering magic.
var (
	_ = Register("echo", newEcho)
	_ = Register("fixture", newFixture)
)
