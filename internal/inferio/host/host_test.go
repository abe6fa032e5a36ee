package host

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reasv/panoptikon-go/internal/inferio/plugin"
	"github.com/reasv/panoptikon-go/schema"
)

func newTestHost(t *testing.T, cfg schema.ModelConfig) *Host {
	t.Helper()
	h, err := New(schema.NewInferenceId("g", "x"), cfg)
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func TestHostLoadIsIdempotent(t *testing.T) {
	h := newTestHost(t, schema.ModelConfig{ImplClass: "echo"})
	require.NoError(t, h.Load(context.Background()))
	require.NoError(t, h.Load(context.Background()))
}

func TestHostPredictSingle(t *testing.T) {
	h := newTestHost(t, schema.ModelConfig{ImplClass: "echo"})
	require.NoError(t, h.Load(context.Background()))

	out, err := h.Predict(context.Background(), plugin.PredictionInput{Data: "x"})
	require.NoError(t, err)
	require.Equal(t, "x", out)
}

func TestHostPredictBatchPreservesOrder(t *testing.T) {
	h := newTestHost(t, schema.ModelConfig{ImplClass: "echo", MaxBatchSize: 10, BatchWaitMillis: 20})
	require.NoError(t, h.Load(context.Background()))

	inputs := make([]plugin.PredictionInput, 5)
	for i := range inputs {
		inputs[i] = plugin.PredictionInput{Data: i}
	}
	outputs, err := h.PredictBatch(context.Background(), inputs)
	require.NoError(t, err)
	for i, out := range outputs {
		require.Equal(t, i, out)
	}
}

func TestHostPredictFailureDoesNotWedgeNextBatch(t *testing.T) {
	h := newTestHost(t, schema.ModelConfig{ImplClass: "fixture", MaxBatchSize: 1})
	// A second host whose fixture fails every Predict; simplest way within
	// the black-box API is to use impl_args.
	h2, err := New(schema.NewInferenceId("g", "y"), schema.ModelConfig{ImplClass: "fixture", ImplArgs: map[string]any{"fail_predict": true}, MaxBatchSize: 1})
	require.NoError(t, err)
	defer h2.Close()

	_, err = h2.Predict(context.Background(), plugin.PredictionInput{Data: 1})
	require.Error(t, err)

	// The failing host's mailbox still takes and answers its next batch.
	_, err = h2.Predict(context.Background(), plugin.PredictionInput{Data: 2})
	require.Error(t, err)

	// The original, non-failing host remains usable for its next batch.
	require.NoError(t, h.Load(context.Background()))
	out, err := h.Predict(context.Background(), plugin.PredictionInput{Data: "still alive"})
	require.NoError(t, err)
	require.Equal(t, "still alive", out)
}
