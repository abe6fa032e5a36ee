package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reasv/panoptikon-go/config"
	"github.com/reasv/panoptikon-go/internal/inferio/ingress"
	"github.com/reasv/panoptikon-go/internal/inferio/manager"
	"github.com/reasv/panoptikon-go/internal/inferio/plugin"
	"github.com/reasv/panoptikon-go/schema"
)

func newEchoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00.toml"), []byte(`
[groups.g.inference_ids.echo]
config = { impl_class = "echo" }
`), 0o644))
	cfg := config.New(dir, "")
	require.NoError(t, cfg.Load())
	mgr := manager.New(cfg)
	srv := ingress.New(mgr, cfg)
	return httptest.NewServer(srv)
}

func TestPredictFastPathSingleEndpoint(t *testing.T) {
	backend := newEchoBackend(t)
	defer backend.Close()

	c, err := New([]Endpoint{{BaseURL: backend.URL, Weight: 1}})
	require.NoError(t, err)

	inputs := []plugin.PredictionInput{{Data: "a"}, {Data: "b"}}
	outputs, err := c.Predict(context.Background(), schema.NewInferenceId("g", "echo"), "c", 1, 60, inputs)
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b"}, outputs)
}

func TestPredictShardsAcrossEndpointsPreservingOrder(t *testing.T) {
	b1, b2 := newEchoBackend(t), newEchoBackend(t)
	defer b1.Close()
	defer b2.Close()

	c, err := New([]Endpoint{{BaseURL: b1.URL, Weight: 2}, {BaseURL: b2.URL, Weight: 1}})
	require.NoError(t, err)

	n := 9
	inputs := make([]plugin.PredictionInput, n)
	for i := range inputs {
		inputs[i] = plugin.PredictionInput{Data: i}
	}
	outputs, err := c.Predict(context.Background(), schema.NewInferenceId("g", "echo"), "c", 1, 60, inputs)
	require.NoError(t, err)
	require.Len(t, outputs, n)
	for i, out := range outputs {
		require.EqualValues(t, i, out)
	}
}

func TestPredictRetriesFailedShardOnHealthyEndpoint(t *testing.T) {
	good := newEchoBackend(t)
	defer good.Close()
	dead := httptest.NewServer(http.NewServeMux())
	dead.Close() // closed immediately: every request to it fails to connect

	c, err := New([]Endpoint{{BaseURL: dead.URL, Weight: 1}, {BaseURL: good.URL, Weight: 1}})
	require.NoError(t, err)

	n := 4
	inputs := make([]plugin.PredictionInput, n)
	for i := range inputs {
		inputs[i] = plugin.PredictionInput{Data: i}
	}
	outputs, err := c.Predict(context.Background(), schema.NewInferenceId("g", "echo"), "c", 1, 60, inputs)
	require.NoError(t, err)
	require.Len(t, outputs, n)
	for i, out := range outputs {
		require.EqualValues(t, i, out)
	}
}

func TestShardSizesSumToN(t *testing.T) {
	sizes := shardSizes(9, []float64{2.0 / 3, 1.0 / 3})
	require.Equal(t, []int{6, 3}, sizes)
}

func TestLoadModelAllOrIgnore(t *testing.T) {
	good := newEchoBackend(t)
	defer good.Close()
	dead := httptest.NewServer(nil)
	dead.Close()

	c, err := New([]Endpoint{{BaseURL: dead.URL, Weight: 1}, {BaseURL: good.URL, Weight: 1}})
	require.NoError(t, err)
	require.NoError(t, c.LoadModel(context.Background(), schema.NewInferenceId("g", "echo"), "c", 1, 60))
}
