package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEchoReturnsDataUnchanged(t *testing.T) {
	p, err := New("echo", nil)
	require.NoError(t, err)
	require.NoError(t, p.Load(context.Background()))

	out, err := p.Predict(context.Background(), []PredictionInput{
		{Data: "hello"},
		{File: []byte("raw")},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", out[0])
	require.Equal(t, []byte("raw"), out[1])
}

func TestFixtureInjectsFailures(t *testing.T) {
	p, err := New("fixture", map[string]any{"fail_predict": true})
	require.NoError(t, err)
	require.NoError(t, p.Load(context.Background()))

	_, err = p.Predict(context.Background(), []PredictionInput{{Data: 1}})
	require.Error(t, err)
}

func TestFixtureTracksLastBatchSize(t *testing.T) {
	raw, err := New("fixture", nil)
	require.NoError(t, err)
	f := raw.(*fixturePlugin)

	_, err = f.Predict(context.Background(), []PredictionInput{{Data: 1}, {Data: 2}, {Data: 3}})
	require.NoError(t, err)
	require.Equal(t, 3, f.LastBatchSize())
}

func TestNewUnknownImplClassErrors(t *testing.T) {
	_, err := New("does-not-exist", nil)
	require.Error(t, err)
}
