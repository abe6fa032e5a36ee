package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reasv/panoptikon-go/config"
	"github.com/reasv/panoptikon-go/schema"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestRegistry(t *testing.T) *config.Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "00.toml"), []byte(`
[groups.g.inference_ids.a]
config = { impl_class = "fixture" }

[groups.g.inference_ids.b]
config = { impl_class = "fixture" }

[groups.g.inference_ids.c]
config = { impl_class = "fixture" }

[groups.g.inference_ids.broken]
config = { impl_class = "fixture", fail_load = true }
`), 0o644))
	reg := config.New(dir, "")
	require.NoError(t, reg.Load())
	return reg
}

func TestLoadModelCreatesAndReusesHandle(t *testing.T) {
	m := New(newTestRegistry(t))
	ctx := context.Background()
	idA := schema.NewInferenceId("g", "a")

	h1, err := m.LoadModel(ctx, idA, "key1", 10, 60)
	require.NoError(t, err)
	h2, err := m.LoadModel(ctx, idA, "key2", 10, 60)
	require.NoError(t, err)
	require.Same(t, h1, h2)
	require.ElementsMatch(t, []schema.InferenceId{idA}, m.ListLoadedModels())
}

func TestResizeEvictsWhenRefSetEmpties(t *testing.T) {
	m := New(newTestRegistry(t))
	ctx := context.Background()
	idA, idB := schema.NewInferenceId("g", "a"), schema.NewInferenceId("g", "b")

	_, err := m.LoadModel(ctx, idA, "key1", 1, 60)
	require.NoError(t, err)
	_, err = m.LoadModel(ctx, idB, "key1", 1, 60)
	require.NoError(t, err)

	// lruSize=1 on the second call must have evicted idA from key1's LRU
	// and, since key1 was idA's only ref, torn it down entirely.
	require.ElementsMatch(t, []schema.InferenceId{idB}, m.ListLoadedModels())
}

func TestRefSetKeepsModelAliveAcrossCacheKeys(t *testing.T) {
	m := New(newTestRegistry(t))
	ctx := context.Background()
	idA := schema.NewInferenceId("g", "a")

	_, err := m.LoadModel(ctx, idA, "key1", 10, 60)
	require.NoError(t, err)
	_, err = m.LoadModel(ctx, idA, "key2", 10, 60)
	require.NoError(t, err)

	require.NoError(t, m.UnloadModel(ctx, "key1", idA))
	// key2 still references idA, so it must remain loaded.
	require.ElementsMatch(t, []schema.InferenceId{idA}, m.ListLoadedModels())

	require.NoError(t, m.UnloadModel(ctx, "key2", idA))
	require.Empty(t, m.ListLoadedModels())
}

func TestCheckTTLExpiredTearsDownPastDue(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := New(newTestRegistry(t)).WithClock(clock)
	ctx := context.Background()
	idA := schema.NewInferenceId("g", "a")

	_, err := m.LoadModel(ctx, idA, "key1", 10, 5)
	require.NoError(t, err)
	require.NotEmpty(t, m.ListLoadedModels())

	clock.now = clock.now.Add(10 * time.Second)
	require.NoError(t, m.CheckTTLExpired(ctx))
	require.Empty(t, m.ListLoadedModels())
}

func TestNegativeTTLNeverExpires(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := New(newTestRegistry(t)).WithClock(clock)
	ctx := context.Background()
	idA := schema.NewInferenceId("g", "a")

	_, err := m.LoadModel(ctx, idA, "key1", 10, -1)
	require.NoError(t, err)

	clock.now = clock.now.Add(365 * 24 * time.Hour)
	require.NoError(t, m.CheckTTLExpired(ctx))
	require.NotEmpty(t, m.ListLoadedModels())
}

func TestLoadModelRollsBackOnLoadFailure(t *testing.T) {
	m := New(newTestRegistry(t))
	ctx := context.Background()
	idBroken := schema.NewInferenceId("g", "broken")

	_, err := m.LoadModel(ctx, idBroken, "key1", 10, 60)
	require.Error(t, err)
	require.Empty(t, m.ListLoadedModels())
	require.Empty(t, m.CacheKeysFor(idBroken))
	require.Empty(t, m.GetTTLExpiration("key1"))

	// A second attempt must retry Load() rather than silently reusing the
	// half-built handle from the first failure.
	_, err = m.LoadModel(ctx, idBroken, "key1", 10, 60)
	require.Error(t, err)
	require.Empty(t, m.ListLoadedModels())
}

func TestClearCacheTearsDownUnreferencedModels(t *testing.T) {
	m := New(newTestRegistry(t))
	ctx := context.Background()
	idA, idB := schema.NewInferenceId("g", "a"), schema.NewInferenceId("g", "b")

	_, err := m.LoadModel(ctx, idA, "key1", 10, 60)
	require.NoError(t, err)
	_, err = m.LoadModel(ctx, idB, "key1", 10, 60)
	require.NoError(t, err)

	require.NoError(t, m.ClearCache(ctx, "key1"))
	require.Empty(t, m.ListLoadedModels())
}
