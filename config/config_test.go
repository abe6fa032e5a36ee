package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/reasv/panoptikon-go/schema"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func TestRegistryResolvesGroupAndInferenceConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "00-base.toml", `
[groups.tagging]
config = { impl_class = "wd_tagger", default_threshold = 0.3 }

[groups.tagging.inference_ids.wd-v3]
config = { impl_args = { repo = "SmilingWolf/wd-v3" } }
metadata = { output_type = "tags", target_entities = ["items"] }
`)

	reg := New(dir, "")
	require.NoError(t, reg.Load())

	id := schema.InferenceId{Group: "tagging", LocalID: "wd-v3"}
	cfg, ok := reg.Get(id)
	require.True(t, ok)
	require.Equal(t, "wd_tagger", cfg.ImplClass)

	meta := reg.Metadata()["tagging"]["wd-v3"]
	require.Equal(t, schema.OutputTags, meta.OutputType)
	require.Equal(t, []schema.TargetEntity{schema.TargetItems}, meta.TargetEntities)
}

func TestRegistryRejectsDuplicateWithoutAllowOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "00-a.toml", `
[groups.g.inference_ids.x]
config = { impl_class = "echo" }
`)
	writeFile(t, dir, "01-b.toml", `
[groups.g.inference_ids.x]
config = { impl_class = "echo2" }
`)

	reg := New(dir, "")
	err := reg.Load()
	require.Error(t, err)
}

func TestRegistryAllowsOverrideWhenFlagged(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "00-a.toml", `
[groups.g.inference_ids.x]
config = { impl_class = "echo" }
`)
	writeFile(t, dir, "01-b.toml", `
allow_override = true

[groups.g.inference_ids.x]
config = { impl_class = "echo2" }
`)

	reg := New(dir, "")
	require.NoError(t, reg.Load())

	cfg, ok := reg.Get(schema.InferenceId{Group: "g", LocalID: "x"})
	require.True(t, ok)
	require.Equal(t, "echo2", cfg.ImplClass)
}

func TestRegistryMissingImplClassErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "00-a.toml", `
[groups.g.inference_ids.x]
config = {}
`)
	reg := New(dir, "")
	require.Error(t, reg.Load())
}

func TestReloadIsNoOpWhenMtimeUnchanged(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "00-a.toml", `
[groups.g.inference_ids.x]
config = { impl_class = "echo" }
`)
	reg := New(dir, "")
	require.NoError(t, reg.Load())
	v1 := reg.Current().Version

	require.NoError(t, reg.Reload())
	require.Equal(t, v1, reg.Current().Version)
}
