// Package config implements the Config Registry (CR): it reads a hierarchy
// of TOML configuration files, yields a mapping
// `group/inference_id -> {impl_class, impl_args, metadata}`, and reloads
// lazily when on-disk mtimes change.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/iamlouk/lrucache"

	"github.com/reasv/panoptikon-go/log"
	"github.com/reasv/panoptikon-go/schema"
)

var logger = log.Default().With("config")

// ConfigFile is the on-disk shape of a single *.toml config file, per
// spec.md §6.2: "Each group carries config (default key/values for
// members), metadata, and an inference_ids sub-map."
type ConfigFile struct {
	AllowOverride bool                    `toml:"allow_override"`
	Groups        map[string]GroupConfig  `toml:"groups"`
}

type GroupConfig struct {
	Config       map[string]any          `toml:"config"`
	Metadata     map[string]any          `toml:"metadata"`
	InferenceIDs map[string]InferenceDef `toml:"inference_ids"`
}

type InferenceDef struct {
	Config   map[string]any `toml:"config"`
	Metadata map[string]any `toml:"metadata"`
}

// Snapshot is an immutable resolved configuration, the CR's pure output.
// CR never mutates a Snapshot in place; a reload produces a brand new one
// that Registry swaps in atomically.
type Snapshot struct {
	Version int64 // monotonic version, bumped on every successful reload
	Models  map[schema.InferenceId]schema.ModelConfig
	Meta    map[schema.InferenceId]schema.ModelMetadata
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Models: map[schema.InferenceId]schema.ModelConfig{},
		Meta:   map[schema.InferenceId]schema.ModelMetadata{},
	}
}

// Registry is the Config Registry: base + optional user config directories,
// lazily reloaded when mtimes advance.
type Registry struct {
	baseDir string
	userDir string // may be empty

	mu       sync.RWMutex
	snapshot *Snapshot
	mtimes   map[string]time.Time

	// statCache is allocated by New but not consulted: every Reload()
	// re-stats the config files and compares the result against mtimes.
	statCache *lrucache.Cache

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New constructs a Registry. baseDir is required; userDir may be empty.
func New(baseDir, userDir string) *Registry {
	return &Registry{
		baseDir:   baseDir,
		userDir:   userDir,
		snapshot:  emptySnapshot(),
		mtimes:    map[string]time.Time{},
		statCache: lrucache.New(1024),
	}
}

// Load performs (or re-performs) the initial synchronous load.
func (r *Registry) Load() error {
	return r.Reload()
}

// Current returns the currently authoritative snapshot. Callers that need
// a write barrier against concurrent reload (spec.md §4.3: "load_model is a
// write barrier for config reload") should call Reload first.
func (r *Registry) Current() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Reload re-reads the config directories if any file's mtime advanced past
// what was last seen; otherwise it is a no-op. It is a pure function of
// (dirs, prev mtimes) -> new snapshot: the old snapshot is never mutated,
// only replaced.
func (r *Registry) Reload() error {
	dirs := make([]string, 0, 2)
	if r.baseDir != "" {
		dirs = append(dirs, r.baseDir)
	}
	if r.userDir != "" {
		dirs = append(dirs, r.userDir)
	}

	files, changed, err := r.statAll(dirs)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	snap, err := buildSnapshot(files)
	if err != nil {
		return err
	}

	r.mu.Lock()
	snap.Version = r.snapshot.Version + 1
	r.snapshot = snap
	r.mu.Unlock()
	logger.Infof("config reloaded (version=%d, %d files)", snap.Version, len(files))
	return nil
}

type fileEntry struct {
	path          string
	allowOverride bool
}

// statAll walks dirs for *.toml files (lexicographic order within and
// across directories, base before user) and reports whether any mtime
// advanced past what was last recorded.
func (r *Registry) statAll(dirs []string) ([]fileEntry, bool, error) {
	var entries []fileEntry
	changed := false
	seen := map[string]time.Time{}

	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.toml"))
		if err != nil {
			return nil, false, err
		}
		sort.Strings(matches)
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return nil, false, err
			}
			seen[m] = info.ModTime()
			entries = append(entries, fileEntry{path: m})
		}
	}

	r.mu.Lock()
	if len(seen) != len(r.mtimes) {
		changed = true
	} else {
		for k, v := range seen {
			if prev, ok := r.mtimes[k]; !ok || !prev.Equal(v) {
				changed = true
				break
			}
		}
	}
	if changed {
		r.mtimes = seen
	}
	r.mu.Unlock()

	return entries, changed, nil
}

// buildSnapshot parses every config file in order and resolves the merged
// group/inference config map, rejecting duplicate inference ids unless the
// later file opted into allow_override.
func buildSnapshot(files []fileEntry) (*Snapshot, error) {
	snap := emptySnapshot()
	definedBy := map[schema.InferenceId]string{}

	for _, fe := range files {
		var cf ConfigFile
		if _, err := toml.DecodeFile(fe.path, &cf); err != nil {
			return nil, fmt.Errorf("config file %s: %w", fe.path, err)
		}

		for groupName, group := range cf.Groups {
			for localID, def := range group.InferenceIDs {
				id := schema.InferenceId{Group: groupName, LocalID: localID}

				if prevFile, exists := definedBy[id]; exists && !cf.AllowOverride {
					return nil, fmt.Errorf(
						"duplicate inference id %q defined in %s and %s (set allow_override in the later file to permit this)",
						id, prevFile, fe.path)
				}
				definedBy[id] = fe.path

				merged := mergeConfig(group.Config, def.Config)
				implClass, _ := merged["impl_class"].(string)
				if implClass == "" {
					return nil, fmt.Errorf("inference id %q in %s: resolved config has no impl_class", id, fe.path)
				}

				snap.Models[id] = schema.ModelConfig{
					ImplClass: implClass,
					ImplArgs:  merged,
				}
				snap.Meta[id] = metadataFrom(id, group, def)
			}
		}
	}

	return snap, nil
}

// mergeConfig overlays per-inference config over the group default config,
// per spec.md §6.2: "per-inference config overlays the group config."
func mergeConfig(groupCfg, inferenceCfg map[string]any) map[string]any {
	out := make(map[string]any, len(groupCfg)+len(inferenceCfg))
	for k, v := range groupCfg {
		out[k] = v
	}
	for k, v := range inferenceCfg {
		out[k] = v
	}
	return out
}

func metadataFrom(id schema.InferenceId, group GroupConfig, def InferenceDef) schema.ModelMetadata {
	meta := schema.ModelMetadata{
		Group:       id.Group,
		InferenceID: id.LocalID,
	}
	apply := func(m map[string]any) {
		if v, ok := m["input_handler"].(string); ok {
			meta.InputHandler = v
		}
		if v, ok := m["output_type"].(string); ok {
			meta.OutputType = schema.OutputType(v)
		}
		if v, ok := toInt(m["default_batch_size"]); ok {
			meta.DefaultBatchSize = v
		}
		if v, ok := m["default_threshold"].(float64); ok {
			meta.DefaultThreshold = v
		}
		if v, ok := m["description"].(string); ok {
			meta.Description = v
		}
		if v, ok := m["link"].(string); ok {
			meta.Link = v
		}
		if v, ok := m["input_query"].(map[string]any); ok {
			meta.InputQuery = v
		}
		if raw, ok := m["target_entities"].([]any); ok {
			meta.TargetEntities = nil
			for _, e := range raw {
				if s, ok := e.(string); ok {
					meta.TargetEntities = append(meta.TargetEntities, schema.TargetEntity(s))
				}
			}
		}
		if raw, ok := m["input_mime_types"].([]any); ok {
			meta.InputMimeTypes = nil
			for _, e := range raw {
				if s, ok := e.(string); ok {
					meta.InputMimeTypes = append(meta.InputMimeTypes, s)
				}
			}
		}
	}
	apply(group.Metadata)
	apply(def.Metadata)
	return meta
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// WatchForChanges starts a background goroutine that calls Reload whenever
// fsnotify observes a write/create in the config directories; Reload's own
// mtime gate makes this redundant-safe. Stop with Close.
func (r *Registry) WatchForChanges() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range []string{r.baseDir, r.userDir} {
		if dir == "" {
			continue
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return err
		}
	}
	r.watcher = w
	r.done = make(chan struct{})

	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				if err := r.Reload(); err != nil {
					logger.Errorf("reload after fs event: %s", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Errorf("fsnotify: %s", err)
			case <-r.done:
				return
			}
		}
	}()
	return nil
}

func (r *Registry) Close() error {
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// Get looks up a single model's config in the current snapshot.
func (r *Registry) Get(id schema.InferenceId) (schema.ModelConfig, bool) {
	snap := r.Current()
	cfg, ok := snap.Models[id]
	return cfg, ok
}

// Metadata returns the full group->metadata listing for the /metadata
// endpoint (§6.1 GET /metadata).
func (r *Registry) Metadata() map[string]map[string]schema.ModelMetadata {
	snap := r.Current()
	out := map[string]map[string]schema.ModelMetadata{}
	for id, meta := range snap.Meta {
		if out[id.Group] == nil {
			out[id.Group] = map[string]schema.ModelMetadata{}
		}
		out[id.Group][id.LocalID] = meta
	}
	return out
}
