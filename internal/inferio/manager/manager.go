// Package manager implements the Model Manager (MM): the process-wide
// LRU(+TTL)+refcount state machine that owns every loaded Inference Host,
// per spec.md §4.3.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reasv/panoptikon-go/config"
	"github.com/reasv/panoptikon-go/internal/inferio/host"
	"github.com/reasv/panoptikon-go/log"
	"github.com/reasv/panoptikon-go/schema"
)

var logger = log.Default().With("inferio.manager")

// Clock is injected so TTL behavior is deterministic in tests, mirroring
// the teacher's pluggable-clock pattern referenced in SPEC_FULL.md §4.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager is the Model Manager. All mutations occur under a single mutex,
// per spec.md §4.3: "All mutations occur under a single async mutex."
type Manager struct {
	cfg   *config.Registry
	clock Clock

	mu      sync.Mutex
	handles map[schema.InferenceId]*host.Host
	lrus    map[string]*orderedLRU
	refs    map[schema.InferenceId]map[string]struct{}

	tickerStop chan struct{}
	tickerDone chan struct{}
}

// New constructs a Manager backed by cfg. Call StartTTLTicker to run the
// periodic check_ttl_expired sweep (spec.md §4.3: "scheduled every ≥10s").
func New(cfg *config.Registry) *Manager {
	return &Manager{
		cfg:     cfg,
		clock:   realClock{},
		handles: map[schema.InferenceId]*host.Host{},
		lrus:    map[string]*orderedLRU{},
		refs:    map[schema.InferenceId]map[string]struct{}{},
	}
}

// WithClock overrides the clock, for deterministic TTL tests.
func (m *Manager) WithClock(c Clock) *Manager {
	m.clock = c
	return m
}

// LoadModel is spec.md §4.3's load_model: ensures config freshness, builds
// (or reuses) the IH for inferenceID, registers cacheKey's reference and
// TTL, resizes cacheKey's LRU down to lruSize (tearing down anything that
// falls out with no remaining references), and Load()s a brand new host
// before returning it.
func (m *Manager) LoadModel(ctx context.Context, inferenceID schema.InferenceId, cacheKey string, lruSize int, ttlSeconds int) (*host.Host, error) {
	if err := m.cfg.Reload(); err != nil {
		return nil, fmt.Errorf("manager: config reload: %w", err)
	}

	m.mu.Lock()

	h, isNew, err := m.ensureHandleLocked(inferenceID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	if m.refs[inferenceID] == nil {
		m.refs[inferenceID] = map[string]struct{}{}
	}
	m.refs[inferenceID][cacheKey] = struct{}{}

	lru := m.lrus[cacheKey]
	if lru == nil {
		lru = newOrderedLRU()
		m.lrus[cacheKey] = lru
	}

	expiresAt := schema.Never()
	if ttlSeconds >= 0 {
		expiresAt = m.clock.Now().Add(time.Duration(ttlSeconds) * time.Second)
	}
	lru.touch(inferenceID, expiresAt)

	evicted := m.resizeLocked(cacheKey, lruSize)

	m.mu.Unlock()

	m.teardownAll(ctx, evicted)

	if isNew {
		if err := h.Load(ctx); err != nil {
			m.rollbackFailedLoad(inferenceID, cacheKey)
			h.Close()
			return nil, fmt.Errorf("manager: load %s: %w", inferenceID, err)
		}
	}
	return h, nil
}

// rollbackFailedLoad undoes the bookkeeping ensureHandleLocked/refs/touch
// installed for a freshly-created handle whose Load() then failed, per
// spec.md §7: "MM removes the freshly-created handle and the cache entry
// if load failed before any successful use." Without this, a later
// LoadModel call for the same id sees ensureHandleLocked return isNew=false
// and never retries Load().
func (m *Manager) rollbackFailedLoad(inferenceID schema.InferenceId, cacheKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lru := m.lrus[cacheKey]; lru != nil {
		lru.remove(inferenceID)
	}
	if set := m.refs[inferenceID]; set != nil {
		delete(set, cacheKey)
		if len(set) == 0 {
			delete(m.refs, inferenceID)
		}
	}
	delete(m.handles, inferenceID)
}

// ensureHandleLocked returns the existing host for inferenceID, or builds
// and registers a new one. Must be called with m.mu held.
func (m *Manager) ensureHandleLocked(inferenceID schema.InferenceId) (*host.Host, bool, error) {
	if h, ok := m.handles[inferenceID]; ok {
		return h, false, nil
	}
	modelCfg, ok := m.cfg.Get(inferenceID)
	if !ok {
		return nil, false, fmt.Errorf("manager: no config for inference id %s", inferenceID)
	}
	h, err := host.New(inferenceID, modelCfg)
	if err != nil {
		return nil, false, err
	}
	m.handles[inferenceID] = h
	return h, true, nil
}

// evictedHandle pairs an inference id with the *host.Host captured at the
// moment its RefSet emptied out, so teardown can happen outside m.mu
// without a second, potentially-stale lookup into m.handles.
type evictedHandle struct {
	id schema.InferenceId
	h  *host.Host
}

// resizeLocked shrinks cacheKey's LRU down to lruSize, popping LRU-end
// entries and removing cacheKey from each popped id's RefSet. It returns
// every (id, handle) whose RefSet became empty as a result, for teardown
// outside the lock. Must be called with m.mu held.
func (m *Manager) resizeLocked(cacheKey string, lruSize int) []evictedHandle {
	lru := m.lrus[cacheKey]
	if lru == nil {
		return nil
	}
	var evicted []evictedHandle
	for lru.len() > lruSize {
		id, ok := lru.popLRU()
		if !ok {
			break
		}
		if h := m.dropRefLocked(id, cacheKey); h != nil {
			evicted = append(evicted, evictedHandle{id: id, h: h})
		}
	}
	return evicted
}

// dropRefLocked removes cacheKey from id's RefSet. If the RefSet becomes
// empty, it also removes id's handle from m.handles and returns it (the
// caller is responsible for tearing it down outside the lock, since
// Host.Unload/Close may block on a slow plug-in). Returns nil if the
// RefSet is still non-empty or id has no handle.
func (m *Manager) dropRefLocked(id schema.InferenceId, cacheKey string) *host.Host {
	set := m.refs[id]
	if set == nil {
		return nil
	}
	delete(set, cacheKey)
	if len(set) > 0 {
		return nil
	}
	delete(m.refs, id)
	h := m.handles[id]
	delete(m.handles, id)
	return h
}

// teardownAll calls Unload then Close on every evicted host, outside m.mu
// (eviction must not hold the manager's mutex while talking to a
// potentially slow plug-in).
func (m *Manager) teardownAll(ctx context.Context, evicted []evictedHandle) {
	for _, e := range evicted {
		if e.h == nil {
			continue
		}
		if err := e.h.Unload(ctx); err != nil {
			logger.Warnf("unload %s: %v", e.id, err)
		}
		e.h.Close()
	}
}

// UnloadModel is spec.md §4.3's unload_model: drop inferenceID from
// cacheKey's LRU; if its RefSet becomes empty, tear it down.
func (m *Manager) UnloadModel(ctx context.Context, cacheKey string, inferenceID schema.InferenceId) error {
	m.mu.Lock()
	var evicted []evictedHandle
	if lru := m.lrus[cacheKey]; lru != nil && lru.remove(inferenceID) {
		if h := m.dropRefLocked(inferenceID, cacheKey); h != nil {
			evicted = append(evicted, evictedHandle{id: inferenceID, h: h})
		}
	}
	m.mu.Unlock()

	m.teardownAll(ctx, evicted)
	return nil
}

// ClearCache is spec.md §4.3's clear_cache: pops the entire LRU for
// cacheKey, tearing down any model whose RefSet becomes empty as a result.
func (m *Manager) ClearCache(ctx context.Context, cacheKey string) error {
	m.mu.Lock()
	lru := m.lrus[cacheKey]
	delete(m.lrus, cacheKey)
	var evicted []evictedHandle
	if lru != nil {
		for _, e := range lru.entries() {
			if h := m.dropRefLocked(e.id, cacheKey); h != nil {
				evicted = append(evicted, evictedHandle{id: e.id, h: h})
			}
		}
	}
	m.mu.Unlock()

	m.teardownAll(ctx, evicted)
	return nil
}

// CheckTTLExpired is spec.md §4.3's check_ttl_expired: for every
// (cache_key, inference_id) pair whose expiry has passed, remove it as
// UnloadModel would. Idempotent; safe to call repeatedly or from a ticker.
func (m *Manager) CheckTTLExpired(ctx context.Context) error {
	now := m.clock.Now()

	type due struct {
		cacheKey string
		id       schema.InferenceId
	}
	var expired []due

	m.mu.Lock()
	for cacheKey, lru := range m.lrus {
		for _, e := range lru.entries() {
			if schema.IsNever(e.expiresAt) {
				continue
			}
			if now.After(e.expiresAt) {
				expired = append(expired, due{cacheKey: cacheKey, id: e.id})
			}
		}
	}
	m.mu.Unlock()

	for _, d := range expired {
		if err := m.UnloadModel(ctx, d.cacheKey, d.id); err != nil {
			logger.Warnf("ttl teardown %s/%s: %v", d.cacheKey, d.id, err)
		}
	}
	return nil
}

// ListLoadedModels is a read-only snapshot of every currently-loaded
// inference id.
func (m *Manager) ListLoadedModels() []schema.InferenceId {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.InferenceId, 0, len(m.handles))
	for id := range m.handles {
		out = append(out, id)
	}
	return out
}

// CacheKeysFor is a read-only snapshot of every cache_key currently
// referencing inferenceID, for the `GET /cache` listing (§6.1).
func (m *Manager) CacheKeysFor(inferenceID schema.InferenceId) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.refs[inferenceID]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// GetTTLExpiration is a read-only snapshot of one cache_key's LRU contents.
func (m *Manager) GetTTLExpiration(cacheKey string) map[schema.InferenceId]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[schema.InferenceId]time.Time{}
	if lru := m.lrus[cacheKey]; lru != nil {
		for _, e := range lru.entries() {
			out[e.id] = e.expiresAt
		}
	}
	return out
}

// StartTTLTicker runs CheckTTLExpired on interval (must be >=10s per
// spec.md §4.3) until StopTTLTicker is called.
func (m *Manager) StartTTLTicker(ctx context.Context, interval time.Duration) {
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	m.tickerStop = make(chan struct{})
	m.tickerDone = make(chan struct{})
	go func() {
		defer close(m.tickerDone)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := m.CheckTTLExpired(ctx); err != nil {
					logger.Errorf("ttl sweep: %v", err)
				}
			case <-m.tickerStop:
				return
			}
		}
	}()
}

func (m *Manager) StopTTLTicker() {
	if m.tickerStop != nil {
		close(m.tickerStop)
		<-m.tickerDone
	}
}
