// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry tracks model descriptors through the residency state
// machine (spec §3, §4.8): Unloaded/Loading/Loaded/Unloading/Error, with a
// background FIFO load queue. The descriptor map is a plain map guarded by
// the Registry's own sync.RWMutex field, the same lazy-allocate-on-miss shape the
// teacher's core.Store uses for managedVSA.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"ulir/internal/model"
	"ulir/internal/ulerr"
)

// Loader performs the actual (heavy, blocking) work of bringing a model
// into memory and releasing it. Supplied by the caller; the registry only
// owns the state machine around it.
type Loader interface {
	Load(alias, path string, config map[string]string) (footprintBytes int64, err error)
	Unload(alias string) error
}

// Descriptor is the registry's view of one registered model.
type Descriptor struct {
	Alias         string
	Path          string
	Config        map[string]string
	State         model.ResidencyState
	FootprintByte int64
	LastUsed      time.Time
	LoadDurationMS int64
	genStats      *emaStats
	inUse         int32
}

// emaStats tracks an exponentially-weighted moving average of generation
// time, a supplemented feature (spec §9) absent from the base spec but
// present in original_source/'s model manager.
type emaStats struct {
	mu    sync.Mutex
	avgMS float64
	alpha float64
	n     int64
}

func newEMAStats(alpha float64) *emaStats {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &emaStats{alpha: alpha}
}

func (e *emaStats) Observe(ms float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.n == 0 {
		e.avgMS = ms
	} else {
		e.avgMS = e.alpha*ms + (1-e.alpha)*e.avgMS
	}
	e.n++
}

func (e *emaStats) Average() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.avgMS
}

type managedDescriptor struct {
	mu  sync.Mutex
	d   Descriptor
}

// Registry owns the full set of model descriptors and enforces the
// Unloaded/Loading/Loaded/Unloading/Error state machine. M_max occupancy
// is enforced by the caller (the scheduler, per spec §4.9) — the registry
// exposes occupancy counts and an LRU-eviction candidate so the scheduler
// can make that call.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*managedDescriptor
	loader  Loader

	loadQueue   chan string
	queueSeen   sync.Map // alias -> struct{}, dedup while queued
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// New constructs a registry backed by loader, with a background FIFO load
// queue of the given capacity.
func New(loader Loader, queueCapacity int) *Registry {
	if queueCapacity <= 0 {
		queueCapacity = 64
	}
	r := &Registry{
		entries:   make(map[string]*managedDescriptor),
		loader:    loader,
		loadQueue: make(chan string, queueCapacity),
		stopCh:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loadWorker()
	return r
}

func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Register creates an Unloaded descriptor for alias if path exists;
// existPath is injected so the registry doesn't reach into os directly —
// callers pass a real os.Stat-backed check in production and a stub in
// tests.
func (r *Registry) Register(alias, path string, config map[string]string, existPath func(string) bool) error {
	if existPath != nil && !existPath(path) {
		return ulerr.New(ulerr.KindInvalidArgument, "model path does not exist: %s", path)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[alias]; exists {
		return ulerr.New(ulerr.KindInvalidArgument, "alias already registered: %s", alias)
	}
	r.entries[alias] = &managedDescriptor{d: Descriptor{
		Alias:    alias,
		Path:     path,
		Config:   config,
		State:    model.Unloaded,
		genStats: newEMAStats(0.2),
	}}
	return nil
}

func (r *Registry) get(alias string) (*managedDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.entries[alias]
	return md, ok
}

// Get returns a snapshot of the descriptor for alias.
func (r *Registry) Get(alias string) (Descriptor, bool) {
	md, ok := r.get(alias)
	if !ok {
		return Descriptor{}, false
	}
	md.mu.Lock()
	defer md.mu.Unlock()
	return md.d, true
}

// Load transitions Unloaded->Loading synchronously, then performs the
// actual load. On success Loading->Loaded; on failure Loading->Error.
func (r *Registry) Load(alias string) error {
	md, ok := r.get(alias)
	if !ok {
		return ulerr.New(ulerr.KindNotFound, "unknown model alias: %s", alias)
	}

	md.mu.Lock()
	switch md.d.State {
	case model.Loaded:
		md.mu.Unlock()
		return nil
	case model.Loading:
		md.mu.Unlock()
		return r.awaitLoaded(alias)
	case model.Unloaded, model.Error:
		md.d.State = model.Loading
	default:
		md.mu.Unlock()
		return ulerr.New(ulerr.KindInvalidArgument, "cannot load model in state %s", md.d.State)
	}
	path, cfg := md.d.Path, md.d.Config
	md.mu.Unlock()

	start := time.Now()
	footprint, err := r.loader.Load(alias, path, cfg)
	elapsedMS := time.Since(start).Milliseconds()

	md.mu.Lock()
	defer md.mu.Unlock()
	if err != nil {
		md.d.State = model.Error
		return ulerr.Wrap(ulerr.KindModelNotReady, err, "load model %s", alias)
	}
	md.d.State = model.Loaded
	md.d.FootprintByte = footprint
	md.d.LoadDurationMS = elapsedMS
	md.d.LastUsed = time.Now()
	return nil
}

func (r *Registry) awaitLoaded(alias string) error {
	for {
		d, ok := r.Get(alias)
		if !ok {
			return ulerr.New(ulerr.KindNotFound, "unknown model alias: %s", alias)
		}
		switch d.State {
		case model.Loaded:
			return nil
		case model.Error:
			return ulerr.New(ulerr.KindModelNotReady, "model %s failed to load", alias)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Unload transitions Loaded->Unloading->Unloaded, releasing the loader's
// resources. Allowed from Error as a recovery path.
func (r *Registry) Unload(alias string) error {
	md, ok := r.get(alias)
	if !ok {
		return ulerr.New(ulerr.KindNotFound, "unknown model alias: %s", alias)
	}
	md.mu.Lock()
	if md.d.State != model.Loaded && md.d.State != model.Error {
		state := md.d.State
		md.mu.Unlock()
		if state == model.Unloaded {
			return nil
		}
		return ulerr.New(ulerr.KindInvalidArgument, "cannot unload model in state %s", state)
	}
	md.d.State = model.Unloading
	md.mu.Unlock()

	err := r.loader.Unload(alias)

	md.mu.Lock()
	defer md.mu.Unlock()
	md.d.State = model.Unloaded
	md.d.FootprintByte = 0
	return err
}

// Touch updates last-used on a Loaded descriptor; a no-op otherwise.
func (r *Registry) Touch(alias string) {
	md, ok := r.get(alias)
	if !ok {
		return
	}
	md.mu.Lock()
	defer md.mu.Unlock()
	if md.d.State == model.Loaded {
		md.d.LastUsed = time.Now()
	}
}

// MarkInUse adds delta to a model's count of active generations; a model
// with a non-zero count is not chosen for eviction (the Scheduler
// increments/decrements this around dispatch).
func (r *Registry) MarkInUse(alias string, delta int32) {
	md, ok := r.get(alias)
	if !ok {
		return
	}
	atomic.AddInt32(&md.d.inUse, delta)
}

func (r *Registry) InUseCount(alias string) int32 {
	md, ok := r.get(alias)
	if !ok {
		return 0
	}
	return atomic.LoadInt32(&md.d.inUse)
}

// ObserveGenerationTime records a completed generation's wall time against
// alias's rolling EWMA.
func (r *Registry) ObserveGenerationTime(alias string, ms float64) {
	md, ok := r.get(alias)
	if !ok {
		return
	}
	md.mu.Lock()
	stats := md.d.genStats
	md.mu.Unlock()
	if stats != nil {
		stats.Observe(ms)
	}
}

func (r *Registry) AverageGenerationTime(alias string) float64 {
	md, ok := r.get(alias)
	if !ok {
		return 0
	}
	md.mu.Lock()
	stats := md.d.genStats
	md.mu.Unlock()
	if stats == nil {
		return 0
	}
	return stats.Average()
}

// OccupancyCount returns the number of descriptors currently in
// Loading or Loaded state, the quantity M_max bounds.
func (r *Registry) OccupancyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, md := range r.entries {
		md.mu.Lock()
		if md.d.State == model.Loading || md.d.State == model.Loaded {
			n++
		}
		md.mu.Unlock()
	}
	return n
}

// LRUCandidate returns the alias of the least-recently-used Loaded
// descriptor not currently in use and not equal to excludeAlias, for the
// scheduler to evict before loading a new model under M_max pressure.
func (r *Registry) LRUCandidate(excludeAlias string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best string
	var bestTime time.Time
	found := false
	for alias, md := range r.entries {
		md.mu.Lock()
		isLoaded := md.d.State == model.Loaded
		inUse := atomic.LoadInt32(&md.d.inUse) > 0
		lastUsed := md.d.LastUsed
		md.mu.Unlock()
		if !isLoaded || inUse || alias == excludeAlias {
			continue
		}
		if !found || lastUsed.Before(bestTime) {
			best, bestTime, found = alias, lastUsed, true
		}
	}
	return best, found
}

// EvictIfAtCapacity evicts the least-recently-used Loaded descriptor
// (never excludeAlias, never one currently in use) when the registry is
// already at or above mMax occupancy and excludeAlias itself is not
// already Loading/Loaded. Every path that is about to bring a new model
// into residency — the Scheduler's dispatch loop and the Controller's
// direct LoadModel calls alike — must call this first so the M_max bound
// (spec §4.8, §8 property 3) holds regardless of entry point.
func (r *Registry) EvictIfAtCapacity(excludeAlias string, mMax int) {
	if mMax <= 0 {
		return
	}
	d, ok := r.Get(excludeAlias)
	if !ok || d.State == model.Loaded || d.State == model.Loading {
		return
	}
	if r.OccupancyCount() >= mMax {
		if victim, found := r.LRUCandidate(excludeAlias); found {
			_ = r.Unload(victim)
		}
	}
}

// RequestLoad enqueues alias on the background load queue; duplicate
// requests for an alias already queued, Loading, or Loaded are skipped.
func (r *Registry) RequestLoad(alias string) {
	if d, ok := r.Get(alias); ok && (d.State == model.Loaded || d.State == model.Loading) {
		return
	}
	if _, loaded := r.queueSeen.LoadOrStore(alias, struct{}{}); loaded {
		return
	}
	select {
	case r.loadQueue <- alias:
	default:
		r.queueSeen.Delete(alias)
	}
}

func (r *Registry) loadWorker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case alias := <-r.loadQueue:
			r.queueSeen.Delete(alias)
			_ = r.Load(alias)
		}
	}
}
