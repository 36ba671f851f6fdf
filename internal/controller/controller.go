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

// Package controller implements the Unified Controller (spec §4.12): it
// owns the lifecycle of every other component, wires the Fingerprint
// Cache's short-circuit path in front of the Scheduler, and exposes the
// non-blocking register_model/load_model/generate/status/cancel surface.
// Initialization order (probe -> cache -> registry -> scheduler ->
// streaming -> background workers) and the reversed shutdown/drain
// sequence follow spec §4.12 exactly; the "construct in order, start
// workers, block on signal, drain in reverse" shape is the same one the
// teacher's cmd/ratelimiter-api/main.go uses for store/worker/api-server.
package controller

import (
	"context"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"ulir/internal/batchplanner"
	"ulir/internal/cache"
	"ulir/internal/config"
	"ulir/internal/kvplanner"
	"ulir/internal/metrics"
	"ulir/internal/model"
	"ulir/internal/modelhandle"
	"ulir/internal/optimizer"
	"ulir/internal/probe"
	"ulir/internal/registry"
	"ulir/internal/resultlog"
	"ulir/internal/scheduler"
	"ulir/internal/streaming"
	"ulir/internal/ulerr"
)

const defaultCacheTTL = 3600 * time.Second

// Response is what Generate hands back: Result is always populated for
// non-streaming requests (and for cache hits); Stream and Outcome are
// populated instead for streaming requests, whose Result stays zero: the
// final GenerationResult arrives on Outcome.
type Response struct {
	Result  model.GenerationResult
	Stream  *streaming.Connection
	Outcome <-chan scheduler.Outcome
}

// SystemStatus is the nested status payload from spec §6.
type SystemStatus struct {
	Status        string
	UptimeSeconds float64
	Config        config.Config
	Metrics       StatusMetrics
	Resources     StatusResources
}

type StatusMetrics struct {
	RequestsPerSecond float64
	TokensPerSecond   float64
	AverageLatencyMS  float64
	QueueDepth        int
	CacheHitRate      float64
	ErrorRate         float64
}

type StatusResources struct {
	MemoryUsageMB uint64
	ActiveModels  int
	LoadedModels  []string
}

// Controller wires C1/C3/C8/C9/C10/C11 together.
type Controller struct {
	cfg config.Config

	probe     *probe.Probe
	cache     *cache.Cache
	registry  *registry.Registry
	handles   *modelhandle.Factory
	optimizer *optimizer.Optimizer
	scheduler *scheduler.Scheduler
	streams   *streaming.Manager
	metrics   *metrics.Collector
	sink      resultlog.Sink

	defaultModel string
	startedAt    time.Time

	cacheDegraded atomic.Bool

	totalRequests     int64
	totalErrors       int64
	totalCacheHits    int64
	totalCacheMisses  int64
	totalTokens       int64
	totalCompleted    int64
	totalProcessingMS int64
}

// Options bundles the few construction knobs that don't live in
// config.Config: how models are actually executed, and where completed
// results are logged.
type Options struct {
	DefaultModel string
	NewHandle    modelhandle.NewHandleFunc // nil uses modelhandle.NewEchoFactory
	SinkAdapter  string                    // "", "mock", "kafka", "postgres"
	SinkOptions  resultlog.Options
	CacheMirror  cache.Mirror // optional Redis write-through
}

// New constructs every component in spec §4.12's initialization order but
// does not start background workers yet; call Start for that.
func New(cfg config.Config, opts Options) (*Controller, error) {
	p := probe.New()

	c := cache.New(int64(cfg.CacheSizeMB)<<20, opts.CacheMirror)

	var handleFactory *modelhandle.Factory
	if opts.NewHandle != nil {
		handleFactory = modelhandle.NewFactory(opts.NewHandle)
	} else {
		handleFactory = modelhandle.NewEchoFactory(0)
	}
	reg := registry.New(handleFactory, 64)

	kv := kvplanner.New(int64(cfg.KVCacheMB)<<20, func(string) kvplanner.ModelShape { return kvplanner.DefaultShape })
	batch := batchplanner.New(func(string) string { return "medium" })
	opt := optimizer.New(p, kv, batch, probe.WorkloadInference)

	sink, err := resultlog.BuildSink(opts.SinkAdapter, opts.SinkOptions)
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	ctl := &Controller{
		cfg:          cfg,
		probe:        p,
		cache:        c,
		registry:     reg,
		handles:      handleFactory,
		optimizer:    opt,
		metrics:      m,
		sink:         sink,
		defaultModel: opts.DefaultModel,
	}

	ctl.scheduler = scheduler.New(reg, handleFactory, scheduler.Config{
		Capacity:      cfg.MaxQueueSize,
		DefaultModel:  opts.DefaultModel,
		MaxConcurrent: cfg.MaxConcurrentModels,
	}, ctl.onComplete)

	ctl.streams = streaming.NewManager(cfg.MaxConnections, cfg.CleanupInterval(), cfg.StreamTimeout())

	return ctl, nil
}

// Start launches background workers: cache sweep, connection cleanup
// sweep, and the scheduler's dispatch loop.
func (c *Controller) Start() {
	c.startedAt = time.Now()
	c.cache.StartSweep(c.cfg.CleanupInterval())
	c.streams.StartSweep()
	threading := c.probe.Threading(probe.WorkloadInference)
	c.scheduler.Start(threading.InferenceThreads)
}

// Shutdown reverses the initialization order: stop accepting new submits,
// cancel queued requests with Shutdown, allow in-flight work up to grace,
// then force-close remaining connections and stop background workers.
func (c *Controller) Shutdown(grace time.Duration) {
	c.scheduler.CancelAllQueued(ulerr.New(ulerr.KindInternal, "controller shutting down"))

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) && c.scheduler.InFlightCount() > 0 {
		time.Sleep(10 * time.Millisecond)
	}

	c.scheduler.Stop()
	c.streams.Stop()
	c.registry.Stop()
	c.cache.Stop()
}

// RegisterModel registers a model descriptor, checking that path exists
// with os.Stat.
func (c *Controller) RegisterModel(alias, path string, cfg map[string]string) error {
	return c.registry.Register(alias, path, cfg, pathExists)
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// LoadModel loads alias, synchronously or via the registry's background
// FIFO queue. Both paths evict the LRU Loaded descriptor first when the
// registry is already at M_max, the same residency bound the Scheduler's
// own dispatch path (ensureResident) enforces — this is a direct call into
// Load, not routed through the Scheduler, so it must enforce the bound
// itself (spec §4.8, §8 property 3).
func (c *Controller) LoadModel(alias string, background bool) error {
	c.registry.EvictIfAtCapacity(alias, c.cfg.MaxConcurrentModels)
	if background {
		c.registry.RequestLoad(alias)
		return nil
	}
	return c.registry.Load(alias)
}

// Cancel cancels a request (spec §4.9 cancellation semantics).
func (c *Controller) Cancel(requestID string) bool {
	return c.scheduler.Cancel(requestID)
}

// Generate is the Controller's central entry point: it consults the
// Fingerprint Cache first, short-circuiting straight to the caller on a
// hit without touching the Scheduler at all, then falls through to
// admission. transport is consulted only when req.Stream is true: a nil
// transport opens an Internal connection the caller drains with
// Connection.Recv; a non-nil one (e.g. an SSE or WebSocketLike adapter)
// is driven automatically by the Streaming Core.
func (c *Controller) Generate(req *model.Request, transport streaming.Transport) (Response, error) {
	if err := validateRequest(req); err != nil {
		return Response{}, err
	}

	modelAlias := req.Model
	if modelAlias == "" {
		modelAlias = c.defaultModel
	}

	fp := cache.Fingerprint(req, modelAlias)
	if payload, ok := c.safeCacheGet(fp); ok {
		atomic.AddInt64(&c.totalCacheHits, 1)
		c.metrics.CacheHitsTotal.Inc()
		return Response{Result: model.GenerationResult{
			RequestID: req.ID,
			ModelID:   modelAlias,
			Text:      string(payload),
			CacheHit:  true,
			Terminal:  model.ReasonStop,
		}}, nil
	}
	atomic.AddInt64(&c.totalCacheMisses, 1)
	c.metrics.CacheMissesTotal.Inc()

	var conn *streaming.Connection
	if req.Stream {
		kind := model.ConnInternal
		if transport != nil {
			kind = model.ConnServerSentEventsLike
		}
		var err error
		conn, err = c.streams.Open(kind, transport, c.cfg.ConnectionQueueCapacity)
		if err != nil {
			return Response{}, err
		}
	}

	outcome, err := c.scheduler.Submit(req, conn)
	if err != nil {
		atomic.AddInt64(&c.totalErrors, 1)
		c.metrics.RequestErrorsTotal.WithLabelValues(ulerr.KindOf(err).String()).Inc()
		return Response{}, err
	}
	atomic.AddInt64(&c.totalRequests, 1)
	c.metrics.RequestsTotal.Inc()

	if req.Stream {
		return Response{Stream: conn, Outcome: outcome}, nil
	}

	o := <-outcome
	if o.Err != nil {
		return Response{}, o.Err
	}
	return Response{Result: o.Result}, nil
}

// safeCacheGet degrades to a bypass (miss) if the cache subsystem has been
// marked degraded, per spec §7's failure model.
func (c *Controller) safeCacheGet(key string) ([]byte, bool) {
	if c.cacheDegraded.Load() {
		return nil, false
	}
	return c.cache.Get(key)
}

// onComplete is the Scheduler's CompletionHook: it inserts successful
// results into the cache, commits to the result log, records metrics, and
// feeds the optimizer's batch-planner history.
func (c *Controller) onComplete(req *model.Request, result model.GenerationResult, err error) {
	if err == nil {
		modelAlias := result.ModelID
		fp := cache.Fingerprint(req, modelAlias)
		tags := []string{modelAlias}
		if insertErr := c.cache.Insert(fp, []byte(result.Text), defaultCacheTTL, tags); insertErr != nil {
			c.cacheDegraded.Store(true)
		}
		atomic.AddInt64(&c.totalTokens, int64(result.TokenCount))
		atomic.AddInt64(&c.totalCompleted, 1)
		atomic.AddInt64(&c.totalProcessingMS, result.ProcessingMS)
		c.metrics.TokensTotal.Add(float64(result.TokenCount))
		c.metrics.GenerationLatencyMS.Observe(float64(result.ProcessingMS))

		seqLen := len(req.Prompt) / 5 // rough word-token estimate for optimizer feedback
		throughput := 0.0
		if result.ProcessingMS > 0 {
			throughput = float64(result.TokenCount) / (float64(result.ProcessingMS) / 1000.0)
		}
		c.optimizer.RecordOutcome(modelAlias, seqLen, 1, throughput, float64(result.ProcessingMS))
	} else {
		atomic.AddInt64(&c.totalErrors, 1)
		c.metrics.RequestErrorsTotal.WithLabelValues(ulerr.KindOf(err).String()).Inc()
	}

	_ = c.sink.Commit(context.Background(), []resultlog.Entry{{
		RequestID:    req.ID,
		ModelID:      result.ModelID,
		TokenCount:   result.TokenCount,
		QueueWaitMS:  result.QueueWaitMS,
		ProcessingMS: result.ProcessingMS,
		Terminal:     result.Terminal,
		CacheHit:     result.CacheHit,
		CommittedAt:  time.Now(),
	}})
}

// Status reports the nested SystemStatus payload (spec §6).
func (c *Controller) Status() SystemStatus {
	uptime := time.Since(c.startedAt).Seconds()
	requests := atomic.LoadInt64(&c.totalRequests)
	errs := atomic.LoadInt64(&c.totalErrors)
	hits := atomic.LoadInt64(&c.totalCacheHits)
	misses := atomic.LoadInt64(&c.totalCacheMisses)
	tokens := atomic.LoadInt64(&c.totalTokens)
	completed := atomic.LoadInt64(&c.totalCompleted)
	processingMS := atomic.LoadInt64(&c.totalProcessingMS)

	var rps, tps, errRate, hitRate, avgLatencyMS float64
	if uptime > 0 {
		rps = float64(requests) / uptime
		tps = float64(tokens) / uptime
	}
	if requests > 0 {
		errRate = float64(errs) / float64(requests)
	}
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}
	if completed > 0 {
		avgLatencyMS = float64(processingMS) / float64(completed)
	}

	sample := c.probe.Current()
	status := "healthy"
	if c.cacheDegraded.Load() {
		status = "degraded"
	}

	return SystemStatus{
		Status:        status,
		UptimeSeconds: uptime,
		Config:        c.cfg,
		Metrics: StatusMetrics{
			RequestsPerSecond: rps,
			TokensPerSecond:   tps,
			AverageLatencyMS:  avgLatencyMS,
			QueueDepth:        c.scheduler.QueueDepth(),
			CacheHitRate:      hitRate,
			ErrorRate:         errRate,
		},
		Resources: StatusResources{
			MemoryUsageMB: sample.TotalRAM >> 20,
			ActiveModels:  c.registry.OccupancyCount(),
		},
	}
}

// MetricsHandler exposes the Prometheus /metrics surface.
func (c *Controller) MetricsHandler() http.Handler {
	return c.metrics.Handler()
}

func validateRequest(req *model.Request) error {
	if req == nil || req.ID == "" {
		return ulerr.New(ulerr.KindInvalidArgument, "request id is required")
	}
	if req.Params.MaxTokens < 1 {
		return ulerr.New(ulerr.KindInvalidArgument, "max_tokens must be >= 1")
	}
	if req.Params.Temperature < 0 || req.Params.Temperature > 2 {
		return ulerr.New(ulerr.KindInvalidArgument, "temperature must be in [0,2]")
	}
	if req.Params.TopP < 0 || req.Params.TopP > 1 {
		return ulerr.New(ulerr.KindInvalidArgument, "top_p must be in [0,1]")
	}
	if req.Params.TopK < 0 {
		return ulerr.New(ulerr.KindInvalidArgument, "top_k must be >= 0")
	}
	return nil
}
