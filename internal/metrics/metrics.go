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

// Package metrics exposes the runtime's Prometheus surface: request/token
// throughput counters, cache hit/miss counters, queue-depth and
// active-model gauges, and search/generation latency histograms, registered once against a private registry (not the
// global default one, so multiple Controllers can coexist in one process,
// e.g. under test). Metric naming and the counter/gauge/histogram split
// follow the teacher's telemetry/churn/prom_counters.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every gauge/counter/histogram the runtime updates plus
// the registry they're attached to.
type Collector struct {
	reg *prometheus.Registry

	RequestsTotal      prometheus.Counter
	RequestErrorsTotal *prometheus.CounterVec
	TokensTotal        prometheus.Counter
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	QueueDepth          prometheus.Gauge
	ActiveModels        prometheus.Gauge
	SearchLatencyMS     prometheus.Histogram
	GenerationLatencyMS prometheus.Histogram
}

// New constructs a Collector registered against a fresh, private registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		reg: reg,
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ulir_requests_total",
			Help: "Total requests admitted by the scheduler.",
		}),
		RequestErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ulir_request_errors_total",
			Help: "Total requests that terminated in an error, labeled by taxonomy kind.",
		}, []string{"kind"}),
		TokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ulir_tokens_total",
			Help: "Total tokens emitted across all completed generations.",
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ulir_cache_hits_total",
			Help: "Total fingerprint cache hits.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ulir_cache_misses_total",
			Help: "Total fingerprint cache misses.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ulir_queue_depth",
			Help: "Current scheduler queue depth.",
		}),
		ActiveModels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ulir_active_models",
			Help: "Number of model descriptors currently Loading or Loaded.",
		}),
		SearchLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ulir_vector_search_latency_ms",
			Help:    "Vector index search latency in milliseconds.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		GenerationLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ulir_generation_latency_ms",
			Help:    "End-to-end generation processing latency in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
	}
	reg.MustRegister(
		c.RequestsTotal, c.RequestErrorsTotal, c.TokensTotal,
		c.CacheHitsTotal, c.CacheMissesTotal, c.QueueDepth, c.ActiveModels,
		c.SearchLatencyMS, c.GenerationLatencyMS,
	)
	return c
}

// Handler returns the http.Handler serving this Collector's /metrics page.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
