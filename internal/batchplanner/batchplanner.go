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

// Package batchplanner selects a batch size given model, sequence length
// and available memory (spec §4.7), and keeps a bounded per-config
// performance history for future policy refinement — the same
// keep-last-N-then-truncate shape the teacher's core.Worker uses for
// commit batches, applied here to a ring of (throughput, latency,
// efficiency) samples instead of persistence commits.
package batchplanner

import "sync"

// perSamplePerToken is the fallback heuristic (bytes per sample per
// sequence token) used when a model isn't in the size-class lookup table.
const perSamplePerToken = 2 * 4096 * 2 // 2 (K+V) * hidden * bytes-per-val, matches kvplanner.DefaultShape

// sizeClassTable is a lookup of per-sample memory (bytes, independent of L)
// for named model-size classes; callers resolve a model to a class.
var sizeClassTable = map[string]int64{
	"small":  256 << 20,
	"medium": 1 << 30,
	"large":  4 << 30,
}

// Sample is one recorded performance observation for a given config.
type Sample struct {
	Throughput float64 // tokens/sec
	LatencyMS  float64
	Efficiency float64 // throughput / batch
}

const maxHistory = 100
const truncateTo = 50

// Planner selects batch sizes and records performance history per config.
type Planner struct {
	mu        sync.Mutex
	history   map[string][]Sample
	classOf   func(model string) string // resolves model id to a size class; nil uses fallback
}

func New(classOf func(model string) string) *Planner {
	return &Planner{history: make(map[string][]Sample), classOf: classOf}
}

func perSampleBytes(class string, seqLen int) int64 {
	if b, ok := sizeClassTable[class]; ok {
		return b
	}
	return int64(perSamplePerToken) * int64(seqLen)
}

// snapPow2OrMult8 snaps down to the largest value that is either a power of
// two or a multiple of 8, not exceeding max, with a floor of 1.
func snapPow2OrMult8(max int) int {
	if max < 1 {
		return 1
	}
	best := 1
	for p := 1; p <= max; p *= 2 {
		best = p
	}
	if m := (max / 8) * 8; m > best {
		best = m
	}
	return best
}

// Plan computes the batch size for modelID at sequence length l given
// availableBytes of memory.
func (p *Planner) Plan(modelID string, l int, availableBytes int64) int {
	class := "medium"
	if p.classOf != nil {
		if c := p.classOf(modelID); c != "" {
			class = c
		}
	}
	perSample := perSampleBytes(class, l)
	if perSample <= 0 {
		return 1
	}
	maxBatch := int(availableBytes / perSample)
	return snapPow2OrMult8(maxBatch)
}

// RecordSample appends a performance sample for configKey (e.g.
// "model:seqlen:batch"), truncating to the last truncateTo entries once
// maxHistory is exceeded.
func (p *Planner) RecordSample(configKey string, s Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := append(p.history[configKey], s)
	if len(h) > maxHistory {
		h = h[len(h)-truncateTo:]
	}
	p.history[configKey] = h
}

// History returns a copy of the recorded samples for configKey.
func (p *Planner) History(configKey string) []Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.history[configKey]
	out := make([]Sample, len(h))
	copy(out, h)
	return out
}
