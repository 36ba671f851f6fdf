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

// Package kvplanner estimates KV-cache memory and selects a compression
// mode per spec §4.6. Results are memoized by (model, sequence length,
// batch size), the same "small bounded cache keyed by a request shape"
// idea the teacher uses for per-config performance history in the batch
// planner's sibling component.
package kvplanner

import (
	"fmt"
	"sync"
)

// ModelShape carries the dimensions used to estimate KV-cache bytes. Per
// spec §9's open question, the estimate may use a fixed assumed shape even
// when the real model differs; callers with real model metadata should
// populate this from the registry descriptor instead.
type ModelShape struct {
	HiddenSize  int
	Layers      int
	Heads       int
	BytesPerVal int // precision, e.g. 2 for fp16, 4 for fp32
}

// DefaultShape is the fixed assumption the original source uses
// (hidden=4096, layers=32, heads=32, fp16) when no real model metadata is
// available.
var DefaultShape = ModelShape{HiddenSize: 4096, Layers: 32, Heads: 32, BytesPerVal: 2}

// Plan is the KV-cache decision for one (model, L, B) shape.
type Plan struct {
	Compression      bool
	CacheSizeBytes   int64
	Ratio            float64
	ChunkedAttention bool
	ChunkSize        int
}

// Planner memoizes plans by (model, L, B).
type Planner struct {
	mu        sync.Mutex
	cache     map[key]Plan
	ceilingB  int64
	shapeFor  func(model string) ModelShape
}

type key struct {
	model string
	l, b  int
}

// New creates a planner with a KV-cache byte ceiling. shapeFor resolves a
// model id to its dimensions; pass nil to always use DefaultShape.
func New(ceilingBytes int64, shapeFor func(model string) ModelShape) *Planner {
	return &Planner{
		cache:    make(map[key]Plan),
		ceilingB: ceilingBytes,
		shapeFor: shapeFor,
	}
}

// estimateBytes computes raw KV-cache bytes for sequence length L and batch
// size B: 2 (K and V) * layers * L * B * hiddenSize * bytesPerVal.
func estimateBytes(shape ModelShape, l, b int) int64 {
	return int64(2) * int64(shape.Layers) * int64(l) * int64(b) *
		int64(shape.HiddenSize) * int64(shape.BytesPerVal)
}

// Plan returns the memoized (or freshly computed) plan for modelID at
// sequence length l and batch size b.
func (p *Planner) Plan(modelID string, l, b int) Plan {
	k := key{modelID, l, b}

	p.mu.Lock()
	if plan, ok := p.cache[k]; ok {
		p.mu.Unlock()
		return plan
	}
	p.mu.Unlock()

	shape := DefaultShape
	if p.shapeFor != nil {
		shape = p.shapeFor(modelID)
	}
	estimate := estimateBytes(shape, l, b)

	var plan Plan
	if p.ceilingB <= 0 || estimate <= p.ceilingB {
		plan = Plan{Compression: false, CacheSizeBytes: estimate}
	} else {
		chunk := l / 4
		if chunk > 512 {
			chunk = 512
		}
		if chunk < 1 {
			chunk = 1
		}
		plan = Plan{
			Compression:      true,
			CacheSizeBytes:   p.ceilingB,
			Ratio:            float64(p.ceilingB) / float64(estimate),
			ChunkedAttention: true,
			ChunkSize:        chunk,
		}
	}

	p.mu.Lock()
	p.cache[k] = plan
	p.mu.Unlock()
	return plan
}

func (p Plan) String() string {
	if !p.Compression {
		return fmt.Sprintf("kv(no-compression, size=%d)", p.CacheSizeBytes)
	}
	return fmt.Sprintf("kv(compression, ratio=%.3f, chunk=%d)", p.Ratio, p.ChunkSize)
}
