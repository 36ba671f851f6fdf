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

// Package probe samples host hardware (RAM, logical cores, accelerator
// presence) once at construction and derives the allocation, threading and
// feature-flag hints the rest of the runtime consults. It is read-only after
// construction; call Refresh to re-sample.
package probe

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pbnjay/memory"
	"go.uber.org/automaxprocs/maxprocs"
)

// WorkloadClass parameterizes the threading plan.
type WorkloadClass int

const (
	WorkloadInference WorkloadClass = iota
	WorkloadBatch
	WorkloadMixed
)

// Tier is a coarse, display-only classification of the host (supplemented
// from the BEAR_AI original's hw.py tiering; it is never consulted as a
// control input — the fixed allocation fractions below are).
type Tier string

const (
	TierLow          Tier = "low"
	TierMid          Tier = "mid"
	TierHigh         Tier = "high"
	TierWorkstation  Tier = "workstation"
)

// AllocationPlan is the fixed-fraction memory split from spec §4.2.
type AllocationPlan struct {
	ModelCacheBytes     uint64
	InferenceCacheBytes uint64
	KVCacheBytes        uint64
	ReserveBytes        uint64
}

// ThreadingPlan is the suggested thread counts for a workload class.
type ThreadingPlan struct {
	InferenceThreads  int
	IOThreads         int
	BackgroundThreads int
}

// FeatureFlags are accelerator-specific fast-path toggles.
type FeatureFlags struct {
	HasAccelerator bool
	AcceleratorMem uint64
}

// Sample is an immutable snapshot of one probe reading.
type Sample struct {
	TotalRAM      uint64
	AvailableRAM  uint64
	LogicalCores  int
	Tier          Tier
	Features      FeatureFlags
}

// Probe samples hardware once and serves derived hints from the cached
// snapshot. Safe for concurrent use; Refresh swaps the snapshot atomically.
type Probe struct {
	snapshot atomic.Pointer[Sample]
	initOnce sync.Once
	// accelDetect, when non-nil, overrides the default (no-accelerator)
	// detection — used by tests and by callers that know their environment.
	accelDetect func() (bool, uint64)
}

// New constructs a Probe and takes its first sample immediately.
func New() *Probe {
	p := &Probe{}
	p.Refresh()
	return p
}

// NewWithDetector is like New but lets the caller supply accelerator
// detection (e.g. a CUDA/Metal probe); nil means "no accelerator".
func NewWithDetector(detect func() (bool, uint64)) *Probe {
	p := &Probe{accelDetect: detect}
	p.Refresh()
	return p
}

// Refresh re-samples host hardware and atomically replaces the cached
// snapshot. Callers holding a prior Sample still see consistent (if stale)
// data — snapshots are never mutated in place.
func (p *Probe) Refresh() {
	p.initOnce.Do(func() {
		// automaxprocs adjusts runtime.GOMAXPROCS to match any cgroup CPU
		// quota so LogicalCores below agrees with what the scheduler will
		// actually give inference goroutines. Safe to call once; repeat
		// calls are harmless no-ops on most platforms but we only need it
		// the first time.
		_, _ = maxprocs.Set()
	})

	total := memory.TotalMemory()
	free := memory.FreeMemory()
	cores := runtime.GOMAXPROCS(0)

	hasAccel, accelMem := false, uint64(0)
	if p.accelDetect != nil {
		hasAccel, accelMem = p.accelDetect()
	}

	s := &Sample{
		TotalRAM:     total,
		AvailableRAM: free,
		LogicalCores: cores,
		Tier:         tierFor(total, cores),
		Features: FeatureFlags{
			HasAccelerator: hasAccel,
			AcceleratorMem: accelMem,
		},
	}
	p.snapshot.Store(s)
}

func tierFor(totalRAM uint64, cores int) Tier {
	const gb = 1 << 30
	switch {
	case totalRAM >= 64*gb && cores >= 16:
		return TierWorkstation
	case totalRAM >= 32*gb && cores >= 8:
		return TierHigh
	case totalRAM >= 16*gb && cores >= 4:
		return TierMid
	default:
		return TierLow
	}
}

// Current returns the last sampled snapshot.
func (p *Probe) Current() Sample {
	return *p.snapshot.Load()
}

// Allocation splits total RAM per spec §4.2: model-cache 40%, inference
// cache 20%, KV-cache 20%, reserve 20%.
func (p *Probe) Allocation() AllocationPlan {
	s := p.Current()
	return AllocationPlan{
		ModelCacheBytes:     s.TotalRAM * 40 / 100,
		InferenceCacheBytes: s.TotalRAM * 20 / 100,
		KVCacheBytes:        s.TotalRAM * 20 / 100,
		ReserveBytes:        s.TotalRAM * 20 / 100,
	}
}

// Threading returns a plan parameterized by workload class. Defaults match
// spec §5: I/O threads default 2, background threads default 1; inference
// threads scale with logical cores, reserving headroom for the other two
// classes.
func (p *Probe) Threading(class WorkloadClass) ThreadingPlan {
	s := p.Current()
	switch class {
	case WorkloadBatch:
		infer := s.LogicalCores - 1
		if infer < 1 {
			infer = 1
		}
		return ThreadingPlan{InferenceThreads: infer, IOThreads: 1, BackgroundThreads: 1}
	case WorkloadMixed:
		infer := s.LogicalCores / 2
		if infer < 1 {
			infer = 1
		}
		return ThreadingPlan{InferenceThreads: infer, IOThreads: 2, BackgroundThreads: 1}
	default: // WorkloadInference
		infer := s.LogicalCores - 3
		if infer < 1 {
			infer = 1
		}
		return ThreadingPlan{InferenceThreads: infer, IOThreads: 2, BackgroundThreads: 1}
	}
}
