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

// Package optimizer composes the Hardware Probe, KV-Cache Planner and Batch
// Planner into a single per-request Plan (spec §4.11). It holds no state of
// its own beyond references to the three composed components, making Plan
// a pure function of its inputs plus current hardware state.
package optimizer

import (
	"ulir/internal/batchplanner"
	"ulir/internal/kvplanner"
	"ulir/internal/probe"
)

// Plan is the structured optimization decision for one request.
type Plan struct {
	EffectiveBatchSize int
	Threading          probe.ThreadingPlan
	KV                 kvplanner.Plan
	Memory             probe.AllocationPlan
}

// Optimizer composes C1 (probe), C6 (kvplanner) and C7 (batchplanner).
type Optimizer struct {
	probe *probe.Probe
	kv    *kvplanner.Planner
	batch *batchplanner.Planner
	class probe.WorkloadClass
}

// New constructs an Optimizer over the given components. class selects the
// threading plan's workload profile (defaults to WorkloadInference).
func New(p *probe.Probe, kv *kvplanner.Planner, batch *batchplanner.Planner, class probe.WorkloadClass) *Optimizer {
	return &Optimizer{probe: p, kv: kv, batch: batch, class: class}
}

// Plan computes the per-request plan for modelID at sequence length
// seqLen. Cheap to recompute; the constituent planners handle their own
// memoization (kvplanner by (model, L, B), batchplanner's history is
// advisory and does not gate the decision).
func (o *Optimizer) Plan(modelID string, seqLen int) Plan {
	alloc := o.probe.Allocation()
	batchSize := o.batch.Plan(modelID, seqLen, int64(alloc.InferenceCacheBytes))
	threading := o.probe.Threading(o.class)
	kvPlan := o.kv.Plan(modelID, seqLen, batchSize)
	return Plan{
		EffectiveBatchSize: batchSize,
		Threading:          threading,
		KV:                 kvPlan,
		Memory:             alloc,
	}
}

// RecordOutcome feeds an observed (throughput, latency) sample back into
// the batch planner's per-config history, keyed the same way Plan derived
// the batch size.
func (o *Optimizer) RecordOutcome(modelID string, seqLen, batchSize int, throughput, latencyMS float64) {
	efficiency := 0.0
	if batchSize > 0 {
		efficiency = throughput / float64(batchSize)
	}
	key := configKey(modelID, seqLen, batchSize)
	o.batch.RecordSample(key, batchplanner.Sample{
		Throughput: throughput,
		LatencyMS:  latencyMS,
		Efficiency: efficiency,
	})
}

func configKey(modelID string, seqLen, batchSize int) string {
	return modelID + ":" + itoa(seqLen) + ":" + itoa(batchSize)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
