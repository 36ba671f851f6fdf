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

// Package vectorindex stores embeddings and serves approximate or exact
// nearest-neighbor search over them (spec §4.4), with a pluggable backend
// behind a single contract, the same shape the teacher's persistence
// package uses for swappable commit adapters behind core.Persister.
package vectorindex

import (
	"math"

	"ulir/internal/model"
)

// Metric is the similarity function a backend scores candidates with.
type Metric int

const (
	MetricCosine Metric = iota
	MetricL2
)

func (m Metric) String() string {
	if m == MetricL2 {
		return "l2"
	}
	return "cosine"
}

// backend is the uniform contract every index implementation satisfies.
// Callers never talk to a backend directly; Index wraps one with locking,
// persistence, caching and telemetry.
type backend interface {
	add(rec model.VectorRecord) error
	batchAdd(recs []model.VectorRecord) error
	search(query []float32, k int, minScore float64, filter model.Metadata) []model.SearchHit
	delete(ids []string) error
	get(id string) (model.VectorRecord, bool)
	len() int
	name() string
}

// Filter predicate shared by every backend's linear metadata scan: exact
// match is the only supported semantics (spec §8 property 7).
func passesFilter(meta model.Metadata, filter model.Metadata) bool {
	if len(filter) == 0 {
		return true
	}
	return meta.Matches(filter)
}

func cosineSim(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// clamp into [0,1]; cosine similarity is in [-1,1], callers expect a
	// score in [0,1], so remap linearly.
	return (sim + 1) / 2
}

func l2Score(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	dist := math.Sqrt(sum)
	// convert distance to a bounded [0,1] score: closer is higher.
	return 1 / (1 + dist)
}

func scoreFor(metric Metric, a, b []float32) float64 {
	if metric == MetricL2 {
		return l2Score(a, b)
	}
	return cosineSim(a, b)
}
