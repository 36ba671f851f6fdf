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

package vectorindex

import (
	"sort"

	"ulir/internal/model"
)

// trainingMultiplier is spec §4.4's "nlist * 39" minimum training-set size
// before the partitioned backend trusts its own centroids.
const trainingMultiplier = 39

// ivfBackend partitions records into nlist clusters (trained via a small
// k-means-like pass) and probes the nprobe closest clusters per query.
// Below the training threshold it transparently delegates every operation
// to an internal flat backend, exactly as spec'd.
type ivfBackend struct {
	metric Metric
	nlist  int
	nprobe int

	fallback *flatBackend // used until trained

	trained   bool
	centroids [][]float32
	buckets   [][]string // bucket i -> record ids assigned to centroid i
	records   map[string]model.VectorRecord
	assigned  map[string]int // record id -> bucket index
}

func newIVF(metric Metric, nlist, nprobe int) *ivfBackend {
	if nlist < 1 {
		nlist = 1
	}
	if nprobe < 1 {
		nprobe = 1
	}
	if nprobe > nlist {
		nprobe = nlist
	}
	return &ivfBackend{
		metric:   metric,
		nlist:    nlist,
		nprobe:   nprobe,
		fallback: newFlat(metric),
		records:  make(map[string]model.VectorRecord),
		assigned: make(map[string]int),
	}
}

func (v *ivfBackend) name() string { return "ivf" }

func (v *ivfBackend) trainingThreshold() int { return v.nlist * trainingMultiplier }

func (v *ivfBackend) add(rec model.VectorRecord) error {
	v.records[rec.ID] = rec
	_ = v.fallback.add(rec)
	if len(v.records) >= v.trainingThreshold() && !v.trained {
		v.train()
	}
	if v.trained {
		v.assign(rec)
	}
	return nil
}

func (v *ivfBackend) batchAdd(recs []model.VectorRecord) error {
	for _, r := range recs {
		_ = v.add(r)
	}
	return nil
}

func (v *ivfBackend) delete(ids []string) error {
	_ = v.fallback.delete(ids)
	for _, id := range ids {
		delete(v.records, id)
		if b, ok := v.assigned[id]; ok {
			v.buckets[b] = removeString(v.buckets[b], id)
			delete(v.assigned, id)
		}
	}
	return nil
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func (v *ivfBackend) get(id string) (model.VectorRecord, bool) {
	r, ok := v.records[id]
	return r, ok
}

func (v *ivfBackend) len() int { return len(v.records) }

// train picks nlist centroids by evenly sampling the current record set
// (a cheap stand-in for Lloyd's-algorithm k-means, adequate once the
// training-set floor is met) and assigns every existing record to its
// nearest centroid.
func (v *ivfBackend) train() {
	ids := make([]string, 0, len(v.records))
	for id := range v.records {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic sampling order
	n := v.nlist
	if n > len(ids) {
		n = len(ids)
	}
	v.centroids = make([][]float32, 0, n)
	step := len(ids) / n
	if step < 1 {
		step = 1
	}
	for i := 0; i < n; i++ {
		idx := i * step
		if idx >= len(ids) {
			idx = len(ids) - 1
		}
		v.centroids = append(v.centroids, v.records[ids[idx]].Embedding)
	}
	v.buckets = make([][]string, len(v.centroids))
	v.assigned = make(map[string]int, len(ids))
	v.trained = true
	for _, id := range ids {
		v.assign(v.records[id])
	}
}

func (v *ivfBackend) assign(rec model.VectorRecord) {
	best, bestScore := 0, -1.0
	for i, c := range v.centroids {
		s := scoreFor(v.metric, rec.Embedding, c)
		if s > bestScore {
			bestScore = s
			best = i
		}
	}
	v.buckets[best] = append(v.buckets[best], rec.ID)
	v.assigned[rec.ID] = best
}

func (v *ivfBackend) search(query []float32, k int, minScore float64, filter model.Metadata) []model.SearchHit {
	if !v.trained {
		return v.fallback.search(query, k, minScore, filter)
	}

	type centroidDist struct {
		idx   int
		score float64
	}
	dists := make([]centroidDist, len(v.centroids))
	for i, c := range v.centroids {
		dists[i] = centroidDist{i, scoreFor(v.metric, query, c)}
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].score > dists[j].score })
	probe := v.nprobe
	if probe > len(dists) {
		probe = len(dists)
	}

	hits := make([]model.SearchHit, 0)
	for _, d := range dists[:probe] {
		for _, id := range v.buckets[d.idx] {
			rec := v.records[id]
			if !passesFilter(rec.Metadata, filter) {
				continue
			}
			score := scoreFor(v.metric, query, rec.Embedding)
			if score < minScore {
				continue
			}
			hits = append(hits, model.SearchHit{ID: rec.ID, Content: rec.Content, Metadata: rec.Metadata, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
