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

// flatBackend is the exact, O(N*D)-per-query baseline. Required by spec;
// also the fallback the IVF backend downgrades to before its training
// threshold is met.
type flatBackend struct {
	metric  Metric
	records map[string]model.VectorRecord
	order   []string // insertion order, for deterministic iteration
}

func newFlat(metric Metric) *flatBackend {
	return &flatBackend{metric: metric, records: make(map[string]model.VectorRecord)}
}

func (f *flatBackend) name() string { return "flat" }

func (f *flatBackend) add(rec model.VectorRecord) error {
	if _, exists := f.records[rec.ID]; !exists {
		f.order = append(f.order, rec.ID)
	}
	f.records[rec.ID] = rec
	return nil
}

func (f *flatBackend) batchAdd(recs []model.VectorRecord) error {
	for _, r := range recs {
		_ = f.add(r)
	}
	return nil
}

func (f *flatBackend) delete(ids []string) error {
	toRemove := make(map[string]bool, len(ids))
	for _, id := range ids {
		toRemove[id] = true
		delete(f.records, id)
	}
	kept := f.order[:0]
	for _, id := range f.order {
		if !toRemove[id] {
			kept = append(kept, id)
		}
	}
	f.order = kept
	return nil
}

func (f *flatBackend) get(id string) (model.VectorRecord, bool) {
	r, ok := f.records[id]
	return r, ok
}

func (f *flatBackend) len() int { return len(f.records) }

func (f *flatBackend) search(query []float32, k int, minScore float64, filter model.Metadata) []model.SearchHit {
	hits := make([]model.SearchHit, 0, len(f.records))
	for _, id := range f.order {
		rec := f.records[id]
		if !passesFilter(rec.Metadata, filter) {
			continue
		}
		score := scoreFor(f.metric, query, rec.Embedding)
		if score < minScore {
			continue
		}
		hits = append(hits, model.SearchHit{
			ID:       rec.ID,
			Content:  rec.Content,
			Metadata: rec.Metadata,
			Score:    score,
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
