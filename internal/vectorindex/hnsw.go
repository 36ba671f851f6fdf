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

// hnswBackend is a simplified graph-based approximate index: each node
// keeps up to M neighbor edges chosen greedily at insert time, and search
// performs a breadth-first walk collecting up to efSearch candidates. It
// trades exactness for a tunable recall/latency curve, same contract as a
// real HNSW without the multi-layer skip structure.
type hnswBackend struct {
	metric   Metric
	m        int // edges per node
	efSearch int

	records   map[string]model.VectorRecord
	neighbors map[string][]string
	order     []string
	entry     string // current graph entry point
}

func newHNSW(metric Metric, m, efSearch int) *hnswBackend {
	if m < 1 {
		m = 16
	}
	if efSearch < 1 {
		efSearch = 64
	}
	return &hnswBackend{
		metric:    metric,
		m:         m,
		efSearch:  efSearch,
		records:   make(map[string]model.VectorRecord),
		neighbors: make(map[string][]string),
	}
}

func (h *hnswBackend) name() string { return "hnsw" }

func (h *hnswBackend) add(rec model.VectorRecord) error {
	if _, exists := h.records[rec.ID]; !exists {
		h.order = append(h.order, rec.ID)
	}
	h.records[rec.ID] = rec
	h.linkGreedy(rec)
	if h.entry == "" {
		h.entry = rec.ID
	}
	return nil
}

// linkGreedy scores the new record against every existing node and keeps
// the M closest as mutual edges — a brute-force stand-in for HNSW's
// layered neighbor-selection heuristic, adequate at the node counts a
// single-process local index holds.
func (h *hnswBackend) linkGreedy(rec model.VectorRecord) {
	type cand struct {
		id    string
		score float64
	}
	cands := make([]cand, 0, len(h.records))
	for id, r := range h.records {
		if id == rec.ID {
			continue
		}
		cands = append(cands, cand{id, scoreFor(h.metric, rec.Embedding, r.Embedding)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if len(cands) > h.m {
		cands = cands[:h.m]
	}
	edges := make([]string, 0, len(cands))
	for _, c := range cands {
		edges = append(edges, c.id)
		h.neighbors[c.id] = appendCapped(h.neighbors[c.id], rec.ID, h.m*2)
	}
	h.neighbors[rec.ID] = edges
}

func appendCapped(list []string, id string, cap int) []string {
	for _, e := range list {
		if e == id {
			return list
		}
	}
	list = append(list, id)
	if len(list) > cap {
		list = list[len(list)-cap:]
	}
	return list
}

func (h *hnswBackend) batchAdd(recs []model.VectorRecord) error {
	for _, r := range recs {
		_ = h.add(r)
	}
	return nil
}

func (h *hnswBackend) delete(ids []string) error {
	for _, id := range ids {
		delete(h.records, id)
		delete(h.neighbors, id)
		if h.entry == id {
			h.entry = ""
		}
	}
	kept := h.order[:0]
	for _, id := range h.order {
		if _, ok := h.records[id]; ok {
			kept = append(kept, id)
		}
	}
	h.order = kept
	for id, edges := range h.neighbors {
		filtered := edges[:0]
		for _, e := range edges {
			if _, ok := h.records[e]; ok {
				filtered = append(filtered, e)
			}
		}
		h.neighbors[id] = filtered
	}
	if h.entry == "" && len(h.order) > 0 {
		h.entry = h.order[0]
	}
	return nil
}

func (h *hnswBackend) get(id string) (model.VectorRecord, bool) {
	r, ok := h.records[id]
	return r, ok
}

func (h *hnswBackend) len() int { return len(h.records) }

// search performs a breadth-first walk over neighbor edges from the entry
// point, collecting up to efSearch distinct candidates (unscored during the
// walk) before ranking. Below that candidate cap
// the search degrades gracefully to an exhaustive scan, which is exact for
// small graphs and keeps tiny indices from returning empty results.
func (h *hnswBackend) search(query []float32, k int, minScore float64, filter model.Metadata) []model.SearchHit {
	if h.entry == "" || len(h.records) == 0 {
		return nil
	}
	visited := make(map[string]bool)
	frontier := []string{h.entry}
	visited[h.entry] = true
	explored := []string{h.entry}

	for len(explored) < h.efSearch && len(frontier) > 0 {
		next := make([]string, 0)
		for _, id := range frontier {
			for _, nb := range h.neighbors[id] {
				if !visited[nb] {
					visited[nb] = true
					next = append(next, nb)
					explored = append(explored, nb)
					if len(explored) >= h.efSearch {
						break
					}
				}
			}
			if len(explored) >= h.efSearch {
				break
			}
		}
		frontier = next
	}

	hits := make([]model.SearchHit, 0, len(explored))
	for _, id := range explored {
		rec := h.records[id]
		if !passesFilter(rec.Metadata, filter) {
			continue
		}
		score := scoreFor(h.metric, query, rec.Embedding)
		if score < minScore {
			continue
		}
		hits = append(hits, model.SearchHit{ID: rec.ID, Content: rec.Content, Metadata: rec.Metadata, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
