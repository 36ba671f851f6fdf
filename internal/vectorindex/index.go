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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"ulir/internal/model"
	"ulir/internal/ulerr"
)

// BackendKind selects the ANN strategy an Index is built with, mirroring
// the teacher persistence factory's string-selector-to-concrete-type
// pattern (persistence.BuildPersister).
type BackendKind string

const (
	BackendFlat BackendKind = "flat"
	BackendHNSW BackendKind = "hnsw"
	BackendIVF  BackendKind = "ivf"
)

// Options configures a new Index.
type Options struct {
	Dim        int
	Metric     Metric
	Backend    BackendKind
	HNSWM      int
	HNSWEf     int
	IVFNList   int
	IVFNProbe  int
	Dir        string // persistence directory; empty disables persistence
	CacheSize  int    // number of memoized search results kept, 0 disables
	ReRank     bool   // enable lexical+vector re-ranking post-filter
}

func withDefaults(o Options) Options {
	if o.Backend == "" {
		o.Backend = BackendFlat
	}
	if o.CacheSize == 0 {
		o.CacheSize = 32
	}
	return o
}

func buildBackend(o Options) backend {
	switch o.Backend {
	case BackendHNSW:
		return newHNSW(o.Metric, o.HNSWM, o.HNSWEf)
	case BackendIVF:
		return newIVF(o.Metric, o.IVFNList, o.IVFNProbe)
	default:
		return newFlat(o.Metric)
	}
}

// Index is the concurrency-safe, optionally-persisted, optionally-cached
// facade spec §4.4 describes: one read-write lock (writes exclusive, reads
// shared), a rolling search-latency window, and an optional last-K search
// result memoization cache invalidated on any mutation.
type Index struct {
	mu      sync.RWMutex
	opts    Options
	be      backend
	store   *Store
	embFile *EmbeddingFile

	searchCache map[string]cachedSearch
	cacheOrder  []string

	latencies []float64 // rolling last-100 search latencies, ms
}

type cachedSearch struct {
	hits []model.SearchHit
}

// New constructs an in-memory-only index (no persistence directory set).
func New(o Options) *Index {
	o = withDefaults(o)
	return &Index{opts: o, be: buildBackend(o), searchCache: make(map[string]cachedSearch)}
}

// Open constructs an index and loads any existing persisted state from
// o.Dir, falling back to an empty index if nothing has been written yet.
func Open(o Options) (*Index, error) {
	o = withDefaults(o)
	idx := &Index{opts: o, be: buildBackend(o), searchCache: make(map[string]cachedSearch)}
	if o.Dir == "" {
		return idx, nil
	}
	store, err := OpenStore(o.Dir)
	if err != nil {
		return nil, err
	}
	idx.store = store
	ef, err := OpenEmbeddingFile(o.Dir, o.Dim)
	if err != nil {
		store.Close()
		return nil, err
	}
	idx.embFile = ef
	if err := idx.rebuildFromDisk(); err != nil {
		store.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) rebuildFromDisk() error {
	envs, err := idx.store.LoadAll()
	if err != nil {
		return err
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].Row < envs[j].Row })
	for _, env := range envs {
		vec, err := idx.embFile.ReadRow(env.Row)
		if err != nil {
			return ulerr.Wrap(ulerr.KindInternal, err, "rebuild: read row %d for %s", env.Row, env.ID)
		}
		rec := model.VectorRecord{
			ID:          env.ID,
			Content:     env.Content,
			Metadata:    decodeMetadata(env.Metadata),
			Embedding:   vec,
			DocumentID:  env.DocumentID,
			ChunkIndex:  env.ChunkIndex,
			ContentHash: env.ContentHash,
		}
		_ = idx.be.add(rec)
	}
	return nil
}

func (idx *Index) Close() error {
	if idx.store != nil {
		return idx.store.Close()
	}
	return nil
}

// Add inserts one record. Persisted indices also write through to the
// embeddings file and bbolt table before the in-memory backend is
// updated, so a crash never leaves the backend ahead of disk.
func (idx *Index) Add(rec model.VectorRecord) error {
	return idx.BatchAdd([]model.VectorRecord{rec})
}

// BatchAdd inserts records atomically per batch: on any persistence
// failure no record in the batch is applied to the in-memory backend.
func (idx *Index) BatchAdd(recs []model.VectorRecord) error {
	if len(recs) == 0 {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.opts.Dim != 0 {
		for _, r := range recs {
			if len(r.Embedding) != idx.opts.Dim {
				return ulerr.New(ulerr.KindInvalidArgument, "embedding dimension mismatch: got %d, index is %d", len(r.Embedding), idx.opts.Dim)
			}
		}
	}

	if idx.store != nil {
		for _, r := range recs {
			row, err := idx.embFile.AppendRow(r.Embedding)
			if err != nil {
				return err
			}
			if err := idx.store.PutRecord(r, row); err != nil {
				return err
			}
		}
	}

	if err := idx.be.batchAdd(recs); err != nil {
		return err
	}
	idx.invalidateSearchCache()
	return nil
}

// Delete removes the given ids; the index remains queryable throughout.
func (idx *Index) Delete(ids []string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.store != nil {
		for _, id := range ids {
			if err := idx.store.DeleteRecord(id); err != nil {
				return err
			}
		}
	}
	if err := idx.be.delete(ids); err != nil {
		return err
	}
	idx.invalidateSearchCache()
	return nil
}

// Get fetches one record by id.
func (idx *Index) Get(id string) (model.VectorRecord, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.be.get(id)
}

func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.be.len()
}

// Search returns at most k hits scoring >= minScore and matching filter,
// sorted by score descending. Results are served from the memoization
// cache when present and invalidated by any Add/Delete.
func (idx *Index) Search(query []float32, k int, minScore float64, filter model.Metadata) []model.SearchHit {
	return idx.search(query, "", k, minScore, filter)
}

// SearchWithText is Search plus an optional lexical re-ranking pass: when
// Options.ReRank is set, queryText is matched against each hit's content
// and blended with the vector score (spec §9 supplemented re-ranking
// feature). Pass an empty queryText to skip the lexical term entirely.
func (idx *Index) SearchWithText(query []float32, queryText string, k int, minScore float64, filter model.Metadata) []model.SearchHit {
	return idx.search(query, queryText, k, minScore, filter)
}

func (idx *Index) search(query []float32, queryText string, k int, minScore float64, filter model.Metadata) []model.SearchHit {
	key := searchCacheKey(query, k, minScore, filter)
	if idx.opts.ReRank && queryText != "" {
		// Re-ranked results are cached apart from score-ordered ones.
		key += "|rerank:" + queryText
	}

	idx.mu.RLock()
	if cached, ok := idx.searchCache[key]; ok {
		idx.mu.RUnlock()
		return cached.hits
	}
	idx.mu.RUnlock()

	start := time.Now()
	idx.mu.RLock()
	hits := idx.be.search(query, k, minScore, filter)
	idx.mu.RUnlock()
	elapsedMS := float64(time.Since(start).Microseconds()) / 1000

	if idx.opts.ReRank && queryText != "" {
		hits = reRank(queryText, hits)
	}

	idx.mu.Lock()
	idx.recordLatency(elapsedMS)
	if idx.opts.CacheSize > 0 {
		idx.putSearchCache(key, hits)
	}
	idx.mu.Unlock()

	return hits
}

func (idx *Index) recordLatency(ms float64) {
	idx.latencies = append(idx.latencies, ms)
	if len(idx.latencies) > 100 {
		idx.latencies = idx.latencies[len(idx.latencies)-100:]
	}
}

// LatencyWindow returns a copy of the rolling last-100 search latencies.
func (idx *Index) LatencyWindow() []float64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]float64, len(idx.latencies))
	copy(out, idx.latencies)
	return out
}

func (idx *Index) putSearchCache(key string, hits []model.SearchHit) {
	if _, exists := idx.searchCache[key]; !exists {
		idx.cacheOrder = append(idx.cacheOrder, key)
	}
	idx.searchCache[key] = cachedSearch{hits: hits}
	for len(idx.cacheOrder) > idx.opts.CacheSize {
		oldest := idx.cacheOrder[0]
		idx.cacheOrder = idx.cacheOrder[1:]
		delete(idx.searchCache, oldest)
	}
}

func (idx *Index) invalidateSearchCache() {
	idx.searchCache = make(map[string]cachedSearch)
	idx.cacheOrder = nil
}

func searchCacheKey(query []float32, k int, minScore float64, filter model.Metadata) string {
	h := sha256.New()
	buf, _ := json.Marshal(struct {
		Q []float32       `json:"q"`
		K int             `json:"k"`
		M float64         `json:"m"`
		F model.Metadata  `json:"f"`
	}{query, k, minScore, filter})
	h.Write(buf)
	return hex.EncodeToString(h.Sum(nil))
}

const (
	reRankLexicalWeight = 0.3
	reRankVectorWeight  = 0.7
)

// reRank blends lexical term overlap (30%) with the backend's vector score
// (70%); off by default, an optional post-filter pass per spec §9's
// supplemented re-ranking feature.
func reRank(queryText string, hits []model.SearchHit) []model.SearchHit {
	terms := strings.Fields(strings.ToLower(queryText))
	type scored struct {
		hit     model.SearchHit
		blended float64
	}
	pairs := make([]scored, len(hits))
	for i, h := range hits {
		lex := lexicalOverlap(terms, h.Content)
		pairs[i] = scored{hit: h, blended: reRankVectorWeight*h.Score + reRankLexicalWeight*lex}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].blended > pairs[j].blended })
	reranked := make([]model.SearchHit, len(pairs))
	for i, p := range pairs {
		reranked[i] = p.hit
	}
	return reranked
}

func lexicalOverlap(queryTerms []string, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, t := range queryTerms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}
