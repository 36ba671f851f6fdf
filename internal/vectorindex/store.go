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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"ulir/internal/model"
	"ulir/internal/ulerr"
)

var (
	bucketRecords = []byte("records")
	bucketByDoc   = []byte("by_document_id")
	bucketByChunk = []byte("by_chunk_index")
	bucketByHash  = []byte("by_content_hash")
)

// Store persists record metadata/content in a bbolt key-value table
// (vectors.db) with secondary-index buckets, and embeddings in a
// contiguous row-major float32 file (embeddings.bin) with a backup copy
// retained across writes for recovery when the primary fails to load.
type Store struct {
	db  *bbolt.DB
	dir string
	dim int
}

// recordEnvelope is the JSON form stored per record in the records bucket;
// embeddings live in the separate row file, addressed by row index.
type recordEnvelope struct {
	ID          string          `json:"id"`
	Content     string          `json:"content"`
	Metadata    json.RawMessage `json:"metadata"`
	DocumentID  string          `json:"document_id"`
	ChunkIndex  int             `json:"chunk_index"`
	ContentHash string          `json:"content_hash"`
	Row         int             `json:"row"`
}

// Metadata marshaling: MetaValue's fields are unexported, so persistence
// flattens to a tagged wire form rather than reaching into the type.
type metaWire struct {
	Kind  string `json:"kind"`
	S     string `json:"s,omitempty"`
	I     int64  `json:"i,omitempty"`
	B     bool   `json:"b,omitempty"`
}

func encodeMetadata(m model.Metadata) json.RawMessage {
	wire := make(map[string]metaWire, len(m))
	for k, v := range m {
		wire[k] = metaValueToWire(v)
	}
	b, _ := json.Marshal(wire)
	return b
}

func metaValueToWire(v model.MetaValue) metaWire {
	switch {
	case v.IsInt():
		return metaWire{Kind: "i", I: v.IntValue()}
	case v.IsBool():
		return metaWire{Kind: "b", B: v.BoolValue()}
	default:
		return metaWire{Kind: "s", S: v.StringValue()}
	}
}

func decodeMetadata(raw json.RawMessage) model.Metadata {
	if len(raw) == 0 {
		return nil
	}
	var wire map[string]metaWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil
	}
	out := make(model.Metadata, len(wire))
	for k, w := range wire {
		switch w.Kind {
		case "i":
			out[k] = model.MetaInt(w.I)
		case "b":
			out[k] = model.MetaBool(w.B)
		default:
			out[k] = model.MetaString(w.S)
		}
	}
	return out
}

// OpenStore opens (creating if absent) vectors.db under dir; the
// embeddings row file is opened separately by OpenEmbeddingFile.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ulerr.Wrap(ulerr.KindInternal, err, "create index dir %s", dir)
	}
	db, err := bbolt.Open(filepath.Join(dir, "vectors.db"), 0o644, nil)
	if err != nil {
		return nil, ulerr.Wrap(ulerr.KindInternal, err, "open vectors.db")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRecords, bucketByDoc, bucketByChunk, bucketByHash} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, ulerr.Wrap(ulerr.KindInternal, err, "init vectors.db buckets")
	}
	return &Store{db: db, dir: dir}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// PutRecord upserts record metadata/content together with the embedding
// row index it was written to; the row itself is written by
// EmbeddingFile.AppendRow.
func (s *Store) PutRecord(rec model.VectorRecord, row int) error {
	env := recordEnvelope{
		ID:          rec.ID,
		Content:     rec.Content,
		Metadata:    encodeMetadata(rec.Metadata),
		DocumentID:  rec.DocumentID,
		ChunkIndex:  rec.ChunkIndex,
		ContentHash: rec.ContentHash,
		Row:         row,
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return ulerr.Wrap(ulerr.KindInternal, err, "marshal record %s", rec.ID)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketRecords).Put([]byte(rec.ID), buf); err != nil {
			return err
		}
		appendIndex(tx.Bucket(bucketByDoc), rec.DocumentID, rec.ID)
		appendIndex(tx.Bucket(bucketByChunk), fmt.Sprintf("%d", rec.ChunkIndex), rec.ID)
		appendIndex(tx.Bucket(bucketByHash), rec.ContentHash, rec.ID)
		return nil
	})
}

func appendIndex(b *bbolt.Bucket, key, id string) {
	if key == "" {
		return
	}
	existing := b.Get([]byte(key))
	var ids []string
	if existing != nil {
		_ = json.Unmarshal(existing, &ids)
	}
	for _, e := range ids {
		if e == id {
			return
		}
	}
	ids = append(ids, id)
	buf, _ := json.Marshal(ids)
	_ = b.Put([]byte(key), buf)
}

// DeleteRecord removes a record's metadata entry. Secondary-index entries
// are left to go stale-filtered at read time (resolved against the
// records bucket), matching the same lazy-cleanup tradeoff the teacher's
// free-list pruning makes in the memory pool.
func (s *Store) DeleteRecord(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete([]byte(id))
	})
}

// LoadAll returns every stored record (without embeddings) for rebuild.
func (s *Store) LoadAll() ([]recordEnvelope, error) {
	var out []recordEnvelope
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var env recordEnvelope
			if err := json.Unmarshal(v, &env); err != nil {
				return nil
			}
			out = append(out, env)
			return nil
		})
	})
	return out, err
}

// ByDocumentID resolves ids filed under a document id secondary index,
// filtered against what's still live in the records bucket.
func (s *Store) ByDocumentID(docID string) ([]string, error) {
	return s.lookupLive(bucketByDoc, docID)
}

func (s *Store) lookupLive(bucketName []byte, key string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var candidates []string
		if err := json.Unmarshal(raw, &candidates); err != nil {
			return nil
		}
		records := tx.Bucket(bucketRecords)
		for _, id := range candidates {
			if records.Get([]byte(id)) != nil {
				ids = append(ids, id)
			}
		}
		return nil
	})
	return ids, err
}

// EmbeddingFile manages the row-major float32 embeddings file plus its
// backup-on-write copy.
type EmbeddingFile struct {
	path    string
	backup  string
	dim     int
	rows    int
}

func OpenEmbeddingFile(dir string, dim int) (*EmbeddingFile, error) {
	path := filepath.Join(dir, "embeddings.bin")
	backup := path + ".bak"
	ef := &EmbeddingFile{path: path, backup: backup, dim: dim}
	if f, err := os.Open(path); err == nil {
		defer f.Close()
		info, _ := f.Stat()
		rowBytes := int64(dim) * 4
		if rowBytes > 0 {
			ef.rows = int(info.Size() / rowBytes)
		}
	} else if !os.IsNotExist(err) {
		return nil, ulerr.Wrap(ulerr.KindInternal, err, "open embeddings.bin")
	}
	return ef, nil
}

// AppendRow writes one embedding row, first snapshotting the current file
// to its backup path so a crash mid-write leaves a recoverable copy.
func (ef *EmbeddingFile) AppendRow(vec []float32) (row int, err error) {
	if ef.dim != 0 && len(vec) != ef.dim {
		return 0, ulerr.New(ulerr.KindInvalidArgument, "embedding dimension mismatch: got %d, index is %d", len(vec), ef.dim)
	}
	if ef.dim == 0 {
		ef.dim = len(vec)
	}
	if err := ef.snapshotBackup(); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(ef.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, ulerr.Wrap(ulerr.KindInternal, err, "open embeddings.bin for append")
	}
	defer f.Close()
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	if _, err := f.Write(buf); err != nil {
		return 0, ulerr.Wrap(ulerr.KindInternal, err, "write embedding row")
	}
	row = ef.rows
	ef.rows++
	return row, nil
}

func (ef *EmbeddingFile) snapshotBackup() error {
	src, err := os.Open(ef.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ulerr.Wrap(ulerr.KindInternal, err, "open embeddings.bin for backup")
	}
	defer src.Close()
	dst, err := os.Create(ef.backup)
	if err != nil {
		return ulerr.Wrap(ulerr.KindInternal, err, "create embeddings.bin.bak")
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

// ReadRow reads the embedding at the given row index.
func (ef *EmbeddingFile) ReadRow(row int) ([]float32, error) {
	f, err := os.Open(ef.path)
	if err != nil {
		return nil, ulerr.Wrap(ulerr.KindInternal, err, "open embeddings.bin")
	}
	defer f.Close()
	rowBytes := int64(ef.dim) * 4
	if _, err := f.Seek(int64(row)*rowBytes, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, rowBytes)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, ulerr.Wrap(ulerr.KindInternal, err, "read embedding row %d", row)
	}
	out := make([]float32, ef.dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}

func (ef *EmbeddingFile) Dim() int { return ef.dim }

// sidecarMeta mirrors the metadata.json described in spec §4.4: index
// type, schema version, vector count and last rebuild time.
type sidecarMeta struct {
	Version       int    `json:"version"`
	IndexType     string `json:"index_type"`
	TotalVectors  int    `json:"total_vectors"`
	LastRebuildMS int64  `json:"last_rebuild_ms"`
	Dimension     int    `json:"dimension"`
}

func writeSidecar(dir string, meta sidecarMeta) error {
	buf, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "metadata.json"), buf, 0o644)
}

func readSidecar(dir string) (sidecarMeta, error) {
	buf, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return sidecarMeta{}, err
	}
	var m sidecarMeta
	err = json.Unmarshal(buf, &m)
	return m, err
}
