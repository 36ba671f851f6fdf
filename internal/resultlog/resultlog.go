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

// Package resultlog is an optional, pluggable idempotent sink for
// completed GenerationResults — an audit trail the Unified Controller
// writes to after every request finishes. It is not named by spec.md, but
// the teacher's persistence package (mock/redis/kafka/postgres idempotent
// adapters selected by a string, built by persistence.BuildPersister) has
// no natural domain home elsewhere in ULIR, and a completed-request log is
// exactly the shape that persister contract fits: one idempotency key
// (here the request id) per logical write, safe to retry.
package resultlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"ulir/internal/model"
)

// Entry is the idempotent unit of work: one completed request's result.
type Entry struct {
	RequestID string
	ModelID   string
	TokenCount int
	QueueWaitMS int64
	ProcessingMS int64
	Terminal  model.TerminalReason
	CacheHit  bool
	CommittedAt time.Time
}

// Sink is the minimal idempotent-write contract every adapter satisfies.
// A duplicate RequestID for a retried Commit must be a no-op.
type Sink interface {
	Commit(ctx context.Context, entries []Entry) error
}

// MockSink logs commits through the standard log package (stderr by
// default); the default, dependency-free adapter.
type MockSink struct {
	mu  sync.Mutex
	seen map[string]struct{}
}

func NewMockSink() *MockSink { return &MockSink{seen: make(map[string]struct{})} }

func (m *MockSink) Commit(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if _, dup := m.seen[e.RequestID]; dup {
			continue
		}
		m.seen[e.RequestID] = struct{}{}
		log.Printf("resultlog: committed request=%s model=%s tokens=%d terminal=%s", e.RequestID, e.ModelID, e.TokenCount, e.Terminal)
	}
	return nil
}

// KafkaProducer is a minimal abstraction over a Kafka client — intentionally
// dependency-free, matching the teacher's persistence.KafkaProducer: no
// concrete broker client ships in this module, only the interface and a
// logging stand-in, so operators wire a real producer without ULIR pinning
// a specific client library.
type KafkaProducer interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
}

// LoggingKafkaProducer logs instead of publishing; used when no real
// broker is configured.
type LoggingKafkaProducer struct{}

func (LoggingKafkaProducer) Produce(_ context.Context, topic string, key, value []byte) error {
	log.Printf("resultlog(kafka,%s): key=%s value=%s", topic, key, value)
	return nil
}

// KafkaSink publishes completed results as an audit event stream, one
// message per request keyed by request id so broker-side idempotent
// production (enable.idempotence=true) de-duplicates retries.
type KafkaSink struct {
	producer KafkaProducer
	topic    string
}

func NewKafkaSink(p KafkaProducer, topic string) *KafkaSink {
	if topic == "" {
		topic = "ulir-results"
	}
	return &KafkaSink{producer: p, topic: topic}
}

type kafkaMessage struct {
	RequestID    string `json:"request_id"`
	ModelID      string `json:"model_id"`
	TokenCount   int    `json:"token_count"`
	ProcessingMS int64  `json:"processing_ms"`
	Terminal     string `json:"terminal"`
}

func (k *KafkaSink) Commit(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		msg := kafkaMessage{RequestID: e.RequestID, ModelID: e.ModelID, TokenCount: e.TokenCount, ProcessingMS: e.ProcessingMS, Terminal: string(e.Terminal)}
		b, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := k.producer.Produce(ctx, k.topic, []byte(e.RequestID), b); err != nil {
			return err
		}
	}
	return nil
}

// PostgresSink idempotently inserts results into a `results` table keyed by
// request id, keeping the first row written for an id and ignoring later
// ones, matching the teacher's ON CONFLICT DO NOTHING commit guard
// (persistence.PostgresPersister):
//
//	CREATE TABLE IF NOT EXISTS results (
//	  request_id    TEXT PRIMARY KEY,
//	  model_id      TEXT NOT NULL,
//	  token_count   INTEGER NOT NULL,
//	  queue_wait_ms BIGINT NOT NULL,
//	  processing_ms BIGINT NOT NULL,
//	  terminal      TEXT NOT NULL,
//	  cache_hit     BOOLEAN NOT NULL,
//	  committed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink { return &PostgresSink{db: db} }

func (p *PostgresSink) Commit(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO results (request_id, model_id, token_count, queue_wait_ms, processing_ms, terminal, cache_hit)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (request_id) DO NOTHING`,
			e.RequestID, e.ModelID, e.TokenCount, e.QueueWaitMS, e.ProcessingMS, string(e.Terminal), e.CacheHit)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Options configures sink construction.
type Options struct {
	KafkaTopic string
	Producer   KafkaProducer // nil uses LoggingKafkaProducer
	DB         *sql.DB       // required for "postgres"
}

// BuildSink constructs a Sink by adapter name, mirroring the teacher's
// persistence.BuildPersister string-selector factory.
func BuildSink(adapter string, opts Options) (Sink, error) {
	switch adapter {
	case "", "mock":
		return NewMockSink(), nil
	case "kafka":
		producer := opts.Producer
		if producer == nil {
			producer = LoggingKafkaProducer{}
		}
		return NewKafkaSink(producer, opts.KafkaTopic), nil
	case "postgres":
		if opts.DB == nil {
			return nil, errors.New("resultlog: postgres adapter requires a *sql.DB")
		}
		return NewPostgresSink(opts.DB), nil
	default:
		return nil, fmt.Errorf("resultlog: unknown sink adapter %q", adapter)
	}
}
