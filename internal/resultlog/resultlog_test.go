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

package resultlog

import (
	"context"
	"sync"
	"testing"
)

func TestMockSinkDedupesRetriedCommits(t *testing.T) {
	sink := NewMockSink()
	entry := Entry{RequestID: "r1", ModelID: "m1", TokenCount: 4}
	if err := sink.Commit(context.Background(), []Entry{entry}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := sink.Commit(context.Background(), []Entry{entry}); err != nil {
		t.Fatalf("retried commit: %v", err)
	}
	if _, dup := sink.seen["r1"]; !dup {
		t.Fatal("expected request id tracked as seen")
	}
}

func TestKafkaSinkProducesOneMessagePerEntry(t *testing.T) {
	p := &recordingProducer{}
	sink := NewKafkaSink(p, "")
	entries := []Entry{
		{RequestID: "a", ModelID: "m1", TokenCount: 1},
		{RequestID: "b", ModelID: "m1", TokenCount: 2},
	}
	if err := sink.Commit(context.Background(), entries); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(p.keys) != 2 {
		t.Fatalf("expected 2 produced messages, got %d", len(p.keys))
	}
	if p.topic != "ulir-results" {
		t.Errorf("expected default topic, got %q", p.topic)
	}
}

func TestBuildSinkSelectsAdapterByName(t *testing.T) {
	if _, err := BuildSink("mock", Options{}); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := BuildSink("", Options{}); err != nil {
		t.Fatalf("empty defaults to mock: %v", err)
	}
	if _, err := BuildSink("kafka", Options{}); err != nil {
		t.Fatalf("kafka: %v", err)
	}
	if _, err := BuildSink("postgres", Options{}); err == nil {
		t.Fatal("expected error for postgres without a *sql.DB")
	}
	if _, err := BuildSink("bogus", Options{}); err == nil {
		t.Fatal("expected error for unknown adapter")
	}
}

type recordingProducer struct {
	mu    sync.Mutex
	topic string
	keys  [][]byte
}

func (r *recordingProducer) Produce(_ context.Context, topic string, key, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topic = topic
	r.keys = append(r.keys, key)
	return nil
}
