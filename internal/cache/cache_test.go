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

package cache

import (
	"testing"
	"time"

	"ulir/internal/model"
)

// TestHybridEviction implements spec §8 scenario S5: capacity for three
// equal-size entries; K1 accessed 11x (HOT), K2 accessed 1x (COLD), K3
// accessed 6x (WARM); inserting K4 must evict K2 first.
func TestHybridEviction(t *testing.T) {
	payload := make([]byte, 10)
	c := New(30, nil) // room for exactly 3 entries of size 10

	for _, k := range []string{"K1", "K2", "K3"} {
		if err := c.Insert(k, payload, 0, nil); err != nil {
			t.Fatalf("insert %s: %v", k, err)
		}
	}
	access := func(key string, n int) {
		for i := 0; i < n; i++ {
			if _, ok := c.Get(key); !ok {
				t.Fatalf("expected hit for %s", key)
			}
		}
	}
	access("K1", 11)
	access("K2", 1)
	access("K3", 6)

	if err := c.Insert("K4", payload, 0, nil); err != nil {
		t.Fatalf("insert K4: %v", err)
	}

	if _, ok := c.Get("K2"); ok {
		t.Errorf("K2 should have been evicted")
	}
	if _, ok := c.Get("K1"); !ok {
		t.Errorf("K1 (HOT) should have survived")
	}
	if _, ok := c.Get("K3"); !ok {
		t.Errorf("K3 (WARM) should have survived")
	}
}

// TestCapacityBound verifies spec §8 property 4: sum of sizes never exceeds
// capacity.
func TestCapacityBound(t *testing.T) {
	c := New(100, nil)
	for i := 0; i < 50; i++ {
		_ = c.Insert(string(rune('a'+i%26)), make([]byte, 7), 0, nil)
		if c.UsedBytes() > 100 {
			t.Fatalf("capacity exceeded: %d", c.UsedBytes())
		}
	}
}

// TestTagInvalidation covers removal by tag intersection.
func TestTagInvalidation(t *testing.T) {
	c := New(1000, nil)
	_ = c.Insert("a", []byte("x"), 0, []string{"model:mA"})
	_ = c.Insert("b", []byte("y"), 0, []string{"model:mB"})
	_ = c.Insert("c", []byte("z"), 0, []string{"model:mA", "req:1"})

	n := c.Invalidate([]string{"model:mA"})
	if n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	if _, ok := c.Get("b"); !ok {
		t.Errorf("b should remain")
	}
}

// TestExpiry verifies that expired entries report absent and are removed
// inline on read.
func TestExpiry(t *testing.T) {
	c := New(1000, nil)
	_ = c.Insert("a", []byte("x"), time.Millisecond, nil)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Errorf("expected expired entry to be absent")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should have been removed inline")
	}
}

// TestFingerprintStability covers spec §8 property 6.
func TestFingerprintStability(t *testing.T) {
	base := &model.Request{
		Prompt: "Summarize.",
		Params: model.GenParams{MaxTokens: 64, Temperature: 0, TopP: 1, TopK: 0},
	}
	f1 := Fingerprint(base, "mA")
	f2 := Fingerprint(base, "mA")
	if f1 != f2 {
		t.Errorf("identical requests produced different fingerprints")
	}

	changed := *base
	changed.Params.MaxTokens = 65
	if Fingerprint(&changed, "mA") == f1 {
		t.Errorf("changing max_tokens should change the fingerprint")
	}

	changedModel := *base
	if Fingerprint(&changedModel, "mB") == f1 {
		t.Errorf("changing model should change the fingerprint")
	}
}

// TestCompressionRoundTrip checks large payloads survive the zstd path.
func TestCompressionRoundTrip(t *testing.T) {
	c := New(1 << 20, nil)
	big := make([]byte, compressThreshold*4)
	for i := range big {
		big[i] = byte(i % 251)
	}
	if err := c.Insert("big", big, 0, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, ok := c.Get("big")
	if !ok {
		t.Fatalf("expected hit")
	}
	if len(got) != len(big) {
		t.Fatalf("round-trip length mismatch: got %d want %d", len(got), len(big))
	}
	for i := range got {
		if got[i] != big[i] {
			t.Fatalf("round-trip mismatch at %d", i)
		}
	}
}
