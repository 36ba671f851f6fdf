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

package controller

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ulir/internal/config"
	"ulir/internal/model"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	cfg := config.Default()
	cfg.MaxQueueSize = 16
	cfg.MaxConnections = 8
	cfg.ConnectionQueueCapacity = 16
	cfg.CleanupIntervalSeconds = 1
	cfg.StreamTimeoutSeconds = 1

	ctl, err := New(cfg, Options{DefaultModel: "echo"})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	modelPath := filepath.Join(t.TempDir(), "echo.bin")
	if err := os.WriteFile(modelPath, []byte("stub"), 0o644); err != nil {
		t.Fatalf("write stub model file: %v", err)
	}
	if err := ctl.RegisterModel("echo", modelPath, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := ctl.LoadModel("echo", false); err != nil {
		t.Fatalf("load: %v", err)
	}
	ctl.Start()
	t.Cleanup(func() { ctl.Shutdown(time.Second) })
	return ctl
}

func baseRequest(id string) *model.Request {
	return &model.Request{
		ID:          id,
		Prompt:      "the quick brown fox",
		Model:       "echo",
		Params:      model.GenParams{MaxTokens: 3},
		SubmittedAt: time.Now(),
	}
}

func TestGenerateNonStreamingRoundTrip(t *testing.T) {
	ctl := newTestController(t)
	resp, err := ctl.Generate(baseRequest("r1"), nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Result.TokenCount != 3 {
		t.Errorf("expected 3 tokens, got %d", resp.Result.TokenCount)
	}
	if resp.Result.CacheHit {
		t.Error("expected a cache miss on first request")
	}
}

// TestGenerateCacheHitShortCircuitsScheduler covers spec §4.12: an
// identical second request is served from the fingerprint cache, so its
// result is marked CacheHit.
func TestGenerateCacheHitShortCircuitsScheduler(t *testing.T) {
	ctl := newTestController(t)
	if _, err := ctl.Generate(baseRequest("r1"), nil); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	// Let onComplete's cache insert land before the repeat request.
	time.Sleep(50 * time.Millisecond)

	resp, err := ctl.Generate(baseRequest("r2"), nil)
	if err != nil {
		t.Fatalf("second generate: %v", err)
	}
	if !resp.Result.CacheHit {
		t.Fatal("expected second identical request to be served from cache")
	}
}

func TestGenerateStreamingDeliversTokensInOrder(t *testing.T) {
	ctl := newTestController(t)
	req := baseRequest("r3")
	req.Stream = true
	resp, err := ctl.Generate(req, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Stream == nil {
		t.Fatal("expected a streaming connection")
	}
	last := -1
	for {
		tok, ok := resp.Stream.Recv()
		if !ok {
			break
		}
		if tok.Index <= last {
			t.Fatalf("out-of-order token index %d after %d", tok.Index, last)
		}
		last = tok.Index
	}
	select {
	case out := <-resp.Outcome:
		if out.Err != nil {
			t.Fatalf("unexpected outcome error: %v", out.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream outcome")
	}
}

func TestGenerateRejectsInvalidRequest(t *testing.T) {
	ctl := newTestController(t)
	req := baseRequest("bad")
	req.Params.MaxTokens = 0
	if _, err := ctl.Generate(req, nil); err == nil {
		t.Fatal("expected validation error for zero max_tokens")
	}
}

func TestStatusReflectsCompletedRequests(t *testing.T) {
	ctl := newTestController(t)
	if _, err := ctl.Generate(baseRequest("r4"), nil); err != nil {
		t.Fatalf("generate: %v", err)
	}
	status := ctl.Status()
	if status.Status != "healthy" {
		t.Errorf("expected healthy status, got %s", status.Status)
	}
	if status.Resources.ActiveModels != 1 {
		t.Errorf("expected 1 active model, got %d", status.Resources.ActiveModels)
	}
}

func TestCancelUnknownRequestIsFalse(t *testing.T) {
	ctl := newTestController(t)
	if ctl.Cancel("does-not-exist") {
		t.Fatal("expected cancel of unknown request to return false")
	}
}

// TestConcurrentGenerateDoesNotRace is a smoke test: concurrent Generate calls against one
// Controller must not race on the atomic counters or cache.
func TestConcurrentGenerateDoesNotRace(t *testing.T) {
	ctl := newTestController(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := baseRequest(string(rune('a' + i)))
			if _, err := ctl.Generate(req, nil); err != nil {
				t.Errorf("generate %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
}
