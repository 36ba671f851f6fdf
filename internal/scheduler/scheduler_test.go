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

package scheduler

import (
	"testing"
	"time"

	"ulir/internal/model"
	"ulir/internal/modelhandle"
	"ulir/internal/registry"
)

func alwaysExists(string) bool { return true }

func newTestScheduler(t *testing.T, tokenDelay time.Duration) (*Scheduler, *registry.Registry) {
	t.Helper()
	factory := modelhandle.NewEchoFactory(tokenDelay)
	reg := registry.New(factory, 8)
	if err := reg.Register("m1", "/models/m1", nil, alwaysExists); err != nil {
		t.Fatalf("register: %v", err)
	}
	s := New(reg, factory, Config{Capacity: 16, DefaultModel: "m1", MaxConcurrent: 2}, nil)
	s.Start(1) // single inference slot: dispatch order is deterministic for priority tests
	t.Cleanup(func() {
		s.Stop()
		reg.Stop()
	})
	return s, reg
}

func TestSubmitDispatchesAndCompletes(t *testing.T) {
	s, _ := newTestScheduler(t, 0)
	req := &model.Request{ID: "r1", Prompt: "hello world", Params: model.GenParams{MaxTokens: 2}, SubmittedAt: time.Now()}
	done, err := s.Submit(req, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case out := <-done:
		if out.Err != nil {
			t.Fatalf("unexpected error: %v", out.Err)
		}
		if out.Result.Text == "" {
			t.Error("expected non-empty generated text")
		}
		if out.Result.TokenCount != 2 {
			t.Errorf("expected 2 tokens, got %d", out.Result.TokenCount)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

// TestPriorityOrdering covers spec §8 property 1: higher-priority requests
// dispatch before lower-priority ones submitted earlier.
func TestPriorityOrdering(t *testing.T) {
	s, _ := newTestScheduler(t, 20*time.Millisecond)
	// Occupy the single inference slot long enough that both "low" and
	// "high" land in the queue together, so dispatch order is decided by
	// priority rather than submission race.
	blockDone, err := s.Submit(&model.Request{ID: "block", Prompt: "x y z", Params: model.GenParams{MaxTokens: 3}, SubmittedAt: time.Now()}, nil)
	if err != nil {
		t.Fatalf("submit block: %v", err)
	}

	var order []string
	lowDone, _ := s.Submit(&model.Request{ID: "low", Prompt: "low", Params: model.GenParams{MaxTokens: 1}, Priority: model.PriorityLow, SubmittedAt: time.Now()}, nil)
	highDone, _ := s.Submit(&model.Request{ID: "high", Prompt: "high", Params: model.GenParams{MaxTokens: 1}, Priority: model.PriorityCritical, SubmittedAt: time.Now()}, nil)

	for i := 0; i < 2; i++ {
		select {
		case out := <-lowDone:
			order = append(order, out.Result.RequestID)
			lowDone = nil
		case out := <-highDone:
			order = append(order, out.Result.RequestID)
			highDone = nil
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
		if lowDone == nil && highDone == nil {
			break
		}
	}
	if len(order) < 1 || order[0] != "high" {
		t.Fatalf("expected 'high' to dispatch first, got order %v", order)
	}
}

// TestCancelWhileQueuedIsIdempotent covers spec §8 property 9.
func TestCancelWhileQueuedIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t, 50*time.Millisecond)
	blockDone, _ := s.Submit(&model.Request{ID: "block", Prompt: "x", Params: model.GenParams{MaxTokens: 5}, SubmittedAt: time.Now()}, nil)

	done, err := s.Submit(&model.Request{ID: "r2", Prompt: "queued", Params: model.GenParams{MaxTokens: 1}, SubmittedAt: time.Now()}, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !s.Cancel("r2") {
		t.Fatal("expected first cancel to return true")
	}
	if s.Cancel("r2") {
		t.Fatal("expected second cancel to return false")
	}
	select {
	case out := <-done:
		if out.Err == nil {
			t.Fatal("expected cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation outcome")
	}
	<-blockDone
}

func TestQueueFullRejectsAdmission(t *testing.T) {
	factory := modelhandle.NewEchoFactory(time.Hour)
	reg := registry.New(factory, 8)
	_ = reg.Register("m1", "/models/m1", nil, alwaysExists)
	s := New(reg, factory, Config{Capacity: 1, DefaultModel: "m1"}, nil)
	s.Start(1)
	defer func() { s.Stop(); reg.Stop() }()

	if _, err := s.Submit(&model.Request{ID: "a", Prompt: "x", Params: model.GenParams{MaxTokens: 1}, SubmittedAt: time.Now()}, nil); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := s.Submit(&model.Request{ID: "b", Prompt: "x", Params: model.GenParams{MaxTokens: 1}, SubmittedAt: time.Now()}, nil); err == nil {
		t.Fatal("expected QueueFull on second submit")
	}
}
