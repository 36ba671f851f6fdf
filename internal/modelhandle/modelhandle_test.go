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

package modelhandle

import (
	"context"
	"testing"

	"ulir/internal/model"
)

func TestEchoHandleRespectsMaxTokens(t *testing.T) {
	h := EchoHandle{}
	var tokens []model.Token
	text, terminal, err := h.Generate(context.Background(), "the quick brown fox jumps", model.GenParams{MaxTokens: 3}, func(t model.Token) bool {
		tokens = append(tokens, t)
		return true
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(tokens) != 3 {
		t.Fatalf("expected 3 tokens, got %d", len(tokens))
	}
	if terminal != model.ReasonLength {
		t.Errorf("expected ReasonLength, got %s", terminal)
	}
	if text == "" {
		t.Error("expected non-empty accumulated text")
	}
}

func TestEchoHandleStopSequence(t *testing.T) {
	h := EchoHandle{}
	_, terminal, err := h.Generate(context.Background(), "alpha beta gamma", model.GenParams{MaxTokens: 10, StopSequences: []string{"beta"}}, func(model.Token) bool { return true })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if terminal != model.ReasonStop {
		t.Errorf("expected ReasonStop, got %s", terminal)
	}
}

func TestEchoHandleHonorsEmitFalse(t *testing.T) {
	h := EchoHandle{}
	count := 0
	_, terminal, err := h.Generate(context.Background(), "one two three four five", model.GenParams{MaxTokens: 100}, func(model.Token) bool {
		count++
		return count < 2
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if count != 2 {
		t.Errorf("expected emit called exactly twice, got %d", count)
	}
	if terminal != model.ReasonCancelled {
		t.Errorf("expected ReasonCancelled, got %s", terminal)
	}
}

func TestEchoHandleContextCancellation(t *testing.T) {
	h := EchoHandle{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, terminal, err := h.Generate(ctx, "a b c", model.GenParams{MaxTokens: 10}, func(model.Token) bool { return true })
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if terminal != model.ReasonCancelled {
		t.Errorf("expected ReasonCancelled, got %s", terminal)
	}
}

func TestFactoryTracksHandlesAcrossLoadUnload(t *testing.T) {
	f := NewEchoFactory(0)
	if _, ok := f.Handle("m1"); ok {
		t.Fatal("expected no handle before load")
	}
	if _, err := f.Load("m1", "/models/m1", nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := f.Handle("m1"); !ok {
		t.Fatal("expected handle after load")
	}
	if err := f.Unload("m1"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if _, ok := f.Handle("m1"); ok {
		t.Fatal("expected handle removed after unload")
	}
}

func TestEchoFactoryRejectsEmptyPath(t *testing.T) {
	f := NewEchoFactory(0)
	if _, err := f.Load("m1", "", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}
