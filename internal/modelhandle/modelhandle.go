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

// Package modelhandle defines the contract for the opaque model execution
// library the runtime calls into (spec §1: "the backing LLM execution
// library... treated as an opaque model handle that consumes a prompt and
// emits tokens"). Only the contract lives here; no real execution backend
// is part of this module. Factory additionally plays the role of
// registry.Loader so the Model Registry's state machine never needs to know
// the handle's concrete type.
package modelhandle

import (
	"context"
	"strings"
	"sync"
	"time"

	"ulir/internal/model"
	"ulir/internal/ulerr"
)

// Handle consumes a prompt and decoding parameters and emits tokens via
// emit, returning once generation is complete, cancelled, or failed. emit
// returns false when the caller (the Scheduler, on behalf of a
// disconnected or cancelled stream) wants generation to stop at the next
// safe boundary; Generate must honor that alongside ctx.Done().
type Handle interface {
	Generate(ctx context.Context, prompt string, params model.GenParams, emit func(model.Token) bool) (text string, terminal model.TerminalReason, err error)
}

// NewHandleFunc constructs a Handle for a newly-loaded model, returning its
// measured memory footprint in bytes alongside it.
type NewHandleFunc func(alias, path string, config map[string]string) (Handle, int64, error)

// Factory implements registry.Loader and tracks the live Handle for every
// currently-loaded alias, since the registry's Descriptor deliberately
// carries no handle-typed field (spec §1 keeps the handle type opaque to
// the registry's state machine).
type Factory struct {
	mu        sync.Mutex
	handles   map[string]Handle
	newHandle NewHandleFunc
}

// NewFactory builds a Factory that constructs handles with newHandle.
func NewFactory(newHandle NewHandleFunc) *Factory {
	return &Factory{handles: make(map[string]Handle), newHandle: newHandle}
}

// Load satisfies registry.Loader.
func (f *Factory) Load(alias, path string, config map[string]string) (int64, error) {
	h, footprint, err := f.newHandle(alias, path, config)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.handles[alias] = h
	f.mu.Unlock()
	return footprint, nil
}

// Unload satisfies registry.Loader.
func (f *Factory) Unload(alias string) error {
	f.mu.Lock()
	delete(f.handles, alias)
	f.mu.Unlock()
	return nil
}

// Handle returns the live handle for alias, if currently loaded.
func (f *Factory) Handle(alias string) (Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[alias]
	return h, ok
}

// EchoHandle is a small, deterministic Handle used where no real execution
// library is wired (default wiring, tests, examples): it tokenizes the
// prompt on whitespace and echoes each word back as a token, honoring
// MaxTokens and stop-sequences, with a configurable per-token delay to
// make streaming and backpressure observable.
type EchoHandle struct {
	TokenDelay time.Duration
}

func (h EchoHandle) Generate(ctx context.Context, prompt string, params model.GenParams, emit func(model.Token) bool) (string, model.TerminalReason, error) {
	words := strings.Fields(prompt)
	if len(words) == 0 {
		words = []string{"(empty prompt)"}
	}
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1
	}

	var out strings.Builder
	idx := 0
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return out.String(), model.ReasonCancelled, nil
		default:
		}
		if idx >= maxTokens {
			return out.String(), model.ReasonLength, nil
		}
		word := words[i%len(words)]
		if out.Len() > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(word)

		for _, stop := range params.StopSequences {
			if stop != "" && strings.HasSuffix(out.String(), stop) {
				tok := model.Token{Text: word, Index: idx, TimestampMS: time.Now().UnixMilli()}
				reason := model.ReasonStop
				tok.Terminal = &reason
				emit(tok)
				return out.String(), model.ReasonStop, nil
			}
		}

		tok := model.Token{Text: word, Index: idx, TimestampMS: time.Now().UnixMilli()}
		idx++
		if !emit(tok) {
			return out.String(), model.ReasonCancelled, nil
		}
		if h.TokenDelay > 0 {
			select {
			case <-ctx.Done():
				return out.String(), model.ReasonCancelled, nil
			case <-time.After(h.TokenDelay):
			}
		}
	}
}

// NewEchoFactory builds a Factory that always hands back an EchoHandle,
// rejecting nothing — used for default wiring and tests where no real
// model artifact needs to be read from disk.
func NewEchoFactory(tokenDelay time.Duration) *Factory {
	return NewFactory(func(alias, path string, config map[string]string) (Handle, int64, error) {
		if path == "" {
			return nil, 0, ulerr.New(ulerr.KindInvalidArgument, "model %s: empty path", alias)
		}
		return EchoHandle{TokenDelay: tokenDelay}, 256 << 20, nil
	})
}
