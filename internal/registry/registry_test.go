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

package registry

import (
	"errors"
	"testing"
	"time"

	"ulir/internal/model"
)

type fakeLoader struct {
	failAlias string
	loadDelay time.Duration
}

func (f *fakeLoader) Load(alias, path string, config map[string]string) (int64, error) {
	if f.loadDelay > 0 {
		time.Sleep(f.loadDelay)
	}
	if alias == f.failAlias {
		return 0, errors.New("boom")
	}
	return 1024, nil
}

func (f *fakeLoader) Unload(alias string) error { return nil }

func alwaysExists(string) bool { return true }

func TestRegisterLoadUnloadCycle(t *testing.T) {
	r := New(&fakeLoader{}, 8)
	defer r.Stop()

	if err := r.Register("m1", "/models/m1", nil, alwaysExists); err != nil {
		t.Fatalf("register: %v", err)
	}
	d, _ := r.Get("m1")
	if d.State != model.Unloaded {
		t.Fatalf("expected Unloaded, got %s", d.State)
	}
	if err := r.Load("m1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	d, _ = r.Get("m1")
	if d.State != model.Loaded {
		t.Fatalf("expected Loaded, got %s", d.State)
	}
	if d.FootprintByte != 1024 {
		t.Errorf("expected footprint 1024, got %d", d.FootprintByte)
	}
	if err := r.Unload("m1"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	d, _ = r.Get("m1")
	if d.State != model.Unloaded {
		t.Fatalf("expected Unloaded after unload, got %s", d.State)
	}
}

func TestLoadFailureTransitionsToError(t *testing.T) {
	r := New(&fakeLoader{failAlias: "bad"}, 8)
	defer r.Stop()
	_ = r.Register("bad", "/models/bad", nil, alwaysExists)
	if err := r.Load("bad"); err == nil {
		t.Fatal("expected load error")
	}
	d, _ := r.Get("bad")
	if d.State != model.Error {
		t.Fatalf("expected Error state, got %s", d.State)
	}
	// recovery: unload from Error succeeds.
	if err := r.Unload("bad"); err != nil {
		t.Fatalf("unload from error: %v", err)
	}
}

func TestRegisterRejectsMissingPath(t *testing.T) {
	r := New(&fakeLoader{}, 8)
	defer r.Stop()
	err := r.Register("m1", "/nope", nil, func(string) bool { return false })
	if err == nil {
		t.Fatal("expected rejection for missing path")
	}
}

func TestLRUCandidateExcludesInUseAndTarget(t *testing.T) {
	r := New(&fakeLoader{}, 8)
	defer r.Stop()
	_ = r.Register("old", "/m/old", nil, alwaysExists)
	_ = r.Register("new", "/m/new", nil, alwaysExists)
	_ = r.Load("old")
	time.Sleep(2 * time.Millisecond)
	_ = r.Load("new")

	alias, ok := r.LRUCandidate("new")
	if !ok || alias != "old" {
		t.Fatalf("expected 'old' as LRU candidate, got %q ok=%v", alias, ok)
	}

	r.MarkInUse("old", 1)
	_, ok = r.LRUCandidate("new")
	if ok {
		t.Fatal("expected no eviction candidate while in use")
	}
}

func TestOccupancyCount(t *testing.T) {
	r := New(&fakeLoader{}, 8)
	defer r.Stop()
	_ = r.Register("a", "/m/a", nil, alwaysExists)
	_ = r.Register("b", "/m/b", nil, alwaysExists)
	_ = r.Load("a")
	if got := r.OccupancyCount(); got != 1 {
		t.Errorf("expected occupancy 1, got %d", got)
	}
}

func TestGenerationTimeEMA(t *testing.T) {
	r := New(&fakeLoader{}, 8)
	defer r.Stop()
	_ = r.Register("m1", "/m/m1", nil, alwaysExists)
	r.ObserveGenerationTime("m1", 100)
	r.ObserveGenerationTime("m1", 200)
	avg := r.AverageGenerationTime("m1")
	if avg <= 100 || avg >= 200 {
		t.Errorf("expected EMA between observations, got %f", avg)
	}
}
