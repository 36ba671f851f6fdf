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

package kvplanner

import "testing"

func TestPlanUnderCeiling(t *testing.T) {
	p := New(1<<40, nil) // huge ceiling, never compress
	plan := p.Plan("mA", 512, 1)
	if plan.Compression {
		t.Errorf("expected no compression under a huge ceiling")
	}
}

func TestPlanOverCeiling(t *testing.T) {
	p := New(1024, nil) // tiny ceiling, always compress
	plan := p.Plan("mA", 2048, 4)
	if !plan.Compression {
		t.Fatalf("expected compression over a tiny ceiling")
	}
	if plan.ChunkSize > 512 || plan.ChunkSize < 1 {
		t.Errorf("chunk size out of range: %d", plan.ChunkSize)
	}
	if plan.Ratio <= 0 || plan.Ratio >= 1 {
		t.Errorf("ratio should be in (0,1): %v", plan.Ratio)
	}
}

func TestPlanMemoized(t *testing.T) {
	calls := 0
	p := New(1<<40, func(string) ModelShape {
		calls++
		return DefaultShape
	})
	p.Plan("mA", 512, 1)
	p.Plan("mA", 512, 1)
	if calls != 1 {
		t.Errorf("expected shapeFor called once due to memoization, got %d", calls)
	}
}
