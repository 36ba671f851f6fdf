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

package batchplanner

import "testing"

func TestSnapPow2OrMult8(t *testing.T) {
	cases := map[int]int{0: 1, 1: 1, 7: 4, 8: 8, 15: 8, 16: 16, 31: 24, 32: 32, 100: 96}
	for in, want := range cases {
		if got := snapPow2OrMult8(in); got != want {
			t.Errorf("snapPow2OrMult8(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestPlanMinimumOne(t *testing.T) {
	p := New(nil)
	if got := p.Plan("mA", 4096, 1); got < 1 {
		t.Errorf("batch size must be >= 1, got %d", got)
	}
}

func TestHistoryTruncation(t *testing.T) {
	p := New(nil)
	for i := 0; i < 150; i++ {
		p.RecordSample("cfg", Sample{Throughput: float64(i)})
	}
	h := p.History("cfg")
	// Sample 101 pushes the history past its cap and truncates it to
	// truncateTo; samples 102-150 are appended after that.
	if want := truncateTo + 49; len(h) != want {
		t.Errorf("expected %d samples after truncation to %d, got %d", want, truncateTo, len(h))
	}
	if h[len(h)-1].Throughput != 149 {
		t.Errorf("expected most recent sample retained, got %v", h[len(h)-1])
	}
}
