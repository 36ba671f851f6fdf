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

// Package mempool implements a power-of-two block allocator with per-size
// free-list reuse, gated against a configured megabyte ceiling (spec §4.1).
package mempool

import (
	"fmt"
	"sync"

	"ulir/internal/ulerr"
)

const maxFreeListLen = 10
const pruneAboveLen = 5

// BlockID identifies an outstanding allocation. Exclusive: the caller holds
// the block until Deallocate.
type BlockID uint64

type block struct {
	size int
	buf  []byte
}

// Pool is a thread-safe power-of-two block allocator.
type Pool struct {
	mu         sync.Mutex
	freeLists  map[int][][]byte // size -> stack of reusable buffers
	allocated  map[BlockID]block
	nextID     BlockID
	usedBytes  int64
	ceilingMB  int64
}

// New creates a pool gated at ceilingMB megabytes of simultaneously
// allocated memory (0 means unbounded).
func New(ceilingMB int64) *Pool {
	return &Pool{
		freeLists: make(map[int][][]byte),
		allocated: make(map[BlockID]block),
		ceilingMB: ceilingMB,
	}
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Allocate returns a (block id, mutable slice) of at least size bytes,
// rounded up to the next power of two. The slice is exclusively owned by
// the caller until Deallocate.
func (p *Pool) Allocate(size int) (BlockID, []byte, error) {
	if size < 0 {
		return 0, nil, ulerr.New(ulerr.KindInvalidArgument, "negative allocation size %d", size)
	}
	rounded := nextPow2(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ceilingMB > 0 {
		want := p.usedBytes + int64(rounded)
		if want > p.ceilingMB<<20 {
			// Prune free lists down to pruneAboveLen before giving up, per
			// spec §4.1: "the pool first prunes each free-list above 5
			// entries before failing".
			p.pruneLocked()
			want = p.usedBytes + int64(rounded)
			if want > p.ceilingMB<<20 {
				return 0, nil, ulerr.New(ulerr.KindResourceExhausted,
					"allocate %d bytes would exceed %d MB ceiling", rounded, p.ceilingMB)
			}
		}
	}

	var buf []byte
	if list := p.freeLists[rounded]; len(list) > 0 {
		buf = list[len(list)-1]
		p.freeLists[rounded] = list[:len(list)-1]
	} else {
		buf = make([]byte, rounded)
	}

	p.nextID++
	id := p.nextID
	p.allocated[id] = block{size: rounded, buf: buf}
	p.usedBytes += int64(rounded)
	return id, buf, nil
}

// pruneLocked drops free-list entries above pruneAboveLen per size class.
// Must be called with p.mu held.
func (p *Pool) pruneLocked() {
	for size, list := range p.freeLists {
		if len(list) > pruneAboveLen {
			p.freeLists[size] = list[:pruneAboveLen]
		}
	}
}

// Deallocate releases a block back to its free list, capped at
// maxFreeListLen retained blocks per size; overflow is released to the
// system allocator (simply dropped). Idempotent on unknown ids.
func (p *Pool) Deallocate(id BlockID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.allocated[id]
	if !ok {
		return
	}
	delete(p.allocated, id)
	p.usedBytes -= int64(b.size)

	list := p.freeLists[b.size]
	if len(list) < maxFreeListLen {
		p.freeLists[b.size] = append(list, b.buf)
	}
	// else: overflow, let GC reclaim buf.
}

// Stats describes free-list occupancy by size class.
type Stats struct {
	UsedBytes     int64
	FreeListSizes map[int]int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	sizes := make(map[int]int, len(p.freeLists))
	for size, list := range p.freeLists {
		sizes[size] = len(list)
	}
	return Stats{UsedBytes: p.usedBytes, FreeListSizes: sizes}
}

func (s Stats) String() string {
	return fmt.Sprintf("used=%d bytes, free-lists=%v", s.UsedBytes, s.FreeListSizes)
}
