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

// Package cache implements the content-addressed Fingerprint Cache (spec
// §4.3): a single mutex guards a map from fingerprint to CacheEntry, bounded
// by a byte ceiling and evicted under a hybrid (expiry > cold/archive
// access-count > global LRU) policy. The shape — one lock, a background
// sweep goroutine with its own stop channel — is the same one the teacher
// uses for core.Store plus core.Worker, collapsed into a single type since
// the cache's "store" and "background janitor" are small enough to share a
// lock without contention concerns.
package cache

import (
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"ulir/internal/model"
)

// compressThreshold is the payload size above which entries are zstd
// compressed before being counted against capacity and stored.
const compressThreshold = 4096

// Entry is the user-visible view of a cached artifact (spec §3 CacheEntry).
type Entry struct {
	Key          string
	Size         int // size actually counted against capacity (compressed if applicable)
	AccessCount  int64
	FirstInsert  time.Time
	LastAccess   time.Time
	Expiry       time.Time // zero means no expiry
	Tags         []string
	Tier         model.CacheTier
}

type entry struct {
	payload     []byte
	compressed  bool
	size        int
	accessCount int64
	firstInsert time.Time
	lastAccess  time.Time
	expiry      time.Time
	tags        map[string]struct{}
	tier        model.CacheTier
}

// Mirror is an optional write-through durability backend. Failures degrade
// to bypass per spec §7 — the in-memory cache remains authoritative.
type Mirror interface {
	Set(key string, payload []byte, ttl time.Duration) error
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
}

// Cache is the thread-safe Fingerprint Cache.
type Cache struct {
	mu            sync.Mutex
	entries       map[string]*entry
	capacityBytes int64
	usedBytes     int64

	mirror   Mirror
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a cache with the given byte ceiling. A nil mirror disables
// the optional durability write-through.
func New(capacityBytes int64, mirror Mirror) *Cache {
	enc, _ := zstd.NewWriter(nil)
	dec, _ := zstd.NewReader(nil)
	return &Cache{
		entries:       make(map[string]*entry),
		capacityBytes: capacityBytes,
		mirror:        mirror,
		encoder:       enc,
		decoder:       dec,
		stopCh:        make(chan struct{}),
	}
}

// StartSweep launches the background expired-entry sweep on the given
// interval. Safe to call at most once.
func (c *Cache) StartSweep(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.sweepExpired()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the background sweep.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Cache) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	for k, e := range c.entries {
		if !e.expiry.IsZero() && e.expiry.Before(now) {
			c.removeLocked(k, e)
		}
	}
	c.mu.Unlock()
}

// removeLocked deletes an entry and accounts for its size. Caller holds mu.
func (c *Cache) removeLocked(key string, e *entry) {
	delete(c.entries, key)
	c.usedBytes -= int64(e.size)
	if c.mirror != nil {
		_ = c.mirror.Delete(key) // best-effort; mirror failures never block eviction
	}
}

func tierForAccessCount(n int64) model.CacheTier {
	switch {
	case n > 10:
		return model.TierHot
	case n > 5:
		return model.TierWarm
	default:
		return model.TierCold
	}
}

// Insert stores payload under key with an optional ttl (zero means no
// expiry) and tag set. Large payloads are transparently zstd-compressed.
// If inserting would exceed capacity, entries are evicted per the hybrid
// policy (spec §4.3) until there is room.
func (c *Cache) Insert(key string, payload []byte, ttl time.Duration, tags []string) error {
	stored := payload
	compressed := false
	if len(payload) > compressThreshold {
		stored = c.encoder.EncodeAll(payload, nil)
		compressed = true
	}

	tagSet := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}

	now := time.Now()
	var expiry time.Time
	if ttl > 0 {
		expiry = now.Add(ttl)
	}

	newSize := len(stored)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.usedBytes -= int64(old.size)
	}

	for c.usedBytes+int64(newSize) > c.capacityBytes && len(c.entries) > 0 {
		victim := c.selectVictimLocked()
		if victim == "" {
			break
		}
		c.removeLocked(victim, c.entries[victim])
	}

	c.entries[key] = &entry{
		payload:     stored,
		compressed:  compressed,
		size:        newSize,
		accessCount: 0,
		firstInsert: now,
		lastAccess:  now,
		expiry:      expiry,
		tags:        tagSet,
		tier:        model.TierCold,
	}
	c.usedBytes += int64(newSize)

	if c.mirror != nil {
		_ = c.mirror.Set(key, stored, ttl) // best-effort
	}
	return nil
}

// selectVictimLocked implements the hybrid eviction priority from spec
// §4.3. Caller holds mu and len(c.entries) > 0.
func (c *Cache) selectVictimLocked() string {
	now := time.Now()

	// 1. any expired entry first.
	for k, e := range c.entries {
		if !e.expiry.IsZero() && e.expiry.Before(now) {
			return k
		}
	}

	// 2. among COLD/ARCHIVE entries, minimize (access-count, -age) i.e.
	// lowest access count, ties broken by oldest (largest age).
	var bestKey string
	var bestCount int64 = -1
	var bestAge time.Duration
	for k, e := range c.entries {
		if e.tier != model.TierCold && e.tier != model.TierArchive {
			continue
		}
		age := now.Sub(e.firstInsert)
		if bestKey == "" || e.accessCount < bestCount ||
			(e.accessCount == bestCount && age > bestAge) {
			bestKey, bestCount, bestAge = k, e.accessCount, age
		}
	}
	if bestKey != "" {
		return bestKey
	}

	// 3. otherwise, least-recently-accessed across all tiers.
	var lruKey string
	var lruTime time.Time
	for k, e := range c.entries {
		if lruKey == "" || e.lastAccess.Before(lruTime) {
			lruKey, lruTime = k, e.lastAccess
		}
	}
	return lruKey
}

// Get retrieves a payload by key. A miss or an expired-on-read entry both
// report ok=false; an expired entry is removed inline. A hit increments the
// access counter, updates last-access and promotes tier per the count
// thresholds in spec §4.3.
func (c *Cache) Get(key string) (payload []byte, ok bool) {
	c.mu.Lock()
	e, found := c.entries[key]
	if !found {
		c.mu.Unlock()
		return nil, false
	}
	if !e.expiry.IsZero() && e.expiry.Before(time.Now()) {
		c.removeLocked(key, e)
		c.mu.Unlock()
		return nil, false
	}
	e.accessCount++
	e.lastAccess = time.Now()
	e.tier = tierForAccessCount(e.accessCount)
	payload = e.payload
	compressed := e.compressed
	c.mu.Unlock()

	if !compressed {
		return payload, true
	}
	out, err := c.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Invalidate removes every entry whose tag set intersects tags, returning
// the count removed.
func (c *Cache) Invalidate(tags []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		for _, t := range tags {
			if _, ok := e.tags[t]; ok {
				c.removeLocked(k, e)
				removed++
				break
			}
		}
	}
	return removed
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// UsedBytes returns the current sum of stored (possibly compressed) sizes.
func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}

// Snapshot returns a point-in-time copy of all entries, for status/debug
// reporting. Payload bytes are not included.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for k, e := range c.entries {
		tags := make([]string, 0, len(e.tags))
		for t := range e.tags {
			tags = append(tags, t)
		}
		out = append(out, Entry{
			Key: k, Size: e.size, AccessCount: e.accessCount,
			FirstInsert: e.firstInsert, LastAccess: e.lastAccess,
			Expiry: e.expiry, Tags: tags, Tier: e.tier,
		})
	}
	return out
}
