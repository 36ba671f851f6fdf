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
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisMirror is an optional write-through durability backend for the
// Fingerprint Cache, letting entries survive a process restart even though
// in-flight request state itself does not (spec §1 non-goals only exclude
// the latter). It reuses the teacher's persistence-adapter shape
// (persistence.RedisPersister / persistence.clients.go's GoRedisEvaler) but
// drops the idempotent-commit Lua script: cache writes are plain
// overwrite-on-SET, so there is no dedup concern to script around.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ctxTO  time.Duration
}

// NewRedisMirror wraps a go-redis client. addr is e.g. "127.0.0.1:6379".
func NewRedisMirror(addr, keyPrefix string) *RedisMirror {
	return &RedisMirror{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: keyPrefix,
		ctxTO:  2 * time.Second,
	}
}

func (m *RedisMirror) key(k string) string { return fmt.Sprintf("%sfp:%s", m.prefix, k) }

func (m *RedisMirror) Set(key string, payload []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.ctxTO)
	defer cancel()
	if ttl <= 0 {
		ttl = 0
	}
	return m.client.Set(ctx, m.key(key), payload, ttl).Err()
}

func (m *RedisMirror) Get(key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.ctxTO)
	defer cancel()
	b, err := m.client.Get(ctx, m.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (m *RedisMirror) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.ctxTO)
	defer cancel()
	return m.client.Del(ctx, m.key(key)).Err()
}
