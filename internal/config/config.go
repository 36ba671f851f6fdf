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

// Package config loads the environment-class configuration described in
// spec §6. Precedence, lowest to highest: compiled-in defaults, an optional
// YAML file, environment variables. This mirrors the teacher's
// cmd/ratelimiter-api/main.go flag-parse-then-record shape, generalized to
// three sources instead of one.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of knobs named in spec §6, each with the
// documented default.
type Config struct {
	MaxConcurrentModels       int           `yaml:"max_concurrent_models"`
	MaxBatchSize              int           `yaml:"max_batch_size"`
	MaxQueueSize              int           `yaml:"max_queue_size"`
	CacheSizeMB               int           `yaml:"cache_size_mb"`
	MemoryPoolMB              int           `yaml:"memory_pool_mb"`
	KVCacheMB                 int           `yaml:"kv_cache_mb"`
	QueueTimeoutSeconds       int           `yaml:"queue_timeout_seconds"`
	StreamTimeoutSeconds      int           `yaml:"stream_timeout_seconds"`
	CleanupIntervalSeconds    int           `yaml:"cleanup_interval_seconds"`
	MetricsUpdateIntervalSecs int           `yaml:"metrics_update_interval_seconds"`
	MaxConnections            int           `yaml:"max_connections"`
	ConnectionQueueCapacity   int           `yaml:"connection_queue_capacity"`
}

// Default returns the documented defaults (spec §3, §4.9, §4.10, §4.12).
func Default() Config {
	return Config{
		MaxConcurrentModels:       2,
		MaxBatchSize:              64,
		MaxQueueSize:              1000,
		CacheSizeMB:               512,
		MemoryPoolMB:              256,
		KVCacheMB:                 1024,
		QueueTimeoutSeconds:       30,
		StreamTimeoutSeconds:      300,
		CleanupIntervalSeconds:    30,
		MetricsUpdateIntervalSecs: 10,
		MaxConnections:            100,
		ConnectionQueueCapacity:   1000,
	}
}

// LoadFile merges a YAML file on top of the receiver, leaving fields absent
// from the file untouched.
func (c Config) LoadFile(path string) (Config, error) {
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c, nil
}

// envInt overrides dst with the parsed value of the named env var, if set
// and parseable; otherwise dst is returned unchanged.
func envInt(name string, dst int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return dst
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return dst
	}
	return n
}

// LoadEnv applies environment-variable overrides, named "ULIR_" + the
// upper-cased yaml tag.
func (c Config) LoadEnv() Config {
	c.MaxConcurrentModels = envInt("ULIR_MAX_CONCURRENT_MODELS", c.MaxConcurrentModels)
	c.MaxBatchSize = envInt("ULIR_MAX_BATCH_SIZE", c.MaxBatchSize)
	c.MaxQueueSize = envInt("ULIR_MAX_QUEUE_SIZE", c.MaxQueueSize)
	c.CacheSizeMB = envInt("ULIR_CACHE_SIZE_MB", c.CacheSizeMB)
	c.MemoryPoolMB = envInt("ULIR_MEMORY_POOL_MB", c.MemoryPoolMB)
	c.KVCacheMB = envInt("ULIR_KV_CACHE_MB", c.KVCacheMB)
	c.QueueTimeoutSeconds = envInt("ULIR_QUEUE_TIMEOUT_SECONDS", c.QueueTimeoutSeconds)
	c.StreamTimeoutSeconds = envInt("ULIR_STREAM_TIMEOUT_SECONDS", c.StreamTimeoutSeconds)
	c.CleanupIntervalSeconds = envInt("ULIR_CLEANUP_INTERVAL_SECONDS", c.CleanupIntervalSeconds)
	c.MetricsUpdateIntervalSecs = envInt("ULIR_METRICS_UPDATE_INTERVAL_SECONDS", c.MetricsUpdateIntervalSecs)
	c.MaxConnections = envInt("ULIR_MAX_CONNECTIONS", c.MaxConnections)
	c.ConnectionQueueCapacity = envInt("ULIR_CONNECTION_QUEUE_CAPACITY", c.ConnectionQueueCapacity)
	return c
}

// Load builds the effective config: defaults, then an optional YAML file,
// then environment overrides.
func Load(yamlPath string) (Config, error) {
	c, err := Default().LoadFile(yamlPath)
	if err != nil {
		return Config{}, err
	}
	return c.LoadEnv(), nil
}

func (c Config) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutSeconds) * time.Second
}

func (c Config) StreamTimeout() time.Duration {
	return time.Duration(c.StreamTimeoutSeconds) * time.Second
}

func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}
