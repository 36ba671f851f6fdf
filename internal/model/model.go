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

// Package model defines the data types shared across the inference runtime:
// requests, generation results, model descriptors, cache entries, stream
// connections, tokens and vector records. Types here are plain structs, not
// open maps — the ambient "no ad-hoc dicts" rule from the design notes.
package model

import "time"

// Priority is the admission priority class. Higher values dispatch first;
// within a class, dispatch is FIFO by SubmittedAt.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// GenParams are the decoding parameters affecting determinism and therefore
// the cache fingerprint. Field order here matches the canonical fingerprint
// form in spec §6.
type GenParams struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	TopK          int
	StopSequences []string
}

// Request is immutable once admitted by the Scheduler.
type Request struct {
	ID          string
	Prompt      string
	Model       string // optional selector; empty means "use default"
	Params      GenParams
	Priority    Priority
	Stream      bool
	SubmittedAt time.Time
	Deadline    time.Time // zero value means no deadline
}

// HasDeadline reports whether a deadline was set.
func (r *Request) HasDeadline() bool { return !r.Deadline.IsZero() }

// TerminalReason names why a generation (or stream) stopped.
type TerminalReason string

const (
	ReasonStop      TerminalReason = "stop"
	ReasonLength    TerminalReason = "length"
	ReasonCancelled TerminalReason = "cancelled"
	ReasonError     TerminalReason = "error"
)

// GenerationResult is the terminal, non-streaming (or fully-drained
// streaming) outcome of a request.
type GenerationResult struct {
	RequestID     string
	ModelID       string
	Text          string
	TokenCount    int
	QueueWaitMS   int64
	ProcessingMS  int64
	CacheHit      bool
	Terminal      TerminalReason
}

// Token is one emitted piece of generated text.
type Token struct {
	Text       string
	Index      int // monotonic per stream, starting at 0
	TimestampMS int64
	LogProb    *float64
	Terminal   *TerminalReason
}

// ResidencyState is a ModelDescriptor's lifecycle state (spec §3 invariant:
// transitions are one-way Unloaded->Loading->Loaded->Unloading->Unloaded,
// with Error reachable from any state). A descriptor leaves Error either by
// Unload (Error->Unloaded) or by a new Load (Error->Loading).
type ResidencyState int

const (
	Unloaded ResidencyState = iota
	Loading
	Loaded
	Unloading
	Error
)

func (s ResidencyState) String() string {
	switch s {
	case Unloaded:
		return "Unloaded"
	case Loading:
		return "Loading"
	case Loaded:
		return "Loaded"
	case Unloading:
		return "Unloading"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// CacheTier is the heat classification driving hybrid eviction order.
type CacheTier int

const (
	TierHot CacheTier = iota
	TierWarm
	TierCold
	TierArchive
)

func (t CacheTier) String() string {
	switch t {
	case TierHot:
		return "HOT"
	case TierWarm:
		return "WARM"
	case TierCold:
		return "COLD"
	case TierArchive:
		return "ARCHIVE"
	default:
		return "UNKNOWN"
	}
}

// ConnectionKind selects the transport framing a StreamConnection uses.
type ConnectionKind int

const (
	ConnWebSocketLike ConnectionKind = iota
	ConnServerSentEventsLike
	ConnInternal
)

// ConnectionState mirrors spec §3's StreamConnection lifecycle.
type ConnectionState int

const (
	ConnConnecting ConnectionState = iota
	ConnConnected
	ConnStreaming
	ConnPaused
	ConnError
	ConnDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case ConnConnecting:
		return "Connecting"
	case ConnConnected:
		return "Connected"
	case ConnStreaming:
		return "Streaming"
	case ConnPaused:
		return "Paused"
	case ConnError:
		return "Error"
	case ConnDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// MetadataFrame is a periodic stream-level update (spec §6).
type MetadataFrame struct {
	StreamID        string
	RequestID       string
	ModelID         string
	TotalTokens     int
	TokensPerSecond float64
	LatencyMS       float64
}
