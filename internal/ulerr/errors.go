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

// Package ulerr defines the error taxonomy surfaced to callers of the
// Unified Local Inference Runtime. Component-local errors are normalized to
// one of these kinds at the Controller boundary; everything upstream of that
// boundary is free to return plain wrapped errors.
package ulerr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind is one of the closed set of error categories a caller can switch on
// via errors.Is.
type Kind int

const (
	// KindInternal is the catch-all for unexpected failures. Always carries
	// a trace id so an operator can correlate a user report with logs.
	KindInternal Kind = iota
	KindNotFound
	KindInvalidArgument
	KindQueueFull
	KindDeadlineExceeded
	KindResourceExhausted
	KindModelNotReady
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindQueueFull:
		return "QueueFull"
	case KindDeadlineExceeded:
		return "DeadlineExceeded"
	case KindResourceExhausted:
		return "ResourceExhausted"
	case KindModelNotReady:
		return "ModelNotReady"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Internal"
	}
}

// Sentinel errors for use with errors.Is. Construct wrapped instances with
// the New/Wrap helpers below; these bare values exist purely as match targets.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrQueueFull        = errors.New("queue full")
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrModelNotReady    = errors.New("model not ready")
	ErrCancelled        = errors.New("cancelled")
	ErrInternal         = errors.New("internal error")
)

func sentinelFor(k Kind) error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindQueueFull:
		return ErrQueueFull
	case KindDeadlineExceeded:
		return ErrDeadlineExceeded
	case KindResourceExhausted:
		return ErrResourceExhausted
	case KindModelNotReady:
		return ErrModelNotReady
	case KindCancelled:
		return ErrCancelled
	default:
		return ErrInternal
	}
}

// Error is a taxonomy-tagged error. Internal errors carry a TraceID so a
// caller can hand an opaque correlation token back to support without
// leaking internal detail.
type Error struct {
	Kind    Kind
	Message string
	TraceID string
	cause   error
}

func (e *Error) Error() string {
	if e.TraceID != "" {
		return fmt.Sprintf("%s: %s (trace=%s)", e.Kind, e.Message, e.TraceID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, ulerr.ErrNotFound) match regardless of message/trace.
func (e *Error) Is(target error) bool {
	return errors.Is(sentinelFor(e.Kind), target)
}

// New constructs a taxonomy error. Internal errors get a fresh trace id.
func New(k Kind, format string, args ...any) error {
	e := &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
	if k == KindInternal {
		e.TraceID = uuid.NewString()
	}
	return e
}

// Wrap attaches a taxonomy kind to an underlying error, preserving it for
// errors.Unwrap/errors.As while making errors.Is(err, ulerr.ErrX) work.
func Wrap(k Kind, cause error, format string, args ...any) error {
	e := &Error{Kind: k, Message: fmt.Sprintf(format, args...), cause: cause}
	if k == KindInternal {
		e.TraceID = uuid.NewString()
	}
	return e
}

// KindOf extracts the Kind of an error produced by New/Wrap, defaulting to
// KindInternal for anything else (including plain errors from collaborators
// that haven't been normalized yet).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
