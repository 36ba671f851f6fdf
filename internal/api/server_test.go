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

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ulir/internal/config"
	"ulir/internal/controller"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.MaxQueueSize = 16
	cfg.MaxConnections = 8
	cfg.ConnectionQueueCapacity = 16
	cfg.CleanupIntervalSeconds = 1
	cfg.StreamTimeoutSeconds = 1

	ctl, err := controller.New(cfg, controller.Options{DefaultModel: "echo"})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	modelPath := filepath.Join(t.TempDir(), "echo.bin")
	if err := os.WriteFile(modelPath, []byte("stub"), 0o644); err != nil {
		t.Fatalf("write stub model file: %v", err)
	}
	if err := ctl.RegisterModel("echo", modelPath, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := ctl.LoadModel("echo", false); err != nil {
		t.Fatalf("load: %v", err)
	}
	ctl.Start()
	t.Cleanup(func() { ctl.Shutdown(time.Second) })
	return NewServer(ctl)
}

func newTestMux(t *testing.T) *http.ServeMux {
	mux := http.NewServeMux()
	newTestServer(t).RegisterRoutes(mux)
	return mux
}

func TestHandleGenerateNonStreaming(t *testing.T) {
	mux := newTestMux(t)
	body := strings.NewReader(`{"request_id":"r1","prompt":"hello there","model":"echo","max_tokens":3,"top_p":1}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result resultBody
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.TokenCount != 3 {
		t.Errorf("expected 3 tokens, got %d", result.TokenCount)
	}
}

func TestHandleGenerateRejectsUnknownFields(t *testing.T) {
	mux := newTestMux(t)
	body := strings.NewReader(`{"request_id":"r1","prompt":"hi","max_tokens":1,"bogus_field":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestHandleGenerateValidationError(t *testing.T) {
	mux := newTestMux(t)
	body := strings.NewReader(`{"request_id":"","prompt":"hi","max_tokens":1}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing request id, got %d", rec.Code)
	}
}

func TestHandleGenerateStreamingEmitsSSEFrames(t *testing.T) {
	mux := newTestMux(t)
	body := strings.NewReader(`{"request_id":"r2","prompt":"a b c","model":"echo","max_tokens":3,"top_p":1,"stream":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	out := rec.Body.String()
	if !strings.Contains(out, "event: token") {
		t.Errorf("expected at least one token event, got:\n%s", out)
	}
	if !strings.Contains(out, "event: close") {
		t.Errorf("expected a close event, got:\n%s", out)
	}
}

func TestHandleStatusReturnsJSON(t *testing.T) {
	mux := newTestMux(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := payload["Status"]; !ok {
		t.Error("expected a Status field in the payload")
	}
}

func TestHandleCancelUnknownRequestReturnsFalse(t *testing.T) {
	mux := newTestMux(t)
	body := strings.NewReader(`{"request_id":"does-not-exist"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/cancel", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["cancelled"] {
		t.Error("expected cancelled=false for an unknown request id")
	}
}

func TestHandleRegisterModelRejectsMissingPath(t *testing.T) {
	mux := newTestMux(t)
	body := strings.NewReader(`{"alias":"missing","path":"/does/not/exist"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/models", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for nonexistent model path, got %d", rec.Code)
	}
}

func TestMethodNotAllowedOnWrongVerb(t *testing.T) {
	mux := newTestMux(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/generate", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
