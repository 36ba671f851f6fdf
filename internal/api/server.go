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

// Package api implements the public-facing HTTP server for the inference
// runtime: request admission, status, cancellation and model management,
// plus a ServerSentEventsLike transport for streaming requests (spec §6).
// The handler shape — a thin Server wrapping the Controller, one handler
// method per route, registered onto a caller-owned ServeMux — mirrors the
// teacher's internal/ratelimiter/api.Server.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ulir/internal/controller"
	"ulir/internal/model"
	"ulir/internal/ulerr"
)

// Server handles the HTTP surface over a Controller.
type Server struct {
	ctl *controller.Controller
}

// NewServer wraps ctl in an HTTP server.
func NewServer(ctl *controller.Controller) *Server {
	return &Server{ctl: ctl}
}

// RegisterRoutes mounts every route on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/models", s.handleRegisterModel)
	mux.HandleFunc("/v1/models/load", s.handleLoadModel)
	mux.HandleFunc("/v1/generate", s.handleGenerate)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/cancel", s.handleCancel)
	mux.Handle("/metrics", s.ctl.MetricsHandler())
}

// ListenAndServe starts the HTTP server on addr with the teacher's
// production timeouts (core.api.Server.ListenAndServe).
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming responses must not be write-deadlined
		IdleTimeout:  120 * time.Second,
	}
	fmt.Printf("ulir-server listening on %s\n", addr)
	return httpServer.ListenAndServe()
}

type registerModelBody struct {
	Alias  string            `json:"alias"`
	Path   string            `json:"path"`
	Config map[string]string `json:"config,omitempty"`
}

func (s *Server) handleRegisterModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body registerModelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, ulerr.New(ulerr.KindInvalidArgument, "malformed request body: %v", err))
		return
	}
	if err := s.ctl.RegisterModel(body.Alias, body.Path, body.Config); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type loadModelBody struct {
	Alias      string `json:"alias"`
	Background bool   `json:"background"`
}

func (s *Server) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body loadModelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, ulerr.New(ulerr.KindInvalidArgument, "malformed request body: %v", err))
		return
	}
	if err := s.ctl.LoadModel(body.Alias, body.Background); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// submitRequestBody matches spec §6's submit-request payload exactly;
// unknown fields are rejected via DisallowUnknownFields.
type submitRequestBody struct {
	RequestID     string   `json:"request_id"`
	Prompt        string   `json:"prompt"`
	Model         string   `json:"model,omitempty"`
	MaxTokens     int      `json:"max_tokens"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	StopSequences []string `json:"stop_sequences,omitempty"`
	Priority      int      `json:"priority"`
	Stream        bool     `json:"stream"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var body submitRequestBody
	if err := dec.Decode(&body); err != nil {
		writeError(w, ulerr.New(ulerr.KindInvalidArgument, "malformed request body: %v", err))
		return
	}

	req := &model.Request{
		ID:     body.RequestID,
		Prompt: body.Prompt,
		Model:  body.Model,
		Params: model.GenParams{
			MaxTokens:     body.MaxTokens,
			Temperature:   body.Temperature,
			TopP:          body.TopP,
			TopK:          body.TopK,
			StopSequences: body.StopSequences,
		},
		Priority:    model.Priority(body.Priority),
		Stream:      body.Stream,
		SubmittedAt: time.Now(),
	}

	if !req.Stream {
		resp, err := s.ctl.Generate(req, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resultPayload(resp.Result))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, ulerr.New(ulerr.KindInternal, "streaming unsupported by this response writer"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	transport := &sseTransport{w: w, flusher: flusher}
	resp, err := s.ctl.Generate(req, transport)
	if err != nil {
		writeError(w, err)
		return
	}
	if resp.Outcome != nil {
		<-resp.Outcome // keep the connection open until the generation finishes
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

type cancelBody struct {
	RequestID string `json:"request_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body cancelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, ulerr.New(ulerr.KindInvalidArgument, "malformed request body: %v", err))
		return
	}
	cancelled := s.ctl.Cancel(body.RequestID)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

type resultBody struct {
	RequestID    string `json:"request_id"`
	ModelID      string `json:"model_id"`
	Text         string `json:"text"`
	TokenCount   int    `json:"token_count"`
	QueueWaitMS  int64  `json:"queue_wait_ms"`
	ProcessingMS int64  `json:"processing_ms"`
	CacheHit     bool   `json:"cache_hit"`
	FinishReason string `json:"finish_reason"`
}

func resultPayload(r model.GenerationResult) resultBody {
	return resultBody{
		RequestID:    r.RequestID,
		ModelID:      r.ModelID,
		Text:         r.Text,
		TokenCount:   r.TokenCount,
		QueueWaitMS:  r.QueueWaitMS,
		ProcessingMS: r.ProcessingMS,
		CacheHit:     r.CacheHit,
		FinishReason: string(r.Terminal),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// httpStatusFor maps the ulerr taxonomy onto the closest HTTP status.
func httpStatusFor(k ulerr.Kind) int {
	switch k {
	case ulerr.KindNotFound:
		return http.StatusNotFound
	case ulerr.KindInvalidArgument:
		return http.StatusBadRequest
	case ulerr.KindQueueFull:
		return http.StatusTooManyRequests
	case ulerr.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case ulerr.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case ulerr.KindModelNotReady:
		return http.StatusServiceUnavailable
	case ulerr.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	k := ulerr.KindOf(err)
	writeJSON(w, httpStatusFor(k), map[string]string{
		"error": k.String(),
		"message": err.Error(),
	})
}

// sseTransport implements streaming.Transport over the ServerSentEventsLike
// framing from spec §6: "event: <name>\ndata: <json>\n\n".
type sseTransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

type tokenFrame struct {
	Token        string   `json:"token"`
	TokenIndex   int      `json:"token_index"`
	TimestampMS  int64    `json:"timestamp_unix_ms"`
	LogProb      *float64 `json:"logprob,omitempty"`
	IsSpecial    bool     `json:"is_special"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type metadataFrame struct {
	StreamID        string  `json:"stream_id"`
	RequestID       string  `json:"request_id"`
	ModelID         string  `json:"model_id"`
	TotalTokens     int     `json:"total_tokens"`
	TokensPerSecond float64 `json:"tokens_per_second"`
	LatencyMS       float64 `json:"latency_ms"`
}

type closeFrame struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

func (t *sseTransport) writeEvent(name string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", name, b); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

func (t *sseTransport) WriteToken(tok model.Token) error {
	frame := tokenFrame{
		Token:       tok.Text,
		TokenIndex:  tok.Index,
		TimestampMS: tok.TimestampMS,
		LogProb:     tok.LogProb,
	}
	if tok.Terminal != nil {
		frame.FinishReason = string(*tok.Terminal)
	}
	return t.writeEvent("token", frame)
}

func (t *sseTransport) WriteMetadata(m model.MetadataFrame) error {
	return t.writeEvent("metadata", metadataFrame{
		StreamID:        m.StreamID,
		RequestID:       m.RequestID,
		ModelID:         m.ModelID,
		TotalTokens:     m.TotalTokens,
		TokensPerSecond: m.TokensPerSecond,
		LatencyMS:       m.LatencyMS,
	})
}

func (t *sseTransport) WriteClose(reason string) error {
	frame := closeFrame{Reason: reason}
	if strings.EqualFold(reason, string(model.ReasonError)) {
		frame.Message = "generation terminated with an error"
	}
	return t.writeEvent("close", frame)
}
