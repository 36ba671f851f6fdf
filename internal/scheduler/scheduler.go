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

// Package scheduler implements the Request Scheduler (spec §4.9): a
// priority queue of admitted requests, a single cooperative dispatch loop
// that resolves model residency (evicting LRU as needed) before handing a
// request to its model handle, and a bounded pool of inference goroutines
// gated by a semaphore sized from the Optimizer's threading plan. Dispatch
// holds a Registry handle and no pointer back into the controller, and the
// registry holds none back into the scheduler, breaking the scheduler/registry/controller cycle the
// design notes call out.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"ulir/internal/model"
	"ulir/internal/modelhandle"
	"ulir/internal/registry"
	"ulir/internal/streaming"
	"ulir/internal/ulerr"
)

// Outcome is what a Submit caller eventually receives on the returned
// channel: either a completed result or an error from the §7 taxonomy.
type Outcome struct {
	Result model.GenerationResult
	Err    error
}

type dispatchItem struct {
	req    *model.Request
	conn   *streaming.Connection // non-nil for streaming requests
	done   chan Outcome
	index  int // heap index, maintained by container/heap

	mu       sync.Mutex
	queued   bool
	cancel   context.CancelFunc
	isCancel bool
}

func (it *dispatchItem) setCancelled() {
	it.mu.Lock()
	it.isCancel = true
	cancel := it.cancel
	it.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (it *dispatchItem) cancelled() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.isCancel
}

func (it *dispatchItem) setCancelFunc(c context.CancelFunc) {
	it.mu.Lock()
	alreadyCancelled := it.isCancel
	it.cancel = c
	it.mu.Unlock()
	if alreadyCancelled {
		c()
	}
}

// priorityQueue orders by (priority descending, submission time ascending)
// per spec §4.9.
type priorityQueue []*dispatchItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].req.Priority != pq[j].req.Priority {
		return pq[i].req.Priority > pq[j].req.Priority
	}
	return pq[i].req.SubmittedAt.Before(pq[j].req.SubmittedAt)
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	it := x.(*dispatchItem)
	it.index = len(*pq)
	*pq = append(*pq, it)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[:n-1]
	return it
}

// ModelHandles resolves a loaded alias to its opaque generation handle.
type ModelHandles interface {
	Handle(alias string) (modelhandle.Handle, bool)
}

// CompletionHook is invoked after every dispatched request completes
// (successfully, cancelled, or failed), for the Controller to wire cache
// insertion and metrics without the scheduler importing either.
type CompletionHook func(req *model.Request, result model.GenerationResult, err error)

// Scheduler is the Request Scheduler (C9).
type Scheduler struct {
	mu      sync.Mutex
	pq      priorityQueue
	pending map[string]*dispatchItem

	capacity     int
	defaultModel string

	registry *registry.Registry
	handles  ModelHandles
	mMax     int

	inferenceSem chan struct{}
	wakeCh       chan struct{}
	stopCh       chan struct{}
	wg           sync.WaitGroup

	onComplete CompletionHook
}

// Config bundles the Scheduler's construction-time knobs.
type Config struct {
	Capacity        int // Q_req, default 1000
	DefaultModel    string
	MaxConcurrent   int // M_max, mirrors registry's own ceiling
	InferenceThreads int
}

// New constructs a Scheduler. Call Start to launch the dispatch loop.
func New(reg *registry.Registry, handles ModelHandles, cfg Config, onComplete CompletionHook) *Scheduler {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1000
	}
	return &Scheduler{
		pending:      make(map[string]*dispatchItem),
		capacity:     capacity,
		defaultModel: cfg.DefaultModel,
		registry:     reg,
		handles:      handles,
		mMax:         cfg.MaxConcurrent,
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		onComplete:   onComplete,
	}
}

// Start launches the dispatch loop with the given number of concurrent
// inference slots (from the Optimizer's threading plan).
func (s *Scheduler) Start(inferenceThreads int) {
	if inferenceThreads < 1 {
		inferenceThreads = 1
	}
	s.inferenceSem = make(chan struct{}, inferenceThreads)
	s.wg.Add(1)
	go s.run()
}

// Stop halts the dispatch loop. It does not forcibly cancel in-flight
// generations; callers orchestrating shutdown should drain those first
// (see Controller's shutdown sequence).
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// QueueDepth returns the number of requests currently queued (not yet
// dispatched).
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pq.Len()
}

// Submit admits a request. Returns QueueFull if the scheduler is at
// capacity; never blocks (spec §4.9).
func (s *Scheduler) Submit(req *model.Request, conn *streaming.Connection) (<-chan Outcome, error) {
	s.mu.Lock()
	if len(s.pending) >= s.capacity {
		s.mu.Unlock()
		return nil, ulerr.New(ulerr.KindQueueFull, "scheduler queue at capacity (%d)", s.capacity)
	}
	item := &dispatchItem{req: req, conn: conn, done: make(chan Outcome, 1), queued: true}
	heap.Push(&s.pq, item)
	s.pending[req.ID] = item
	s.mu.Unlock()

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
	return item.done, nil
}

// Cancel cancels a request: removes it from the queue if not yet
// dispatched, or signals the in-flight model handle otherwise. Returns
// false if the request is unknown (already completed, or never existed) —
// idempotent per spec §8 property 9.
func (s *Scheduler) Cancel(requestID string) bool {
	s.mu.Lock()
	item, ok := s.pending[requestID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if item.queued {
		heap.Remove(&s.pq, item.index)
		delete(s.pending, requestID)
		item.queued = false
		s.mu.Unlock()
		item.setCancelled()
		item.done <- Outcome{Err: ulerr.New(ulerr.KindCancelled, "request %s cancelled while queued", requestID)}
		return true
	}
	s.mu.Unlock()
	item.setCancelled()
	return true
}

func (s *Scheduler) resolveNext() (*dispatchItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pq.Len() > 0 {
		item := s.pq[0]
		if item.req.HasDeadline() && time.Now().After(item.req.Deadline) {
			heap.Pop(&s.pq)
			delete(s.pending, item.req.ID)
			item.queued = false
			item.done <- Outcome{Err: ulerr.New(ulerr.KindDeadlineExceeded, "queue wait exceeded deadline")}
			continue
		}
		heap.Pop(&s.pq)
		item.queued = false
		return item, true
	}
	return nil, false
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		item, ok := s.resolveNext()
		if !ok {
			select {
			case <-s.stopCh:
				return
			case <-s.wakeCh:
				continue
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.dispatch(item)
	}
}

// dispatch ensures the target model is resident (evicting LRU under M_max
// pressure) then hands the request to an inference slot.
func (s *Scheduler) dispatch(item *dispatchItem) {
	if item.cancelled() {
		s.finish(item, model.GenerationResult{}, ulerr.New(ulerr.KindCancelled, "cancelled before dispatch"))
		return
	}

	alias := item.req.Model
	if alias == "" {
		alias = s.defaultModel
	}
	if alias == "" {
		s.finish(item, model.GenerationResult{}, ulerr.New(ulerr.KindInvalidArgument, "no model specified and no default configured"))
		return
	}

	if err := s.ensureResident(alias); err != nil {
		s.finish(item, model.GenerationResult{}, err)
		return
	}

	s.registry.MarkInUse(alias, 1)
	s.inferenceSem <- struct{}{}
	go func() {
		defer func() {
			<-s.inferenceSem
			s.registry.MarkInUse(alias, -1)
		}()
		s.runGeneration(item, alias)
	}()
}

// ensureResident implements spec §4.9's residency-resolution branch:
// Loaded -> touch; Unloaded/Error -> evict LRU if at M_max, then load
// (blocking until Loaded or failure); Loading -> Load already awaits it.
func (s *Scheduler) ensureResident(alias string) error {
	d, ok := s.registry.Get(alias)
	if !ok {
		return ulerr.New(ulerr.KindNotFound, "unknown model alias: %s", alias)
	}
	if d.State == model.Loaded {
		s.registry.Touch(alias)
		return nil
	}
	s.registry.EvictIfAtCapacity(alias, s.mMax)
	if err := s.registry.Load(alias); err != nil {
		return ulerr.Wrap(ulerr.KindModelNotReady, err, "model %s not ready", alias)
	}
	return nil
}

func (s *Scheduler) runGeneration(item *dispatchItem, alias string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	item.setCancelFunc(cancel)

	handle, ok := s.handles.Handle(alias)
	if !ok {
		s.finish(item, model.GenerationResult{}, ulerr.New(ulerr.KindModelNotReady, "model %s has no live handle", alias))
		return
	}

	queueWaitMS := time.Since(item.req.SubmittedAt).Milliseconds()
	start := time.Now()
	tokenCount := 0
	var textBuf []byte

	emit := func(tok model.Token) bool {
		tokenCount++
		if len(textBuf) > 0 {
			textBuf = append(textBuf, ' ')
		}
		textBuf = append(textBuf, tok.Text...)
		if item.conn != nil {
			item.conn.SendToken(tok)
		}
		return !item.cancelled()
	}

	text, terminal, err := handle.Generate(ctx, item.req.Prompt, item.req.Params, emit)
	if text == "" && len(textBuf) > 0 {
		text = string(textBuf)
	}
	processingMS := time.Since(start).Milliseconds()
	s.registry.ObserveGenerationTime(alias, float64(processingMS))

	if item.cancelled() && terminal == "" {
		terminal = model.ReasonCancelled
	}
	if terminal == "" {
		terminal = model.ReasonStop
	}

	result := model.GenerationResult{
		RequestID:    item.req.ID,
		ModelID:      alias,
		Text:         text,
		TokenCount:   tokenCount,
		QueueWaitMS:  queueWaitMS,
		ProcessingMS: processingMS,
		Terminal:     terminal,
	}

	if item.conn != nil {
		item.conn.SendMetadata(model.MetadataFrame{
			StreamID:        item.conn.ID,
			RequestID:       item.req.ID,
			ModelID:         alias,
			TotalTokens:     tokenCount,
			TokensPerSecond: tokensPerSecond(tokenCount, processingMS),
			LatencyMS:       float64(processingMS),
		})
		item.conn.Close(string(terminal))
	}

	s.finish(item, result, err)
}

func tokensPerSecond(tokens int, ms int64) float64 {
	if ms <= 0 {
		return 0
	}
	return float64(tokens) / (float64(ms) / 1000.0)
}

func (s *Scheduler) finish(item *dispatchItem, result model.GenerationResult, err error) {
	s.mu.Lock()
	delete(s.pending, item.req.ID)
	s.mu.Unlock()

	if s.onComplete != nil {
		s.onComplete(item.req, result, err)
	}
	item.done <- Outcome{Result: result, Err: err}
}

// CancelAllQueued cancels every request still sitting in the queue
// (not yet dispatched) with the given error, used during Controller
// shutdown to stop accepting new work without waiting on in-flight
// generations.
func (s *Scheduler) CancelAllQueued(reason error) int {
	s.mu.Lock()
	items := make([]*dispatchItem, len(s.pq))
	copy(items, s.pq)
	s.pq = s.pq[:0]
	for _, it := range items {
		delete(s.pending, it.req.ID)
		it.queued = false
	}
	s.mu.Unlock()

	for _, it := range items {
		it.setCancelled()
		it.done <- Outcome{Err: reason}
	}
	return len(items)
}

// InFlightCount returns the number of requests dispatched but not yet
// complete (pending minus queued).
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.pending {
		if !it.queued {
			n++
		}
	}
	return n
}
