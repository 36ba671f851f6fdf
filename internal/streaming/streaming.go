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

// Package streaming implements the Streaming Core (spec §4.10): a set of
// StreamConnections keyed by id, each owning a bounded outbound queue with
// cooperative backpressure, plus a cleanup sweep that closes idle
// connections. The connection-registry map uses one lock for
// registration/removal, the same single-map-lock discipline spec §5
// prescribes for this component (mirrored on the teacher's sync.Map-backed
// core.Store, here a plain map since the registration path is not as hot as
// the per-token path, which touches only the per-connection lock).
package streaming

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"ulir/internal/model"
	"ulir/internal/ulerr"
)

// Transport drains frames from a Connection's outbound queue toward the
// actual wire protocol. WebSocketLike/ServerSentEventsLike connections are
// given a concrete Transport by the caller (the transport adapter named as
// out-of-scope in spec §1); Internal connections have none — their
// consumer calls Recv directly instead.
type Transport interface {
	WriteToken(model.Token) error
	WriteMetadata(model.MetadataFrame) error
	WriteClose(reason string) error
}

const (
	slowQueueFraction = 0.8
	slowLatencyDelay  = 10 * time.Millisecond
)

// Connection is one StreamConnection (spec §3). Per-connection state is
// owned by the connection itself, guarded by its own mutex — the Manager's
// lock only protects the id->Connection map.
type Connection struct {
	ID        string
	Kind      model.ConnectionKind
	transport Transport

	mu           sync.Mutex
	state        model.ConnectionState
	createdAt    time.Time
	lastActivity time.Time
	latenciesMS  []float64 // rolling last-10 send-latency samples

	queue    chan model.Token
	metaCh   chan model.MetadataFrame
	closeCh  chan string
	closed   bool
	closeOnce sync.Once
	drainDone chan struct{}

	capacity int
}

func newConnection(kind model.ConnectionKind, transport Transport, capacity int) *Connection {
	if capacity <= 0 {
		capacity = 1000
	}
	now := time.Now()
	c := &Connection{
		ID:        uuid.NewString(),
		Kind:      kind,
		transport: transport,
		state:     model.ConnConnecting,
		createdAt: now,
		lastActivity: now,
		queue:     make(chan model.Token, capacity),
		metaCh:    make(chan model.MetadataFrame, 16),
		closeCh:   make(chan string, 1),
		drainDone: make(chan struct{}),
		capacity:  capacity,
	}
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s model.ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// IsSlow reports whether the connection currently meets the spec §4.10
// "slow consumer" definition: queue occupancy over 80% of capacity, or a
// rolling average send-latency over tau_slow (10s).
func (c *Connection) IsSlow() bool {
	if float64(len(c.queue)) > slowQueueFraction*float64(c.capacity) {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latenciesMS) == 0 {
		return false
	}
	var sum float64
	for _, v := range c.latenciesMS {
		sum += v
	}
	avg := sum / float64(len(c.latenciesMS))
	return avg > float64(10*time.Second/time.Millisecond)
}

func (c *Connection) recordLatency(ms float64) {
	c.mu.Lock()
	c.latenciesMS = append(c.latenciesMS, ms)
	if len(c.latenciesMS) > 10 {
		c.latenciesMS = c.latenciesMS[len(c.latenciesMS)-10:]
	}
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the timestamp of the most recent send or receive.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// SendToken enqueues a token for delivery. Returns false without blocking
// when the outbound queue is at capacity (spec §4.10, §8 property 10). The
// closed-check and the enqueue happen under the same lock Close takes
// before closing the queue, so a send can never race a concurrent close
// into a "send on closed channel" panic.
func (c *Connection) SendToken(t model.Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.queue <- t:
		c.lastActivity = time.Now()
		return true
	default:
		return false
	}
}

// SendMetadata enqueues a periodic stream-level update. Never reorders
// around token frames already queued for this connection (spec §4.10).
// Guarded the same way SendToken is guarded against a concurrent Close.
func (c *Connection) SendMetadata(m model.MetadataFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.metaCh <- m:
		c.lastActivity = time.Now()
		return true
	default:
		return false
	}
}

// Close transitions the connection to Disconnected and drains in-flight
// writes best-effort. Idempotent. closed is set and both outbound channels
// are closed under the same lock SendToken/SendMetadata hold across their
// own closed-check-and-enqueue, so no send can land on an already-closed
// channel.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.state = model.ConnDisconnected
		close(c.queue)
		close(c.metaCh)
		c.mu.Unlock()
		c.closeCh <- reason
		close(c.closeCh)
		if c.transport != nil {
			_ = c.transport.WriteClose(reason)
		}
	})
}

// startDrain launches the goroutine that drains queued tokens/metadata to
// the underlying Transport, applying the cooperative slow-consumer delay.
// Only used for non-Internal connections.
func (c *Connection) startDrain() {
	go func() {
		defer close(c.drainDone)
		for {
			select {
			case tok, ok := <-c.queue:
				if !ok {
					return
				}
				start := time.Now()
				_ = c.transport.WriteToken(tok)
				c.recordLatency(float64(time.Since(start).Microseconds()) / 1000)
				if c.IsSlow() {
					time.Sleep(slowLatencyDelay)
				}
			case meta, ok := <-c.metaCh:
				if !ok {
					return
				}
				_ = c.transport.WriteMetadata(meta)
			}
		}
	}()
}

// Recv is the Internal connection's pull API: it yields tokens in order
// until the channel is closed (the sentinel end-of-stream), returning
// ok=false at that point.
func (c *Connection) Recv() (model.Token, bool) {
	t, ok := <-c.queue
	if ok {
		c.touch()
	}
	return t, ok
}

// Manager owns the set of active StreamConnections, capped at C_max, and
// runs the idle-connection cleanup sweep (spec §4.10).
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	maxConnections int
	idleTimeout    time.Duration
	sweepInterval  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager constructs a Manager capped at maxConnections, sweeping for
// idle connections every sweepInterval and closing any idle longer than
// idleTimeout (defaults: 100, 30s, 300s per spec §4.10).
func NewManager(maxConnections int, sweepInterval, idleTimeout time.Duration) *Manager {
	if maxConnections <= 0 {
		maxConnections = 100
	}
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = 300 * time.Second
	}
	return &Manager{
		conns:          make(map[string]*Connection),
		maxConnections: maxConnections,
		idleTimeout:    idleTimeout,
		sweepInterval:  sweepInterval,
		stopCh:         make(chan struct{}),
	}
}

// Open registers a new connection of the given kind. transport may be nil
// only for ConnInternal. Returns ResourceExhausted once C_max is reached.
func (m *Manager) Open(kind model.ConnectionKind, transport Transport, queueCapacity int) (*Connection, error) {
	m.mu.Lock()
	if len(m.conns) >= m.maxConnections {
		m.mu.Unlock()
		return nil, ulerr.New(ulerr.KindResourceExhausted, "connection limit reached (%d)", m.maxConnections)
	}
	c := newConnection(kind, transport, queueCapacity)
	c.setState(model.ConnConnected)
	m.conns[c.ID] = c
	m.mu.Unlock()

	if kind != model.ConnInternal && transport != nil {
		c.startDrain()
	}
	return c, nil
}

// Get returns the connection for id, if registered.
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// CloseConnection closes and deregisters a connection.
func (m *Manager) CloseConnection(id, reason string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()
	if ok {
		c.Close(reason)
	}
}

// Count returns the number of currently registered connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// StartSweep launches the idle-connection cleanup sweep. Safe to call once.
func (m *Manager) StartSweep() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.sweepIdle()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) sweepIdle() {
	now := time.Now()
	var stale []string
	m.mu.RLock()
	for id, c := range m.conns {
		if now.Sub(c.LastActivity()) > m.idleTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range stale {
		m.CloseConnection(id, "inactive")
	}
}

// Stop halts the cleanup sweep and closes every remaining connection.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.CloseConnection(id, "shutdown")
	}
}
