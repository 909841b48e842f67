// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hub implements the broadcast channel: a single event loop that
// owns the state store and the set of connected clients.
//
// # Description
//
// Every mutation, join, leave and snapshot query is a message to the loop.
// Because one goroutine handles them in order, a joining client gets a
// snapshot and then every later event exactly once, and an accepted
// command is applied and broadcast before the next command is looked at.
//
// # Flow
//
//	transport ──Submit/Execute──► inbound ─┐
//	transport ──Register───────► register ─┼─► Run loop ─► Dispatcher ─► Store
//	transport ──Unregister─────► leave ────┘      │
//	                                              ├─► client.send (fan-out)
//	                                              └─► Persister.Offer(View)
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. The store and the
// client set are only touched by the goroutine running Run.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/AleutianAI/ExamQueue/services/queue/datatypes"
	"github.com/AleutianAI/ExamQueue/services/queue/dispatch"
	"github.com/AleutianAI/ExamQueue/services/queue/observability"
	"github.com/AleutianAI/ExamQueue/services/queue/protocol"
)

// ErrClosed is returned when the hub is no longer running.
var ErrClosed = errors.New("hub closed")

// Drop reasons, used as metric labels.
const (
	dropSlowConsumer = "slow_consumer"
	dropShutdown     = "shutdown"
)

// Persister receives a snapshot after every accepted mutation. Offer must
// not block; persistence.Writer coalesces and writes in the background.
type Persister interface {
	Offer(v datatypes.View)
}

// Config holds the hub's collaborators.
type Config struct {
	// Dispatcher applies commands. Required.
	Dispatcher *dispatch.Dispatcher

	// Persister is optional.
	Persister Persister

	// Metrics is optional.
	Metrics *observability.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Result is the outcome of one command.
type Result struct {
	// Event is the broadcast event when Err is nil, otherwise the private
	// reply that was (or would have been) sent to the origin.
	Event protocol.Event

	// Err is nil when the command was accepted.
	Err error
}

// Accepted reports whether the command changed state and was broadcast.
func (r Result) Accepted() bool {
	return r.Err == nil
}

type request struct {
	client *Client
	cmd    protocol.Command
	err    error
	reply  chan Result
}

// Hub is the broadcast channel.
type Hub struct {
	dispatcher *dispatch.Dispatcher
	persister  Persister
	metrics    *observability.Metrics
	logger     *slog.Logger

	register  chan *Client
	leave     chan *Client
	inbound   chan request
	snapshots chan chan datatypes.View

	// clients is owned by the Run goroutine.
	clients map[*Client]struct{}
	count   atomic.Int64

	done chan struct{}
}

// New creates a hub. Call Run to start the loop.
func New(cfg Config) (*Hub, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("hub: dispatcher is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		dispatcher: cfg.Dispatcher,
		persister:  cfg.Persister,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		register:   make(chan *Client),
		leave:      make(chan *Client),
		inbound:    make(chan request),
		snapshots:  make(chan chan datatypes.View),
		clients:    make(map[*Client]struct{}),
		done:       make(chan struct{}),
	}, nil
}

// ClientCount is the number of registered clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Done is closed when Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// =============================================================================
// Event Loop
// =============================================================================

// Run processes messages until ctx is cancelled. On exit it closes every
// client's send channel. Run always returns nil so it can sit in an
// errgroup without cancelling its siblings on a clean shutdown.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Hub stopping", "clients", len(h.clients))
			return nil

		case c := <-h.register:
			h.join(c)

		case c := <-h.leave:
			h.remove(c, "")

		case req := <-h.inbound:
			res := h.handle(req)
			if req.reply != nil {
				req.reply <- res
			}

		case out := <-h.snapshots:
			out <- h.dispatcher.Snapshot()
		}
	}
}

// join sends the snapshot into the client's buffer before adding it to
// the fan-out set. Nothing else can run in between, so the client sees
// the snapshot followed by every later event.
func (h *Hub) join(c *Client) {
	data, err := protocol.FullState(h.dispatcher.Snapshot(), h.dispatcher.Now()).Encode()
	if err != nil {
		h.logger.Error("Failed to encode snapshot", "error", err)
		close(c.send)
		return
	}
	if !c.offer(data) {
		close(c.send)
		return
	}
	h.clients[c] = struct{}{}
	h.count.Store(int64(len(h.clients)))
	h.metrics.ClientJoined(c.Role)
	h.logger.Debug("Client joined",
		"client_id", c.ID,
		"role", c.Role,
		"clients", len(h.clients))
}

// remove closes c's send channel if it is still registered. An empty
// reason is a normal leave.
func (h *Hub) remove(c *Client, reason string) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int64(len(h.clients)))
	h.metrics.ClientLeft(c.Role)
	if reason != "" {
		h.metrics.RecordClientDrop(reason)
		h.logger.Warn("Client dropped",
			"client_id", c.ID,
			"role", c.Role,
			"reason", reason)
		return
	}
	h.logger.Debug("Client left", "client_id", c.ID, "role", c.Role)
}

func (h *Hub) closeAll() {
	for c := range h.clients {
		h.remove(c, dropShutdown)
	}
}

func (h *Hub) handle(req request) Result {
	label := string(req.cmd.Kind)
	if !req.cmd.Kind.Valid() {
		label = "unknown"
	}

	var (
		ev  protocol.Event
		err error
	)
	if errors.Is(req.err, datatypes.ErrRateLimited) {
		err = req.err
	} else {
		ev, err = h.dispatcher.Dispatch(req.cmd, req.err)
	}

	if err != nil {
		h.metrics.RecordCommand(label, datatypes.Code(err))
		reply := h.dispatcher.Reply(req.cmd, err)
		if req.client != nil {
			h.private(req.client, reply)
		}
		return Result{Event: reply, Err: err}
	}

	h.metrics.RecordCommand(label, observability.OutcomeAccepted)
	h.broadcast(ev)
	if h.persister != nil && ev.Kind != protocol.EventExamCodeChanged {
		h.persister.Offer(h.dispatcher.Snapshot())
	}
	return Result{Event: ev}
}

// broadcast encodes ev once and enqueues it to every client. Clients whose
// buffer is full are dropped; they resynchronize when they reconnect.
func (h *Hub) broadcast(ev protocol.Event) {
	data, err := ev.Encode()
	if err != nil {
		h.logger.Error("Failed to encode event", "event", ev.Kind, "error", err)
		return
	}
	h.metrics.RecordBroadcast(string(ev.Kind))
	for c := range h.clients {
		if !c.offer(data) {
			h.remove(c, dropSlowConsumer)
		}
	}
}

func (h *Hub) private(c *Client, ev protocol.Event) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	data, err := ev.Encode()
	if err != nil {
		h.logger.Error("Failed to encode reply", "event", ev.Kind, "error", err)
		return
	}
	if !c.offer(data) {
		h.remove(c, dropSlowConsumer)
	}
}

// =============================================================================
// Public API
// =============================================================================

// Register adds c to the broadcast set. The first frame c receives is the
// state.full snapshot.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister removes c. It is a no-op if c was already dropped or the hub
// has stopped.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.leave <- c:
	case <-h.done:
	}
}

// Submit queues a command from a connected client. The outcome is delivered
// on the client's send channel: a broadcast on success, a private reply
// otherwise. decodeErr is the error protocol.Decode returned, if any.
func (h *Hub) Submit(ctx context.Context, c *Client, cmd protocol.Command, decodeErr error) error {
	select {
	case h.inbound <- request{client: c, cmd: cmd, err: decodeErr}:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs a command that has no connection, such as one posted over
// HTTP, and waits for its result.
func (h *Hub) Execute(ctx context.Context, cmd protocol.Command, decodeErr error) (Result, error) {
	reply := make(chan Result, 1)
	select {
	case h.inbound <- request{cmd: cmd, err: decodeErr, reply: reply}:
	case <-h.done:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	// Once the loop has taken the request it always answers.
	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Snapshot returns the current view, read through the event loop.
func (h *Hub) Snapshot(ctx context.Context) (datatypes.View, error) {
	out := make(chan datatypes.View, 1)
	select {
	case h.snapshots <- out:
	case <-h.done:
		return datatypes.View{}, ErrClosed
	case <-ctx.Done():
		return datatypes.View{}, ctx.Err()
	}
	select {
	case v := <-out:
		return v, nil
	case <-ctx.Done():
		return datatypes.View{}, ctx.Err()
	}
}
