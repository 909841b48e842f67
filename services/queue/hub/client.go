// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hub

import (
	"github.com/google/uuid"
)

// Client roles. The role only labels a connection; privileges come from the
// credential carried by each command.
const (
	RoleDisplay  = "display"
	RoleExaminer = "examiner"
	RoleManager  = "manager"
)

// DefaultBufferSize is the per-client outbound buffer.
const DefaultBufferSize = 64

// ValidRole reports whether role is a known connection role.
func ValidRole(role string) bool {
	switch role {
	case RoleDisplay, RoleExaminer, RoleManager:
		return true
	}
	return false
}

// Client is one subscriber to the broadcast channel.
//
// # Description
//
// The hub owns the send channel: only the event loop writes to it and only
// the event loop closes it. The transport drains Send until it is closed,
// which happens when the client unregisters, is dropped as a slow consumer,
// or the hub shuts down.
type Client struct {
	ID   uuid.UUID
	Role string

	send chan []byte
}

// NewClient creates a client with an outbound buffer of the given size.
// Non-positive sizes fall back to DefaultBufferSize.
func NewClient(role string, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Client{
		ID:   uuid.New(),
		Role: role,
		send: make(chan []byte, buffer),
	}
}

// Send is the stream of encoded frames for this client. It is closed when
// the hub stops delivering to the client.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// offer enqueues data without blocking. It reports false when the buffer
// is full.
func (c *Client) offer(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
