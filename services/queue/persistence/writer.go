// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/ExamQueue/services/queue/datatypes"
	"github.com/AleutianAI/ExamQueue/services/queue/observability"
)

// DefaultWriteTimeout bounds a single Save.
const DefaultWriteTimeout = 10 * time.Second

// WriterConfig holds optional Writer collaborators.
type WriterConfig struct {
	Metrics *observability.Metrics
	Logger  *slog.Logger

	// Timeout bounds each Save. Defaults to DefaultWriteTimeout.
	Timeout time.Duration
}

// Writer saves snapshots off the hub's goroutine.
//
// # Description
//
// Offer never blocks: it replaces the pending snapshot and wakes the
// writer. If several snapshots arrive while a Save is in progress only the
// newest is written afterwards. Failures are logged and counted; the
// in-memory state stays authoritative.
//
// # Thread Safety
//
// Offer and Flush are safe for concurrent use. Run must be called once.
type Writer struct {
	store   SnapshotStore
	metrics *observability.Metrics
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending *datatypes.View

	// saveMu serializes Saves between Run and Flush.
	saveMu sync.Mutex

	wake chan struct{}
}

// NewWriter creates a Writer for store.
func NewWriter(store SnapshotStore, cfg WriterConfig) *Writer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWriteTimeout
	}
	return &Writer{
		store:   store,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		timeout: cfg.Timeout,
		wake:    make(chan struct{}, 1),
	}
}

// Offer schedules v to be written, replacing any snapshot not yet written.
func (w *Writer) Offer(v datatypes.View) {
	w.mu.Lock()
	w.pending = &v
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run writes snapshots until ctx is cancelled, then writes whatever is
// still pending. It always returns nil.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
			defer cancel()
			if err := w.Flush(final); err == nil {
				w.logger.Debug("Snapshot writer stopped")
			}
			return nil
		case <-w.wake:
			if ctx.Err() != nil {
				continue
			}
			_ = w.Flush(ctx)
		}
	}
}

// Flush writes the pending snapshot, if any, and returns the Save error.
// A snapshot that failed to save stays pending.
func (w *Writer) Flush(ctx context.Context) error {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()

	w.mu.Lock()
	v := w.pending
	w.pending = nil
	w.mu.Unlock()
	if v == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	err := w.store.Save(ctx, *v)
	w.metrics.RecordSnapshotWrite(time.Since(start), err)
	if err != nil {
		w.logger.Warn("Failed to save snapshot", "error", err)
		// Keep it for the next attempt unless something newer arrived.
		w.mu.Lock()
		if w.pending == nil {
			w.pending = v
		}
		w.mu.Unlock()
		return err
	}
	return nil
}
