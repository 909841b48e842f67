// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persistence stores best-effort snapshots of the queue state so a
// restarted process can pick up where it left off.
//
// # Description
//
// A snapshot is the client-safe View wrapped in a small versioned document.
// Secrets are never part of a View, so they are never written. Backends:
//
//   - file:   a JSON file replaced atomically (temp file + rename)
//   - badger: a single key in an embedded BadgerDB
//   - gcs:    a single object in a Google Cloud Storage bucket
//   - none:   discards writes
//
// Missing or unreadable snapshots are not fatal: the caller logs a warning
// and starts empty.
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/ExamQueue/services/queue/config"
	"github.com/AleutianAI/ExamQueue/services/queue/datatypes"
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet.
var ErrNoSnapshot = errors.New("no snapshot")

// documentVersion is the current on-disk format.
const documentVersion = 1

// SnapshotStore is a snapshot backend.
type SnapshotStore interface {
	// Load returns the last saved view. It returns ErrNoSnapshot when
	// nothing has been saved and an error wrapping ErrPersistence when the
	// saved data cannot be read.
	Load(ctx context.Context) (datatypes.View, error)

	// Save replaces the stored view.
	Save(ctx context.Context, v datatypes.View) error

	Close() error
}

// document is the persisted envelope.
type document struct {
	Version int            `json:"version"`
	SavedAt time.Time      `json:"savedAt"`
	State   datatypes.View `json:"state"`
}

// Encode renders v as a snapshot document.
func Encode(v datatypes.View, savedAt time.Time) ([]byte, error) {
	data, err := json.MarshalIndent(document{Version: documentVersion, SavedAt: savedAt.UTC(), State: v}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a snapshot document. Files written by the earlier
// single-file server ({"men": [...], "absMen": [...], ...}) are converted.
func Decode(data []byte) (datatypes.View, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return datatypes.View{}, ErrNoSnapshot
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return datatypes.View{}, fmt.Errorf("%w: snapshot is not a JSON object: %v", datatypes.ErrPersistence, err)
	}
	if _, ok := probe["version"]; !ok {
		return decodeLegacy(data)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return datatypes.View{}, fmt.Errorf("%w: decode snapshot: %v", datatypes.ErrPersistence, err)
	}
	if doc.Version > documentVersion {
		return datatypes.View{}, fmt.Errorf("%w: snapshot version %d is newer than supported version %d",
			datatypes.ErrPersistence, doc.Version, documentVersion)
	}
	return doc.State, nil
}

// =============================================================================
// Legacy Format
// =============================================================================

type legacyCall struct {
	Gender    string `json:"gender"`
	Student   any    `json:"student"`
	Committee any    `json:"committee"`
	TS        int64  `json:"ts"`
}

type legacyNote struct {
	Text   string `json:"text"`
	Author string `json:"author"`
	Role   string `json:"role"`
	TS     int64  `json:"ts"`
}

type legacyState struct {
	Men      []legacyCall `json:"men"`
	Women    []legacyCall `json:"women"`
	AbsMen   []any        `json:"absMen"`
	AbsWomen []any        `json:"absWomen"`
	Notes    []legacyNote `json:"notes"`
}

func decodeLegacy(data []byte) (datatypes.View, error) {
	var legacy legacyState
	if err := json.Unmarshal(data, &legacy); err != nil {
		return datatypes.View{}, fmt.Errorf("%w: decode legacy snapshot: %v", datatypes.ErrPersistence, err)
	}

	v := datatypes.EmptyView()
	convert := func(c datatypes.Category, in []legacyCall) {
		for _, rec := range in {
			student, ok1 := legacyInt(rec.Student)
			committee, ok2 := legacyInt(rec.Committee)
			if !ok1 || !ok2 {
				continue
			}
			v.Calls[c] = append(v.Calls[c], datatypes.CallRecord{
				Category:    c,
				StudentID:   student,
				CommitteeID: committee,
				Timestamp:   time.UnixMilli(rec.TS).UTC(),
			})
		}
	}
	convert(datatypes.CategoryMen, legacy.Men)
	convert(datatypes.CategoryWomen, legacy.Women)

	for c, ids := range map[datatypes.Category][]any{
		datatypes.CategoryMen:   legacy.AbsMen,
		datatypes.CategoryWomen: legacy.AbsWomen,
	} {
		for _, raw := range ids {
			if id, ok := legacyInt(raw); ok {
				v.Absentees[c] = append(v.Absentees[c], id)
			}
		}
		sort.Ints(v.Absentees[c])
	}

	for _, n := range legacy.Notes {
		v.Notes = append(v.Notes, datatypes.NoteRecord{
			Text:      n.Text,
			Author:    n.Author,
			Role:      n.Role,
			Timestamp: time.UnixMilli(n.TS).UTC(),
		})
	}

	// The old format had no current call; the newest head of either
	// history takes that role.
	for _, c := range datatypes.Categories {
		if len(v.Calls[c]) == 0 {
			continue
		}
		head := v.Calls[c][0]
		if v.Current == nil || head.Timestamp.After(v.Current.Timestamp) {
			v.Current = &head
		}
	}
	if v.Current != nil {
		v.Phase = datatypes.PhaseActive
	}
	return v, nil
}

// legacyInt accepts the loosely typed identifiers of the old format:
// JSON numbers or digit strings, positive and whole.
func legacyInt(raw any) (int, bool) {
	switch x := raw.(type) {
	case float64:
		if x <= 0 || x != math.Trunc(x) || x > math.MaxInt32 {
			return 0, false
		}
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil || n <= 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// =============================================================================
// Factory
// =============================================================================

// Open returns the backend selected by cfg.
func Open(ctx context.Context, cfg config.SnapshotConfig, logger *slog.Logger) (SnapshotStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case config.BackendFile, "":
		return NewFileStore(cfg.Path)
	case config.BackendBadger:
		bcfg := DefaultBadgerConfig()
		bcfg.Path = cfg.Path
		bcfg.Logger = logger.With("component", "badger")
		return OpenBadgerStore(bcfg)
	case config.BackendGCS:
		return NewGCSStore(ctx, GCSConfig{
			ProjectID: cfg.GCSProject,
			Bucket:    cfg.GCSBucket,
			Object:    cfg.GCSObject,
			KeyPath:   cfg.GCSKeyPath,
		})
	case config.BackendNone:
		return NopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
	}
}

// NopStore is the "none" backend.
type NopStore struct{}

func (NopStore) Load(context.Context) (datatypes.View, error) {
	return datatypes.View{}, ErrNoSnapshot
}

func (NopStore) Save(context.Context, datatypes.View) error { return nil }

func (NopStore) Close() error { return nil }

var _ SnapshotStore = NopStore{}
