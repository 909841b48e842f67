// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the domain records shared by the queue service:
// categories, call and note records, the client-safe state view, and the
// error taxonomy used at the command boundary.
package datatypes

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Category
// =============================================================================

// Category is one of the two fixed partitions of the exam cohort. Each
// category keeps its own call history and absentee set.
type Category string

const (
	CategoryMen   Category = "men"
	CategoryWomen Category = "women"
)

// Categories lists every valid category in display order.
var Categories = []Category{CategoryMen, CategoryWomen}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	return c == CategoryMen || c == CategoryWomen
}

// ParseCategory converts a wire string into a Category. Matching is exact:
// "Men" or " men" are rejected rather than normalized.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidArgument, s)
	}
	return c, nil
}

// UnmarshalJSON rejects anything that is not a known category string.
func (c *Category) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: category must be a string", ErrInvalidArgument)
	}
	parsed, err := ParseCategory(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// =============================================================================
// Records
// =============================================================================

// CallRecord is a single "student X, please go to committee Y" call.
// Records are immutable once created.
type CallRecord struct {
	Category    Category  `json:"category"`
	StudentID   int       `json:"studentId"`
	CommitteeID int       `json:"committeeId"`
	Timestamp   time.Time `json:"timestamp"`
}

// NoteRecord is one entry of the capped note log.
type NoteRecord struct {
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

// Phase is the queue-level state machine: idle until a call is issued,
// active while a current call exists.
type Phase string

const (
	PhaseIdle   Phase = "idle"
	PhaseActive Phase = "active"
)

// =============================================================================
// View
// =============================================================================

// View is the client-safe snapshot of the whole store. It never carries
// session secrets, so it can be sent to any client or written to disk.
//
// Calls are most-recent-first. Absentees are sorted ascending. Notes are in
// insertion order, so LatestNote is always the last element of Notes.
type View struct {
	Current    *CallRecord               `json:"current"`
	Calls      map[Category][]CallRecord `json:"calls"`
	Absentees  map[Category][]int        `json:"absentees"`
	Notes      []NoteRecord              `json:"notes"`
	LatestNote *NoteRecord               `json:"latestNote"`
	MaxItems   int                       `json:"maxItems"`
	Phase      Phase                     `json:"phase"`
}

// EmptyView returns a view with every collection initialized, which keeps
// the JSON shape stable ([] instead of null) for display clients.
func EmptyView() View {
	v := View{
		Calls:     make(map[Category][]CallRecord, len(Categories)),
		Absentees: make(map[Category][]int, len(Categories)),
		Notes:     []NoteRecord{},
		Phase:     PhaseIdle,
	}
	for _, c := range Categories {
		v.Calls[c] = []CallRecord{}
		v.Absentees[c] = []int{}
	}
	return v
}
