// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state implements the in-memory store that is the single source of
// truth for the call queue.
//
// # Description
//
// The store keeps the current call, a bounded most-recent-first history per
// category, an absentee set per category and a capped note log. Every
// operation validates its arguments and either applies completely or leaves
// the store untouched.
//
// # Thread Safety
//
// Store is NOT safe for concurrent use. It is owned by the hub event loop,
// which is the only goroutine that calls it. Readers elsewhere receive a
// View produced by Snapshot, which shares no memory with the store.
package state

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/ExamQueue/services/queue/datatypes"
)

// Default bounds, matching the values the queue has always shipped with.
const (
	DefaultMaxItems      = 12
	DefaultMaxNotes      = 100
	DefaultMaxNoteLength = 500

	// maxLabelLength bounds note author and role labels.
	maxLabelLength = 64

	defaultAuthor = "-"
	defaultRole   = "examiner"
)

// Limits are the tunable bounds of the store.
type Limits struct {
	// MaxItems caps each category's call history.
	MaxItems int

	// MaxNotes caps the note log; the oldest note is evicted first.
	MaxNotes int

	// MaxNoteLength truncates note text, counted in runes.
	MaxNoteLength int
}

// DefaultLimits returns the shipped bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxItems:      DefaultMaxItems,
		MaxNotes:      DefaultMaxNotes,
		MaxNoteLength: DefaultMaxNoteLength,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxItems <= 0 {
		l.MaxItems = DefaultMaxItems
	}
	if l.MaxNotes <= 0 {
		l.MaxNotes = DefaultMaxNotes
	}
	if l.MaxNoteLength <= 0 {
		l.MaxNoteLength = DefaultMaxNoteLength
	}
	return l
}

// Store is the authoritative queue state.
//
// # Description
//
// Histories are kept most-recent-first: RecordCall prepends and then evicts
// from the tail, so the retained entries are always the latest MaxItems
// calls of that category. The queue is idle while there is no current call
// and active otherwise; RecordCall moves it to active and ClearCalls back
// to idle.
//
// # Limitations
//
//   - Not safe for concurrent use (see package docs).
//   - Session secrets are not stored here; see config.Secrets.
type Store struct {
	limits  Limits
	clock   Clock
	current *datatypes.CallRecord
	calls   map[datatypes.Category][]datatypes.CallRecord
	absent  map[datatypes.Category]map[int]struct{}
	notes   []datatypes.NoteRecord
}

// NewStore creates an empty store. Non-positive limits fall back to the
// defaults and a nil clock falls back to SystemClock.
func NewStore(limits Limits, clock Clock) *Store {
	if clock == nil {
		clock = SystemClock{}
	}
	s := &Store{
		limits: limits.withDefaults(),
		clock:  clock,
	}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.current = nil
	s.calls = make(map[datatypes.Category][]datatypes.CallRecord, len(datatypes.Categories))
	s.absent = make(map[datatypes.Category]map[int]struct{}, len(datatypes.Categories))
	for _, c := range datatypes.Categories {
		s.calls[c] = nil
		s.absent[c] = make(map[int]struct{})
	}
	s.notes = nil
}

// Limits returns the bounds the store enforces.
func (s *Store) Limits() Limits {
	return s.limits
}

// now strips the monotonic reading so timestamps compare equal after a
// JSON round trip.
func (s *Store) now() time.Time {
	return s.clock.Now().UTC().Round(0)
}

// =============================================================================
// Calls
// =============================================================================

// RecordCall issues a call, makes it the current call and prepends it to
// the category history, evicting the oldest entry past MaxItems.
func (s *Store) RecordCall(category datatypes.Category, studentID, committeeID int) (datatypes.CallRecord, error) {
	if !category.Valid() {
		return datatypes.CallRecord{}, fmt.Errorf("record call: %w: unknown category %q",
			datatypes.ErrInvalidArgument, category)
	}
	if studentID <= 0 || committeeID <= 0 {
		return datatypes.CallRecord{}, fmt.Errorf("record call: %w: student and committee must be positive",
			datatypes.ErrInvalidArgument)
	}

	rec := datatypes.CallRecord{
		Category:    category,
		StudentID:   studentID,
		CommitteeID: committeeID,
		Timestamp:   s.now(),
	}

	history := make([]datatypes.CallRecord, 0, min(len(s.calls[category])+1, s.limits.MaxItems))
	history = append(history, rec)
	for _, old := range s.calls[category] {
		if len(history) == s.limits.MaxItems {
			break
		}
		history = append(history, old)
	}
	s.calls[category] = history

	current := rec
	s.current = &current
	return rec, nil
}

// ClearCalls empties both histories and the current call. Absentees and
// notes are untouched.
func (s *Store) ClearCalls() {
	for _, c := range datatypes.Categories {
		s.calls[c] = nil
	}
	s.current = nil
}

// Current returns the current call, if any.
func (s *Store) Current() (datatypes.CallRecord, bool) {
	if s.current == nil {
		return datatypes.CallRecord{}, false
	}
	return *s.current, true
}

// Phase reports whether the queue is idle or active.
func (s *Store) Phase() datatypes.Phase {
	if s.current == nil {
		return datatypes.PhaseIdle
	}
	return datatypes.PhaseActive
}

// History returns a copy of one category's history, most recent first.
func (s *Store) History(category datatypes.Category) []datatypes.CallRecord {
	out := make([]datatypes.CallRecord, len(s.calls[category]))
	copy(out, s.calls[category])
	return out
}

// =============================================================================
// Absentees
// =============================================================================

// AddAbsentee marks a student absent. It returns false, with no error, when
// the student was already marked.
func (s *Store) AddAbsentee(category datatypes.Category, studentID int) (bool, error) {
	set, err := s.absenteeSet(category, studentID)
	if err != nil {
		return false, fmt.Errorf("add absentee: %w", err)
	}
	if _, ok := set[studentID]; ok {
		return false, nil
	}
	set[studentID] = struct{}{}
	return true, nil
}

// RemoveAbsentee clears a student's absence. It returns false, with no
// error, when the student was not marked.
func (s *Store) RemoveAbsentee(category datatypes.Category, studentID int) (bool, error) {
	set, err := s.absenteeSet(category, studentID)
	if err != nil {
		return false, fmt.Errorf("remove absentee: %w", err)
	}
	if _, ok := set[studentID]; !ok {
		return false, nil
	}
	delete(set, studentID)
	return true, nil
}

// IsAbsent reports set membership.
func (s *Store) IsAbsent(category datatypes.Category, studentID int) bool {
	_, ok := s.absent[category][studentID]
	return ok
}

// ResetAbsentees empties both absentee sets.
func (s *Store) ResetAbsentees() {
	for _, c := range datatypes.Categories {
		s.absent[c] = make(map[int]struct{})
	}
}

func (s *Store) absenteeSet(category datatypes.Category, studentID int) (map[int]struct{}, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", datatypes.ErrInvalidArgument, category)
	}
	if studentID <= 0 {
		return nil, fmt.Errorf("%w: student must be positive", datatypes.ErrInvalidArgument)
	}
	return s.absent[category], nil
}

// =============================================================================
// Notes
// =============================================================================

// AddNote appends a note. Blank text is rejected; text is trimmed and then
// truncated to MaxNoteLength runes. A blank author becomes "-" and a blank
// role becomes "examiner".
func (s *Store) AddNote(text, author, role string) (datatypes.NoteRecord, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return datatypes.NoteRecord{}, fmt.Errorf("add note: %w: text is empty", datatypes.ErrInvalidArgument)
	}

	author = truncateRunes(strings.TrimSpace(author), maxLabelLength)
	if author == "" {
		author = defaultAuthor
	}
	role = truncateRunes(strings.TrimSpace(role), maxLabelLength)
	if role == "" {
		role = defaultRole
	}

	note := datatypes.NoteRecord{
		Text:      truncateRunes(text, s.limits.MaxNoteLength),
		Author:    author,
		Role:      role,
		Timestamp: s.now(),
	}
	s.notes = append(s.notes, note)
	if excess := len(s.notes) - s.limits.MaxNotes; excess > 0 {
		s.notes = append([]datatypes.NoteRecord(nil), s.notes[excess:]...)
	}
	return note, nil
}

// RemoveNote removes the first note with the given timestamp.
func (s *Store) RemoveNote(ts time.Time) bool {
	for i, n := range s.notes {
		if n.Timestamp.Equal(ts) {
			s.notes = append(s.notes[:i:i], s.notes[i+1:]...)
			return true
		}
	}
	return false
}

// ClearNotes empties the note log.
func (s *Store) ClearNotes() {
	s.notes = nil
}

// LatestNote is the single-slot view of the note log: its newest entry.
func (s *Store) LatestNote() (datatypes.NoteRecord, bool) {
	if len(s.notes) == 0 {
		return datatypes.NoteRecord{}, false
	}
	return s.notes[len(s.notes)-1], true
}

// =============================================================================
// Snapshot / Restore
// =============================================================================

// Snapshot returns a deep copy of the store as a client-safe View.
func (s *Store) Snapshot() datatypes.View {
	v := datatypes.EmptyView()
	v.MaxItems = s.limits.MaxItems
	v.Phase = s.Phase()

	if s.current != nil {
		current := *s.current
		v.Current = &current
	}
	for _, c := range datatypes.Categories {
		v.Calls[c] = append(v.Calls[c], s.calls[c]...)

		ids := make([]int, 0, len(s.absent[c]))
		for id := range s.absent[c] {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		v.Absentees[c] = ids
	}
	v.Notes = append(v.Notes, s.notes...)
	if latest, ok := s.LatestNote(); ok {
		v.LatestNote = &latest
	}
	return v
}

// Restore replaces the store contents with a previously saved View. The
// view is re-validated against the current limits: invalid records are
// dropped, histories and the note log are trimmed, and duplicate absentees
// collapse. It returns the number of records that were dropped.
func (s *Store) Restore(v datatypes.View) int {
	s.reset()
	dropped := 0

	for _, c := range datatypes.Categories {
		for _, rec := range v.Calls[c] {
			if rec.StudentID <= 0 || rec.CommitteeID <= 0 || len(s.calls[c]) >= s.limits.MaxItems {
				dropped++
				continue
			}
			rec.Category = c
			s.calls[c] = append(s.calls[c], rec)
		}
		for _, id := range v.Absentees[c] {
			if id <= 0 {
				dropped++
				continue
			}
			s.absent[c][id] = struct{}{}
		}
	}

	if v.Current != nil && v.Current.Category.Valid() && v.Current.StudentID > 0 && v.Current.CommitteeID > 0 {
		current := *v.Current
		s.current = &current
	}

	for _, n := range v.Notes {
		n.Text = truncateRunes(strings.TrimSpace(n.Text), s.limits.MaxNoteLength)
		if n.Text == "" {
			dropped++
			continue
		}
		s.notes = append(s.notes, n)
	}
	if excess := len(s.notes) - s.limits.MaxNotes; excess > 0 {
		s.notes = append([]datatypes.NoteRecord(nil), s.notes[excess:]...)
		dropped += excess
	}
	return dropped
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
