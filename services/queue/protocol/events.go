// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"encoding/json"
	"time"

	"github.com/AleutianAI/ExamQueue/services/queue/datatypes"
)

// EventKind names an outbound message.
type EventKind string

// Broadcast events, one per accepted command.
const (
	EventStateFull       EventKind = "state.full"
	EventCallIssued      EventKind = "call.issued"
	EventCallsCleared    EventKind = "calls.cleared"
	EventAbsenteeAdded   EventKind = "absentee.added"
	EventAbsenteeRemoved EventKind = "absentee.removed"
	EventNoteAdded       EventKind = "note.added"
	EventNoteRemoved     EventKind = "note.removed"
	EventNotesCleared    EventKind = "notes.cleared"
	EventExamCodeChanged EventKind = "examCode.changed"
	EventAllCleared      EventKind = "all.cleared"
	EventAbsenteesReset  EventKind = "absentees.reset"
)

// Private replies, sent only to the originating client.
const (
	EventCommandRejected EventKind = "command.rejected"
	EventCommandIgnored  EventKind = "command.ignored"
)

// Event is an outbound message. Payloads carry only the fields that
// changed and never include secrets.
type Event struct {
	Kind      EventKind `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode renders e as a single JSON text frame.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// CallIssued is the payload of call.issued. Display clients play the call
// chime when they receive it.
type CallIssued struct {
	Call datatypes.CallRecord `json:"call"`
}

// AbsenteeChanged is the payload of absentee.added and absentee.removed.
type AbsenteeChanged struct {
	Category  datatypes.Category `json:"category"`
	StudentID int                `json:"studentId"`
}

// NoteAdded is the payload of note.added.
type NoteAdded struct {
	Note datatypes.NoteRecord `json:"note"`
}

// NoteRemoved is the payload of note.removed.
type NoteRemoved struct {
	Timestamp time.Time `json:"noteTimestamp"`
}

// CommandOutcome is the payload of command.rejected and command.ignored.
type CommandOutcome struct {
	Command string `json:"command"`
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
}

// FullState builds the state.full event sent to a joining client.
func FullState(v datatypes.View, at time.Time) Event {
	return Event{Kind: EventStateFull, Payload: v, Timestamp: at}
}

// Rejected builds the private reply for a command that was refused or
// that changed nothing. Unauthorized rejections carry no reason so a
// client cannot probe which part of its command was wrong.
func Rejected(kind Kind, err error, at time.Time) Event {
	out := CommandOutcome{Command: string(kind), Code: datatypes.Code(err)}
	if datatypes.IsNoop(err) {
		return Event{Kind: EventCommandIgnored, Payload: out, Timestamp: at}
	}
	if out.Code != datatypes.CodeUnauthorized && err != nil {
		out.Reason = err.Error()
	}
	return Event{Kind: EventCommandRejected, Payload: out, Timestamp: at}
}
