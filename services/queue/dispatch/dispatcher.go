// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch routes decoded commands to state store operations.
//
// # Description
//
// The Dispatcher is the one place that knows which command needs which
// role and which store call it maps to. Each command goes through the same
// three steps, in this order:
//
//  1. the kind must be known
//  2. the credential must satisfy the kind's role
//  3. the payload must have decoded cleanly
//
// Authorization runs before the payload error is reported so that a caller
// without a valid credential learns nothing about its payload.
//
// # Thread Safety
//
// Dispatcher inherits the store's contract: it must only be called from
// the hub event loop.
package dispatch

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/ExamQueue/services/queue/auth"
	"github.com/AleutianAI/ExamQueue/services/queue/datatypes"
	"github.com/AleutianAI/ExamQueue/services/queue/protocol"
	"github.com/AleutianAI/ExamQueue/services/queue/state"
)

// ExamCodeSetter replaces the examiner code. config.Secrets implements it.
type ExamCodeSetter interface {
	SetExaminerCode(newCode, adminCredential string) error
}

// Dispatcher applies commands to a Store.
type Dispatcher struct {
	store   *state.Store
	gate    auth.Authorizer
	secrets ExamCodeSetter
	clock   state.Clock
	logger  *slog.Logger
}

// New creates a Dispatcher. A nil clock falls back to state.SystemClock and
// a nil logger to slog.Default().
func New(store *state.Store, gate auth.Authorizer, secrets ExamCodeSetter, clock state.Clock, logger *slog.Logger) *Dispatcher {
	if clock == nil {
		clock = state.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   store,
		gate:    gate,
		secrets: secrets,
		clock:   clock,
		logger:  logger,
	}
}

// Now is the timestamp used for events the store does not stamp itself.
func (d *Dispatcher) Now() time.Time {
	return d.clock.Now().UTC().Round(0)
}

// Snapshot returns the current client-safe view.
func (d *Dispatcher) Snapshot() datatypes.View {
	return d.store.Snapshot()
}

// Dispatch authorizes and applies cmd.
//
// # Inputs
//
//   - cmd: The decoded command. Kind and Credential must be set even when
//     decoding the payload failed.
//   - decodeErr: The payload decoding error, if any.
//
// # Outputs
//
//   - protocol.Event: The event to broadcast. Only meaningful when the
//     error is nil.
//   - error: Wraps ErrInvalidArgument, ErrUnauthorized, or one of the no-op
//     errors ErrNotFound and ErrDuplicate. The store is unchanged whenever
//     an error is returned.
func (d *Dispatcher) Dispatch(cmd protocol.Command, decodeErr error) (protocol.Event, error) {
	if !cmd.Kind.Valid() {
		if decodeErr != nil {
			return protocol.Event{}, decodeErr
		}
		return protocol.Event{}, fmt.Errorf("%w: unknown command %q", datatypes.ErrInvalidArgument, cmd.Kind)
	}
	if !d.gate.Authorize(cmd.Kind.Role(), cmd.Credential) {
		d.logger.Warn("Command rejected: bad credential",
			"command", cmd.Kind,
			"role", cmd.Kind.Role())
		return protocol.Event{}, fmt.Errorf("%s: %w", cmd.Kind, datatypes.ErrUnauthorized)
	}
	if decodeErr != nil {
		return protocol.Event{}, decodeErr
	}

	ev, err := d.apply(cmd)
	if err != nil {
		return protocol.Event{}, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.Now()
	}
	return ev, nil
}

// Reply builds the private reply for a command Dispatch refused.
func (d *Dispatcher) Reply(cmd protocol.Command, err error) protocol.Event {
	return protocol.Rejected(cmd.Kind, err, d.Now())
}

func (d *Dispatcher) apply(cmd protocol.Command) (protocol.Event, error) {
	switch cmd.Kind {
	case protocol.KindCallIssue:
		p, err := payload[*protocol.CallPayload](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		rec, err := d.store.RecordCall(p.Category, int(p.StudentID), int(p.CommitteeID))
		if err != nil {
			return protocol.Event{}, err
		}
		return protocol.Event{
			Kind:      protocol.EventCallIssued,
			Payload:   protocol.CallIssued{Call: rec},
			Timestamp: rec.Timestamp,
		}, nil

	case protocol.KindCallsClear:
		d.store.ClearCalls()
		return protocol.Event{Kind: protocol.EventCallsCleared}, nil

	case protocol.KindAbsenteeAdd, protocol.KindAbsenteeRemove:
		return d.applyAbsentee(cmd)

	case protocol.KindNoteAdd:
		p, err := payload[*protocol.NotePayload](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		note, err := d.store.AddNote(p.Text, p.Author, p.Role)
		if err != nil {
			return protocol.Event{}, err
		}
		return protocol.Event{
			Kind:      protocol.EventNoteAdded,
			Payload:   protocol.NoteAdded{Note: note},
			Timestamp: note.Timestamp,
		}, nil

	case protocol.KindNoteRemove:
		p, err := payload[*protocol.NoteRemovePayload](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		if !d.store.RemoveNote(p.Timestamp) {
			return protocol.Event{}, fmt.Errorf("note %s: %w", p.Timestamp.Format(time.RFC3339Nano), datatypes.ErrNotFound)
		}
		return protocol.Event{
			Kind:    protocol.EventNoteRemoved,
			Payload: protocol.NoteRemoved{Timestamp: p.Timestamp},
		}, nil

	case protocol.KindNotesClear:
		d.store.ClearNotes()
		return protocol.Event{Kind: protocol.EventNotesCleared}, nil

	case protocol.KindAdminSetExamCode:
		p, err := payload[*protocol.ExamCodePayload](cmd)
		if err != nil {
			return protocol.Event{}, err
		}
		if err := d.secrets.SetExaminerCode(p.NewCode, cmd.Credential); err != nil {
			return protocol.Event{}, err
		}
		d.logger.Info("Examiner code changed by admin")
		return protocol.Event{Kind: protocol.EventExamCodeChanged}, nil

	case protocol.KindAdminClearAll:
		d.store.ClearCalls()
		d.store.ResetAbsentees()
		d.store.ClearNotes()
		d.logger.Info("Queue cleared by admin")
		return protocol.Event{Kind: protocol.EventAllCleared}, nil

	case protocol.KindAdminResetAbs:
		d.store.ResetAbsentees()
		d.logger.Info("Absentees reset by admin")
		return protocol.Event{Kind: protocol.EventAbsenteesReset}, nil
	}
	return protocol.Event{}, fmt.Errorf("%w: unhandled command %q", datatypes.ErrInvalidArgument, cmd.Kind)
}

func (d *Dispatcher) applyAbsentee(cmd protocol.Command) (protocol.Event, error) {
	p, err := payload[*protocol.AbsenteePayload](cmd)
	if err != nil {
		return protocol.Event{}, err
	}
	id := int(p.StudentID)
	changed := protocol.AbsenteeChanged{Category: p.Category, StudentID: id}

	if cmd.Kind == protocol.KindAbsenteeAdd {
		added, err := d.store.AddAbsentee(p.Category, id)
		if err != nil {
			return protocol.Event{}, err
		}
		if !added {
			return protocol.Event{}, fmt.Errorf("absentee %s/%d: %w", p.Category, id, datatypes.ErrDuplicate)
		}
		return protocol.Event{Kind: protocol.EventAbsenteeAdded, Payload: changed}, nil
	}

	removed, err := d.store.RemoveAbsentee(p.Category, id)
	if err != nil {
		return protocol.Event{}, err
	}
	if !removed {
		return protocol.Event{}, fmt.Errorf("absentee %s/%d: %w", p.Category, id, datatypes.ErrNotFound)
	}
	return protocol.Event{Kind: protocol.EventAbsenteeRemoved, Payload: changed}, nil
}

// payload extracts the typed payload, failing if the command was built
// without going through protocol.Decode.
func payload[T any](cmd protocol.Command) (T, error) {
	p, ok := cmd.Payload.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s has no payload", datatypes.ErrInvalidArgument, cmd.Kind)
	}
	return p, nil
}
