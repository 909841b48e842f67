// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol defines the wire format between queue clients and the
// server: inbound command envelopes and outbound events.
//
// # Inbound
//
//	{"type": "call.issue", "credential": "1234",
//	 "payload": {"category": "men", "studentId": 101, "committeeId": 3}}
//
// Decoding is strict. Categories must be exactly "men" or "women" and
// identifiers must be positive integers, given either as JSON integers or
// as strings of decimal digits. Anything ambiguous is ErrInvalidArgument.
//
// # Outbound
//
//	{"type": "call.issued", "payload": {...}, "timestamp": "..."}
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/ExamQueue/services/queue/auth"
	"github.com/AleutianAI/ExamQueue/services/queue/datatypes"
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Command Kinds
// =============================================================================

// Kind names an inbound command.
type Kind string

const (
	KindCallIssue        Kind = "call.issue"
	KindCallsClear       Kind = "calls.clear"
	KindAbsenteeAdd      Kind = "absentee.add"
	KindAbsenteeRemove   Kind = "absentee.remove"
	KindNoteAdd          Kind = "note.add"
	KindNoteRemove       Kind = "note.remove"
	KindNotesClear       Kind = "notes.clear"
	KindAdminSetExamCode Kind = "admin.setExamCode"
	KindAdminClearAll    Kind = "admin.clearAll"
	KindAdminResetAbs    Kind = "admin.resetAbsentees"
)

var kindRoles = map[Kind]auth.Role{
	KindCallIssue:        auth.RoleExaminer,
	KindCallsClear:       auth.RoleExaminer,
	KindAbsenteeAdd:      auth.RoleExaminer,
	KindAbsenteeRemove:   auth.RoleExaminer,
	KindNoteAdd:          auth.RoleExaminer,
	KindNoteRemove:       auth.RoleExaminer,
	KindNotesClear:       auth.RoleExaminer,
	KindAdminSetExamCode: auth.RoleAdmin,
	KindAdminClearAll:    auth.RoleAdmin,
	KindAdminResetAbs:    auth.RoleAdmin,
}

// Valid reports whether k is a known command.
func (k Kind) Valid() bool {
	_, ok := kindRoles[k]
	return ok
}

// Role is the privilege k requires. Unknown kinds return "", which no
// credential satisfies.
func (k Kind) Role() auth.Role {
	return kindRoles[k]
}

// =============================================================================
// Envelope and Payloads
// =============================================================================

// Envelope is the raw inbound message.
type Envelope struct {
	Type       string          `json:"type"`
	Credential string          `json:"credential"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Command is a decoded envelope. Payload holds one of the *Payload types
// below, or nil for commands without arguments.
type Command struct {
	Kind       Kind
	Credential string
	Payload    any
}

// CallPayload is the argument of call.issue.
type CallPayload struct {
	Category    datatypes.Category `json:"category" validate:"required,oneof=men women"`
	StudentID   ID                 `json:"studentId" validate:"gt=0"`
	CommitteeID ID                 `json:"committeeId" validate:"gt=0"`
}

// AbsenteePayload is the argument of absentee.add and absentee.remove.
type AbsenteePayload struct {
	Category  datatypes.Category `json:"category" validate:"required,oneof=men women"`
	StudentID ID                 `json:"studentId" validate:"gt=0"`
}

// NotePayload is the argument of note.add.
type NotePayload struct {
	Text   string `json:"text" validate:"notblank"`
	Author string `json:"author"`
	Role   string `json:"role"`
}

// NoteRemovePayload is the argument of note.remove. The timestamp is the
// one the server assigned when the note was added.
type NoteRemovePayload struct {
	Timestamp time.Time `json:"timestamp" validate:"required"`
}

// ExamCodePayload is the argument of admin.setExamCode.
type ExamCodePayload struct {
	NewCode string `json:"newCode" validate:"notblank,max=128"`
}

// =============================================================================
// Identifiers
// =============================================================================

// maxIDDigits keeps identifiers well inside int range on every platform.
const maxIDDigits = 9

// ID is a strictly parsed positive identifier.
type ID int

// UnmarshalJSON accepts a JSON integer or a string of decimal digits.
// Signs, fractions, exponents, whitespace and empty strings are rejected.
func (id *ID) UnmarshalJSON(data []byte) error {
	raw := string(bytes.TrimSpace(data))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: identifier is not a string or integer", datatypes.ErrInvalidArgument)
		}
		raw = s
	}
	n, err := ParseID(raw)
	if err != nil {
		return err
	}
	*id = n
	return nil
}

// ParseID parses a decimal identifier without any normalization.
func ParseID(s string) (ID, error) {
	if s == "" || len(s) > maxIDDigits {
		return 0, fmt.Errorf("%w: identifier %q must be 1-%d digits", datatypes.ErrInvalidArgument, s, maxIDDigits)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: identifier %q is not a whole number", datatypes.ErrInvalidArgument, s)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: identifier %q: %v", datatypes.ErrInvalidArgument, s, err)
	}
	return ID(n), nil
}

// =============================================================================
// Validation
// =============================================================================

// payloadValidate is the validator instance for command payloads.
var payloadValidate *validator.Validate

func init() {
	payloadValidate = validator.New(validator.WithRequiredStructEnabled())

	// Report json field names rather than Go field names.
	payloadValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := payloadValidate.RegisterValidation("notblank", validateNotBlank); err != nil {
		panic(fmt.Sprintf("failed to register notblank validator: %v", err))
	}
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

func validatePayload(p any) error {
	err := payloadValidate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: invalid %s", datatypes.ErrInvalidArgument, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", datatypes.ErrInvalidArgument, err)
}

// =============================================================================
// Decoding
// =============================================================================

// Decode parses a raw inbound message.
//
// When the envelope itself parses, the returned Command carries Kind and
// Credential even if the payload is invalid, so the caller can authorize
// before reporting the payload error.
func Decode(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Command{}, fmt.Errorf("%w: malformed envelope", datatypes.ErrInvalidArgument)
	}
	return FromEnvelope(env)
}

// FromEnvelope decodes and validates env's payload.
func FromEnvelope(env Envelope) (Command, error) {
	cmd := Command{Kind: Kind(env.Type), Credential: env.Credential}
	if !cmd.Kind.Valid() {
		return cmd, fmt.Errorf("%w: unknown command %q", datatypes.ErrInvalidArgument, env.Type)
	}

	var target any
	switch cmd.Kind {
	case KindCallIssue:
		target = &CallPayload{}
	case KindAbsenteeAdd, KindAbsenteeRemove:
		target = &AbsenteePayload{}
	case KindNoteAdd:
		target = &NotePayload{}
	case KindNoteRemove:
		target = &NoteRemovePayload{}
	case KindAdminSetExamCode:
		target = &ExamCodePayload{}
	default:
		return cmd, nil
	}

	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return cmd, fmt.Errorf("%w: %s requires a payload", datatypes.ErrInvalidArgument, cmd.Kind)
	}
	if err := json.Unmarshal(env.Payload, target); err != nil {
		if errors.Is(err, datatypes.ErrInvalidArgument) {
			return cmd, fmt.Errorf("%s payload: %w", cmd.Kind, err)
		}
		return cmd, fmt.Errorf("%w: %s payload is malformed", datatypes.ErrInvalidArgument, cmd.Kind)
	}
	if err := validatePayload(target); err != nil {
		return cmd, fmt.Errorf("%s payload: %w", cmd.Kind, err)
	}
	cmd.Payload = target
	return cmd, nil
}
