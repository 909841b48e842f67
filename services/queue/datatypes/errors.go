// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "errors"

// Error taxonomy for the command boundary. Callers wrap these with context
// using fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// ErrUnauthorized is returned when a credential is missing or wrong.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidArgument covers malformed identifiers, empty text and
	// unexpected payload shapes.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is a non-fatal no-op: the removal target was absent.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is a non-fatal no-op: the value was already present.
	ErrDuplicate = errors.New("already present")

	// ErrRateLimited is returned when a connection sends commands faster
	// than its limiter allows.
	ErrRateLimited = errors.New("rate limited")

	// ErrPersistence marks snapshot read/write failures. It is logged and
	// never surfaced to clients.
	ErrPersistence = errors.New("persistence failure")
)

// Wire codes carried in command.rejected / command.ignored payloads.
const (
	CodeUnauthorized    = "unauthorized"
	CodeInvalidArgument = "invalid_argument"
	CodeNotFound        = "not_found"
	CodeDuplicate       = "duplicate"
	CodeRateLimited     = "rate_limited"
	CodePersistence     = "persistence_failure"
	CodeInternal        = "internal"
)

// Code maps an error onto its wire code. Unknown errors map to "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrDuplicate):
		return CodeDuplicate
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	default:
		return CodeInternal
	}
}

// IsNoop reports whether err describes a command that was valid but changed
// nothing. Such commands are acknowledged privately and never broadcast.
func IsNoop(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate)
}
