// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth provides the authorization gate that every mutating command
// passes before it reaches the state store.
//
// # Authorization Flow
//
//	Command (role, credential)
//	   │
//	   ▼
//	Gate.Authorize
//	   │
//	   ├─► role unknown            → false
//	   ├─► credential empty        → false
//	   └─► SecretSource comparison → true / false
//
// The gate is fail-closed: a missing credential is treated exactly like a
// wrong one, and an unknown role never authorizes.
package auth

import (
	"fmt"

	"github.com/AleutianAI/ExamQueue/services/queue/datatypes"
)

// Role is the privilege a command requires.
type Role string

const (
	RoleExaminer Role = "examiner"
	RoleAdmin    Role = "admin"
)

// SecretSource compares supplied credentials against the configured
// secrets. config.Secrets is the production implementation.
type SecretSource interface {
	MatchesExaminer(supplied string) bool
	MatchesAdmin(supplied string) bool
}

// Authorizer is the contract the dispatcher depends on.
type Authorizer interface {
	Authorize(role Role, supplied string) bool
}

// Gate authorizes commands against a SecretSource.
type Gate struct {
	secrets SecretSource
}

// NewGate returns a Gate backed by secrets.
func NewGate(secrets SecretSource) *Gate {
	return &Gate{secrets: secrets}
}

// Authorize reports whether supplied grants role.
func (g *Gate) Authorize(role Role, supplied string) bool {
	if g == nil || g.secrets == nil || supplied == "" {
		return false
	}
	switch role {
	case RoleExaminer:
		return g.secrets.MatchesExaminer(supplied)
	case RoleAdmin:
		return g.secrets.MatchesAdmin(supplied)
	default:
		return false
	}
}

// Require is Authorize expressed as an error, wrapping ErrUnauthorized.
func (g *Gate) Require(role Role, supplied string) error {
	if !g.Authorize(role, supplied) {
		return fmt.Errorf("%s credential rejected: %w", role, datatypes.ErrUnauthorized)
	}
	return nil
}

// StaticSecrets is a SecretSource over fixed strings, for tests and tools.
type StaticSecrets struct {
	Examiner string
	Admin    string
}

func (s StaticSecrets) MatchesExaminer(supplied string) bool {
	return s.Examiner != "" && supplied == s.Examiner
}

func (s StaticSecrets) MatchesAdmin(supplied string) bool {
	return s.Admin != "" && supplied == s.Admin
}

var (
	_ Authorizer   = (*Gate)(nil)
	_ SecretSource = StaticSecrets{}
)
