// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/AleutianAI/ExamQueue/services/queue/datatypes"
	"github.com/awnumar/memguard"
)

// Secrets holds the two shared session secrets.
//
// # Description
//
// Both codes live in memguard enclaves: encrypted at rest in memory and
// only decrypted into a locked buffer for the duration of a comparison.
// The examiner code can be rotated by an admin; the admin code is fixed
// for the process lifetime.
//
// # Fail-Closed
//
// An empty configured code never matches, and an empty supplied credential
// never matches. A process started without an admin code therefore rejects
// every admin command.
//
// # Thread Safety
//
// Safe for concurrent use.
type Secrets struct {
	mu       sync.RWMutex
	examiner *memguard.Enclave
	admin    *memguard.Enclave
}

// NewSecrets seals the initial codes.
func NewSecrets(examinerCode, adminCode string) *Secrets {
	return &Secrets{
		examiner: seal(examinerCode),
		admin:    seal(adminCode),
	}
}

// ExaminerCode returns a copy of the current examiner code.
func (s *Secrets) ExaminerCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reveal(s.examiner)
}

// AdminCode returns a copy of the admin code.
func (s *Secrets) AdminCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reveal(s.admin)
}

// HasAdmin reports whether admin commands can ever be authorized.
func (s *Secrets) HasAdmin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admin != nil
}

// SetExaminerCode rotates the examiner code. adminCredential must match the
// admin code; newCode must not be blank. After it returns nil, only newCode
// authorizes examiner commands.
func (s *Secrets) SetExaminerCode(newCode, adminCredential string) error {
	if !s.MatchesAdmin(adminCredential) {
		return fmt.Errorf("set examiner code: %w", datatypes.ErrUnauthorized)
	}
	newCode = strings.TrimSpace(newCode)
	if newCode == "" {
		return fmt.Errorf("set examiner code: %w: new code is empty", datatypes.ErrInvalidArgument)
	}

	sealed := seal(newCode)
	s.mu.Lock()
	s.examiner = sealed
	s.mu.Unlock()
	return nil
}

// MatchesExaminer reports whether supplied equals the examiner code.
func (s *Secrets) MatchesExaminer(supplied string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return matches(s.examiner, supplied)
}

// MatchesAdmin reports whether supplied equals the admin code.
func (s *Secrets) MatchesAdmin(supplied string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return matches(s.admin, supplied)
}

func seal(code string) *memguard.Enclave {
	if code == "" {
		return nil
	}
	// NewEnclave wipes its input, so hand it a private copy.
	return memguard.NewEnclave([]byte(code))
}

func reveal(e *memguard.Enclave) string {
	if e == nil {
		return ""
	}
	buf, err := e.Open()
	if err != nil {
		slog.Error("failed to open secret enclave", "error", err)
		return ""
	}
	defer buf.Destroy()
	return string(buf.Bytes())
}

func matches(e *memguard.Enclave, supplied string) bool {
	if e == nil || supplied == "" {
		return false
	}
	buf, err := e.Open()
	if err != nil {
		slog.Error("failed to open secret enclave", "error", err)
		return false
	}
	defer buf.Destroy()
	return buf.EqualTo([]byte(supplied))
}
