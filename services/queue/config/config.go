// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the queue service settings and holds the session
// secrets.
//
// Settings are resolved in order: built-in defaults, an optional YAML file,
// environment variables, then command-line flags (applied by the caller).
// No core behavior depends on where a value came from.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendGCS    = "gcs"
	BackendNone   = "none"
)

// DefaultExaminerCode is the examiner code used when none is configured.
// The service logs a warning when it is in effect.
const DefaultExaminerCode = "1234"

// Config is the startup configuration of the queue service.
type Config struct {
	Port int `yaml:"port"`

	// ExaminerCode is the initial examiner secret. It can be rotated at
	// runtime by an admin.
	ExaminerCode string `yaml:"examiner_code"`

	// AdminCode is fixed for the process lifetime. Empty disables admin
	// commands entirely.
	AdminCode string `yaml:"admin_code"`

	MaxItems      int `yaml:"max_items"`
	MaxNotes      int `yaml:"max_notes"`
	MaxNoteLength int `yaml:"max_note_length"`

	StaticDir string `yaml:"static_dir"`

	Snapshot SnapshotConfig `yaml:"snapshot"`

	// ClientBuffer is the number of outbound messages queued per client
	// before the client is considered too slow and disconnected.
	ClientBuffer int `yaml:"client_buffer"`

	// CommandRate and CommandBurst bound inbound commands per connection.
	CommandRate  float64 `yaml:"command_rate"`
	CommandBurst int     `yaml:"command_burst"`

	// AllowedOrigins restricts WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	OTelEndpoint string `yaml:"otel_endpoint"`

	GinMode  string `yaml:"gin_mode"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SnapshotConfig selects and configures the snapshot backend.
type SnapshotConfig struct {
	Backend string `yaml:"backend"`

	// Path is the JSON file for the file backend and the database
	// directory for the badger backend.
	Path string `yaml:"path"`

	GCSBucket  string `yaml:"gcs_bucket"`
	GCSProject string `yaml:"gcs_project"`
	GCSObject  string `yaml:"gcs_object"`
	GCSKeyPath string `yaml:"gcs_key_path"`
}

// Default returns the shipped configuration.
func Default() Config {
	return Config{
		Port:          3000,
		ExaminerCode:  DefaultExaminerCode,
		MaxItems:      12,
		MaxNotes:      100,
		MaxNoteLength: 500,
		StaticDir:     "./public",
		Snapshot: SnapshotConfig{
			Backend:   BackendFile,
			Path:      "state.json",
			GCSObject: "examqueue/state.json",
		},
		ClientBuffer:    64,
		CommandRate:     10,
		CommandBurst:    20,
		GinMode:         "release",
		LogLevel:        "info",
		ShutdownTimeout: 5 * time.Second,
	}
}

// Load resolves the configuration from defaults, the YAML file at path (if
// path is non-empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read the config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WithDefaults fills zero values with the shipped defaults.
func (c Config) WithDefaults() Config {
	d := Default()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.MaxItems == 0 {
		c.MaxItems = d.MaxItems
	}
	if c.MaxNotes == 0 {
		c.MaxNotes = d.MaxNotes
	}
	if c.MaxNoteLength == 0 {
		c.MaxNoteLength = d.MaxNoteLength
	}
	if c.Snapshot.Backend == "" {
		c.Snapshot.Backend = d.Snapshot.Backend
	}
	if c.Snapshot.Path == "" {
		c.Snapshot.Path = d.Snapshot.Path
	}
	if c.Snapshot.GCSObject == "" {
		c.Snapshot.GCSObject = d.Snapshot.GCSObject
	}
	if c.ClientBuffer == 0 {
		c.ClientBuffer = d.ClientBuffer
	}
	if c.CommandRate == 0 {
		c.CommandRate = d.CommandRate
	}
	if c.CommandBurst == 0 {
		c.CommandBurst = d.CommandBurst
	}
	if c.GinMode == "" {
		c.GinMode = d.GinMode
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Validate checks bounds and enumerations.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxItems <= 0 {
		errs = append(errs, fmt.Errorf("max_items must be positive, got %d", c.MaxItems))
	}
	if c.MaxNotes <= 0 {
		errs = append(errs, fmt.Errorf("max_notes must be positive, got %d", c.MaxNotes))
	}
	if c.MaxNoteLength <= 0 {
		errs = append(errs, fmt.Errorf("max_note_length must be positive, got %d", c.MaxNoteLength))
	}
	if c.ClientBuffer <= 0 {
		errs = append(errs, fmt.Errorf("client_buffer must be positive, got %d", c.ClientBuffer))
	}
	if c.CommandRate < 0 || c.CommandBurst < 0 {
		errs = append(errs, errors.New("command_rate and command_burst must not be negative"))
	}
	switch c.GinMode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("gin_mode must be debug, release or test, got %q", c.GinMode))
	}
	switch c.Snapshot.Backend {
	case BackendFile, BackendBadger, BackendNone:
	case BackendGCS:
		if c.Snapshot.GCSBucket == "" {
			errs = append(errs, errors.New("snapshot backend gcs requires gcs_bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown snapshot backend %q", c.Snapshot.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// applyEnv overlays environment variables. lookup is os.LookupEnv in
// production and a map in tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("environment variable %s: %q is not an integer", key, v)
		}
		*dst = n
		return nil
	}

	str("EXAM_CODE", &c.ExaminerCode)
	str("ADMIN_CODE", &c.AdminCode)
	str("STATIC_DIR", &c.StaticDir)
	str("SNAPSHOT_BACKEND", &c.Snapshot.Backend)
	str("STATE_FILE", &c.Snapshot.Path)
	str("GCS_BUCKET", &c.Snapshot.GCSBucket)
	str("GCS_PROJECT", &c.Snapshot.GCSProject)
	str("GCS_OBJECT", &c.Snapshot.GCSObject)
	str("GCS_KEY_PATH", &c.Snapshot.GCSKeyPath)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTelEndpoint)
	str("GIN_MODE", &c.GinMode)
	str("LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup("LOG_JSON"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("environment variable LOG_JSON: %q is not a boolean", v)
		}
		c.LogJSON = b
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = splitList(v)
	}

	for key, dst := range map[string]*int{
		"PORT":            &c.Port,
		"MAX_ITEMS":       &c.MaxItems,
		"MAX_NOTES":       &c.MaxNotes,
		"MAX_NOTE_LENGTH": &c.MaxNoteLength,
		"CLIENT_BUFFER":   &c.ClientBuffer,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
