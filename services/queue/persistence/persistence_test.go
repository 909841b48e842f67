// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package persistence

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/ExamQueue/services/queue/config"
	"github.com/AleutianAI/ExamQueue/services/queue/datatypes"
	"github.com/AleutianAI/ExamQueue/services/queue/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleView builds a realistic view through the store so it has the
// exact shape the hub persists.
func sampleView(t *testing.T) datatypes.View {
	t.Helper()
	store := state.NewStore(state.DefaultLimits(), state.NewFakeClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)))
	_, err := store.RecordCall(datatypes.CategoryMen, 101, 3)
	require.NoError(t, err)
	_, err = store.RecordCall(datatypes.CategoryWomen, 7, 1)
	require.NoError(t, err)
	_, err = store.AddAbsentee(datatypes.CategoryMen, 12)
	require.NoError(t, err)
	_, err = store.AddNote("room 2 needs water", "Dana", "")
	require.NoError(t, err)
	return store.Snapshot()
}

// ============================================================================
// Encode / Decode
// ============================================================================

func TestEncodeDecode_RoundTrip(t *testing.T) {
	v := sampleView(t)

	data, err := Encode(v, time.Now())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"version": 1`)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte("   "))
	assert.ErrorIs(t, err, ErrNoSnapshot)

	_, err = Decode([]byte("{not json"))
	assert.ErrorIs(t, err, datatypes.ErrPersistence)

	_, err = Decode([]byte(`[1,2,3]`))
	assert.ErrorIs(t, err, datatypes.ErrPersistence)

	_, err = Decode([]byte(`{"version": 99, "state": {}}`))
	assert.ErrorIs(t, err, datatypes.ErrPersistence)
}

func TestDecode_LegacyFormat(t *testing.T) {
	legacy := `{
	  "men": [
	    {"gender": "men", "student": 101, "committee": 3, "ts": 1717228800500},
	    {"gender": "men", "student": "9", "committee": 2, "ts": 1717228700000},
	    {"gender": "men", "student": null, "committee": 2, "ts": 1717228600000}
	  ],
	  "women": [
	    {"gender": "women", "student": 7, "committee": 1, "ts": 1717228900000}
	  ],
	  "absMen": [12, "4", 3.5, -1],
	  "absWomen": [],
	  "notes": [{"text": "hello", "author": "-", "role": "examiner", "ts": 1717228800000}]
	}`

	v, err := Decode([]byte(legacy))
	require.NoError(t, err)

	men := v.Calls[datatypes.CategoryMen]
	require.Len(t, men, 2)
	assert.Equal(t, 101, men[0].StudentID)
	assert.Equal(t, 9, men[1].StudentID)
	assert.Equal(t, time.UnixMilli(1717228800500).UTC(), men[0].Timestamp)

	assert.Equal(t, []int{4, 12}, v.Absentees[datatypes.CategoryMen])
	assert.Empty(t, v.Absentees[datatypes.CategoryWomen])

	require.NotNil(t, v.Current)
	assert.Equal(t, datatypes.CategoryWomen, v.Current.Category)
	assert.Equal(t, datatypes.PhaseActive, v.Phase)

	require.Len(t, v.Notes, 1)
	assert.Equal(t, "hello", v.Notes[0].Text)

	store := state.NewStore(state.DefaultLimits(), nil)
	assert.Equal(t, 0, store.Restore(v))
}

// ============================================================================
// File Backend
// ============================================================================

func TestFileStore_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	v := sampleView(t)
	require.NoError(t, s.Save(ctx, v))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, "state.json", entries[0].Name())
	require.NoError(t, s.Close())
}

func TestFileStore_SaveReplaces(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleView(t)))
	empty := datatypes.EmptyView()
	empty.MaxItems = 12
	require.NoError(t, s.Save(ctx, empty))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, empty, got)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{\"version\": 1, \"state\": "), 0600))

	s, err := NewFileStore(path)
	require.NoError(t, err)
	_, err = s.Load(context.Background())
	assert.ErrorIs(t, err, datatypes.ErrPersistence)
}

func TestNewFileStore_EmptyPath(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}

// ============================================================================
// Badger Backend
// ============================================================================

func TestBadgerStore_InMemory(t *testing.T) {
	s, err := OpenBadgerStore(InMemoryBadgerConfig())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	v := sampleView(t)
	require.NoError(t, s.Save(ctx, v))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	cfg := DefaultBadgerConfig()
	cfg.Path = filepath.Join(t.TempDir(), "db")
	ctx := context.Background()
	v := sampleView(t)

	s, err := OpenBadgerStore(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, v))
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(cfg)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestOpenBadgerStore_RequiresPath(t *testing.T) {
	_, err := OpenBadgerStore(DefaultBadgerConfig())
	assert.Error(t, err)
}

// ============================================================================
// GCS Backend (error paths that don't require a GCS connection)
// ============================================================================

func TestNewGCSStore_NonExistentKeyPath(t *testing.T) {
	_, err := NewGCSStore(context.Background(), GCSConfig{
		Bucket:  "test-bucket",
		Object:  "state.json",
		KeyPath: "/nonexistent/path/to/key.json",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service account key not found")
	assert.Contains(t, err.Error(), "/nonexistent/path/to/key.json")
}

func TestNewGCSStore_DirectoryInsteadOfFile(t *testing.T) {
	_, err := NewGCSStore(context.Background(), GCSConfig{
		Bucket:  "test-bucket",
		Object:  "state.json",
		KeyPath: t.TempDir(),
	})
	assert.Error(t, err)
}

func TestNewGCSStore_InvalidCredentialsFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "invalid_key.json")
	require.NoError(t, os.WriteFile(keyPath, []byte("not valid json"), 0600))

	_, err := NewGCSStore(context.Background(), GCSConfig{
		Bucket:  "test-bucket",
		Object:  "state.json",
		KeyPath: keyPath,
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to create GCS storage client"), err.Error())
}

func TestNewGCSStore_RequiresBucketAndObject(t *testing.T) {
	_, err := NewGCSStore(context.Background(), GCSConfig{Object: "x"})
	assert.Error(t, err)
	_, err = NewGCSStore(context.Background(), GCSConfig{Bucket: "b"})
	assert.Error(t, err)
}

// ============================================================================
// Factory
// ============================================================================

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.SnapshotConfig{Backend: config.BackendNone}, nil)
	require.NoError(t, err)
	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrNoSnapshot)
	assert.NoError(t, s.Save(ctx, datatypes.EmptyView()))

	s, err = Open(ctx, config.SnapshotConfig{Backend: config.BackendFile, Path: filepath.Join(t.TempDir(), "s.json")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, config.SnapshotConfig{Backend: config.BackendBadger, Path: filepath.Join(t.TempDir(), "db")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.SnapshotConfig{Backend: "s3"}, nil)
	assert.Error(t, err)
}
