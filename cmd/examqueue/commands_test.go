// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/ExamQueue/services/queue/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "examqueue dev\n", out)
}

func TestSnapshotShow_NoSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	out, errOut, err := execute(t, "snapshot", "show", "--state-file", path)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Contains(t, errOut, "No snapshot saved yet")
}

func TestSnapshotImport_LegacyThenShow(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "old-state.json")
	require.NoError(t, os.WriteFile(legacy, []byte(`{
		"men": [{"gender": "men", "student": 3, "committee": 1, "ts": 1717232400000}],
		"women": [],
		"absMen": [8, 2],
		"absWomen": [],
		"notes": [{"text": "Room 4 closed", "author": "desk", "role": "examiner", "ts": 1717232500000}]
	}`), 0600))
	target := filepath.Join(dir, "state.json")

	out, _, err := execute(t, "snapshot", "import", legacy, "--state-file", target)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported")

	out, _, err = execute(t, "snapshot", "show", "--state-file", target)
	require.NoError(t, err)

	var v datatypes.View
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	require.NotNil(t, v.Current)
	assert.Equal(t, 3, v.Current.StudentID)
	assert.Equal(t, []int{2, 8}, v.Absentees[datatypes.CategoryMen])
	require.Len(t, v.Notes, 1)
	assert.Equal(t, "Room 4 closed", v.Notes[0].Text)
}

func TestSnapshotImport_MissingFile(t *testing.T) {
	_, _, err := execute(t, "snapshot", "import", filepath.Join(t.TempDir(), "nope.json"),
		"--backend", "none")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read")
}

func TestLoadConfig_FileAndFlags(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "examqueue.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("port: 4100\n"), 0600))

	out, _, err := execute(t, "ips", "--config", cfgPath)
	require.NoError(t, err)
	if out != "" {
		assert.Contains(t, out, ":4100/")
	}

	out, _, err = execute(t, "ips", "--config", cfgPath, "--port", "4200")
	require.NoError(t, err)
	if out != "" {
		assert.Contains(t, out, ":4200/")
	}
}

func TestLoadConfig_InvalidBackend(t *testing.T) {
	_, _, err := execute(t, "snapshot", "show", "--backend", "s3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown snapshot backend")
}

func TestLoadConfig_MissingConfigFile(t *testing.T) {
	_, _, err := execute(t, "version", "--config", "/does/not/exist.yaml")
	require.NoError(t, err, "version does not read the config")

	_, _, err = execute(t, "ips", "--config", "/does/not/exist.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file")
}
