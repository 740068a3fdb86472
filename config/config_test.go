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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lsprpc/jsonrpc2"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
traceLevel: compact
partialMessageTimeoutMs: 5000
methods:
  - method: echo
    structure: byPosition
    numberOfParams: 1
  - method: workspace/configuration
    structure: byName
  - method: ping
    structure: auto
`

func TestLoad_Valid(t *testing.T) {
	f, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "compact", f.TraceLevel)
	assert.Equal(t, 5*time.Second, f.PartialMessageTimeout())
	require.Len(t, f.Methods, 3)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownStructure(t *testing.T) {
	_, err := Load(writeConfig(t, `
methods:
  - method: echo
    structure: sideways
`))
	assert.Error(t, err)
}

func TestLoad_RejectsUnknownTraceLevel(t *testing.T) {
	_, err := Load(writeConfig(t, `traceLevel: shouty`))
	assert.Error(t, err)
}

func TestLoad_RejectsMethodWithoutName(t *testing.T) {
	_, err := Load(writeConfig(t, `
methods:
  - structure: auto
`))
	assert.Error(t, err)
}

func TestFile_PartialMessageTimeout_DefaultsWhenUnset(t *testing.T) {
	f, err := Load(writeConfig(t, `traceLevel: off`))
	require.NoError(t, err)
	assert.Equal(t, jsonrpc2.DefaultPartialMessageTimeout, f.PartialMessageTimeout())
}

func TestFile_MethodShapes(t *testing.T) {
	f, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	shapes := f.MethodShapes()
	assert.Equal(t, jsonrpc2.MethodShape{Structure: jsonrpc2.ByPositionParams, NumberOfParams: 1}, shapes["echo"])
	assert.Equal(t, jsonrpc2.ByNameParams, shapes["workspace/configuration"].Structure)
	assert.Equal(t, jsonrpc2.AutoParams, shapes["ping"].Structure)

	_, declared := shapes["absent"]
	assert.False(t, declared)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, `traceLevel: off`)

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, "off", w.Current().TraceLevel)

	require.NoError(t, os.WriteFile(path, []byte(`traceLevel: verbose`), 0o644))
	require.Eventually(t, func() bool {
		return w.Current().TraceLevel == "verbose"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_KeepsCurrentOnInvalidEdit(t *testing.T) {
	path := writeConfig(t, `traceLevel: messages`)

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`traceLevel: shouty`), 0o644))

	select {
	case err := <-w.Errors():
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a validation error from the watcher")
	}
	assert.Equal(t, "messages", w.Current().TraceLevel)
}
