// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jsonrpc2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_WritesFramedMessage(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, JSONCodec, nil)

	err := w.Write(context.Background(), &Notification{JSONRPC: Version, Method: "ping"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Content-Length: ")
	assert.Contains(t, buf.String(), `"method":"ping"`)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriter_WriteFailure_IncrementsErrorCountAndFiresCallback(t *testing.T) {
	w := NewWriter(failingWriter{}, JSONCodec, nil)

	var gotErr error
	var gotCount int64
	w.OnError(func(err error, msg Message, count int64) {
		gotErr = err
		gotCount = count
	})

	err := w.Write(context.Background(), &Notification{JSONRPC: Version, Method: "ping"})
	require.Error(t, err)
	assert.Equal(t, int64(1), w.ErrorCount())
	assert.Equal(t, int64(1), gotCount)
	assert.Error(t, gotErr)
}

func TestWriter_SerializesConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	var bufMu sync.Mutex
	w := NewWriter(syncWriter{&buf, &bufMu}, JSONCodec, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = w.Write(context.Background(), &Notification{JSONRPC: Version, Method: fmt.Sprintf("m%d", i)})
		}(i)
	}
	wg.Wait()

	bufMu.Lock()
	defer bufMu.Unlock()
	assert.Equal(t, 20, bytes.Count(buf.Bytes(), []byte("Content-Length: ")))
}

type syncWriter struct {
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (s syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func TestWriter_DisposeFiresOnCloseOnce(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, JSONCodec, nil)

	var closed int
	w.OnClose(func() { closed++ })
	w.Dispose()
	w.Dispose()
	assert.Equal(t, 1, closed)
}

func TestWriter_WriteAfterDispose_ReturnsErrDisposed(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, JSONCodec, nil)
	w.Dispose()

	err := w.Write(context.Background(), &Notification{JSONRPC: Version, Method: "ping"})
	assert.ErrorIs(t, err, ErrDisposed)
}
