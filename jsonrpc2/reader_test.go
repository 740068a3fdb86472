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
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPipe lets a test drip bytes into a Reader at its own pace and
// signal EOF by closing the writer half.
func newPipe() (io.Reader, io.WriteCloser) {
	r, w := io.Pipe()
	return r, w
}

func TestReader_DecodesSingleFramedMessage(t *testing.T) {
	stream, w := newPipe()
	reader := NewReader(stream, JSONCodec)

	var mu sync.Mutex
	var got []Message
	done := make(chan struct{})
	err := reader.Listen(func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		close(done)
	})
	require.NoError(t, err)

	frame, err := EncodeFrame(JSONCodec, nil, &Request{JSONRPC: Version, ID: NewIntID(1), Method: "echo"})
	require.NoError(t, err)

	go func() { w.Write(frame) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	req, ok := got[0].(*Request)
	require.True(t, ok)
	assert.Equal(t, "echo", req.Method)

	reader.Dispose()
	w.Close()
}

func TestReader_ListenTwice_ReturnsErrAlreadyListening(t *testing.T) {
	stream, w := newPipe()
	defer w.Close()
	reader := NewReader(stream, JSONCodec)

	require.NoError(t, reader.Listen(func(Message) {}))
	assert.ErrorIs(t, reader.Listen(func(Message) {}), ErrAlreadyListening)
	reader.Dispose()
}

func TestReader_EOF_FiresOnClose(t *testing.T) {
	stream, w := newPipe()
	reader := NewReader(stream, JSONCodec)

	closed := make(chan struct{})
	reader.OnClose(func() { close(closed) })
	require.NoError(t, reader.Listen(func(Message) {}))

	w.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close callback")
	}
	reader.Dispose()
}

func TestReader_MalformedHeader_FiresOnError(t *testing.T) {
	stream, w := newPipe()
	reader := NewReader(stream, JSONCodec)

	errCh := make(chan error, 1)
	reader.OnError(func(err error) { errCh <- err })
	require.NoError(t, reader.Listen(func(Message) {}))

	go func() { w.Write([]byte("garbage-header-line\r\n\r\n")) }()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error callback")
	}
	reader.Dispose()
	w.Close()
}

func TestReader_PartialMessageWatchdog_Fires(t *testing.T) {
	stream, w := newPipe()
	reader := NewReader(stream, JSONCodec)
	reader.SetPartialMessageTimeout(20 * time.Millisecond)

	fired := make(chan PartialMessageEvent, 1)
	reader.OnPartialMessage(func(ev PartialMessageEvent) { fired <- ev })
	require.NoError(t, reader.Listen(func(Message) {}))

	go func() { w.Write([]byte("Content-Length: 100\r\n\r\n")) }()

	select {
	case ev := <-fired:
		assert.NotEmpty(t, ev.MessageToken)
		assert.GreaterOrEqual(t, ev.WaitingTime, 20*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watchdog event")
	}
	reader.Dispose()
	w.Close()
}
