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
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// JSON codec
// =============================================================================

func TestJSONCodec_EncodeDecodeRoundTrip(t *testing.T) {
	req := &Request{JSONRPC: Version, ID: NewIntID(1), Method: "echo", Params: []byte(`[1]`)}
	body, err := JSONCodec.Encode(req)
	require.NoError(t, err)

	msg, err := JSONCodec.Decode(body)
	require.NoError(t, err)
	got, ok := msg.(*Request)
	require.True(t, ok)
	assert.Equal(t, "echo", got.Method)
}

func TestJSONCodec_EncodeRejectsMalformed(t *testing.T) {
	_, err := JSONCodec.Encode(&Malformed{})
	assert.Error(t, err)
}

// =============================================================================
// EncodeFrame
// =============================================================================

func TestEncodeFrame_HeaderAndBody(t *testing.T) {
	notif := &Notification{JSONRPC: Version, Method: "ping"}
	framed, err := EncodeFrame(JSONCodec, nil, notif)
	require.NoError(t, err)

	s := string(framed)
	assert.Contains(t, s, "Content-Length: ")
	assert.Contains(t, s, "Content-Type: application/json; charset=utf-8\r\n")
	assert.Contains(t, s, "\r\n\r\n")
	assert.True(t, strings.HasSuffix(s, `{"jsonrpc":"2.0","method":"ping"}`))
}

// =============================================================================
// NegotiateEncodingQValues
// =============================================================================

func TestNegotiateEncodingQValues_Empty(t *testing.T) {
	assert.Equal(t, "", NegotiateEncodingQValues(nil))
}

func TestNegotiateEncodingQValues_Single(t *testing.T) {
	assert.Equal(t, "gzip;q=0", NegotiateEncodingQValues([]string{"gzip"}))
}

func TestNegotiateEncodingQValues_MultipleDescending(t *testing.T) {
	got := NegotiateEncodingQValues([]string{"gzip", "deflate", "identity"})
	assert.Equal(t, "gzip;q=1, deflate;q=0.5, identity;q=0", got)
}

// =============================================================================
// Buffer / header-body scanning
// =============================================================================

func TestBuffer_TryReadHeaders_Incomplete(t *testing.T) {
	var b Buffer
	b.Append([]byte("Content-Length: 5\r\n"))
	headers, ok, err := b.TryReadHeaders()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, headers)
}

func TestBuffer_TryReadHeaders_Complete(t *testing.T) {
	var b Buffer
	b.Append([]byte("Content-Length: 5\r\nContent-Type: application/json\r\n\r\n"))
	headers, ok, err := b.TryReadHeaders()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "5", headers["Content-Length"])
	assert.Equal(t, "application/json", headers["Content-Type"])
}

func TestBuffer_TryReadHeaders_MalformedLine(t *testing.T) {
	var b Buffer
	b.Append([]byte("not-a-header-line\r\n\r\n"))
	_, _, err := b.TryReadHeaders()
	assert.Error(t, err)
}

func TestBuffer_TryReadBody_WaitsForFullLength(t *testing.T) {
	var b Buffer
	b.Append([]byte("hel"))
	body, ok := b.TryReadBody(5)
	assert.False(t, ok)
	assert.Nil(t, body)

	b.Append([]byte("lo"))
	body, ok = b.TryReadBody(5)
	require.True(t, ok)
	assert.Equal(t, "hello", string(body))
}

func TestBuffer_HeaderThenBody_FullFrame(t *testing.T) {
	var b Buffer
	b.Append([]byte("Content-Length: 13\r\n\r\n{\"foo\":true}\n"))
	headers, ok, err := b.TryReadHeaders()
	require.NoError(t, err)
	require.True(t, ok)

	n, err := ParseContentLength(headers)
	require.NoError(t, err)
	assert.Equal(t, 13, n)

	body, ok := b.TryReadBody(n)
	require.True(t, ok)
	assert.Equal(t, `{"foo":true}`+"\n", string(body))
}

// =============================================================================
// ParseContentLength
// =============================================================================

func TestParseContentLength_Missing(t *testing.T) {
	_, err := ParseContentLength(map[string]string{})
	assert.Error(t, err)
}

func TestParseContentLength_NonNumeric(t *testing.T) {
	_, err := ParseContentLength(map[string]string{"Content-Length": "abc"})
	assert.Error(t, err)
}

func TestParseContentLength_Negative(t *testing.T) {
	_, err := ParseContentLength(map[string]string{"Content-Length": "-1"})
	assert.Error(t, err)
}

func TestParseContentLength_Valid(t *testing.T) {
	n, err := ParseContentLength(map[string]string{"Content-Length": " 42 "})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestBuffer_ByteAtATimeChunks_YieldIdenticalFrame(t *testing.T) {
	payload := `{"jsonrpc":"2.0","id":9,"method":"echo","params":["x"]}`
	frame := []byte("Content-Length: " + strconv.Itoa(len(payload)) + "\r\n\r\n" + payload)

	b := &Buffer{}
	var headers map[string]string
	var body []byte
	for _, c := range frame {
		b.Append([]byte{c})
		if headers == nil {
			h, ok, err := b.TryReadHeaders()
			require.NoError(t, err)
			if ok {
				headers = h
			}
			continue
		}
		if body == nil {
			n, err := ParseContentLength(headers)
			require.NoError(t, err)
			if got, ok := b.TryReadBody(n); ok {
				body = got
			}
		}
	}
	require.NotNil(t, headers)
	require.NotNil(t, body)
	assert.Equal(t, payload, string(body))
}
