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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	headerContentLength   = "Content-Length"
	headerContentType     = "Content-Type"
	headerContentEncoding = "Content-Encoding"
	// DefaultContentType is assumed when a peer omits Content-Type.
	DefaultContentType = "application/json; charset=utf-8"

	growthChunk = 8192
)

// ContentTypeCodec converts between the Message tagged union and the bytes
// carried in a frame body. The default JSON realization lives in this
// package; RAL realizations may substitute another content type.
type ContentTypeCodec interface {
	ContentType() string
	Encode(msg Message) ([]byte, error)
	Decode(body []byte) (Message, error)
}

// ContentEncoding is a pluggable body transform named by the
// Content-Encoding header (gzip, identity, ...).
type ContentEncoding interface {
	Name() string
	Encode(body []byte) ([]byte, error)
	Decode(body []byte) ([]byte, error)
}

// jsonCodec is the default application/json content-type codec.
type jsonCodec struct{}

// JSONCodec is the default ContentTypeCodec: application/json.
var JSONCodec ContentTypeCodec = jsonCodec{}

func (jsonCodec) ContentType() string { return DefaultContentType }

func (jsonCodec) Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Request, *Notification, *Response:
		return json.Marshal(m)
	default:
		return nil, fmt.Errorf("jsonrpc2: cannot encode message of type %T", msg)
	}
}

func (jsonCodec) Decode(body []byte) (Message, error) {
	return Decode(json.RawMessage(body)), nil
}

// =============================================================================
// FRAME HEADER
// =============================================================================

// FrameHeader is the parsed ASCII header block preceding a message body.
type FrameHeader struct {
	ContentLength   int
	ContentType     string
	ContentEncoding string
}

// EncodeFrame renders the header block and body for a single message.
// The content encoder (if any) is applied after the content-type
// encoder: Message, then bytes, then encoded bytes.
func EncodeFrame(codec ContentTypeCodec, enc ContentEncoding, msg Message) ([]byte, error) {
	body, err := codec.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc2: encode body: %w", err)
	}

	header := FrameHeader{ContentType: codec.ContentType()}
	if enc != nil {
		body, err = enc.Encode(body)
		if err != nil {
			return nil, fmt.Errorf("jsonrpc2: content-encode body: %w", err)
		}
		header.ContentEncoding = enc.Name()
	}
	header.ContentLength = len(body)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s: %d\r\n", headerContentLength, header.ContentLength)
	fmt.Fprintf(&buf, "%s: %s\r\n", headerContentType, header.ContentType)
	if header.ContentEncoding != "" {
		fmt.Fprintf(&buf, "%s: %s\r\n", headerContentEncoding, header.ContentEncoding)
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

// NegotiateEncodingQValues renders an Accept-Encoding-style header value
// for a peer-declared priority list, assigning q=1 to the first entry,
// halving for each subsequent one, and 0 for the lowest.
func NegotiateEncodingQValues(priority []string) string {
	if len(priority) == 0 {
		return ""
	}
	parts := make([]string, 0, len(priority))
	q := 1.0
	for i, name := range priority {
		if i == len(priority)-1 {
			q = 0
		}
		parts = append(parts, fmt.Sprintf("%s;q=%s", name, trimQValue(q)))
		q = q / 2
	}
	return strings.Join(parts, ", ")
}

func trimQValue(q float64) string {
	s := strconv.FormatFloat(q, 'f', -1, 64)
	return s
}

// =============================================================================
// GROWABLE BUFFER
// =============================================================================

// Buffer is the growable byte buffer the Reader accumulates chunks into
// before headers/body can be scanned out of it. Growth is geometric in
// 8 KiB steps (next capacity ((len+need)/8192+1)*8192 + 8192) rather
// than relying on Go's built-in slice growth, so the buffer never holds
// more than one pending frame's worth of slack.
type Buffer struct {
	data []byte
	off  int // consumed prefix
}

// Append copies chunk into the buffer, growing geometrically if needed.
func (b *Buffer) Append(chunk []byte) {
	need := len(chunk)
	avail := cap(b.data) - len(b.data)
	if need > avail {
		nextCap := ((len(b.data)+need)/growthChunk+1)*growthChunk + growthChunk
		grown := make([]byte, len(b.data), nextCap)
		copy(grown, b.data)
		b.data = grown
	}
	b.data = append(b.data, chunk...)
	b.compact()
}

// compact drops the already-consumed prefix once it grows past one
// growth chunk, so a long-lived connection doesn't retain every byte
// it has ever seen.
func (b *Buffer) compact() {
	if b.off < growthChunk {
		return
	}
	b.data = append(b.data[:0], b.data[b.off:]...)
	b.off = 0
}

// TryReadHeaders scans for the first "\r\n\r\n" and, if found, parses the
// preceding lines as "key: value" pairs and drops the header block from
// the buffer. Returns (nil, false, nil) if no full header block is
// present yet.
func (b *Buffer) TryReadHeaders() (map[string]string, bool, error) {
	remaining := b.data[b.off:]
	idx := bytes.Index(remaining, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil, false, nil
	}

	headerBlock := remaining[:idx]
	headers := make(map[string]string)
	for _, line := range bytes.Split(headerBlock, []byte("\r\n")) {
		if len(line) == 0 {
			continue
		}
		sep := bytes.IndexByte(line, ':')
		if sep < 0 {
			return nil, false, &FramingError{Reason: "header line missing ':'", Value: string(line)}
		}
		key := strings.TrimSpace(string(line[:sep]))
		val := strings.TrimSpace(string(line[sep+1:]))
		headers[key] = val
	}

	b.off += idx + len("\r\n\r\n")
	return headers, true, nil
}

// TryReadBody returns the next n bytes and drops them from the buffer, or
// (nil, false) if fewer than n bytes are currently available.
func (b *Buffer) TryReadBody(n int) ([]byte, bool) {
	remaining := b.data[b.off:]
	if len(remaining) < n {
		return nil, false
	}
	body := make([]byte, n)
	copy(body, remaining[:n])
	b.off += n
	return body, true
}

// ParseContentLength validates and converts the Content-Length header
// value: missing, non-numeric, or negative is a fatal framing error.
func ParseContentLength(headers map[string]string) (int, error) {
	raw, ok := headers[headerContentLength]
	if !ok {
		return 0, &FramingError{Reason: "missing Content-Length header"}
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, &FramingError{Reason: "non-numeric Content-Length", Value: raw}
	}
	if n < 0 {
		return 0, &FramingError{Reason: "negative Content-Length", Value: raw}
	}
	return n, nil
}
