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
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultPartialMessageTimeout is the advisory watchdog period; 0
// disables the watchdog.
const DefaultPartialMessageTimeout = 10 * time.Second

// PartialMessageEvent reports that a frame's headers parsed but its body
// has not fully arrived within the watchdog period. It is advisory only:
// the reader keeps waiting, it never aborts the stream because of it.
type PartialMessageEvent struct {
	MessageToken string
	WaitingTime  time.Duration
}

// Reader drives the framing codec against a byte stream, alternating
// between awaiting-headers and awaiting-body, and publishes decoded
// messages through a single callback installed by Listen.
//
// Thread Safety:
//
//	Listen must be called once; it spawns the single goroutine that owns
//	the reader's internal state machine for the life of the stream.
type Reader struct {
	stream    io.Reader
	codec     ContentTypeCodec
	encodings map[string]ContentEncoding

	timer          Timer
	partialTimeout time.Duration

	onMessage        func(Message)
	onPartialMessage func(PartialMessageEvent)
	onError          func(error)
	onClose          func()

	listening int32
	disposed  int32
	done      chan struct{}
}

// NewReader builds a Reader over stream, decoding bodies with codec. Use
// RegisterEncoding to add Content-Encoding transforms before calling
// Listen.
func NewReader(stream io.Reader, codec ContentTypeCodec) *Reader {
	return &Reader{
		stream:         stream,
		codec:          codec,
		encodings:      make(map[string]ContentEncoding),
		timer:          SystemTimer{},
		partialTimeout: DefaultPartialMessageTimeout,
		done:           make(chan struct{}),
	}
}

// SetTimer replaces the clock the partial-message watchdog is armed on,
// normally with the runtime abstraction's Timer. Must be called before
// Listen.
func (r *Reader) SetTimer(t Timer) {
	if t != nil {
		r.timer = t
	}
}

// SetPartialMessageTimeout overrides the watchdog period; 0 disables it.
func (r *Reader) SetPartialMessageTimeout(d time.Duration) { r.partialTimeout = d }

// RegisterEncoding adds a Content-Encoding transform the reader can apply
// to inbound bodies.
func (r *Reader) RegisterEncoding(enc ContentEncoding) { r.encodings[enc.Name()] = enc }

// OnError installs the error callback.
func (r *Reader) OnError(fn func(error)) { r.onError = fn }

// OnClose installs the stream-closed callback.
func (r *Reader) OnClose(fn func()) { r.onClose = fn }

// OnPartialMessage installs the watchdog callback.
func (r *Reader) OnPartialMessage(fn func(PartialMessageEvent)) { r.onPartialMessage = fn }

// Listen installs the message callback and starts the read loop in a new
// goroutine. Calling Listen a second time returns ErrAlreadyListening.
func (r *Reader) Listen(onMessage func(Message)) error {
	if r.stream == nil {
		return ErrNoReader
	}
	if !atomic.CompareAndSwapInt32(&r.listening, 0, 1) {
		return ErrAlreadyListening
	}
	r.onMessage = onMessage
	go r.loop()
	return nil
}

// Dispose releases the reader's subscriptions. It does not close the
// underlying stream; ownership of the transport remains with the caller.
func (r *Reader) Dispose() {
	if atomic.CompareAndSwapInt32(&r.disposed, 0, 1) {
		close(r.done)
	}
}

type watchdog struct {
	mu      sync.Mutex
	cancel  CancelFunc
	token   string
	started time.Time
}

func (r *Reader) loop() {
	buf := &Buffer{}
	chunk := make([]byte, 64*1024)

	var headers map[string]string
	var contentLength int
	haveHeaders := false

	wd := &watchdog{}
	defer r.stopWatchdog(wd)

	for {
		n, readErr := r.stream.Read(chunk)
		if n > 0 {
			buf.Append(chunk[:n])
		}

		for {
			if !haveHeaders {
				h, ok, ferr := buf.TryReadHeaders()
				if ferr != nil {
					r.fireError(ferr)
					return
				}
				if !ok {
					break
				}
				cl, clerr := ParseContentLength(h)
				if clerr != nil {
					r.fireError(clerr)
					return
				}
				headers, contentLength, haveHeaders = h, cl, true
				r.armWatchdog(wd)
			}

			body, ok := buf.TryReadBody(contentLength)
			if !ok {
				break
			}
			r.stopWatchdog(wd)
			haveHeaders = false

			msg, err := r.decodeBody(headers, body)
			if err != nil {
				r.fireError(err)
				continue
			}
			if r.onMessage != nil {
				r.onMessage(msg)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				r.fireClose()
				return
			}
			r.fireError(readErr)
			return
		}

		select {
		case <-r.done:
			return
		default:
		}
	}
}

func (r *Reader) decodeBody(headers map[string]string, body []byte) (Message, error) {
	if encName := headers[headerContentEncoding]; encName != "" {
		enc, ok := r.encodings[encName]
		if !ok {
			return nil, &FramingError{Reason: "unknown Content-Encoding", Value: encName}
		}
		decoded, err := enc.Decode(body)
		if err != nil {
			return nil, err
		}
		body = decoded
	}
	return r.codec.Decode(body)
}

func (r *Reader) armWatchdog(wd *watchdog) {
	if r.partialTimeout <= 0 || r.onPartialMessage == nil {
		return
	}
	wd.mu.Lock()
	defer wd.mu.Unlock()
	wd.token = uuid.NewString()
	wd.started = time.Now()
	wd.cancel = r.timer.SetTimeout(r.partialTimeout, func() { r.fireWatchdog(wd) })
}

func (r *Reader) fireWatchdog(wd *watchdog) {
	wd.mu.Lock()
	token := wd.token
	waiting := time.Since(wd.started)
	wd.mu.Unlock()
	if token == "" {
		return
	}
	if r.onPartialMessage != nil {
		r.onPartialMessage(PartialMessageEvent{MessageToken: token, WaitingTime: waiting})
	}
	wd.mu.Lock()
	if wd.token == token { // still waiting on the same message; re-arm
		wd.cancel = r.timer.SetTimeout(r.partialTimeout, func() { r.fireWatchdog(wd) })
	}
	wd.mu.Unlock()
}

func (r *Reader) stopWatchdog(wd *watchdog) {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	if wd.cancel != nil {
		wd.cancel()
	}
	wd.token = ""
}

func (r *Reader) fireError(err error) {
	if r.onError != nil {
		r.onError(err)
	}
}

func (r *Reader) fireClose() {
	if r.onClose != nil {
		r.onClose()
	}
}
