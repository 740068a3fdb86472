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
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Writer serialises concurrent writes through a single-slot lock so that
// two messages' byte sequences are never interleaved on the wire. The
// lock is a weighted semaphore
// rather than a plain mutex so a blocked Write can be aborted by the
// caller's context. Disposing the Writer does not wake a Write that is
// already waiting for the lock.
//
// Thread Safety:
//
//	Safe for concurrent use. Write from any number of goroutines; they are
//	serialised internally.
type Writer struct {
	stream io.Writer
	codec  ContentTypeCodec
	enc    ContentEncoding

	lock    *semaphore.Weighted
	limiter *rate.Limiter

	errorCount int64

	onError func(err error, msg Message, count int64)
	onClose func()

	disposed int32
}

// NewWriter builds a Writer over stream, encoding outbound messages with
// codec. enc may be nil (no Content-Encoding applied).
func NewWriter(stream io.Writer, codec ContentTypeCodec, enc ContentEncoding) *Writer {
	return &Writer{
		stream: stream,
		codec:  codec,
		enc:    enc,
		lock:   semaphore.NewWeighted(1),
	}
}

// SetRateLimit installs an optional token-bucket limiter so a runaway
// local peer cannot flood a slow transport; it never reorders writes,
// only paces them.
func (w *Writer) SetRateLimit(limiter *rate.Limiter) { w.limiter = limiter }

// OnError installs the write-error callback. count is the running
// error count so callers can back off.
func (w *Writer) OnError(fn func(err error, msg Message, count int64)) { w.onError = fn }

// OnClose installs the callback fired once by Dispose.
func (w *Writer) OnClose(fn func()) { w.onClose = fn }

// Write encodes and writes msg, blocking until the underlying stream's
// write completes or ctx is cancelled. Encoding and stream-write errors
// increment the running error_count and fire OnError before being
// returned; ErrDisposed and context errors from the rate-limit wait or the
// lock acquisition are returned without being counted.
func (w *Writer) Write(ctx context.Context, msg Message) error {
	if atomic.LoadInt32(&w.disposed) == 1 {
		return ErrDisposed
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("jsonrpc2: rate limit wait: %w", err)
		}
	}

	frame, err := EncodeFrame(w.codec, w.enc, msg)
	if err != nil {
		return w.fail(err, msg)
	}

	if err := w.lock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("jsonrpc2: acquire write lock: %w", err)
	}
	defer w.lock.Release(1)

	if _, err := w.stream.Write(frame); err != nil {
		return w.fail(fmt.Errorf("jsonrpc2: write frame: %w", err), msg)
	}
	return nil
}

func (w *Writer) fail(err error, msg Message) error {
	count := atomic.AddInt64(&w.errorCount, 1)
	if w.onError != nil {
		w.onError(err, msg, count)
	}
	return err
}

// ErrorCount returns the running count of write failures.
func (w *Writer) ErrorCount() int64 { return atomic.LoadInt64(&w.errorCount) }

// Dispose releases the writer's resources. It does not close the
// underlying stream; ownership of the transport remains with the caller.
func (w *Writer) Dispose() {
	if atomic.CompareAndSwapInt32(&w.disposed, 0, 1) {
		if w.onClose != nil {
			w.onClose()
		}
	}
}
