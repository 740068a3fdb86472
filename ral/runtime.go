// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ral is the runtime abstraction layer: a pluggable timer,
// byte-buffer factory, content-type codec, and stream adapter set that
// keeps the connection engine host-agnostic. Two realizations are
// provided: Native (OS pipes/sockets, any charset) and Browser (an
// HTTP-upgraded websocket standing in for a worker message port, UTF-8
// only). Runtimes are passed explicitly rather than installed as a
// process-global singleton, so multiple connections in one process can
// use different realizations.
package ral

import (
	"fmt"
	"io"

	"github.com/AleutianAI/lsprpc/jsonrpc2"
	"github.com/AleutianAI/lsprpc/pkg/logging"
)

// Timer is the pluggable setTimeout/clearTimeout/setImmediate surface the
// engine schedules against: the reader's partial-message watchdog and the
// connection's dispatch ticks both run on it. The interface lives in
// jsonrpc2 so the engine can consume it without importing this package.
type Timer = jsonrpc2.Timer

// CancelFunc cancels a scheduled timer callback.
type CancelFunc = jsonrpc2.CancelFunc

// Console is the runtime's console sink, used for diagnostics that must
// work even before a caller has wired its own logger.
type Console interface {
	Log(args ...interface{})
}

// StreamPair bundles the inbound and outbound halves of a transport. Both
// sides satisfy the plain io.Reader/io.Writer contracts jsonrpc2.Reader
// and jsonrpc2.Writer expect.
type StreamPair struct {
	Reader io.Reader
	Writer io.Writer
	// Close tears down the underlying transport. It is distinct from
	// Reader/Writer Dispose: those release jsonrpc2's subscriptions,
	// ownership of the transport itself stays with whoever built the
	// StreamPair.
	Close func() error
}

// Runtime is the host-specific provision every component above this
// layer depends on instead of reaching for the OS or browser APIs
// directly.
type Runtime interface {
	Name() string
	Timer() Timer
	Console() Console
	// ContentTypeCodec returns the default application/json codec for
	// this host. Native and Browser both currently return the same
	// jsonrpc2.JSONCodec; the seam exists so a future realization (e.g. a
	// CBOR-speaking embedded host) can substitute one.
	ContentTypeCodec() jsonrpc2.ContentTypeCodec
	// SupportsCharset reports whether the realization can encode/decode
	// the named charset. Browser/worker realizations only support UTF-8.
	SupportsCharset(charset string) bool
	// NewBuffer returns a fresh framing buffer for the named charset,
	// failing when the realization cannot handle it.
	NewBuffer(charset string) (*jsonrpc2.Buffer, error)
}

// loggerConsole routes console output through pkg/logging so runtime
// diagnostics land in the same stderr/file/exporter destinations as the
// rest of the peer's output.
type loggerConsole struct{ l *logging.Logger }

func (c loggerConsole) Log(args ...interface{}) { c.l.Info(fmt.Sprint(args...)) }
