// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conn

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/lsprpc/jsonrpc2"
)

// TraceLevel is the trace hook's verbosity.
type TraceLevel int

const (
	TraceOff TraceLevel = iota
	TraceMessages
	TraceCompact
	TraceVerbose
)

func (l TraceLevel) String() string {
	switch l {
	case TraceOff:
		return "off"
	case TraceMessages:
		return "messages"
	case TraceCompact:
		return "compact"
	case TraceVerbose:
		return "verbose"
	default:
		return "unknown"
	}
}

// ParseTraceLevel parses the `$/setTrace` wire value ("off"|"messages"|
// "compact"|"verbose") into a TraceLevel.
func ParseTraceLevel(s string) (TraceLevel, bool) {
	switch s {
	case "off":
		return TraceOff, true
	case "messages":
		return TraceMessages, true
	case "compact":
		return TraceCompact, true
	case "verbose":
		return TraceVerbose, true
	default:
		return TraceOff, false
	}
}

// TraceFormat selects the rendering of a trace line.
type TraceFormat int

const (
	TraceFormatText TraceFormat = iota
	TraceFormatJSON
)

// TraceSink receives one already-formatted trace line. Implementations may
// write to stderr, a file, or (in cmd/tracerecord) a persistence backend.
type TraceSink interface {
	Trace(line string)
}

// TraceSinkFunc adapts a plain function to TraceSink.
type TraceSinkFunc func(line string)

func (f TraceSinkFunc) Trace(line string) { f(line) }

// TraceHook is the pluggable tracer the Connection calls at every
// egress/ingress point. Disabling trace
// (TraceOff) is zero cost: every Trace* method short-circuits before
// touching the sink or formatting anything.
//
// Thread Safety:
//
//	Safe for concurrent use; the level can be changed at runtime (e.g. by
//	a `$/setTrace` notification) while other goroutines are tracing.
type TraceHook struct {
	mu     sync.RWMutex
	level  TraceLevel
	format TraceFormat
	sink   TraceSink
}

// NewTraceHook builds a TraceHook at the given level/format, writing
// formatted lines to sink. A nil sink silently discards lines. SetLevel
// only changes the local level; announcing it to the peer with $/setTrace
// is done by Connection.SetTrace.
func NewTraceHook(level TraceLevel, format TraceFormat, sink TraceSink) *TraceHook {
	return &TraceHook{level: level, format: format, sink: sink}
}

// SetLevel changes the trace level at runtime.
func (t *TraceHook) SetLevel(level TraceLevel) {
	t.mu.Lock()
	t.level = level
	t.mu.Unlock()
}

// Level returns the current trace level.
func (t *TraceHook) Level() TraceLevel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.level
}

func (t *TraceHook) snapshot() (TraceLevel, TraceFormat, TraceSink) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.level, t.format, t.sink
}

func (t *TraceHook) emit(line string) {
	level, _, sink := t.snapshot()
	if level == TraceOff || sink == nil {
		return
	}
	sink.Trace(line)
}

// formatParams renders params according to the current level: compact
// (dense JSON) at TraceCompact, pretty-printed at TraceVerbose, and
// omitted entirely at TraceMessages.
func (t *TraceHook) formatParams(params json.RawMessage) string {
	level, format, _ := t.snapshot()
	if level < TraceCompact || len(params) == 0 {
		return ""
	}
	if format == TraceFormatJSON {
		return string(params)
	}
	if level == TraceVerbose {
		buf, err := json.MarshalIndent(params, "", "  ")
		if err != nil {
			return string(params)
		}
		return string(buf)
	}
	return string(params)
}

func (t *TraceHook) line(format string, args ...interface{}) string {
	_, fmtKind, _ := t.snapshot()
	if fmtKind == TraceFormatJSON {
		payload := map[string]interface{}{"message": fmt.Sprintf(format, args...), "ts": time.Now().Format(time.RFC3339Nano)}
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Sprintf(format, args...)
		}
		return string(b)
	}
	return fmt.Sprintf(format, args...)
}

// TraceSendingRequest logs an outbound Request.
func (t *TraceHook) TraceSendingRequest(req *jsonrpc2.Request) {
	if t.Level() == TraceOff {
		return
	}
	params := t.formatParams(req.Params)
	if params == "" {
		t.emit(t.line("Sending request '%s - (%s)'.", req.Method, req.ID.String()))
		return
	}
	t.emit(t.line("Sending request '%s - (%s)'. Params: %s", req.Method, req.ID.String(), params))
}

// TraceReceivedRequest logs an inbound Request as it reaches dispatch.
func (t *TraceHook) TraceReceivedRequest(req *jsonrpc2.Request) {
	if t.Level() == TraceOff {
		return
	}
	params := t.formatParams(req.Params)
	if params == "" {
		t.emit(t.line("Received request '%s - (%s)'.", req.Method, req.ID.String()))
		return
	}
	t.emit(t.line("Received request '%s - (%s)'. Params: %s", req.Method, req.ID.String(), params))
}

// TraceSendingNotification logs an outbound Notification.
func (t *TraceHook) TraceSendingNotification(notif *jsonrpc2.Notification) {
	if t.Level() == TraceOff {
		return
	}
	params := t.formatParams(notif.Params)
	if params == "" {
		t.emit(t.line("Sending notification '%s'.", notif.Method))
		return
	}
	t.emit(t.line("Sending notification '%s'. Params: %s", notif.Method, params))
}

// TraceReceivedNotification logs an inbound Notification.
func (t *TraceHook) TraceReceivedNotification(notif *jsonrpc2.Notification) {
	if t.Level() == TraceOff {
		return
	}
	params := t.formatParams(notif.Params)
	if params == "" {
		t.emit(t.line("Received notification '%s'.", notif.Method))
		return
	}
	t.emit(t.line("Received notification '%s'. Params: %s", notif.Method, params))
}

// TraceSendingResponse logs an outbound Response.
func (t *TraceHook) TraceSendingResponse(resp *jsonrpc2.Response) {
	if t.Level() == TraceOff {
		return
	}
	if resp.Error != nil {
		t.emit(t.line("Sending response '(%s)'. Error: %s", resp.ID.String(), resp.Error.Message))
		return
	}
	t.emit(t.line("Sending response '(%s)'.", resp.ID.String()))
}

// TraceReceivedResponse logs an inbound Response, reporting the elapsed
// time since the matching request was sent. The Connection calls this
// BEFORE removing the pending entry so elapsed can still be computed
// from its start timestamp.
func (t *TraceHook) TraceReceivedResponse(resp *jsonrpc2.Response, elapsed time.Duration) {
	if t.Level() == TraceOff {
		return
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	if resp.Error != nil {
		t.emit(t.line("Received response '(%s)' in %.3fms. Error: %s", resp.ID.String(), ms, resp.Error.Message))
		return
	}
	t.emit(t.line("Received response '(%s)' in %.3fms.", resp.ID.String(), ms))
}
