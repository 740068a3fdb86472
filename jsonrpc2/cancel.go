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

import "sync"

// CancellationToken observes cancellation of a single in-flight request.
// It is monotonic: once cancelled, IsCancelled never reverts to false.
//
// Thread Safety:
//
//	Safe for concurrent use. OnCancelled may be called from any goroutine
//	and fires at most once, even if registered after cancellation already
//	happened (in which case it fires immediately, inline).
type CancellationToken interface {
	IsCancelled() bool
	OnCancelled(fn func())
}

// CancellationSource owns a token and can cancel it exactly once.
type CancellationSource interface {
	Token() CancellationToken
	Cancel()
	Dispose()
}

// tokenSource is the default in-process CancellationSource/CancellationToken
// pair: a single boolean guarded by a mutex plus a list of observer
// callbacks.
type tokenSource struct {
	mu        sync.Mutex
	cancelled bool
	observers []func()
}

// NewCancellationSource creates a fresh, not-yet-cancelled source.
func NewCancellationSource() CancellationSource {
	return &tokenSource{}
}

// NewCancelledSource creates a source that is already cancelled, used
// when a cancel notification arrived before its request and the token
// must be born cancelled.
func NewCancelledSource() CancellationSource {
	s := &tokenSource{cancelled: true}
	return s
}

func (s *tokenSource) Token() CancellationToken { return s }

func (s *tokenSource) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	observers := s.observers
	s.observers = nil
	s.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}

func (s *tokenSource) Dispose() {
	s.mu.Lock()
	s.observers = nil
	s.mu.Unlock()
}

func (s *tokenSource) IsCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *tokenSource) OnCancelled(fn func()) {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		fn()
		return
	}
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// =============================================================================
// SENDER / RECEIVER STRATEGIES
// =============================================================================

// CancelSender is consulted when a locally-owned outbound request's token
// fires; it is responsible for telling the peer about the cancellation.
type CancelSender interface {
	// Send is invoked once, when the token transitions to cancelled.
	Send(id RequestID)
	// Cleanup is invoked once the matching Response has been dispatched,
	// or when SendRequest drops the pending entry after a write failure or
	// a cancelled context, regardless of whether Send was ever called.
	// Entries rejected because the connection closed or was disposed are
	// not passed to Cleanup.
	Cleanup(id RequestID)
}

// CancelReceiver mints the CancellationSource wired into an inbound
// request's handler invocation.
type CancelReceiver interface {
	CreateSource(id RequestID) CancellationSource
}

// EnvelopeCancelSender is an optional CancelSender extension for
// strategies that must mark the outbound Request envelope at send time
// (the shared-array fast path attaches its cell index here). Attach is
// called after the envelope is built and before it is written.
type EnvelopeCancelSender interface {
	CancelSender
	Attach(req *Request)
}

// SlotCancelReceiver is an optional CancelReceiver extension consulted
// when an inbound Request carries a shared-array cell index. The engine
// falls back to CreateSource when the envelope has no slot or the
// receiver does not implement this.
type SlotCancelReceiver interface {
	CancelReceiver
	CreateSourceForSlot(id RequestID, slot int) CancellationSource
}

// NotificationSender is the minimal surface CancelSender needs from a
// Connection to emit `$/cancelRequest`, kept narrow to avoid an import
// cycle between jsonrpc2 and conn.
type NotificationSender interface {
	SendNotification(method string, params interface{}) error
}

// defaultCancelSender is the default sender strategy: on token fire,
// send `$/cancelRequest {id}`; cleanup is a no-op.
type defaultCancelSender struct {
	out NotificationSender
}

// NewDefaultCancelSender builds the default inline-notification cancel
// sender strategy.
func NewDefaultCancelSender(out NotificationSender) CancelSender {
	return &defaultCancelSender{out: out}
}

func (s *defaultCancelSender) Send(id RequestID) {
	_ = s.out.SendNotification("$/cancelRequest", map[string]interface{}{"id": idValue(id)})
}

func (s *defaultCancelSender) Cleanup(RequestID) {}

func idValue(id RequestID) interface{} {
	if id.IsString() {
		return id.String()
	}
	return id
}

// defaultCancelReceiver is the default receiver strategy: a fresh source
// per inbound request.
type defaultCancelReceiver struct{}

// NewDefaultCancelReceiver builds the default receiver strategy.
func NewDefaultCancelReceiver() CancelReceiver { return defaultCancelReceiver{} }

func (defaultCancelReceiver) CreateSource(RequestID) CancellationSource {
	return NewCancellationSource()
}
