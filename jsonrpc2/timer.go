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
	"sync"
	"time"
)

// CancelFunc cancels a scheduled timer callback; calling it twice, or
// after the callback has already fired, is a no-op.
type CancelFunc func()

// Timer is the host clock surface the reader's partial-message watchdog
// and the connection's dispatch scheduler run on. The runtime abstraction
// layer supplies the realization; SystemTimer is the stdlib default used
// when nothing is injected.
type Timer interface {
	// SetTimeout schedules fn to run after d elapses.
	SetTimeout(d time.Duration, fn func()) CancelFunc
	// SetImmediate schedules fn to run on the next scheduler tick. The
	// connection engine posts one tick per queued inbound message through
	// this, so a host with its own micro-task queue can interleave
	// dispatch with its event loop.
	SetImmediate(fn func()) CancelFunc
}

// SystemTimer implements Timer on the stdlib scheduler: SetTimeout is
// time.AfterFunc, SetImmediate a fresh goroutine.
type SystemTimer struct{}

func (SystemTimer) SetTimeout(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

func (SystemTimer) SetImmediate(fn func()) CancelFunc {
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		default:
			fn()
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
