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
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SharedCancelRegion is a MAP_SHARED anonymous page carrying one atomic
// uint32 cell per in-flight request slot: the shared-memory cancellation
// fast path. A peer on the same host writes 1 into a cell instead of
// round-tripping a `$/cancelRequest` notification, so a tight
// synchronous handler loop can observe cancellation with a plain atomic
// load.
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines and, because the
//	mapping is MAP_SHARED, from another process that has the same region
//	mapped (e.g. a forked worker inheriting the fd, or a region handed
//	across a unix-domain socket with SCM_RIGHTS).
type SharedCancelRegion struct {
	mem   []byte
	slots int

	mu   sync.Mutex
	free []int
}

// NewSharedCancelRegion mmaps an anonymous shared page sized for at least
// slots 4-byte cells, rounded up to the system page size.
func NewSharedCancelRegion(slots int) (*SharedCancelRegion, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("jsonrpc2: slots must be positive, got %d", slots)
	}
	size := slots * 4
	page := unix.Getpagesize()
	if size < page {
		size = page
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc2: mmap shared cancel region: %w", err)
	}
	free := make([]int, slots)
	for i := range free {
		free[i] = i
	}
	return &SharedCancelRegion{mem: mem, slots: slots, free: free}, nil
}

// Close unmaps the region. The caller must ensure no peer still holds a
// live mapping of it.
func (r *SharedCancelRegion) Close() error {
	return unix.Munmap(r.mem)
}

// Acquire reserves a free slot, zeroing its cell. It returns false if the
// region is exhausted; the caller should fall back to the default
// inline-notification cancellation strategy.
func (r *SharedCancelRegion) Acquire() (slot int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.free) == 0 {
		return 0, false
	}
	slot = r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	atomic.StoreUint32(r.cell(slot), 0)
	return slot, true
}

// Release returns a slot to the free pool.
func (r *SharedCancelRegion) Release(slot int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.free = append(r.free, slot)
}

func (r *SharedCancelRegion) cell(slot int) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[slot*4]))
}

// Cancel atomically sets the cell for slot, the sender side of the fast
// path.
func (r *SharedCancelRegion) Cancel(slot int) {
	atomic.StoreUint32(r.cell(slot), 1)
}

// IsCancelled atomically reads the cell for slot.
func (r *SharedCancelRegion) IsCancelled(slot int) bool {
	return atomic.LoadUint32(r.cell(slot)) != 0
}

// =============================================================================
// SHARED-ARRAY TOKEN / SOURCE
// =============================================================================

// sharedToken adapts a single region+slot to the CancellationToken
// interface so the connection engine can treat it identically to the
// default notification-based token.
type sharedToken struct {
	region       *SharedCancelRegion
	slot         int
	pollInterval time.Duration
	// ownsSlot marks the side that acquired the slot and must return it to
	// the free pool. The receiver side of a cross-process pair observes a
	// slot it never acquired, so its Dispose must not release it.
	ownsSlot bool

	mu        sync.Mutex
	observers []func()
	watching  bool
	stopPoll  chan struct{}
}

// NewSharedCancellationSource wraps a region slot as a CancellationSource.
// Polling for OnCancelled observers runs at pollInterval; IsCancelled
// itself never polls, it is a direct atomic load. The returned source
// owns the slot: Dispose returns it to the region's free pool.
func NewSharedCancellationSource(region *SharedCancelRegion, slot int, pollInterval time.Duration) CancellationSource {
	return newSharedSource(region, slot, pollInterval, true)
}

func newSharedSource(region *SharedCancelRegion, slot int, pollInterval time.Duration, ownsSlot bool) *sharedToken {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Millisecond
	}
	return &sharedToken{region: region, slot: slot, pollInterval: pollInterval, ownsSlot: ownsSlot, stopPoll: make(chan struct{})}
}

func (t *sharedToken) Token() CancellationToken { return t }

func (t *sharedToken) Cancel() { t.region.Cancel(t.slot) }

func (t *sharedToken) Dispose() {
	t.mu.Lock()
	if t.watching {
		close(t.stopPoll)
		t.watching = false
	}
	t.observers = nil
	t.mu.Unlock()
	if t.ownsSlot {
		t.region.Release(t.slot)
	}
}

func (t *sharedToken) IsCancelled() bool { return t.region.IsCancelled(t.slot) }

// OnCancelled starts a background poller (at most one per token) that
// invokes all registered callbacks once the cell is observed set. This is
// the shared-array analogue of the default token's inline callback list:
// the fast path is meant for polling handler loops, so OnCancelled is a
// convenience, not the primary observation mechanism.
func (t *sharedToken) OnCancelled(fn func()) {
	t.mu.Lock()
	if t.IsCancelled() {
		t.mu.Unlock()
		fn()
		return
	}
	t.observers = append(t.observers, fn)
	if !t.watching {
		t.watching = true
		go t.poll()
	}
	t.mu.Unlock()
}

func (t *sharedToken) poll() {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopPoll:
			return
		case <-ticker.C:
			if t.IsCancelled() {
				t.mu.Lock()
				observers := t.observers
				t.observers = nil
				t.mu.Unlock()
				for _, fn := range observers {
					fn()
				}
				return
			}
		}
	}
}

// =============================================================================
// SHARED-ARRAY SENDER / RECEIVER STRATEGIES
// =============================================================================

// SharedCancelSender is the shared-memory sender strategy: at send time it acquires
// a region slot and attaches its index to the Request envelope; on token
// fire it writes the cell atomically instead of round-tripping a
// `$/cancelRequest` notification. When the region is exhausted the
// request goes out without a cell and cancellation for it falls back to
// the wrapped inline sender.
type SharedCancelSender struct {
	region   *SharedCancelRegion
	fallback CancelSender

	mu    sync.Mutex
	slots map[string]int
}

// NewSharedCancelSender builds the shared-array sender strategy. fallback
// handles requests that could not get a slot; it is required.
func NewSharedCancelSender(region *SharedCancelRegion, fallback CancelSender) *SharedCancelSender {
	return &SharedCancelSender{region: region, fallback: fallback, slots: make(map[string]int)}
}

// Attach implements EnvelopeCancelSender: reserve a slot and mark the
// envelope with its index.
func (s *SharedCancelSender) Attach(req *Request) {
	slot, ok := s.region.Acquire()
	if !ok {
		return
	}
	s.mu.Lock()
	s.slots[req.ID.String()] = slot
	s.mu.Unlock()
	req.CancelSlot = &slot
}

// Send fires the cancellation: an atomic store into the request's cell,
// or the fallback notification if the request never got one.
func (s *SharedCancelSender) Send(id RequestID) {
	s.mu.Lock()
	slot, ok := s.slots[id.String()]
	s.mu.Unlock()
	if !ok {
		s.fallback.Send(id)
		return
	}
	s.region.Cancel(slot)
}

// Cleanup returns the request's slot to the free pool once its Response
// has been dispatched.
func (s *SharedCancelSender) Cleanup(id RequestID) {
	s.mu.Lock()
	slot, ok := s.slots[id.String()]
	if ok {
		delete(s.slots, id.String())
	}
	s.mu.Unlock()
	if ok {
		s.region.Release(slot)
	}
	s.fallback.Cleanup(id)
}

// SharedCancelReceiver is the shared-memory receiver strategy: requests
// whose envelope names a cell get a token backed by an atomic load on
// that cell; requests without one get the default in-process token.
type SharedCancelReceiver struct {
	region       *SharedCancelRegion
	pollInterval time.Duration
}

// NewSharedCancelReceiver builds the shared-array receiver strategy over
// the same region the sending peer holds. pollInterval paces the
// OnCancelled observer poll; IsCancelled is always a direct atomic load.
func NewSharedCancelReceiver(region *SharedCancelRegion, pollInterval time.Duration) *SharedCancelReceiver {
	return &SharedCancelReceiver{region: region, pollInterval: pollInterval}
}

// CreateSource implements CancelReceiver for envelopes without a cell.
func (r *SharedCancelReceiver) CreateSource(RequestID) CancellationSource {
	return NewCancellationSource()
}

// CreateSourceForSlot implements SlotCancelReceiver. The returned source
// does not own the slot; the sending side releases it on Cleanup.
func (r *SharedCancelReceiver) CreateSourceForSlot(_ RequestID, slot int) CancellationSource {
	return newSharedSource(r.region, slot, r.pollInterval, false)
}
