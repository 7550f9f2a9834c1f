// Copyright 2026 The Forgebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package hostshare

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

var (
	// ErrInvalidCapacity is returned by [New] when the total capacity
	// is zero.
	ErrInvalidCapacity = errors.New("total capacity must be at least 1")
	// ErrInvalidStrategy is returned by [New] and [ParseStrategy] for
	// an unknown strategy.
	ErrInvalidStrategy = errors.New("unknown strategy")
	// ErrStopped is returned by [Broker.Acquire] once the broker has
	// been closed.
	ErrStopped = errors.New("broker stopped")
)

// A Broker admits weighted requests against a fixed capacity budget.
// Requests that cannot be admitted immediately wait in a queue that is
// re-evaluated whenever capacity frees up; the order of admission is
// controlled by the [Strategy] selected at construction.
//
// A Broker is internally synchronized and is safe for concurrent use.
// A Broker should not be copied after it has been created.
type Broker struct {
	strategy Strategy

	// stoppedCh is closed by [Broker.Close] to release blocked
	// acquisitions.
	stoppedCh chan struct{}

	mu struct {
		sync.Mutex
		cap     capacity
		queue   waitQueue
		tokens  map[string]struct{} // Tokens with an outstanding Permit.
		nextSeq uint64
		stopped bool
	}
}

// New constructs a [Broker] with the given capacity, measured in
// abstract weight units, and ordering strategy.
func New(totalPermits uint64, strategy Strategy) (*Broker, error) {
	if totalPermits == 0 {
		return nil, ErrInvalidCapacity
	}
	if strategy > Random {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStrategy, uint8(strategy))
	}
	b := &Broker{
		strategy:  strategy,
		stoppedCh: make(chan struct{}),
	}
	b.mu.cap = capacity{total: totalPermits}
	b.mu.tokens = make(map[string]struct{})
	return b, nil
}

// Acquire admits the request, blocking until capacity is available
// under the broker's ordering strategy. The returned [Permit] must be
// released exactly once.
//
// If ctx is canceled while the request is queued, the entry is removed
// without any capacity effects and ctx's error is returned. If the
// cancellation races with admission, the already-delivered permit is
// returned to the broker and the cancellation still wins: callers
// never observe both a permit and an error. After [Broker.Close],
// Acquire fails with [ErrStopped].
func (b *Broker) Acquire(ctx context.Context, req Requirements) (*Permit, error) {
	p, w, err := b.submit(req)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	select {
	case p := <-w.ready:
		select {
		case <-ctx.Done():
			p.Release()
			return nil, ctx.Err()
		default:
		}
		return p, nil

	case <-ctx.Done():
		err := ctx.Err()
		b.mu.Lock()
		if w.queued {
			b.mu.queue.remove(w)
			// Removing a Fifo head can unblock entries behind it.
			b.admitLocked()
			b.mu.Unlock()
			return nil, err
		}
		b.mu.Unlock()
		// The waiter was admitted, or flushed by Close, before the
		// cancellation was observed. Hand back the permit, if any.
		select {
		case p := <-w.ready:
			p.Release()
		default:
		}
		return nil, err

	case <-b.stoppedCh:
		// Close flushes the queue before signaling, so the waiter was
		// either already admitted or is gone.
		select {
		case p := <-w.ready:
			return p, nil
		default:
			return nil, ErrStopped
		}
	}
}

// submit either admits the request immediately, returning its permit,
// or enqueues a waiter for it.
func (b *Broker) submit(req Requirements) (*Permit, *waiter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mu.stopped {
		return nil, nil, ErrStopped
	}
	permits := b.resolveLocked(req)
	seq := b.mu.nextSeq
	b.mu.nextSeq++
	if b.admissibleLocked(req, permits) {
		return b.commitLocked(req, permits), nil, nil
	}
	w := &waiter{
		seq:     seq,
		req:     req,
		permits: permits,
		ready:   make(chan *Permit, 1),
	}
	b.mu.queue.enqueue(w)
	return nil, w, nil
}

// TryAcquire admits the request only if [Broker.Acquire] would have
// returned without blocking; it never jumps ahead of queued waiters
// that the strategy would prefer. Under [Fifo], any queued waiter
// defeats it.
func (b *Broker) TryAcquire(req Requirements) (*Permit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mu.stopped {
		return nil, false
	}
	permits := b.resolveLocked(req)
	b.mu.nextSeq++
	if !b.admissibleLocked(req, permits) {
		return nil, false
	}
	return b.commitLocked(req, permits), true
}

// Close stops the broker: queued acquisitions fail with [ErrStopped]
// and later calls to Acquire or TryAcquire are rejected. Outstanding
// Permits remain valid; releasing them still updates the accounting
// but admits nothing. Close is idempotent, and closing an idle broker
// has no observable side effects.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.mu.stopped {
		b.mu.Unlock()
		return
	}
	b.mu.stopped = true
	for w := b.mu.queue.head; w != nil; {
		next := w.next
		b.mu.queue.remove(w)
		w = next
	}
	b.mu.Unlock()
	close(b.stoppedCh)
}

// Capacity returns the broker's total weight budget.
func (b *Broker) Capacity() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.cap.total
}

// Committed returns the currently-committed weight. The value is a
// racy snapshot intended for telemetry.
func (b *Broker) Committed() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.cap.committed
}

// Pending returns the number of queued acquisitions. The value is a
// racy snapshot intended for telemetry.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.queue.len
}

// release returns a permit's weight and token, then runs one admission
// pass over the queue.
func (b *Broker) release(permits uint64, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mu.cap.release(permits)
	if token != "" {
		if _, held := b.mu.tokens[token]; !held {
			panic(fmt.Sprintf("hostshare: token %q released but not held", token))
		}
		delete(b.mu.tokens, token)
	}
	b.admitLocked()
}

// resolveLocked converts the request's weight class to a concrete
// number of permits, rescaling oversized requests down to the full
// capacity. It panics on contract violations: the zero value of
// [Requirements], or a weight that resolves to zero.
func (b *Broker) resolveLocked(req Requirements) uint64 {
	switch req.kind {
	case reqExclusive:
		return b.mu.cap.total
	case reqShared, reqOnePerToken:
		permits := req.class.permitsFor(b.mu.cap.total)
		if permits == 0 {
			panic("hostshare: zero-weight request")
		}
		if permits > b.mu.cap.total {
			permits = b.mu.cap.total
		}
		return permits
	default:
		panic("hostshare: zero-value Requirements")
	}
}

// eligibleLocked reports whether a request could be admitted against
// the current capacity and token ledger, ignoring queue order.
func (b *Broker) eligibleLocked(req Requirements, permits uint64) bool {
	switch req.kind {
	case reqExclusive:
		return b.mu.cap.idle()
	case reqOnePerToken:
		if _, held := b.mu.tokens[req.token]; held {
			return false
		}
		return b.mu.cap.fits(permits)
	default:
		return b.mu.cap.fits(permits)
	}
}

// admissibleLocked reports whether a new arrival may be admitted
// immediately: it must be eligible and, under [Fifo], must not jump
// ahead of queued waiters.
func (b *Broker) admissibleLocked(req Requirements, permits uint64) bool {
	if b.strategy == Fifo && b.mu.queue.len > 0 {
		return false
	}
	return b.eligibleLocked(req, permits)
}

// wouldAdmit reports whether an Acquire call would currently return
// without blocking. Advisory only: the answer may be stale by the time
// the caller acts on it.
func (b *Broker) wouldAdmit(req Requirements) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mu.stopped {
		return false
	}
	return b.admissibleLocked(req, b.resolveLocked(req))
}

// commitLocked reserves the request's weight and token and mints the
// Permit. Callers must have verified eligibility.
func (b *Broker) commitLocked(req Requirements, permits uint64) *Permit {
	if !b.mu.cap.tryCommit(permits) {
		panic("hostshare: admitted request exceeds capacity")
	}
	if req.kind == reqOnePerToken {
		if _, held := b.mu.tokens[req.token]; held {
			panic(fmt.Sprintf("hostshare: token %q already held", req.token))
		}
		b.mu.tokens[req.token] = struct{}{}
	}
	return &Permit{broker: b, permits: permits, token: req.token}
}

// admitLocked runs one admission pass: repeatedly select the next
// eligible waiter under the active strategy, commit its weight, and
// hand the Permit over, until nothing further fits. Waking a waiter
// never blocks the pass; each waiter owns a buffered delivery channel.
func (b *Broker) admitLocked() {
	if b.mu.stopped {
		return
	}
	for {
		w := b.selectLocked()
		if w == nil {
			return
		}
		p := b.commitLocked(w.req, w.permits)
		b.mu.queue.remove(w)
		w.ready <- p
	}
}

// selectLocked applies the active strategy to the queue, returning the
// next waiter to admit or nil. The weight-aware strategies break ties
// by sequence number, which follows arrival order.
func (b *Broker) selectLocked() *waiter {
	switch b.strategy {
	case Fifo:
		if head := b.mu.queue.head; head != nil && b.eligibleLocked(head.req, head.permits) {
			return head
		}
		return nil

	case SmallerTasksFirst:
		var best *waiter
		for w := b.mu.queue.head; w != nil; w = w.next {
			if !b.eligibleLocked(w.req, w.permits) {
				continue
			}
			if best == nil || w.permits < best.permits ||
				(w.permits == best.permits && w.seq < best.seq) {
				best = w
			}
		}
		return best

	case LargerTasksFirst:
		var best *waiter
		for w := b.mu.queue.head; w != nil; w = w.next {
			if !b.eligibleLocked(w.req, w.permits) {
				continue
			}
			if best == nil || w.permits > best.permits ||
				(w.permits == best.permits && w.seq < best.seq) {
				best = w
			}
		}
		return best

	case Random:
		var eligible []*waiter
		for w := b.mu.queue.head; w != nil; w = w.next {
			if b.eligibleLocked(w.req, w.permits) {
				eligible = append(eligible, w)
			}
		}
		if len(eligible) == 0 {
			return nil
		}
		return eligible[rand.Intn(len(eligible))]

	default:
		// New validates the strategy.
		panic(fmt.Sprintf("hostshare: %s", b.strategy))
	}
}
