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

// A waiter represents one blocked [Broker.Acquire] call. Fields other
// than ready must only be accessed while holding the parent [Broker]
// mutex; ready is also read by the waiting goroutine.
type waiter struct {
	seq     uint64 // Assigned at arrival, never reused.
	req     Requirements
	permits uint64       // Resolved against the broker's total.
	ready   chan *Permit // Buffered so admission never blocks.

	next, prev *waiter
	queued     bool
}

// A waitQueue is an intrusive doubly-linked list of waiters in arrival
// order. Mid-queue removal supports cancellation without disturbing
// the ordering of the remaining entries.
type waitQueue struct {
	head, tail *waiter
	len        int
}

func (q *waitQueue) enqueue(w *waiter) {
	if w.queued {
		panic("hostshare: waiter already queued")
	}
	w.prev = q.tail
	if q.tail == nil {
		q.head = w
	} else {
		q.tail.next = w
	}
	q.tail = w
	w.queued = true
	q.len++
}

func (q *waitQueue) remove(w *waiter) {
	if !w.queued {
		panic("hostshare: waiter not in queue")
	}
	if w.prev == nil {
		if q.head != w {
			panic("hostshare: waiter not found in queue")
		}
		q.head = w.next
	} else {
		w.prev.next = w.next
	}
	if w.next == nil {
		if q.tail != w {
			panic("hostshare: waiter not found in queue")
		}
		q.tail = w.prev
	} else {
		w.next.prev = w.prev
	}
	w.next, w.prev = nil, nil
	w.queued = false
	q.len--
}
