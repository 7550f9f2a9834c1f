// Copyright 2025 The Forgebuild Authors
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

// Package workgroup contains a size-limited pool of goroutines that
// lazily starts workers as callbacks are submitted.
package workgroup

import (
	"context"
	"fmt"
	"sync"
)

// A Group executes callbacks using a bounded number of worker
// goroutines. Workers are started on demand and exit when they run out
// of queued work. A Group should not be copied after it has been
// created.
type Group struct {
	ctx   context.Context
	depth int
	size  int
	work  chan func(context.Context)

	mu struct {
		sync.Mutex
		active int // Count of live worker goroutines.
	}
}

// WithSize returns a [Group] that runs at most size callbacks
// concurrently and holds at most depth callbacks in an overflow queue.
// The context is passed to each callback.
func WithSize(ctx context.Context, size, depth int) *Group {
	if size < 1 {
		size = 1
	}
	if depth < 0 {
		depth = 0
	}
	return &Group{
		ctx:   ctx,
		depth: depth,
		size:  size,
		work:  make(chan func(context.Context), depth),
	}
}

// Go executes the callback in a non-blocking fashion. It returns an
// error if the worker pool is at its size limit and the overflow queue
// is full.
func (g *Group) Go(fn func(context.Context)) error {
	g.mu.Lock()
	if g.mu.active < g.size {
		g.mu.active++
		g.mu.Unlock()
		go g.run(fn)
		return nil
	}
	g.mu.Unlock()

	select {
	case g.work <- fn:
	default:
		return fmt.Errorf("workgroup: queue depth %d exceeded", g.depth)
	}

	// A worker may have exited between the check above and the
	// enqueue. Re-check so queued work cannot be stranded.
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mu.active < g.size {
		select {
		case next := <-g.work:
			g.mu.active++
			go g.run(next)
		default:
			// Another worker drained it first.
		}
	}
	return nil
}

// Len returns the number of callbacks waiting in the overflow queue.
func (g *Group) Len() int {
	return len(g.work)
}

// run is the worker loop. The worker exits once the overflow queue has
// been observed to be empty while holding the pool lock.
func (g *Group) run(fn func(context.Context)) {
	for {
		fn(g.ctx)

		g.mu.Lock()
		select {
		case next := <-g.work:
			g.mu.Unlock()
			fn = next
		default:
			g.mu.active--
			g.mu.Unlock()
			return
		}
	}
}
