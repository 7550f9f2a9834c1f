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

// Package stopper provides a context that supports a soft-stop
// protocol: long-running goroutines are asked to wind down before the
// underlying context is canceled out from underneath them.
package stopper

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// A Context is a [context.Context] that additionally carries a
// soft-stop signal and tracks goroutines started through [Context.Go].
// The embedded Context is hard-canceled once the soft-stop grace period
// expires, when the parent context is canceled, or when [Context.Wait]
// returns.
type Context struct {
	context.Context

	cancel     context.CancelFunc
	group      *errgroup.Group
	stopOnce   sync.Once
	stopping   chan struct{}
	unregister func() bool // Detaches the parent-cancellation watcher.
}

// WithContext returns a [Context] derived from parent. Canceling the
// parent also begins the soft-stop protocol.
func WithContext(parent context.Context) *Context {
	ctx, cancel := context.WithCancel(parent)
	s := &Context{
		Context:  ctx,
		cancel:   cancel,
		group:    &errgroup.Group{},
		stopping: make(chan struct{}),
	}
	s.unregister = context.AfterFunc(parent, func() { s.Stop(0) })
	return s
}

// Go starts a tracked goroutine. The callback should monitor
// [Context.Stopping] and return once it fires. The first error returned
// by any callback is reported by [Context.Wait].
func (s *Context) Go(fn func(ctx *Context) error) {
	s.group.Go(func() error {
		return fn(s)
	})
}

// IsStopping returns true once [Context.Stop] has been called or the
// parent context has been canceled.
func (s *Context) IsStopping() bool {
	select {
	case <-s.stopping:
		return true
	default:
		return false
	}
}

// Stop begins the soft-stop protocol: the [Context.Stopping] channel is
// closed immediately and the embedded context is canceled once the
// grace period has elapsed. A grace period less than or equal to zero
// cancels immediately. Stop may be called multiple times; only the
// first call has any effect.
func (s *Context) Stop(gracePeriod time.Duration) {
	s.stopOnce.Do(func() {
		close(s.stopping)
		if gracePeriod <= 0 {
			s.cancel()
			return
		}
		time.AfterFunc(gracePeriod, s.cancel)
	})
}

// Stopping returns a channel that is closed when callers should begin
// winding down.
func (s *Context) Stopping() <-chan struct{} {
	return s.stopping
}

// Wait blocks until all goroutines started by [Context.Go] have
// returned, then hard-cancels the embedded context. It returns the
// first error reported by a goroutine.
func (s *Context) Wait() error {
	err := s.group.Wait()
	s.cancel()
	s.unregister()
	return err
}
