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

// Package notify contains a utility type for observing changes to a
// variable.
package notify

import "sync"

// A Var is a variable whose updates can be waited upon. The zero value
// of a Var is ready to use and stores the zero value of its type
// parameter. A Var should not be copied after first use.
type Var[T any] struct {
	mu struct {
		sync.Mutex
		value   T
		updated chan struct{} // Closed by Set; lazily allocated.
	}
}

// VarOf returns a [Var] that stores the given value.
func VarOf[T any](value T) *Var[T] {
	v := &Var[T]{}
	v.mu.value = value
	return v
}

// Get returns the current value and a channel that will be closed the
// next time [Var.Set] is called.
func (v *Var[T]) Get() (T, <-chan struct{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.mu.updated == nil {
		v.mu.updated = make(chan struct{})
	}
	return v.mu.value, v.mu.updated
}

// Peek returns the current value without setting up a notification
// channel.
func (v *Var[T]) Peek() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mu.value
}

// Set stores a new value and wakes any goroutines blocking on a channel
// previously returned from [Var.Get]. Waking occurs even if the new
// value happens to be equal to the old one.
func (v *Var[T]) Set(value T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mu.value = value
	if v.mu.updated != nil {
		close(v.mu.updated)
		v.mu.updated = nil
	}
}

// Swap stores a new value, returning the previous one. Like [Var.Set],
// it wakes any blocked goroutines.
func (v *Var[T]) Swap(value T) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	prev := v.mu.value
	v.mu.value = value
	if v.mu.updated != nil {
		close(v.mu.updated)
		v.mu.updated = nil
	}
	return prev
}
