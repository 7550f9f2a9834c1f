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

import "time"

// Events provides an [Executor] with optional callbacks to monitor the
// lifecycle of scheduled tasks.
//
// See [Executor.SetEvents].
type Events struct {
	// OnCanceled is invoked when a task is canceled by its cancel
	// function before it began executing, whether the task was still
	// waiting for its runner or blocked on admission. A running task
	// that is canceled reports through OnComplete instead.
	OnCanceled func(task Task)
	OnComplete func(task Task, sinceScheduled time.Duration)
	// OnSchedule is invoked during [Executor.Schedule], before the
	// task is handed to its runner. The deferred flag reports whether
	// the task would have had to wait for admission at that instant;
	// the acquisition itself runs later, on the runner's goroutine, so
	// the flag is a best-effort snapshot.
	OnSchedule func(task Task, deferred bool)
	OnStarted  func(task Task, sinceScheduled time.Duration)
}

func (e *Events) doCanceled(task Task) {
	if e != nil && e.OnCanceled != nil {
		e.OnCanceled(task)
	}
}

func (e *Events) doComplete(task Task, sinceScheduled time.Duration) {
	if e != nil && e.OnComplete != nil {
		e.OnComplete(task, sinceScheduled)
	}
}

func (e *Events) doSchedule(task Task, deferred bool) {
	if e != nil && e.OnSchedule != nil {
		e.OnSchedule(task, deferred)
	}
}

func (e *Events) doStarted(task Task, sinceScheduled time.Duration) {
	if e != nil && e.OnStarted != nil {
		e.OnStarted(task, sinceScheduled)
	}
}
