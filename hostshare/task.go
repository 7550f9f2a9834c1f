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

import "context"

// A Task is provided to [Executor.Schedule].
type Task interface {
	// Call contains the logic associated with the task. It runs with
	// the task's host-sharing permit held.
	Call(ctx context.Context) error
	// Requirements returns what the task needs from the host.
	Requirements() Requirements
}

// TaskFunc returns a [Task] that acquires the given requirements and
// then invokes the function callback.
func TaskFunc(req Requirements, fn func(ctx context.Context) error) Task {
	return &taskFunc{fn: fn, req: req}
}

// canceledTask is swapped in for tasks that are canceled before being
// executed. It retains the original task for monitoring callbacks.
type canceledTask struct {
	original Task
}

func (t *canceledTask) Call(context.Context) error { return ErrScheduleCancel }
func (t *canceledTask) Requirements() Requirements { return t.original.Requirements() }

type taskFunc struct {
	fn  func(ctx context.Context) error
	req Requirements
}

func (t *taskFunc) Call(ctx context.Context) error { return t.fn(ctx) }
func (t *taskFunc) Requirements() Requirements     { return t.req }
