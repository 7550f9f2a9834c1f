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
	"fmt"
	"sync"
	"time"

	"github.com/forgebuild/powertools/notify"
)

// ErrScheduleCancel will be returned from [context.Cause] if a task's
// context was canceled via the function returned from
// [Executor.Schedule].
var ErrScheduleCancel = fmt.Errorf("%w: Executor.Schedule cancel()", context.Canceled)

// A scheduled wraps one task submitted to [Executor.Schedule].
type scheduled struct {
	result        notify.Var[*Status] // The outbox for the task.
	scheduleStart time.Time           // The time at which Schedule was called.

	mu struct {
		sync.Mutex
		cancel func() // Non-nil while the task is acquiring or executing.
		task   Task   // nil once the task has been claimed for execution.
	}
}

// Executor runs callbacks once their host-sharing requirements have
// been admitted by a [Broker].
//
// An Executor is internally synchronized and is safe for concurrent
// use. An Executor should not be copied after it has been created.
type Executor struct {
	broker *Broker
	events *Events // Injectable callbacks.
	runner Runner  // Executes callbacks.
}

// NewExecutor constructs an Executor that admits tasks through the
// given [Broker] and executes them using the given [Runner]. If runner
// is nil, tasks will be executed using [context.Background].
//
// See [GoRunner] or
// [github.com/forgebuild/powertools/workgroup.Group].
func NewExecutor(broker *Broker, runner Runner) *Executor {
	if runner == nil {
		runner = GoRunner(context.Background())
	}
	return &Executor{broker: broker, runner: runner}
}

// Schedule executes the [Task] once its requirements have been
// admitted by the broker. The result from [Task.Call] is available
// through the returned [Outcome].
//
// Acquisition happens on a goroutine provided by the [Runner], so
// under [Fifo] the admission order follows the order in which those
// goroutines reach the broker, not the order of Schedule calls.
// Callers that need strict arrival ordering should use
// [Broker.Acquire] directly.
//
// A task that schedules further tasks and waits upon them while its
// own permit is held may deadlock once capacity is exhausted.
//
// The cancel function may be called to asynchronously dequeue and
// cancel the task. If the task has already started executing, the
// cancel callback will cancel the task's context.
func (e *Executor) Schedule(task Task) (outcome Outcome, cancel func()) {
	w := &scheduled{scheduleStart: time.Now()}
	w.mu.task = task
	w.result.Set(queued)
	e.events.doSchedule(task, !e.broker.wouldAdmit(task.Requirements()))
	e.dispose(w)
	return &w.result, func() {
		// Swap the task so that it does nothing. We want to guard
		// against revivifying an already completed task, so we look
		// at whether one is still defined.
		w.mu.Lock()
		if t := w.mu.task; t != nil {
			if _, already := t.(*canceledTask); !already {
				w.mu.task = &canceledTask{original: t}
			}
		}
		if w.mu.cancel != nil {
			w.mu.cancel()
		}
		w.mu.Unlock()
	}
}

// SetEvents allows performance-monitoring callbacks to be injected
// into the Executor. This method should be called prior to any call to
// [Executor.Schedule].
func (e *Executor) SetEvents(events *Events) {
	e.events = events
}

// dispose hands the task to the runner. The callback acquires the
// task's permit, executes the task, and publishes status transitions
// through the outbox.
func (e *Executor) dispose(w *scheduled) {
	work := func(ctx context.Context) {
		ctx, cancelCtx := context.WithCancelCause(ctx)
		defer cancelCtx(nil)

		// Clear the task reference to make execution a one-shot and
		// publish the context canceler for Schedule's cancel function.
		w.mu.Lock()
		w.mu.cancel = func() { cancelCtx(ErrScheduleCancel) }
		task := w.mu.task
		w.mu.task = nil
		w.mu.Unlock()

		// Already executed.
		if task == nil {
			return
		}
		// Canceled before the runner got here.
		if ct, canceled := task.(*canceledTask); canceled {
			w.mu.Lock()
			w.mu.cancel = nil
			w.mu.Unlock()
			e.events.doCanceled(ct.original)
			w.result.Set(StatusFor(ErrScheduleCancel))
			return
		}

		permit, err := e.broker.Acquire(ctx, task.Requirements())
		if err != nil {
			w.mu.Lock()
			w.mu.cancel = nil
			w.mu.Unlock()
			if context.Cause(ctx) == ErrScheduleCancel {
				err = ErrScheduleCancel
				e.events.doCanceled(task)
			}
			w.result.Set(StatusFor(err))
			return
		}

		w.result.Set(executing)
		e.events.doStarted(task, time.Since(w.scheduleStart))
		err = tryCall(ctx, task)
		w.mu.Lock()
		w.mu.cancel = nil
		w.mu.Unlock()
		// Return the permit before publishing the terminal status, so
		// that an observer of a completed task may reuse its capacity.
		permit.Release()
		e.events.doComplete(task, time.Since(w.scheduleStart))
		w.result.Set(StatusFor(err))
	}

	if err := e.runner.Go(work); err != nil {
		w.result.Set(StatusFor(err))
	}
}

// Wait returns the first non-nil error.
func Wait(ctx context.Context, outcomes []Outcome) error {
outcome:
	for _, outcome := range outcomes {
		for {
			status, changed := outcome.Get()
			if status.Success() {
				continue outcome
			}
			if err := status.Err(); err != nil {
				return err
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// tryCall invokes the task with a panic handler.
func tryCall(ctx context.Context, task Task) (err error) {
	// Install panic handler before executing user code.
	defer func() {
		x := recover()
		switch t := x.(type) {
		case nil:
		// Success.
		case error:
			err = t
		default:
			err = fmt.Errorf("panic in task: %v", t)
		}
	}()

	return task.Call(ctx)
}
