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

/*
Package hostshare contains a weighted admission broker that decides which
locally-executed commands may run concurrently on a host without
oversubscribing it.

A Broker is constructed with a fixed capacity, measured in abstract weight
units, and an ordering strategy. Callers describe what they need with a
Requirements value and block in Acquire until the broker admits them:

	broker, err := hostshare.New(8, hostshare.Fifo)
	if err != nil {
		return err
	}

	permit, err := broker.Acquire(ctx, hostshare.Shared(hostshare.Permits(2)))
	if err != nil {
		return err
	}
	defer permit.Release()
	// ... run the command while holding two of the eight units ...

Requirements take one of three forms. Shared consumes a weighted slice of the
host, sized either in absolute units or as a Percentage of the total.
Exclusive reserves the whole host and is admitted only when nothing else is
running. OnePerToken adds a named mutual-exclusion constraint on top of a
shared weight, so that at most one command per token value is ever admitted;
this serializes access to singleton local resources such as persistent worker
processes.

Releasing a Permit re-evaluates the queue once: the broker repeatedly applies
its Strategy to admit every waiter that now fits, then returns. Wakeups are
event-driven; there are no timers and no polling. Canceling a blocked
Acquire through its context removes the queued entry without disturbing the
accounting or the ordering of the remaining waiters.

Also included is an Executor, which pairs a Broker with a Runner to execute
callbacks asynchronously once their requirements have been admitted, with
observable per-task status and cancellation.
*/
package hostshare
