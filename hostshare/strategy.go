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

import "fmt"

// A Strategy selects which pending request a [Broker] admits next when
// capacity frees up. The set of strategies is closed; each admission
// pass applies the selected strategy until nothing further fits.
type Strategy uint8

const (
	// Fifo offers pending requests strictly in arrival order. A
	// request that does not currently fit is not skipped over: later,
	// smaller requests wait behind it. Head-of-line blocking is the
	// point: it keeps large requests from being starved by a stream
	// of small ones.
	Fifo Strategy = iota

	// SmallerTasksFirst admits the smallest pending request that
	// currently fits, ties broken by arrival order.
	SmallerTasksFirst

	// LargerTasksFirst admits the largest pending request that
	// currently fits, ties broken by arrival order.
	LargerTasksFirst

	// Random admits a uniformly-chosen pending request among those
	// that currently fit. Useful to avoid pathological ordering
	// effects under synthetic load, not for correctness.
	Random
)

// ParseStrategy maps a configuration name such as "fifo" or
// "smaller_tasks_first" to a Strategy. Unknown names report
// [ErrInvalidStrategy].
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "fifo":
		return Fifo, nil
	case "smaller_tasks_first":
		return SmallerTasksFirst, nil
	case "larger_tasks_first":
		return LargerTasksFirst, nil
	case "random":
		return Random, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidStrategy, name)
	}
}

func (s Strategy) String() string {
	switch s {
	case Fifo:
		return "fifo"
	case SmallerTasksFirst:
		return "smaller_tasks_first"
	case LargerTasksFirst:
		return "larger_tasks_first"
	case Random:
		return "random"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}
