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

// capacity tracks the committed portion of a fixed weight budget. It
// performs no synchronization of its own; all methods must be called
// while holding the owning [Broker] mutex.
//
// committed never exceeds total, and admission checks compare against
// the remaining headroom: the sum committed+weight can wrap for totals
// near the top of the uint64 range.
type capacity struct {
	total     uint64
	committed uint64
}

// fits reports whether weight more units can be committed.
func (c *capacity) fits(weight uint64) bool {
	return weight <= c.total-c.committed
}

// idle reports whether nothing is committed.
func (c *capacity) idle() bool {
	return c.committed == 0
}

// tryCommit reserves weight units, returning whether the reservation
// fit within the total.
func (c *capacity) tryCommit(weight uint64) bool {
	if weight > c.total-c.committed {
		return false
	}
	c.committed += weight
	return true
}

// release returns weight units. Releasing more than is committed means
// the caller's bookkeeping is broken, so it panics rather than
// saturating.
func (c *capacity) release(weight uint64) {
	if weight > c.committed {
		panic(fmt.Sprintf(
			"hostshare: release of %d exceeds committed %d", weight, c.committed))
	}
	c.committed -= weight
}
