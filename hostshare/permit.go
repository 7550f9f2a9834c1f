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

import "sync/atomic"

// A Permit owns committed broker capacity: it is minted by exactly one
// admission decision and its weight stays committed until released.
// A Permit must not be copied.
type Permit struct {
	broker   *Broker
	permits  uint64
	token    string
	released atomic.Bool
}

// Weight returns the number of weight units the permit holds. For a
// rescaled oversize request this is the committed weight, not the
// declared one; for an exclusive request it equals the broker's total
// capacity.
func (p *Permit) Weight() uint64 {
	return p.permits
}

// Release returns the permit's weight to the broker and runs one
// admission pass over the queue, waking any newly-eligible waiters
// before Release returns. Releasing a permit twice is a bookkeeping
// bug and panics.
func (p *Permit) Release() {
	if !p.released.CompareAndSwap(false, true) {
		panic("hostshare: permit released twice")
	}
	p.broker.release(p.permits, p.token)
}
