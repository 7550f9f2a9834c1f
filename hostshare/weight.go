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

// A WeightClass describes how much of a host's capacity a shared
// command consumes. Use [Permits] for an absolute weight or
// [Percentage] for a weight relative to a broker's total capacity.
type WeightClass struct {
	kind    weightKind
	permits uint64
	pct     uint8
}

type weightKind uint8

const (
	weightPermits weightKind = iota
	weightPercentage
)

// Permits returns a WeightClass of n absolute weight units. A zero
// weight is a contract violation and panics.
func Permits(n uint64) WeightClass {
	if n == 0 {
		panic("hostshare: zero-weight request")
	}
	return WeightClass{kind: weightPermits, permits: n}
}

// Percentage returns a WeightClass that resolves to the given fraction
// of a broker's total capacity, rounded up. The percentage must be in
// [1, 100]; anything else panics.
func Percentage(pct uint8) WeightClass {
	if pct == 0 || pct > 100 {
		panic(fmt.Sprintf("hostshare: percentage out of range: %d", pct))
	}
	return WeightClass{kind: weightPercentage, pct: pct}
}

// permitsFor resolves the class against a host's total capacity. The
// result for a percentage class is always in [1, total] when total is
// at least 1.
func (w WeightClass) permitsFor(total uint64) uint64 {
	if w.kind == weightPercentage {
		// The product total*pct can wrap for large totals; splitting
		// the division keeps both terms in range.
		return total/100*uint64(w.pct) + (total%100*uint64(w.pct)+99)/100
	}
	return w.permits
}

func (w WeightClass) String() string {
	if w.kind == weightPercentage {
		return fmt.Sprintf("%d%%", w.pct)
	}
	return fmt.Sprintf("%d", w.permits)
}

// Requirements describes what a request needs from the host. Construct
// one with [Exclusive], [Shared], or [OnePerToken]; the zero value is
// invalid and [Broker.Acquire] panics on it.
type Requirements struct {
	kind  requirementKind
	class WeightClass
	token string
}

type requirementKind uint8

const (
	reqUnset requirementKind = iota
	reqExclusive
	reqShared
	reqOnePerToken
)

// Exclusive returns Requirements for whole-host access: the request is
// admitted only when nothing else is, and while its Permit is
// outstanding the entire capacity is committed to it.
func Exclusive() Requirements {
	return Requirements{kind: reqExclusive}
}

// Shared returns Requirements for weighted access to the host. A
// weight that resolves to more than a broker's total capacity is
// rescaled at admission time to consume exactly the full capacity (a
// degenerate exclusive-sized request); the Permit reports the
// committed, rescaled weight.
func Shared(weight WeightClass) Requirements {
	return Requirements{kind: reqShared, class: weight}
}

// OnePerToken returns Requirements for weighted access that also holds
// a named mutual-exclusion token: at most one Permit per token value
// may be outstanding, regardless of remaining capacity. Used for
// singleton local resources such as persistent worker processes. An
// empty token panics.
func OnePerToken(token string, weight WeightClass) Requirements {
	if token == "" {
		panic("hostshare: empty token")
	}
	return Requirements{kind: reqOnePerToken, class: weight, token: token}
}

func (r Requirements) String() string {
	switch r.kind {
	case reqExclusive:
		return "exclusive"
	case reqShared:
		return fmt.Sprintf("shared(%s)", r.class)
	case reqOnePerToken:
		return fmt.Sprintf("one_per_token(%s, %s)", r.token, r.class)
	default:
		return "invalid"
	}
}
