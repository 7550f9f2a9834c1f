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

// Package retry runs operations that fail with transient errors until
// they succeed, applying a pluggable backoff strategy between attempts.
package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/forgebuild/powertools/stopper"
)

var (
	// ErrMaxRetries is returned once a backoff strategy gives up.
	ErrMaxRetries = errors.New("too many retries")
	// ErrRetriable tags errors from operations that can be retried.
	ErrRetriable = errors.New("retriable error")
)

// Operation to be retried. Implementations return an error wrapping
// [ErrRetriable] to request another attempt.
type Operation func(*stopper.Context) error

// Backoff strategy. The semantics follow those of
// [github.com/sethvargo/go-retry]: Next returns the delay to wait
// before the upcoming attempt, or stop == true once the strategy has
// given up.
type Backoff interface {
	Next() (delay time.Duration, stop bool)
}

// Retry runs the operation until it succeeds or returns an error that
// is not retriable. Once the backoff strategy is exhausted, the last
// error is wrapped with [ErrMaxRetries]. Retry returns nil if the
// context begins stopping while waiting between attempts.
//
// Strategies from [github.com/sethvargo/go-retry] plug in directly.
func Retry(ctx *stopper.Context, strategy Backoff, op Operation) error {
	for {
		err := op(ctx)
		if err == nil || !errors.Is(err, ErrRetriable) {
			return err
		}
		delay, stop := strategy.Next()
		if stop {
			return fmt.Errorf("%w: %w", ErrMaxRetries, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			// Try again.
		case <-ctx.Stopping():
			timer.Stop()
			return nil
		}
	}
}
