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
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func TestImmediateAdmission(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	b, err := New(8, Fifo)
	r.NoError(err)

	p, err := b.Acquire(ctx, Shared(Permits(3)))
	r.NoError(err)
	r.Equal(uint64(3), p.Weight())
	r.Equal(uint64(8), b.Capacity())
	r.Equal(uint64(3), b.Committed())
	r.Zero(b.Pending())

	p.Release()
	r.Zero(b.Committed())
}

func TestConfig(t *testing.T) {
	r := require.New(t)

	_, err := New(0, Fifo)
	r.ErrorIs(err, ErrInvalidCapacity)

	_, err = New(4, Strategy(42))
	r.ErrorIs(err, ErrInvalidStrategy)

	b, err := New(1, Random)
	r.NoError(err)
	r.Equal(uint64(1), b.Capacity())
}

func TestAcquireContract(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	b, err := New(4, Fifo)
	r.NoError(err)

	r.Panics(func() { _, _ = b.Acquire(ctx, Requirements{}) })
	r.Panics(func() { _, _ = b.Acquire(ctx, Shared(WeightClass{})) })

	// Contract panics must not wedge the broker.
	p, err := b.Acquire(ctx, Shared(Permits(1)))
	r.NoError(err)
	p.Release()
	r.Panics(p.Release)
}

func TestExclusive(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := New(4, Fifo)
	r.NoError(err)

	shared, err := b.Acquire(ctx, Shared(Permits(1)))
	r.NoError(err)

	// The exclusive request has to wait for the shared holder.
	got := make(chan *Permit, 1)
	go func() {
		if p, err := b.Acquire(ctx, Exclusive()); err == nil {
			got <- p
		}
	}()
	waitPending(r, b, 1)
	r.Equal(uint64(1), b.Committed())

	shared.Release()
	excl := mustRecv(ctx, r, got)

	// Exclusive reserves the whole budget.
	r.Equal(uint64(4), excl.Weight())
	r.Equal(b.Capacity(), b.Committed())

	// Nothing else may be admitted while it is outstanding.
	_, ok := b.TryAcquire(Shared(Permits(1)))
	r.False(ok)
	_, ok = b.TryAcquire(Exclusive())
	r.False(ok)

	excl.Release()
	r.Zero(b.Committed())
}

func TestExclusiveNotStarvedUnderFifo(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := New(4, Fifo)
	r.NoError(err)

	held, err := b.Acquire(ctx, Shared(Permits(2)))
	r.NoError(err)

	// The exclusive request queues behind the shared holder; the small
	// request after it is not allowed to slip past, so a steady stream
	// of small work cannot starve the exclusive one.
	excl := goAcquire(ctx, b, Exclusive())
	waitPending(r, b, 1)
	small := goAcquire(ctx, b, Shared(Permits(1)))
	waitPending(r, b, 2)

	select {
	case <-small:
		r.FailNow("small request bypassed the queued exclusive")
	default:
	}

	held.Release()
	exclPermit := mustRecv(ctx, r, excl)
	r.Equal(b.Capacity(), b.Committed())
	r.Equal(1, b.Pending())

	exclPermit.Release()
	smallPermit := mustRecv(ctx, r, small)
	r.Equal(uint64(1), b.Committed())
	smallPermit.Release()
	r.Zero(b.Committed())
}

func TestFifoHeadOfLine(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := New(4, Fifo)
	r.NoError(err)

	first, err := b.Acquire(ctx, Shared(Permits(2)))
	r.NoError(err)

	big := goAcquire(ctx, b, Shared(Permits(3)))
	waitPending(r, b, 1)
	small := goAcquire(ctx, b, Shared(Permits(2)))
	waitPending(r, b, 2)

	// The small request fits right now, but Fifo refuses to let it
	// jump the blocked head of the queue.
	r.Equal(uint64(2), b.Committed())
	select {
	case <-small:
		r.FailNow("head-of-line blocking violated")
	default:
	}

	first.Release()
	r.Equal(uint64(3), b.Committed())
	r.Equal(1, b.Pending())
	bigPermit := mustRecv(ctx, r, big)

	bigPermit.Release()
	smallPermit := mustRecv(ctx, r, small)
	r.Equal(uint64(2), b.Committed())
	smallPermit.Release()
	r.Zero(b.Committed())
}

func TestSmallerTasksFirst(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := New(5, SmallerTasksFirst)
	r.NoError(err)

	blocker, err := b.Acquire(ctx, Exclusive())
	r.NoError(err)

	// Arrival order 2, 4, 1. Fifo would admit the weight-2 head first;
	// this strategy starts from the weight-1 tail.
	admitted := make(chan *Permit, 3)
	for i, weight := range []uint64{2, 4, 1} {
		go func() {
			if p, err := b.Acquire(ctx, Shared(Permits(weight))); err == nil {
				admitted <- p
			}
		}()
		waitPending(r, b, i+1)
	}

	blocker.Release()
	r.Equal(uint64(3), b.Committed())
	r.Equal(1, b.Pending())

	small := mustRecv(ctx, r, admitted)
	next := mustRecv(ctx, r, admitted)
	if small.Weight() > next.Weight() {
		small, next = next, small
	}
	r.Equal(uint64(1), small.Weight())
	r.Equal(uint64(2), next.Weight())

	// Three units free is still not enough for the weight-4 request.
	small.Release()
	r.Equal(1, b.Pending())

	next.Release()
	large := mustRecv(ctx, r, admitted)
	r.Equal(uint64(4), large.Weight())
	large.Release()
	r.Zero(b.Committed())
	r.Zero(b.Pending())
}

func TestLargerTasksFirst(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := New(5, LargerTasksFirst)
	r.NoError(err)

	blocker, err := b.Acquire(ctx, Exclusive())
	r.NoError(err)

	admitted := make(chan *Permit, 3)
	for i, weight := range []uint64{2, 4, 1} {
		go func() {
			if p, err := b.Acquire(ctx, Shared(Permits(weight))); err == nil {
				admitted <- p
			}
		}()
		waitPending(r, b, i+1)
	}

	// The weight-4 request wins, then the weight-1 request fills the
	// remaining unit; the weight-2 head is left waiting.
	blocker.Release()
	r.Equal(uint64(5), b.Committed())
	r.Equal(1, b.Pending())

	large := mustRecv(ctx, r, admitted)
	next := mustRecv(ctx, r, admitted)
	if large.Weight() < next.Weight() {
		large, next = next, large
	}
	r.Equal(uint64(4), large.Weight())
	r.Equal(uint64(1), next.Weight())

	next.Release()
	r.Equal(1, b.Pending())

	large.Release()
	mid := mustRecv(ctx, r, admitted)
	r.Equal(uint64(2), mid.Weight())
	mid.Release()
	r.Zero(b.Committed())
	r.Zero(b.Pending())
}

func TestRandomMakesProgress(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := New(2, Random)
	r.NoError(err)

	blocker, err := b.Acquire(ctx, Exclusive())
	r.NoError(err)

	admitted := make(chan *Permit, 3)
	for i, weight := range []uint64{2, 1, 1} {
		go func() {
			if p, err := b.Acquire(ctx, Shared(Permits(weight))); err == nil {
				admitted <- p
			}
		}()
		waitPending(r, b, i+1)
	}

	// Whichever order the strategy picks, every waiter is eventually
	// admitted as permits come back.
	blocker.Release()
	for i := 0; i < 3; i++ {
		mustRecv(ctx, r, admitted).Release()
	}
	r.Zero(b.Committed())
	r.Zero(b.Pending())
}

func TestOneReleaseWakesAllThatFit(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := New(4, Fifo)
	r.NoError(err)

	blocker, err := b.Acquire(ctx, Exclusive())
	r.NoError(err)

	admitted := make(chan *Permit, 3)
	for i, weight := range []uint64{1, 1, 2} {
		go func() {
			if p, err := b.Acquire(ctx, Shared(Permits(weight))); err == nil {
				admitted <- p
			}
		}()
		waitPending(r, b, i+1)
	}

	// A single release event admits everything that now fits.
	blocker.Release()
	r.Equal(uint64(4), b.Committed())
	r.Zero(b.Pending())
	for i := 0; i < 3; i++ {
		mustRecv(ctx, r, admitted).Release()
	}
	r.Zero(b.Committed())
}

func TestOversizeRescale(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	b, err := New(4, Fifo)
	r.NoError(err)

	// A weight beyond the total is clamped to the full budget rather
	// than rejected, so it behaves like an exclusive-sized request.
	p, err := b.Acquire(ctx, Shared(Permits(100)))
	r.NoError(err)
	r.Equal(uint64(4), p.Weight())
	r.Equal(uint64(4), b.Committed())

	_, ok := b.TryAcquire(Shared(Permits(5)))
	r.False(ok)

	p.Release()
	q, ok := b.TryAcquire(Shared(Permits(5)))
	r.True(ok)
	r.Equal(uint64(4), q.Weight())
	q.Release()
	r.Zero(b.Committed())
}

func TestMaxCapacity(t *testing.T) {
	r := require.New(t)

	b, err := New(math.MaxUint64, Fifo)
	r.NoError(err)

	// Fill all but one unit, then admit the exactly-fitting remainder.
	big, ok := b.TryAcquire(Shared(Permits(math.MaxUint64 - 1)))
	r.True(ok)
	if p, ok := b.TryAcquire(Shared(Permits(2))); ok {
		p.Release()
		r.FailNow("admitted past the remaining headroom")
	}
	last, ok := b.TryAcquire(Shared(Permits(1)))
	r.True(ok)
	r.Equal(uint64(math.MaxUint64), b.Committed())

	// The full budget rejects any further weight.
	if p, ok := b.TryAcquire(Shared(Permits(1))); ok {
		p.Release()
		r.FailNow("admitted past a full budget")
	}
	r.Equal(uint64(math.MaxUint64), b.Committed())

	last.Release()
	big.Release()
	r.Zero(b.Committed())

	// Percentages of a near-max total resolve without truncation.
	half, ok := b.TryAcquire(Shared(Percentage(50)))
	r.True(ok)
	r.Equal(uint64(1)<<63, half.Weight())
	half.Release()
	r.Zero(b.Committed())
}

func TestPercentageAdmission(t *testing.T) {
	r := require.New(t)

	b, err := New(8, Fifo)
	r.NoError(err)

	// 50% of 8 units resolves to 4, so exactly two such permits fit.
	p1, ok := b.TryAcquire(Shared(Percentage(50)))
	r.True(ok)
	r.Equal(uint64(4), p1.Weight())
	p2, ok := b.TryAcquire(Shared(Percentage(50)))
	r.True(ok)
	_, ok = b.TryAcquire(Shared(Percentage(50)))
	r.False(ok)

	// Fractional results round up: 13% of 8 is 1.04 units.
	p3, ok := b.TryAcquire(Shared(Percentage(13)))
	r.False(ok)
	r.Nil(p3)

	p1.Release()
	p3, ok = b.TryAcquire(Shared(Percentage(13)))
	r.True(ok)
	r.Equal(uint64(2), p3.Weight())

	p2.Release()
	p3.Release()
	r.Zero(b.Committed())
}

func TestOnePerToken(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := New(8, Fifo)
	r.NoError(err)

	first, err := b.Acquire(ctx, OnePerToken("worker:py", Permits(1)))
	r.NoError(err)

	// The same token blocks despite seven free units.
	_, ok := b.TryAcquire(OnePerToken("worker:py", Permits(1)))
	r.False(ok)

	// A different token is unrelated.
	other, err := b.Acquire(ctx, OnePerToken("worker:rs", Permits(1)))
	r.NoError(err)
	other.Release()

	queued := goAcquire(ctx, b, OnePerToken("worker:py", Permits(2)))
	waitPending(r, b, 1)

	first.Release()
	p := mustRecv(ctx, r, queued)
	r.Equal(uint64(2), p.Weight())
	r.Equal(uint64(2), b.Committed())
	p.Release()
	r.Zero(b.Committed())
}

func TestCancelWhileQueued(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := New(1, Fifo)
	r.NoError(err)

	held, err := b.Acquire(ctx, Shared(Permits(1)))
	r.NoError(err)

	waitCtx, cancelWait := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Acquire(waitCtx, Shared(Permits(1)))
		errCh <- err
	}()
	waitPending(r, b, 1)

	// Abandoning the wait leaves the accounting untouched.
	cancelWait()
	r.ErrorIs(mustRecvErr(ctx, r, errCh), context.Canceled)
	r.Zero(b.Pending())
	r.Equal(uint64(1), b.Committed())

	// An already-canceled context fails the same way even though the
	// request would have to queue.
	_, err = b.Acquire(waitCtx, Shared(Permits(1)))
	r.ErrorIs(err, context.Canceled)
	r.Zero(b.Pending())

	held.Release()
	r.Zero(b.Committed())
}

func TestCancelHeadUnblocksQueue(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := New(4, Fifo)
	r.NoError(err)

	held, err := b.Acquire(ctx, Shared(Permits(3)))
	r.NoError(err)

	headCtx, cancelHead := context.WithCancel(ctx)
	headErr := make(chan error, 1)
	go func() {
		_, err := b.Acquire(headCtx, Shared(Permits(4)))
		headErr <- err
	}()
	waitPending(r, b, 1)

	small := goAcquire(ctx, b, Shared(Permits(1)))
	waitPending(r, b, 2)
	r.Equal(uint64(3), b.Committed())

	// Removing the blocked head admits the request behind it without
	// any release event.
	cancelHead()
	r.ErrorIs(mustRecvErr(ctx, r, headErr), context.Canceled)
	p := mustRecv(ctx, r, small)
	r.Equal(uint64(4), b.Committed())
	r.Zero(b.Pending())

	p.Release()
	held.Release()
	r.Zero(b.Committed())
}

func TestTryAcquireFairness(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := New(4, Fifo)
	r.NoError(err)

	held, err := b.Acquire(ctx, Shared(Permits(3)))
	r.NoError(err)

	queued := goAcquire(ctx, b, Shared(Permits(3)))
	waitPending(r, b, 1)

	// One unit is free, but a queued Fifo waiter holds priority.
	_, ok := b.TryAcquire(Shared(Permits(1)))
	r.False(ok)

	held.Release()
	p := mustRecv(ctx, r, queued)

	q, ok := b.TryAcquire(Shared(Permits(1)))
	r.True(ok)
	q.Release()
	p.Release()
	r.Zero(b.Committed())
}

func TestClose(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := New(2, Fifo)
	r.NoError(err)

	held, err := b.Acquire(ctx, Shared(Permits(2)))
	r.NoError(err)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Acquire(ctx, Shared(Permits(1)))
		errCh <- err
	}()
	waitPending(r, b, 1)

	b.Close()
	r.ErrorIs(mustRecvErr(ctx, r, errCh), ErrStopped)
	r.Zero(b.Pending())

	_, err = b.Acquire(ctx, Shared(Permits(1)))
	r.ErrorIs(err, ErrStopped)
	_, ok := b.TryAcquire(Shared(Permits(1)))
	r.False(ok)

	// Outstanding permits survive Close; releasing them still counts.
	r.Equal(uint64(2), b.Committed())
	held.Release()
	r.Zero(b.Committed())

	b.Close() // Idempotent.
}

func TestCloseIdle(t *testing.T) {
	r := require.New(t)

	b, err := New(2, Fifo)
	r.NoError(err)
	b.Close()
	b.Close()
	r.Zero(b.Committed())
	r.Zero(b.Pending())
}

// TestSmoke throws randomized concurrent load at every strategy and
// checks the accounting invariants hold throughout.
func TestSmoke(t *testing.T) {
	const totalPermits = 8
	const workers = 32
	const iterations = 25

	for _, strategy := range []Strategy{Fifo, SmallerTasksFirst, LargerTasksFirst, Random} {
		t.Run(strategy.String(), func(t *testing.T) {
			r := require.New(t)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			b, err := New(totalPermits, strategy)
			r.NoError(err)

			// Pace arrivals so admissions and releases interleave.
			limiter := rate.NewLimiter(rate.Limit(2000), workers)

			var outstanding atomic.Int64
			eg, egCtx := errgroup.WithContext(ctx)
			for i := 0; i < workers; i++ {
				eg.Go(func() error {
					for j := 0; j < iterations; j++ {
						if err := limiter.Wait(egCtx); err != nil {
							return err
						}

						var req Requirements
						switch rand.Intn(10) {
						case 0:
							req = Exclusive()
						case 1:
							req = OnePerToken(fmt.Sprintf("token-%d", rand.Intn(3)), Permits(uint64(rand.Intn(4)+1)))
						case 2:
							req = Shared(Percentage(uint8(rand.Intn(100) + 1)))
						default:
							req = Shared(Permits(uint64(rand.Intn(4) + 1)))
						}

						// A share of the acquisitions abandons the wait.
						acquireCtx := egCtx
						var cancelAcquire context.CancelFunc
						if rand.Intn(5) == 0 {
							acquireCtx, cancelAcquire = context.WithTimeout(egCtx, time.Duration(rand.Intn(3))*time.Millisecond)
						}
						p, err := b.Acquire(acquireCtx, req)
						if cancelAcquire != nil {
							cancelAcquire()
						}
						if err != nil {
							if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
								continue
							}
							return err
						}

						// An exclusive permit weighs the full budget, so
						// this also catches anything overlapping it.
						now := outstanding.Add(int64(p.Weight()))
						if now > totalPermits {
							return fmt.Errorf("over-admission: %d units outstanding", now)
						}
						runtime.Gosched()
						outstanding.Add(-int64(p.Weight()))
						p.Release()
					}
					return nil
				})
			}
			r.NoError(eg.Wait())
			r.Zero(b.Committed())
			r.Zero(b.Pending())
			r.Zero(outstanding.Load())
		})
	}
}

func TestWaitQueue(t *testing.T) {
	r := require.New(t)

	mk := func(seq uint64) *waiter {
		return &waiter{seq: seq, ready: make(chan *Permit, 1)}
	}
	var q waitQueue
	a, b, c := mk(0), mk(1), mk(2)
	q.enqueue(a)
	q.enqueue(b)
	q.enqueue(c)
	r.Equal(3, q.len)
	r.Same(a, q.head)
	r.Same(c, q.tail)

	// Mid-queue removal keeps the neighbors linked.
	q.remove(b)
	r.Equal(2, q.len)
	r.Same(c, a.next)
	r.Same(a, c.prev)

	q.remove(a)
	r.Same(c, q.head)
	r.Same(c, q.tail)
	q.remove(c)
	r.Zero(q.len)
	r.Nil(q.head)
	r.Nil(q.tail)

	r.Panics(func() { q.remove(a) })
	q.enqueue(a)
	r.Panics(func() { q.enqueue(a) })
}

func TestCapacityAccounting(t *testing.T) {
	r := require.New(t)

	c := capacity{total: 4}
	r.True(c.idle())
	r.True(c.tryCommit(3))
	r.False(c.idle())
	r.True(c.fits(1))
	r.False(c.fits(2))
	r.False(c.tryCommit(2))
	r.True(c.tryCommit(1))
	c.release(4)
	r.True(c.idle())
	r.Panics(func() { c.release(1) })

	// Headroom checks hold at the top of the uint64 range.
	c = capacity{total: math.MaxUint64}
	r.True(c.tryCommit(math.MaxUint64 - 1))
	r.True(c.fits(1))
	r.False(c.fits(2))
	r.False(c.tryCommit(2))
	r.True(c.tryCommit(1))
	r.False(c.fits(1))
	c.release(math.MaxUint64)
	r.True(c.idle())
}

// goAcquire starts an acquisition in the background and returns the
// channel its permit will be delivered on.
func goAcquire(ctx context.Context, b *Broker, req Requirements) <-chan *Permit {
	ch := make(chan *Permit, 1)
	go func() {
		if p, err := b.Acquire(ctx, req); err == nil {
			ch <- p
		}
	}()
	return ch
}

// waitPending blocks until the broker reports the expected number of
// queued acquisitions.
func waitPending(r *require.Assertions, b *Broker, expected int) {
	deadline := time.Now().Add(10 * time.Second)
	for b.Pending() != expected {
		if time.Now().After(deadline) {
			r.FailNowf("timed out", "pending never reached %d", expected)
		}
		time.Sleep(time.Millisecond)
	}
}

func mustRecv(ctx context.Context, r *require.Assertions, ch <-chan *Permit) *Permit {
	select {
	case p := <-ch:
		return p
	case <-ctx.Done():
		r.FailNow("timed out waiting for admission")
		return nil
	}
}

func mustRecvErr(ctx context.Context, r *require.Assertions, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		r.FailNow("timed out waiting for an acquisition error")
		return nil
	}
}
