// Copyright 2025 Ryan McCoy
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

package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Factor: 2}

	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return spineerrors.New(spineerrors.CategoryTransient, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Millisecond, Factor: 2}

	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		attempts++
		return spineerrors.Validation("bad input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhausts(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Factor: 2}

	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		attempts++
		return spineerrors.New(spineerrors.CategoryTransient, "always")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 10 * time.Millisecond, Factor: 2, MaxBackoff: 35 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 20*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 35*time.Millisecond, p.Backoff(2), "capped")
}

func TestBackoffJitterBounds(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 10 * time.Millisecond, Factor: 2, Jitter: true}
	for i := 0; i < 50; i++ {
		d := p.Backoff(0)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 20*time.Millisecond)
	}
}

func TestBreakerLaw(t *testing.T) {
	b := NewBreaker("broken", BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenMaxCalls: 2,
		SuccessThreshold: 2,
	})

	// CLOSED: failures below the threshold keep it closed.
	require.Equal(t, BreakerClosed, b.State())
	for i := 0; i < 3; i++ {
		require.True(t, b.AllowRequest())
		b.RecordFailure()
	}
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.AllowRequest(), "open circuit rejects immediately")

	// After the recovery timeout the next call probes in HALF_OPEN.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, BreakerHalfOpen, b.State())
	require.True(t, b.AllowRequest())
	b.RecordSuccess()
	assert.Equal(t, BreakerHalfOpen, b.State(), "needs success_threshold successes")
	require.True(t, b.AllowRequest())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("x", BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 1,
	})
	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())

	time.Sleep(15 * time.Millisecond)
	require.True(t, b.AllowRequest())
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	b := NewBreaker("x", BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 2,
	})
	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)

	require.True(t, b.AllowRequest())
	assert.False(t, b.AllowRequest(), "only one probe at a time")
}

func TestBreakerExecute(t *testing.T) {
	b := NewBreaker("svc", BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		return spineerrors.New(spineerrors.CategoryTransient, "down")
	})
	require.Error(t, err)

	err = b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryCircuitOpen))
}

func TestBreakerRegistry(t *testing.T) {
	r := NewBreakerRegistry(DefaultBreakerConfig())
	a := r.Get("a")
	assert.Same(t, a, r.Get("a"))
	r.Get("b")
	states := r.States()
	assert.Len(t, states, 2)
	assert.Equal(t, BreakerClosed, states["a"])
}

func TestTokenBucketSafety(t *testing.T) {
	// capacity 5, rate 100/s: an immediate burst of >5 must be refused.
	tb := NewTokenBucket(100, 5)
	granted := 0
	for i := 0; i < 10; i++ {
		ok, err := tb.Acquire(context.Background(), 1, false)
		require.NoError(t, err)
		if ok {
			granted++
		}
	}
	assert.LessOrEqual(t, granted, 5)
	assert.Positive(t, granted)
}

func TestTokenBucketBlocking(t *testing.T) {
	tb := NewTokenBucket(1000, 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		ok, err := tb.Acquire(context.Background(), 1, true)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.GreaterOrEqual(t, time.Since(start), time.Millisecond)
}

func TestTokenBucketWaitTime(t *testing.T) {
	tb := NewTokenBucket(10, 1)
	ok, err := tb.Acquire(context.Background(), 1, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Positive(t, tb.GetWaitTime(1))
}

func TestSlidingWindow(t *testing.T) {
	sw := NewSlidingWindow(3, 100*time.Millisecond)

	for i := 0; i < 3; i++ {
		ok, err := sw.Acquire(context.Background(), 1, false)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := sw.Acquire(context.Background(), 1, false)
	require.NoError(t, err)
	assert.False(t, ok, "window is full")
	assert.Positive(t, sw.GetWaitTime(1))

	time.Sleep(120 * time.Millisecond)
	ok, err = sw.Acquire(context.Background(), 1, false)
	require.NoError(t, err)
	assert.True(t, ok, "window slid past the old entries")
}

func TestSlidingWindowOversizedRequest(t *testing.T) {
	sw := NewSlidingWindow(2, time.Second)
	ok, err := sw.Acquire(context.Background(), 3, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyedLimiterGC(t *testing.T) {
	k := NewKeyedLimiter(func() Limiter {
		return NewTokenBucket(10, 10)
	}, 10*time.Millisecond)

	a := k.Get("a")
	assert.Same(t, a, k.Get("a"))
	k.Get("b")
	assert.Equal(t, 2, k.Len())

	time.Sleep(20 * time.Millisecond)
	k.Get("c") // touching any key collects idle buckets
	assert.Equal(t, 1, k.Len())
}

func TestCompositeLimiter(t *testing.T) {
	narrow := NewSlidingWindow(1, time.Second)
	wide := NewSlidingWindow(100, time.Second)
	c := NewCompositeLimiter(wide, narrow)

	ok, err := c.Acquire(context.Background(), 1, false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Acquire(context.Background(), 1, false)
	require.NoError(t, err)
	assert.False(t, ok, "the narrow member refuses")
	assert.Positive(t, c.GetWaitTime(1))
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 50*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	err = WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryTimeout))

	// Zero deadline means unbounded.
	err = WithTimeout(context.Background(), 0, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}
