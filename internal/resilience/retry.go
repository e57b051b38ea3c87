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

// Package resilience provides the pure, composable failure-handling
// building blocks used by executors and handlers: retry, circuit breaker,
// rate limiting, and timeouts.
package resilience

import (
	"context"
	"math/rand"
	"time"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// RetryPolicy controls exponential backoff retries.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// Factor multiplies the backoff after each attempt.
	Factor float64

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// Jitter adds a random wait in [0, backoff) to each retry.
	Jitter bool

	// RetryIf decides whether an error is retryable. Defaults to the
	// category policy table.
	RetryIf func(error) bool
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		Factor:         2,
		MaxBackoff:     30 * time.Second,
	}
}

// Backoff returns the wait before retry number attempt (0-based), applying
// the factor, cap, and jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= p.Factor
	}
	d := time.Duration(backoff)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if p.Jitter && d > 0 {
		d += time.Duration(rand.Int63n(int64(d)))
	}
	return d
}

func (p RetryPolicy) retryable(err error) bool {
	if p.RetryIf != nil {
		return p.RetryIf(err)
	}
	return spineerrors.Retryable(err)
}

// Retry runs fn up to MaxAttempts times, waiting per the policy between
// attempts. It stops on success, a non-retryable error, or context
// cancellation. Cancellation during a backoff wait returns a TIMEOUT error
// wrapping the context's error; otherwise the last error from fn is returned.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Factor <= 0 {
		policy.Factor = 2
	}

	var err error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return spineerrors.Wrap(spineerrors.CategoryTimeout, ctx.Err(), "retry interrupted")
			case <-time.After(policy.Backoff(attempt - 1)):
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if !policy.retryable(err) {
			return err
		}
	}
	return err
}
