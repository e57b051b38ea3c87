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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the rate limiting contract shared by all implementations.
type Limiter interface {
	// Acquire takes n permits. When block is true it waits until permits
	// are available or ctx is done; otherwise it returns immediately.
	// Returns true iff the permits were taken.
	Acquire(ctx context.Context, n int, block bool) (bool, error)

	// GetWaitTime returns how long a caller would wait for n permits.
	GetWaitTime(n int) time.Duration
}

// TokenBucket limits to rate permits/second with a burst capacity.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a token bucket emitting ratePerSec tokens into a
// bucket of the given capacity.
func NewTokenBucket(ratePerSec float64, capacity int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(ratePerSec), capacity)}
}

// Acquire implements Limiter.
func (t *TokenBucket) Acquire(ctx context.Context, n int, block bool) (bool, error) {
	if n <= 0 {
		n = 1
	}
	if !block {
		return t.limiter.AllowN(time.Now(), n), nil
	}
	if err := t.limiter.WaitN(ctx, n); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}
	return true, nil
}

// GetWaitTime implements Limiter.
func (t *TokenBucket) GetWaitTime(n int) time.Duration {
	if n <= 0 {
		n = 1
	}
	r := t.limiter.ReserveN(time.Now(), n)
	if !r.OK() {
		return time.Duration(-1)
	}
	delay := r.Delay()
	r.CancelAt(time.Now())
	return delay
}

// SlidingWindow limits to maxRequests within any trailing window.
type SlidingWindow struct {
	mu          sync.Mutex
	window      time.Duration
	maxRequests int
	timestamps  []time.Time
}

// NewSlidingWindow creates a sliding-window limiter.
func NewSlidingWindow(maxRequests int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{window: window, maxRequests: maxRequests}
}

// prune drops timestamps older than the window. Caller holds the mutex.
func (s *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.timestamps) && !s.timestamps[i].After(cutoff) {
		i++
	}
	s.timestamps = s.timestamps[i:]
}

// tryAcquire takes n permits if the window has room. Caller holds the
// mutex.
func (s *SlidingWindow) tryAcquire(now time.Time, n int) bool {
	s.prune(now)
	if len(s.timestamps)+n > s.maxRequests {
		return false
	}
	for i := 0; i < n; i++ {
		s.timestamps = append(s.timestamps, now)
	}
	return true
}

// Acquire implements Limiter.
func (s *SlidingWindow) Acquire(ctx context.Context, n int, block bool) (bool, error) {
	if n <= 0 {
		n = 1
	}
	if n > s.maxRequests {
		return false, nil
	}
	for {
		s.mu.Lock()
		ok := s.tryAcquire(time.Now(), n)
		var wait time.Duration
		if !ok {
			wait = s.waitLocked(time.Now(), n)
		}
		s.mu.Unlock()

		if ok {
			return true, nil
		}
		if !block {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// waitLocked computes the time until n permits free up. Caller holds the
// mutex and has already pruned.
func (s *SlidingWindow) waitLocked(now time.Time, n int) time.Duration {
	need := len(s.timestamps) + n - s.maxRequests
	if need <= 0 || need > len(s.timestamps) {
		return time.Millisecond
	}
	// The need-th oldest timestamp must age out of the window.
	expires := s.timestamps[need-1].Add(s.window)
	wait := expires.Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// GetWaitTime implements Limiter.
func (s *SlidingWindow) GetWaitTime(n int) time.Duration {
	if n <= 0 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.prune(now)
	if len(s.timestamps)+n <= s.maxRequests {
		return 0
	}
	return s.waitLocked(now, n)
}

// KeyedLimiter wraps a factory to give each key its own limiter, garbage
// collecting buckets idle past the TTL.
type KeyedLimiter struct {
	mu       sync.Mutex
	factory  func() Limiter
	idleTTL  time.Duration
	limiters map[string]*keyedEntry
}

type keyedEntry struct {
	limiter  Limiter
	lastUsed time.Time
}

// NewKeyedLimiter creates a per-key limiter using factory for new keys.
func NewKeyedLimiter(factory func() Limiter, idleTTL time.Duration) *KeyedLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &KeyedLimiter{
		factory:  factory,
		idleTTL:  idleTTL,
		limiters: make(map[string]*keyedEntry),
	}
}

// Get returns the limiter for key, creating it on first use and collecting
// idle buckets as a side effect.
func (k *KeyedLimiter) Get(key string) Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now()
	for name, entry := range k.limiters {
		if name != key && now.Sub(entry.lastUsed) > k.idleTTL {
			delete(k.limiters, name)
		}
	}

	entry, ok := k.limiters[key]
	if !ok {
		entry = &keyedEntry{limiter: k.factory()}
		k.limiters[key] = entry
	}
	entry.lastUsed = now
	return entry.limiter
}

// Len returns the number of live buckets.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

// CompositeLimiter requires all member limiters to admit a request.
type CompositeLimiter struct {
	limiters []Limiter
}

// NewCompositeLimiter creates a limiter that ANDs its members.
func NewCompositeLimiter(limiters ...Limiter) *CompositeLimiter {
	return &CompositeLimiter{limiters: limiters}
}

// Acquire implements Limiter. Non-blocking acquisition is all-or-nothing
// in admission terms: members that already granted keep their permits, as
// the underlying limiters do not support ungrant; blocking mode simply
// waits on each in turn.
func (c *CompositeLimiter) Acquire(ctx context.Context, n int, block bool) (bool, error) {
	for _, l := range c.limiters {
		ok, err := l.Acquire(ctx, n, block)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// GetWaitTime implements Limiter, reporting the max wait over members.
func (c *CompositeLimiter) GetWaitTime(n int) time.Duration {
	var max time.Duration
	for _, l := range c.limiters {
		if w := l.GetWaitTime(n); w > max {
			max = w
		}
	}
	return max
}
