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

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count in CLOSED that
	// opens the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays OPEN before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls bounds concurrent probes in HALF_OPEN.
	HalfOpenMaxCalls int

	// SuccessThreshold is the consecutive successes in HALF_OPEN needed
	// to close the circuit.
	SuccessThreshold int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
		SuccessThreshold: 2,
	}
}

// Breaker is a per-name circuit breaker.
//
// CLOSED counts consecutive failures; at the threshold the circuit opens.
// OPEN rejects immediately until the recovery timeout elapses, then the
// next allowed call probes in HALF_OPEN. Any HALF_OPEN failure reopens the
// circuit; SuccessThreshold consecutive successes close it.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failures      int
	successes     int
	halfOpenCalls int
	openedAt      time.Time
}

// NewBreaker creates a named breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{name: name, cfg: cfg, state: BreakerClosed}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the OPEN→HALF_OPEN timer.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// refresh moves OPEN to HALF_OPEN once the recovery timeout has elapsed.
// Caller holds the mutex.
func (b *Breaker) refresh() {
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
		b.halfOpenCalls = 0
	}
}

// AllowRequest reports whether a call may proceed, reserving a probe slot
// in HALF_OPEN. Callers that proceed must report via RecordSuccess or
// RecordFailure.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.halfOpenCalls > 0 {
			b.halfOpenCalls--
		}
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case BreakerHalfOpen:
		b.open()
	}
}

// open transitions to OPEN. Caller holds the mutex.
func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = time.Now()
	b.successes = 0
	b.halfOpenCalls = 0
}

// Execute runs fn through the breaker, rejecting with CIRCUIT_OPEN when
// the circuit is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.AllowRequest() {
		return spineerrors.CircuitOpen(b.name)
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// BreakerRegistry hands out one breaker per name.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates a registry using cfg for new breakers.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// States returns the current state of every known breaker.
func (r *BreakerRegistry) States() map[string]BreakerState {
	r.mu.Lock()
	names := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		names = append(names, b)
	}
	r.mu.Unlock()

	out := make(map[string]BreakerState, len(names))
	for _, b := range names {
		out[b.Name()] = b.State()
	}
	return out
}
