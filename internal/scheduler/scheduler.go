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

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryansmccoy/spine-core/internal/dispatcher"
	"github.com/ryansmccoy/spine-core/internal/executor"
	"github.com/ryansmccoy/spine-core/internal/ledger"
	"github.com/ryansmccoy/spine-core/internal/locks"
	"github.com/ryansmccoy/spine-core/internal/log"
	"github.com/ryansmccoy/spine-core/internal/metrics"
)

// leaderLockKey elects at most one active scheduler across processes.
const leaderLockKey = "scheduler:leader"

// Config configures the scheduler loop.
type Config struct {
	// TickInterval is the loop cadence. Defaults to 2s.
	TickInterval time.Duration

	// BatchSize caps due schedules processed per tick. Defaults to 50.
	BatchSize int

	// LeaderTTL is the leader lock TTL; held leadership is renewed every
	// tick. Defaults to 3x the tick interval.
	LeaderTTL time.Duration
}

// Scheduler fires due schedules into the dispatcher. Multiple instances
// may run; the leader lock serializes them.
type Scheduler struct {
	cfg    Config
	store  *Store
	disp   *dispatcher.Dispatcher
	locks  *locks.Manager
	nodeID string
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a scheduler.
func New(cfg Config, st *Store, disp *dispatcher.Dispatcher, lockMgr *locks.Manager, logger *slog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.LeaderTTL <= 0 {
		cfg.LeaderTTL = 3 * cfg.TickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		store:  st,
		disp:   disp,
		locks:  lockMgr,
		nodeID: uuid.NewString(),
		logger: log.WithComponent(logger, "scheduler"),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the loop and releases leadership.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.locks.Release(releaseCtx, leaderLockKey)
	}()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.Tick(ctx, now.UTC())
		}
	}
}

// Tick runs one scheduler iteration: take (or renew) leadership, query
// the due batch, dispatch each.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	renewed, err := s.locks.Renew(ctx, leaderLockKey, s.nodeID, s.cfg.LeaderTTL)
	if err != nil {
		s.logger.Warn("leader renewal failed", log.Error(err))
		return
	}
	if !renewed {
		acquired, err := s.locks.Acquire(ctx, leaderLockKey, s.nodeID, s.cfg.LeaderTTL)
		if err != nil {
			s.logger.Warn("leader acquisition failed", log.Error(err))
			return
		}
		if !acquired {
			return // follower; retry next tick
		}
		s.logger.Info("scheduler leadership acquired")
	}

	metrics.SchedulerTicks.Inc()

	due, err := s.store.Due(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("due query failed", log.Error(err))
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire dispatches one due schedule, guarding against double-fire with a
// per-schedule lock, skipping misfires past their grace window.
func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) {
	logger := s.logger.With(slog.String(log.ScheduleKey, sched.Name))

	next, err := ComputeNextRun(sched, now)
	if err != nil {
		logger.Error("next-run computation failed", log.Error(err))
		return
	}

	// Misfire: the slot is older than the grace window; skip it and
	// advance.
	if sched.NextRunAt != nil && sched.MisfireGraceSeconds > 0 {
		age := now.Sub(*sched.NextRunAt)
		if age > time.Duration(sched.MisfireGraceSeconds)*time.Second {
			logger.Warn("skipping misfired schedule",
				slog.Int64("late_seconds", int64(age.Seconds())))
			if err := s.store.AdvanceNextRun(ctx, sched.ID, next); err != nil {
				logger.Error("failed to advance misfired schedule", log.Error(err))
			}
			return
		}
	}

	fireLock := "schedule:" + sched.ID
	acquired, err := s.locks.Acquire(ctx, fireLock, s.nodeID, time.Minute)
	if err != nil || !acquired {
		if err != nil {
			logger.Warn("fire lock failed", log.Error(err))
		}
		return
	}
	defer func() { _ = s.locks.Release(ctx, fireLock) }()

	spec := executor.WorkSpec{
		Kind:   kindFor(sched.TargetType),
		Name:   sched.TargetName,
		Params: sched.Params,
	}
	ex, err := s.disp.Submit(ctx, spec, dispatcher.SubmitOptions{
		Trigger: ledger.TriggerScheduler,
	})

	status := "submitted"
	executionID := ""
	if err != nil {
		status = fmt.Sprintf("error: %v", err)
		logger.Error("schedule dispatch failed", log.Error(err))
	}
	if ex != nil {
		executionID = ex.ID
	}

	if err := s.store.MarkFired(ctx, sched.ID, now, executionID, status, next); err != nil {
		logger.Error("failed to stamp schedule", log.Error(err))
		return
	}

	metrics.SchedulesFired.WithLabelValues(sched.Name).Inc()
	logger.Info("schedule fired",
		slog.String(log.RunIDKey, executionID),
		slog.Time("next_run_at", next))
}

func kindFor(t TargetType) executor.Kind {
	switch t {
	case TargetOperation:
		return executor.KindOperation
	case TargetWorkflow:
		return executor.KindWorkflow
	default:
		return executor.KindTask
	}
}
