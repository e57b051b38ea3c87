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

package executor

import (
	"context"
	"sync"

	"github.com/google/uuid"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// Local runs synchronous handlers on a fixed-size worker pool. Submission
// enqueues onto a queue of maxWorkers*16 slots drained by maxWorkers
// goroutines; Submit blocks only while that queue is full.
type Local struct {
	base
	registry *Registry
	jobs     chan localJob
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type localJob struct {
	ref  string
	spec WorkSpec
	t    *task
	h    Handler
	ctx  context.Context
}

// NewLocal creates a thread-pool executor with maxWorkers workers.
func NewLocal(registry *Registry, maxWorkers, resultCapacity int) *Local {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	l := &Local{
		base:     base{tasks: newTaskTable(resultCapacity)},
		registry: registry,
		jobs:     make(chan localJob, maxWorkers*16),
	}
	for i := 0; i < maxWorkers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

func (l *Local) worker() {
	defer l.wg.Done()
	for job := range l.jobs {
		if !job.t.setRunning() {
			continue // cancelled while queued
		}
		out, err := runHandler(job.ctx, job.h, job.spec)
		select {
		case <-job.ctx.Done():
			// Best-effort cancellation: the handler ran to completion but
			// the caller asked for cancel first.
			job.t.finish(StatusCancelled, nil, spineerrors.Wrap(spineerrors.CategoryInternal, job.ctx.Err(), "task cancelled"))
		default:
			if err != nil {
				job.t.finish(StatusFailed, nil, spineerrors.AsTyped(err))
			} else {
				job.t.finish(StatusCompleted, out, nil)
			}
		}
		l.tasks.retire(job.ref)
	}
}

// Submit implements Executor. Async handlers are refused: they would pin a
// pool worker for their full cooperative lifetime.
func (l *Local) Submit(ctx context.Context, spec WorkSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	handler, mode, err := l.registry.Lookup(spec.Kind, spec.Name)
	if err != nil {
		return "", err
	}
	if mode == ModeAsync {
		return "", spineerrors.Validation("handler %s:%s is async; use the async executor", spec.Kind, spec.Name)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return "", spineerrors.New(spineerrors.CategoryUnavailable, "executor is shut down")
	}
	l.mu.Unlock()

	ref := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := newTask(cancel)
	l.tasks.add(ref, t)

	l.jobs <- localJob{ref: ref, spec: spec, t: t, h: handler, ctx: runCtx}
	return ref, nil
}

// Shutdown stops accepting work and waits for in-flight handlers.
func (l *Local) Shutdown() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.jobs)
	l.wg.Wait()
}
