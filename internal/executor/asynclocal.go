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
	"errors"
	"sync"

	"github.com/google/uuid"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// AsyncLocal runs cooperative handlers, one goroutine per submission,
// bounded by a counting semaphore. Submit returns a ref immediately; the
// handler starts once a slot frees up.
type AsyncLocal struct {
	base
	registry  *Registry
	semaphore chan struct{}
	wg        sync.WaitGroup
}

// NewAsyncLocal creates an async executor bounded by maxConcurrency.
func NewAsyncLocal(registry *Registry, maxConcurrency, resultCapacity int) *AsyncLocal {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &AsyncLocal{
		base:      base{tasks: newTaskTable(resultCapacity)},
		registry:  registry,
		semaphore: make(chan struct{}, maxConcurrency),
	}
}

// Submit implements Executor. Sync handlers are refused: a blocking
// handler would hold a semaphore slot without yielding.
func (a *AsyncLocal) Submit(ctx context.Context, spec WorkSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	handler, mode, err := a.registry.Lookup(spec.Kind, spec.Name)
	if err != nil {
		return "", err
	}
	if mode == ModeSync {
		return "", spineerrors.Validation("handler %s:%s is sync; use the local executor", spec.Kind, spec.Name)
	}

	ref := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := newTask(cancel)
	a.tasks.add(ref, t)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		select {
		case a.semaphore <- struct{}{}:
			defer func() { <-a.semaphore }()
		case <-runCtx.Done():
			t.finish(StatusCancelled, nil, spineerrors.Wrap(spineerrors.CategoryInternal, runCtx.Err(), "task cancelled"))
			a.tasks.retire(ref)
			return
		}

		if !t.setRunning() {
			a.tasks.retire(ref)
			return
		}
		out, err := runHandler(runCtx, handler, spec)
		switch {
		case err != nil && errors.Is(err, context.Canceled):
			t.finish(StatusCancelled, nil, spineerrors.Wrap(spineerrors.CategoryInternal, err, "task cancelled"))
		case err != nil:
			t.finish(StatusFailed, nil, spineerrors.AsTyped(err))
		default:
			t.finish(StatusCompleted, out, nil)
		}
		a.tasks.retire(ref)
	}()

	return ref, nil
}

// Drain waits for all in-flight handlers to finish.
func (a *AsyncLocal) Drain() {
	a.wg.Wait()
}
