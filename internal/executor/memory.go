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

	"github.com/google/uuid"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// Memory runs handlers in-line on the caller's goroutine. Submit returns
// only once the handler has finished; there is no added concurrency.
type Memory struct {
	base
	registry *Registry
}

// NewMemory creates an in-line executor.
func NewMemory(registry *Registry, resultCapacity int) *Memory {
	return &Memory{
		base:     base{tasks: newTaskTable(resultCapacity)},
		registry: registry,
	}
}

// Submit implements Executor.
func (m *Memory) Submit(ctx context.Context, spec WorkSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	handler, _, err := m.registry.Lookup(spec.Kind, spec.Name)
	if err != nil {
		return "", err
	}

	ref := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := newTask(cancel)
	m.tasks.add(ref, t)
	t.setRunning()

	out, err := runHandler(runCtx, handler, spec)
	if err != nil {
		t.finish(StatusFailed, nil, spineerrors.AsTyped(err))
	} else {
		t.finish(StatusCompleted, out, nil)
	}
	m.tasks.retire(ref)
	return ref, nil
}

// runHandler invokes a handler, converting a panic into a typed INTERNAL
// error.
func runHandler(ctx context.Context, handler Handler, spec WorkSpec) (out map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, spineerrors.Internal("handler %s:%s panicked: %v", spec.Kind, spec.Name, rec)
		}
	}()
	v, err := handler(ctx, spec.Params)
	if err != nil {
		return nil, err
	}
	return wrapOutput(v), nil
}
