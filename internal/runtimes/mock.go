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

package runtimes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// Mock is an in-memory adapter for tests and dry runs. Jobs succeed
// immediately unless FailWith is set.
type Mock struct {
	Name      string
	Caps      Capabilities
	Limits    Constraints
	FailWith  *JobError
	Unhealthy bool

	mu   sync.Mutex
	jobs map[string]JobState
	logs map[string]string
}

// NewMock creates a mock adapter with permissive capabilities.
func NewMock(name string) *Mock {
	return &Mock{
		Name: name,
		Caps: Capabilities{
			SupportsGPU:            true,
			SupportsVolumes:        true,
			SupportsSidecars:       true,
			SupportsInitContainers: true,
			SupportsCostLimits:     true,
		},
		jobs: make(map[string]JobState),
		logs: make(map[string]string),
	}
}

// RuntimeName implements Adapter.
func (m *Mock) RuntimeName() string { return m.Name }

// Capabilities implements Adapter.
func (m *Mock) Capabilities() Capabilities { return m.Caps }

// Constraints implements Adapter.
func (m *Mock) Constraints() Constraints { return m.Limits }

// Submit implements Adapter.
func (m *Mock) Submit(ctx context.Context, spec ContainerJobSpec) (JobRef, error) {
	if verr := Validate(spec, m); verr != nil {
		return JobRef{}, verr
	}

	ref := JobRef{Runtime: m.Name, ID: uuid.NewString()}
	now := time.Now().UTC()
	state := JobState{Ref: ref, StartedAt: &now, FinishedAt: &now}
	if m.FailWith != nil {
		state.Status = JobFailed
		state.Error = m.FailWith
	} else {
		state.Status = JobSucceeded
		zero := 0
		state.ExitCode = &zero
	}

	m.mu.Lock()
	m.jobs[ref.ID] = state
	m.logs[ref.ID] = fmt.Sprintf("mock run of %s (%s)\n", spec.Name, spec.Image)
	m.mu.Unlock()
	return ref, nil
}

// Status implements Adapter.
func (m *Mock) Status(ctx context.Context, ref JobRef) (JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.jobs[ref.ID]
	if !ok {
		return JobState{}, NewJobError(spineerrors.CategoryNotFound, m.Name, "job not found: %s", ref.ID)
	}
	return state, nil
}

// Logs implements Adapter.
func (m *Mock) Logs(ctx context.Context, ref JobRef) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	logs, ok := m.logs[ref.ID]
	if !ok {
		return "", NewJobError(spineerrors.CategoryNotFound, m.Name, "job not found: %s", ref.ID)
	}
	return logs, nil
}

// Cancel implements Adapter.
func (m *Mock) Cancel(ctx context.Context, ref JobRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.jobs[ref.ID]
	if !ok {
		return NewJobError(spineerrors.CategoryNotFound, m.Name, "job not found: %s", ref.ID)
	}
	if state.Status == JobPending || state.Status == JobRunning {
		state.Status = JobCancelled
		m.jobs[ref.ID] = state
	}
	return nil
}

// Health implements Adapter.
func (m *Mock) Health(ctx context.Context) error {
	if m.Unhealthy {
		return NewJobError(spineerrors.CategoryRuntimeUnavailable, m.Name, "mock runtime marked unhealthy")
	}
	return nil
}
