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

// Package executor defines the pluggable execution backends: the work
// specification, the capability contract every executor satisfies, and the
// in-process implementations.
package executor

import (
	"container/list"
	"context"
	"sync"
	"time"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// Kind classifies a unit of work.
type Kind string

const (
	KindTask      Kind = "task"
	KindOperation Kind = "operation"
	KindWorkflow  Kind = "workflow"
)

// WorkSpec names a unit of work for submission.
type WorkSpec struct {
	Kind    Kind           `json:"kind"`
	Name    string         `json:"name"`
	Params  map[string]any `json:"params,omitempty"`
	Runtime string         `json:"runtime,omitempty"`
	Timeout time.Duration  `json:"-"`
}

// Validate rejects specs with an unknown kind or empty name.
func (s WorkSpec) Validate() error {
	switch s.Kind {
	case KindTask, KindOperation, KindWorkflow:
	default:
		return spineerrors.Validation("unknown work kind: %q", s.Kind)
	}
	if s.Name == "" {
		return spineerrors.Validation("work spec requires a name")
	}
	return nil
}

// Status is an executor-side task status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusNotFound  Status = "not_found"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Executor is the capability set every execution backend satisfies.
type Executor interface {
	// Submit enqueues or starts the work and returns a reference.
	Submit(ctx context.Context, spec WorkSpec) (string, error)

	// Status returns the task status for a reference.
	Status(ref string) Status

	// Result returns the task result; ok is false while non-terminal or
	// after eviction.
	Result(ref string) (map[string]any, bool)

	// Err returns the task error, or nil.
	Err(ref string) error

	// Wait blocks until the task is terminal or the timeout elapses.
	// A zero timeout waits indefinitely (bounded by ctx).
	Wait(ctx context.Context, ref string, timeout time.Duration) (Status, error)

	// Cancel requests cancellation of the referenced task.
	Cancel(ref string) error

	// ActiveCount returns the number of pending or running tasks.
	ActiveCount() int
}

// task is the shared per-submission state tracked by the in-process
// executors.
type task struct {
	mu     sync.Mutex
	status Status
	result map[string]any
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

func newTask(cancel context.CancelFunc) *task {
	return &task{status: StatusPending, done: make(chan struct{}), cancel: cancel}
}

func (t *task) setRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return false
	}
	t.status = StatusRunning
	return true
}

func (t *task) finish(status Status, result map[string]any, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	t.status = status
	t.result = result
	t.err = err
	close(t.done)
}

func (t *task) snapshot() (Status, map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.result, t.err
}

// taskTable tracks tasks by ref, retaining terminal entries in an LRU
// bounded by capacity so result memory stays capped.
type taskTable struct {
	mu       sync.Mutex
	capacity int
	active   map[string]*task
	terminal map[string]*list.Element
	order    *list.List // front = most recent
}

type terminalEntry struct {
	ref  string
	task *task
}

func newTaskTable(capacity int) *taskTable {
	if capacity <= 0 {
		capacity = 1024
	}
	return &taskTable{
		capacity: capacity,
		active:   make(map[string]*task),
		terminal: make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (tt *taskTable) add(ref string, t *task) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.active[ref] = t
}

// retire moves a task from the active set into the terminal LRU, evicting
// the least recently used entry past capacity.
func (tt *taskTable) retire(ref string) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	t, ok := tt.active[ref]
	if !ok {
		return
	}
	delete(tt.active, ref)
	el := tt.order.PushFront(&terminalEntry{ref: ref, task: t})
	tt.terminal[ref] = el
	for tt.order.Len() > tt.capacity {
		oldest := tt.order.Back()
		tt.order.Remove(oldest)
		delete(tt.terminal, oldest.Value.(*terminalEntry).ref)
	}
}

func (tt *taskTable) get(ref string) *task {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if t, ok := tt.active[ref]; ok {
		return t
	}
	if el, ok := tt.terminal[ref]; ok {
		tt.order.MoveToFront(el)
		return el.Value.(*terminalEntry).task
	}
	return nil
}

func (tt *taskTable) activeCount() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.active)
}

// base provides the Status/Result/Err/Wait/Cancel surface shared by the
// in-process executors.
type base struct {
	tasks *taskTable
}

func (b *base) Status(ref string) Status {
	t := b.tasks.get(ref)
	if t == nil {
		return StatusNotFound
	}
	status, _, _ := t.snapshot()
	return status
}

func (b *base) Result(ref string) (map[string]any, bool) {
	t := b.tasks.get(ref)
	if t == nil {
		return nil, false
	}
	status, result, _ := t.snapshot()
	if !status.Terminal() {
		return nil, false
	}
	return result, true
}

func (b *base) Err(ref string) error {
	t := b.tasks.get(ref)
	if t == nil {
		return spineerrors.NotFound("task", ref)
	}
	_, _, err := t.snapshot()
	return err
}

func (b *base) Wait(ctx context.Context, ref string, timeout time.Duration) (Status, error) {
	t := b.tasks.get(ref)
	if t == nil {
		return StatusNotFound, spineerrors.NotFound("task", ref)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case <-t.done:
		status, _, err := t.snapshot()
		return status, err
	case <-timer:
		return StatusRunning, spineerrors.Timeout("wait for task %s exceeded %s", ref, timeout)
	case <-ctx.Done():
		return StatusRunning, ctx.Err()
	}
}

func (b *base) Cancel(ref string) error {
	t := b.tasks.get(ref)
	if t == nil {
		return spineerrors.NotFound("task", ref)
	}
	t.mu.Lock()
	pending := t.status == StatusPending
	cancel := t.cancel
	t.mu.Unlock()

	if pending {
		t.finish(StatusCancelled, nil, spineerrors.New(spineerrors.CategoryInternal, "cancelled before start"))
		b.tasks.retire(ref)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

func (b *base) ActiveCount() int {
	return b.tasks.activeCount()
}

// wrapOutput normalizes a handler return value into the structured result
// shape.
func wrapOutput(v any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": v}
}
