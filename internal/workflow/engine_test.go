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

package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansmccoy/spine-core/internal/store"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// fakeRunner records pipeline dispatches and returns canned results.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	parents []string
	fail    bool
}

func (f *fakeRunner) SubmitPipelineSync(ctx context.Context, name string, params map[string]any, parentRunID string) RunResult {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.parents = append(f.parents, parentRunID)
	f.mu.Unlock()
	if f.fail {
		return RunResult{Error: "pipeline down", Category: spineerrors.CategoryDependency}
	}
	return RunResult{Success: true, ExecutionID: "child-1", Output: map[string]any{"loaded": true}}
}

func newStepStore(t *testing.T) *StepStore {
	t.Helper()
	db, err := store.Open(store.Config{Backend: store.BackendSQLite, URL: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.ApplySchema(context.Background()))
	return NewStepStore(db)
}

func newTestEngine(t *testing.T, runner Runnable) (*Engine, *FuncRegistry, *StepStore) {
	t.Helper()
	funcs := NewFuncRegistry()
	steps := newStepStore(t)
	engine := NewEngine(funcs, runner, steps, nil, nil, Config{MaxParallel: 4})
	return engine, funcs, steps
}

// TestChoiceWorkflow covers the etl shape: extract, a choice on the
// extract count, transform, a pipeline load depending on transform, and
// a notify_empty branch that must be skipped.
func TestChoiceWorkflow(t *testing.T) {
	runner := &fakeRunner{}
	engine, funcs, steps := newTestEngine(t, runner)

	funcs.RegisterLambda("extract", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		return OK(map[string]any{"count": 5})
	})
	funcs.RegisterLambda("transform", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		out, _ := wctx.Output("extract")
		return OK(map[string]any{"transformed": out["count"]})
	})
	funcs.RegisterLambda("notify_empty", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		return OK(map[string]any{"notified": true})
	})

	load := Step{Name: "load", Type: StepPipeline, PipelineName: "data.load", DependsOn: []string{"transform"}}
	wf, err := New("etl", []Step{
		{Name: "extract", Type: StepLambda, HandlerRef: "extract"},
		{Name: "check", Type: StepChoice, ConditionRef: `outputs.extract.count > 0`,
			ThenStep: "transform", ElseStep: "notify_empty", DependsOn: []string{"extract"}},
		{Name: "transform", Type: StepLambda, HandlerRef: "transform", DependsOn: []string{"check"}},
		load,
		{Name: "notify_empty", Type: StepLambda, HandlerRef: "notify_empty", DependsOn: []string{"check"}},
	})
	require.NoError(t, err)

	outcome, err := engine.Execute(context.Background(), wf, RunOptions{
		RunID:  "run-etl-1",
		Params: map[string]any{"source": "a"},
	})
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, outcome.Status)
	assert.Equal(t, StepStatusCompleted, outcome.StepStatuses["extract"])
	assert.Equal(t, StepStatusCompleted, outcome.StepStatuses["check"])
	assert.Equal(t, StepStatusCompleted, outcome.StepStatuses["transform"])
	assert.Equal(t, StepStatusCompleted, outcome.StepStatuses["load"])
	assert.Equal(t, StepStatusSkipped, outcome.StepStatuses["notify_empty"])

	// The pipeline step dispatched through the runner with the parent id.
	assert.Equal(t, []string{"data.load"}, runner.calls)
	assert.Equal(t, []string{"run-etl-1"}, runner.parents)

	// A row exists for all five steps with terminal statuses.
	records, err := steps.ListForRun(context.Background(), "run-etl-1")
	require.NoError(t, err)
	assert.Len(t, records, 5)
	for _, rec := range records {
		assert.Contains(t, []StepStatus{StepStatusCompleted, StepStatusSkipped}, rec.Status)
	}
}

func TestChoiceElseBranch(t *testing.T) {
	engine, funcs, _ := newTestEngine(t, nil)

	funcs.RegisterLambda("extract", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		return OK(map[string]any{"count": 0})
	})
	ran := false
	funcs.RegisterLambda("notify_empty", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		ran = true
		return OK(nil)
	})
	funcs.RegisterLambda("transform", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		return OK(nil)
	})

	wf, err := New("etl", []Step{
		{Name: "extract", Type: StepLambda, HandlerRef: "extract"},
		{Name: "check", Type: StepChoice, ConditionRef: `outputs.extract.count > 0`,
			ThenStep: "transform", ElseStep: "notify_empty", DependsOn: []string{"extract"}},
		{Name: "transform", Type: StepLambda, HandlerRef: "transform", DependsOn: []string{"check"}},
		{Name: "notify_empty", Type: StepLambda, HandlerRef: "notify_empty", DependsOn: []string{"check"}},
	})
	require.NoError(t, err)

	outcome, err := engine.Execute(context.Background(), wf, RunOptions{RunID: "run-2"})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, outcome.Status)
	assert.True(t, ran)
	assert.Equal(t, StepStatusSkipped, outcome.StepStatuses["transform"])
	assert.Equal(t, StepStatusCompleted, outcome.StepStatuses["notify_empty"])
}

func TestRegisteredConditionFunc(t *testing.T) {
	engine, funcs, _ := newTestEngine(t, nil)

	funcs.RegisterLambda("a", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		return OK(nil)
	})
	funcs.RegisterCondition("always", func(wctx *Context) (bool, error) { return true, nil })

	wf, err := New("wf", []Step{
		{Name: "decide", Type: StepChoice, ConditionRef: "always", ThenStep: "a"},
		{Name: "a", Type: StepLambda, HandlerRef: "a", DependsOn: []string{"decide"}},
	})
	require.NoError(t, err)

	outcome, err := engine.Execute(context.Background(), wf, RunOptions{RunID: "run-3"})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, outcome.Status)
	assert.Equal(t, StepStatusCompleted, outcome.StepStatuses["a"])
}

func TestOnFailureStopCancelsRemaining(t *testing.T) {
	engine, funcs, _ := newTestEngine(t, nil)

	funcs.RegisterLambda("fails", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		return Fail("boom", spineerrors.CategoryInternal)
	})
	funcs.RegisterLambda("after", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		return OK(nil)
	})

	wf, err := New("wf", []Step{
		{Name: "first", Type: StepLambda, HandlerRef: "fails"},
		{Name: "second", Type: StepLambda, HandlerRef: "after", DependsOn: []string{"first"}},
	})
	require.NoError(t, err)

	outcome, err := engine.Execute(context.Background(), wf, RunOptions{RunID: "run-4"})
	require.NoError(t, err)
	assert.Equal(t, RunFailed, outcome.Status)
	assert.Equal(t, StepStatusFailed, outcome.StepStatuses["first"])
	assert.Equal(t, StepStatusCancelled, outcome.StepStatuses["second"])
}

func TestOnFailureContinuePartial(t *testing.T) {
	engine, funcs, _ := newTestEngine(t, nil)

	funcs.RegisterLambda("fails", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		return Fail("boom", spineerrors.CategoryInternal)
	})
	funcs.RegisterLambda("works", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		return OK(nil)
	})

	wf, err := New("wf", []Step{
		{Name: "bad", Type: StepLambda, HandlerRef: "fails"},
		{Name: "good", Type: StepLambda, HandlerRef: "works"},
	}, WithPolicy(ExecutionPolicy{Mode: ModeSequential, OnFailure: FailureContinue}))
	require.NoError(t, err)

	outcome, err := engine.Execute(context.Background(), wf, RunOptions{RunID: "run-5"})
	require.NoError(t, err)
	assert.Equal(t, RunPartial, outcome.Status)
	assert.Equal(t, StepStatusFailed, outcome.StepStatuses["bad"])
	assert.Equal(t, StepStatusCompleted, outcome.StepStatuses["good"])
}

func TestOnFailureContinueAllFailed(t *testing.T) {
	engine, funcs, _ := newTestEngine(t, nil)
	funcs.RegisterLambda("fails", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		return Fail("boom", spineerrors.CategoryInternal)
	})

	wf, err := New("wf", []Step{
		{Name: "a", Type: StepLambda, HandlerRef: "fails"},
		{Name: "b", Type: StepLambda, HandlerRef: "fails"},
	}, WithPolicy(ExecutionPolicy{Mode: ModeSequential, OnFailure: FailureContinue}))
	require.NoError(t, err)

	outcome, err := engine.Execute(context.Background(), wf, RunOptions{RunID: "run-6"})
	require.NoError(t, err)
	assert.Equal(t, RunFailed, outcome.Status)
}

func TestParallelFrontier(t *testing.T) {
	engine, funcs, _ := newTestEngine(t, nil)

	var mu sync.Mutex
	order := []string{}
	lambda := func(name string, delay time.Duration) LambdaFunc {
		return func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
			time.Sleep(delay)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return OK(map[string]any{"step": name})
		}
	}
	funcs.RegisterLambda("a", lambda("a", 30*time.Millisecond))
	funcs.RegisterLambda("b", lambda("b", 5*time.Millisecond))
	funcs.RegisterLambda("join", lambda("join", 0))

	wf, err := New("fan", []Step{
		{Name: "a", Type: StepLambda, HandlerRef: "a"},
		{Name: "b", Type: StepLambda, HandlerRef: "b"},
		{Name: "join", Type: StepLambda, HandlerRef: "join", DependsOn: []string{"a", "b"}},
	}, WithPolicy(ExecutionPolicy{Mode: ModeParallel, OnFailure: FailureStop}))
	require.NoError(t, err)

	outcome, err := engine.Execute(context.Background(), wf, RunOptions{RunID: "run-7"})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, outcome.Status)

	// b finishes before a (parallel execution), join runs last.
	require.Len(t, order, 3)
	assert.Equal(t, "b", order[0])
	assert.Equal(t, "join", order[2])
}

func TestMapStep(t *testing.T) {
	engine, funcs, _ := newTestEngine(t, nil)

	funcs.RegisterItems("weeks", func(wctx *Context) ([]any, error) {
		return []any{"w1", "w2", "w3"}, nil
	})
	funcs.RegisterLambda("process", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		return OK(map[string]any{"week": config["item"], "index": config["index"]})
	})

	wf, err := New("mapper", []Step{
		{Name: "fan", Type: StepMap, ItemsRef: "weeks", BodyRef: "process"},
	})
	require.NoError(t, err)

	outcome, err := engine.Execute(context.Background(), wf, RunOptions{RunID: "run-8"})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, outcome.Status)

	out, ok := outcome.Context.Output("fan")
	require.True(t, ok)
	assert.Equal(t, 3, out["count"])
	items := out["items"].([]any)
	require.Len(t, items, 3)
	first := items[0].(map[string]any)
	assert.Equal(t, "w1", first["week"])
}

func TestMapStepExprItems(t *testing.T) {
	engine, funcs, _ := newTestEngine(t, nil)

	funcs.RegisterLambda("process", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		return OK(map[string]any{"item": config["item"]})
	})

	wf, err := New("mapper", []Step{
		{Name: "fan", Type: StepMap, ItemsRef: "params.items", BodyRef: "process"},
	})
	require.NoError(t, err)

	outcome, err := engine.Execute(context.Background(), wf, RunOptions{
		RunID:  "run-9",
		Params: map[string]any{"items": []any{1, 2}},
	})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, outcome.Status)
	out, _ := outcome.Context.Output("fan")
	assert.Equal(t, 2, out["count"])
}

func TestWaitStepCancellation(t *testing.T) {
	engine, funcs, _ := newTestEngine(t, nil)
	_ = funcs

	wf, err := New("waiter", []Step{
		{Name: "pause", Type: StepWait, DurationSeconds: 10},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	outcome, err := engine.Execute(ctx, wf, RunOptions{RunID: "run-10"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StepStatusCancelled, outcome.StepStatuses["pause"])
}

func TestPipelineFailurePropagates(t *testing.T) {
	runner := &fakeRunner{fail: true}
	engine, _, _ := newTestEngine(t, runner)

	wf, err := New("wf", []Step{
		{Name: "load", Type: StepPipeline, PipelineName: "data.load"},
	})
	require.NoError(t, err)

	outcome, err := engine.Execute(context.Background(), wf, RunOptions{RunID: "run-11"})
	require.NoError(t, err)
	assert.Equal(t, RunFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "load")
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	runner := &fakeRunner{}
	engine, funcs, _ := newTestEngine(t, runner)

	calls := 0
	funcs.RegisterLambda("extract", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		calls++
		return OK(map[string]any{"count": calls})
	})

	wf, err := New("wf", []Step{
		{Name: "extract", Type: StepLambda, HandlerRef: "extract"},
	})
	require.NoError(t, err)

	_, err = engine.Execute(context.Background(), wf, RunOptions{RunID: "attempt-1"})
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// Resuming from attempt-1 reloads the recorded output instead of
	// re-running the lambda.
	outcome, err := engine.Execute(context.Background(), wf, RunOptions{
		RunID:           "attempt-2",
		ResumeFromRunID: "attempt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "completed step must not re-execute")
	out, ok := outcome.Context.Output("extract")
	require.True(t, ok)
	assert.Equal(t, float64(1), out["count"], "recorded output reloaded")
}

func TestContextUpdatesFlowDownstream(t *testing.T) {
	engine, funcs, _ := newTestEngine(t, nil)

	funcs.RegisterLambda("first", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		return OKWithUpdates(nil, map[string]any{"cursor": "abc"})
	})
	var seen any
	funcs.RegisterLambda("second", func(ctx context.Context, wctx *Context, config map[string]any) StepResult {
		seen, _ = wctx.Param("cursor")
		return OK(nil)
	})

	wf, err := New("wf", []Step{
		{Name: "first", Type: StepLambda, HandlerRef: "first"},
		{Name: "second", Type: StepLambda, HandlerRef: "second", DependsOn: []string{"first"}},
	})
	require.NoError(t, err)

	_, err = engine.Execute(context.Background(), wf, RunOptions{RunID: "run-12"})
	require.NoError(t, err)
	assert.Equal(t, "abc", seen)
}
