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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ryansmccoy/spine-core/internal/log"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// RunStatus is the terminal status of a workflow run.
type RunStatus string

const (
	RunCompleted RunStatus = "COMPLETED"
	RunPartial   RunStatus = "PARTIAL"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// EventSink receives engine lifecycle events (step.started,
// step.completed, ...). Nil sinks are ignored.
type EventSink func(eventType string, payload map[string]any)

// Outcome is the result of one workflow run.
type Outcome struct {
	Status       RunStatus
	StepStatuses map[string]StepStatus
	Context      *Context
	FailedSteps  []string
	Error        string
}

// Config configures an Engine.
type Config struct {
	// MaxParallel bounds inflight steps in PARALLEL mode and map-step
	// bodies. Defaults to 4.
	MaxParallel int
}

// Engine executes workflow definitions over their dependency graph.
type Engine struct {
	funcs       *FuncRegistry
	runner      Runnable
	steps       *StepStore
	sink        EventSink
	logger      *slog.Logger
	maxParallel int
}

// NewEngine creates a workflow engine. runner may be nil when no workflow
// uses pipeline steps; steps may be nil to disable persistence.
func NewEngine(funcs *FuncRegistry, runner Runnable, steps *StepStore, sink EventSink, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	return &Engine{
		funcs:       funcs,
		runner:      runner,
		steps:       steps,
		sink:        sink,
		logger:      log.WithComponent(logger, "workflow"),
		maxParallel: cfg.MaxParallel,
	}
}

// RunOptions parameterize one workflow run.
type RunOptions struct {
	RunID         string
	CorrelationID string
	Params        map[string]any

	// ResumeFromRunID reloads COMPLETED step results recorded under the
	// given run instead of re-executing those steps.
	ResumeFromRunID string
}

// runState is the mutable state of one run, shared across parallel steps
// under its mutex.
type runState struct {
	mu       sync.Mutex
	runID    string
	wctx     *Context
	statuses map[string]StepStatus
	reasons  map[string]string
	notTaken map[string]bool
	resumed  map[string]StepResult
	failed   []string
	stopping bool
}

func (rs *runState) status(name string) StepStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.statuses[name]
}

func (rs *runState) set(name string, status StepStatus, reason string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.statuses[name] = status
	if reason != "" {
		rs.reasons[name] = reason
	}
	if status == StepStatusFailed {
		rs.failed = append(rs.failed, name)
	}
}

func (rs *runState) apply(name string, result StepResult) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.wctx = rs.wctx.Apply(name, result)
}

func (rs *runState) snapshot() *Context {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.wctx
}

// Execute runs wf to completion under its execution policy.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, opts RunOptions) (*Outcome, error) {
	if opts.RunID == "" {
		return nil, spineerrors.Validation("workflow run requires a run id")
	}

	if wf.Policy.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(wf.Policy.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	state := &runState{
		runID:    opts.RunID,
		wctx:     NewContext(opts.RunID, opts.CorrelationID, wf.Defaults, opts.Params),
		statuses: make(map[string]StepStatus, len(wf.Steps)),
		reasons:  make(map[string]string),
		notTaken: make(map[string]bool),
		resumed:  make(map[string]StepResult),
	}

	if opts.ResumeFromRunID != "" && e.steps != nil {
		completed, err := e.steps.CompletedResults(ctx, opts.ResumeFromRunID)
		if err != nil {
			return nil, fmt.Errorf("failed to load resume state: %w", err)
		}
		state.resumed = completed
	}

	logger := log.WithRunContext(e.logger, opts.RunID, wf.Name)
	logger.Info("workflow started",
		slog.String("mode", string(wf.Policy.Mode)), slog.Int("steps", len(wf.Steps)))

	switch wf.Policy.Mode {
	case ModeParallel:
		e.runParallel(ctx, wf, state, logger)
	default:
		e.runSequential(ctx, wf, state, logger)
	}

	outcome := e.summarize(ctx, wf, state)
	logger.Info("workflow finished", slog.String("status", string(outcome.Status)))
	return outcome, nil
}

// runSequential executes steps one at a time in topological order.
func (e *Engine) runSequential(ctx context.Context, wf *Workflow, state *runState, logger *slog.Logger) {
	order := wf.TopoOrder()
	for i, name := range order {
		step, _ := wf.Step(name)

		if ctx.Err() != nil {
			e.decide(ctx, state, step, i, StepStatusCancelled, "run cancelled")
			continue
		}
		if state.stopping {
			e.decide(ctx, state, step, i, StepStatusCancelled, "earlier step failed")
			continue
		}
		if reason, skip := e.shouldSkip(state, step, wf); skip {
			e.decide(ctx, state, step, i, StepStatusSkipped, reason)
			continue
		}

		result := e.executeStep(ctx, wf, state, step, i, logger)
		if !result.Success && wf.Policy.OnFailure == FailureStop {
			state.stopping = true
		}
	}
}

// runParallel maintains a frontier of dependency-satisfied steps, running
// up to maxParallel simultaneously.
func (e *Engine) runParallel(ctx context.Context, wf *Workflow, state *runState, logger *slog.Logger) {
	runCtx, cancelRunning := context.WithCancel(ctx)
	defer cancelRunning()

	order := wf.TopoOrder()
	orderIdx := make(map[string]int, len(order))
	for i, name := range order {
		orderIdx[name] = i
	}

	type completion struct {
		name    string
		success bool
	}
	done := make(chan completion)
	pending := make(map[string]bool, len(order))
	for _, name := range order {
		pending[name] = true
	}
	inflight := 0

	for len(pending) > 0 || inflight > 0 {
		launched := false
		for _, name := range order {
			if !pending[name] {
				continue
			}
			step, _ := wf.Step(name)

			if ctx.Err() != nil || state.stopping {
				delete(pending, name)
				e.decide(ctx, state, step, orderIdx[name], StepStatusCancelled, "run stopping")
				launched = true
				continue
			}
			if reason, skip := e.shouldSkip(state, step, wf); skip {
				delete(pending, name)
				e.decide(ctx, state, step, orderIdx[name], StepStatusSkipped, reason)
				launched = true
				continue
			}
			if !e.depsReady(state, step, wf) {
				continue
			}
			if inflight >= e.maxParallel {
				break
			}

			delete(pending, name)
			inflight++
			launched = true
			go func(step *Step, idx int) {
				result := e.executeStep(runCtx, wf, state, step, idx, logger)
				done <- completion{name: step.Name, success: result.Success}
			}(step, orderIdx[name])
		}

		if inflight > 0 {
			c := <-done
			inflight--
			if !c.success && wf.Policy.OnFailure == FailureStop {
				state.mu.Lock()
				state.stopping = true
				state.mu.Unlock()
				// Running steps get the cancel signal; their results are
				// still honored when they land.
				cancelRunning()
			}
			continue
		}

		if !launched {
			// Remaining steps are unreachable (undecided deps can no
			// longer resolve); cancel them to terminate the run.
			for name := range pending {
				step, _ := wf.Step(name)
				e.decide(ctx, state, step, orderIdx[name], StepStatusCancelled, "dependencies unresolved")
				delete(pending, name)
			}
		}
	}
}

// depsReady reports whether every dependency has reached a releasing
// state: COMPLETED always releases; FAILED releases only under CONTINUE,
// where every step is still attempted.
func (e *Engine) depsReady(state *runState, step *Step, wf *Workflow) bool {
	for _, dep := range step.DependsOn {
		switch state.status(dep) {
		case StepStatusCompleted:
		case StepStatusFailed:
			if wf.Policy.OnFailure != FailureContinue {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// shouldSkip reports whether the step must be skipped: a choice branch
// not taken, or a dependency that was skipped or cancelled.
func (e *Engine) shouldSkip(state *runState, step *Step, wf *Workflow) (string, bool) {
	state.mu.Lock()
	notTaken := state.notTaken[step.Name]
	state.mu.Unlock()
	if notTaken {
		return "choice branch not taken", true
	}
	for _, dep := range step.DependsOn {
		switch state.status(dep) {
		case StepStatusSkipped:
			return fmt.Sprintf("dependency %s skipped", dep), true
		case StepStatusCancelled:
			return fmt.Sprintf("dependency %s cancelled", dep), true
		}
	}
	return "", false
}

// decide records a terminal status for a step that will not run.
func (e *Engine) decide(ctx context.Context, state *runState, step *Step, order int, status StepStatus, reason string) {
	state.set(step.Name, status, reason)
	if e.steps != nil {
		if err := e.steps.RecordSkipped(ctx, state.runID, step.Name, step.Type, order, status, reason); err != nil {
			e.logger.Warn("failed to persist step state", log.Error(err))
		}
	}
	e.emit("step.skipped", map[string]any{
		"run_id": state.runID, "step": step.Name,
		"status": string(status), "reason": reason,
	})
}

// executeStep runs one step end to end: persistence, dispatch by type,
// result application.
func (e *Engine) executeStep(ctx context.Context, wf *Workflow, state *runState, step *Step, order int, logger *slog.Logger) StepResult {
	snapshot := state.snapshot()
	started := time.Now().UTC()

	var stepID string
	if e.steps != nil {
		var err error
		stepID, err = e.steps.Start(ctx, snapshot.RunID, step.Name, step.Type, order)
		if err != nil {
			logger.Warn("failed to persist step start", log.Error(err))
		}
	}
	state.set(step.Name, StepStatusRunning, "")
	e.emit("step.started", map[string]any{"run_id": snapshot.RunID, "step": step.Name})

	var result StepResult
	if resumed, ok := state.resumed[step.Name]; ok {
		result = resumed
		logger.Info("step resumed from prior run", slog.String(log.StepKey, step.Name))
	} else {
		result = e.runStep(ctx, wf, state, step, snapshot)
	}

	status := StepStatusCompleted
	switch {
	case result.Success:
		state.apply(step.Name, result)
	case ctx.Err() != nil && result.ErrorCategory == spineerrors.CategoryTimeout:
		status = StepStatusCancelled
	default:
		status = StepStatusFailed
	}
	state.set(step.Name, status, result.Error)

	if e.steps != nil && stepID != "" {
		if err := e.steps.Finish(ctx, stepID, status, started, result); err != nil {
			logger.Warn("failed to persist step finish", log.Error(err))
		}
	}

	event := "step.completed"
	if status != StepStatusCompleted {
		event = "step.failed"
	}
	e.emit(event, map[string]any{
		"run_id": snapshot.RunID, "step": step.Name,
		"status": string(status), "duration_ms": time.Since(started).Milliseconds(),
	})

	logger.Info("step finished",
		slog.String(log.StepKey, step.Name),
		slog.String("status", string(status)),
		slog.Int64(log.DurationKey, time.Since(started).Milliseconds()))
	return result
}

// runStep dispatches on the step type.
func (e *Engine) runStep(ctx context.Context, wf *Workflow, state *runState, step *Step, snapshot *Context) StepResult {
	switch step.Type {
	case StepLambda:
		return e.runLambda(ctx, step, snapshot)
	case StepPipeline:
		return e.runPipeline(ctx, step, snapshot)
	case StepChoice:
		return e.runChoice(wf, state, step, snapshot)
	case StepWait:
		return e.runWait(ctx, step)
	case StepMap:
		return e.runMap(ctx, wf, step, snapshot)
	default:
		return Fail(fmt.Sprintf("unknown step type %q", step.Type), spineerrors.CategoryValidation)
	}
}

func (e *Engine) runLambda(ctx context.Context, step *Step, snapshot *Context) (result StepResult) {
	fn, err := e.funcs.Lambda(step.HandlerRef)
	if err != nil {
		return FailFromError(err)
	}
	defer func() {
		if rec := recover(); rec != nil {
			result = Fail(fmt.Sprintf("lambda %s panicked: %v", step.HandlerRef, rec), spineerrors.CategoryInternal)
		}
	}()
	return fn(ctx, snapshot, step.Config)
}

func (e *Engine) runPipeline(ctx context.Context, step *Step, snapshot *Context) StepResult {
	if e.runner == nil {
		return Fail("no runner configured for pipeline steps", spineerrors.CategoryConfiguration)
	}

	params := make(map[string]any, len(snapshot.Params)+len(step.Config))
	for k, v := range snapshot.Params {
		params[k] = v
	}
	for k, v := range step.Config {
		params[k] = v
	}

	run := e.runner.SubmitPipelineSync(ctx, step.PipelineName, params, snapshot.RunID)
	if !run.Success {
		category := run.Category
		if category == "" {
			category = spineerrors.CategoryInternal
		}
		return Fail(run.Error, category)
	}
	return OK(run.Output)
}

// runChoice evaluates the condition and marks the untaken branch.
func (e *Engine) runChoice(wf *Workflow, state *runState, step *Step, snapshot *Context) StepResult {
	cond, err := e.funcs.Condition(step.ConditionRef)
	if err != nil {
		return FailFromError(err)
	}
	taken, err := cond(snapshot)
	if err != nil {
		return Fail(fmt.Sprintf("condition %s failed: %v", step.ConditionRef, err), spineerrors.CategoryInternal)
	}

	var next, skipped string
	if taken {
		next, skipped = step.ThenStep, step.ElseStep
	} else {
		next, skipped = step.ElseStep, step.ThenStep
	}
	if skipped != "" {
		state.mu.Lock()
		state.notTaken[skipped] = true
		state.mu.Unlock()
	}

	result := OK(map[string]any{"taken": taken})
	result.NextStep = next
	return result
}

func (e *Engine) runWait(ctx context.Context, step *Step) StepResult {
	d := time.Duration(step.DurationSeconds * float64(time.Second))
	select {
	case <-time.After(d):
		return OK(map[string]any{"waited_seconds": step.DurationSeconds})
	case <-ctx.Done():
		return Fail("wait interrupted by cancellation", spineerrors.CategoryTimeout)
	}
}

// runMap fans the body lambda over the items sequence, sequentially or
// bounded-parallel per the workflow's execution mode. Per-item failures
// follow OnFailure: STOP fails the step at the first failed item,
// CONTINUE attempts all items and fails only when every item failed.
func (e *Engine) runMap(ctx context.Context, wf *Workflow, step *Step, snapshot *Context) StepResult {
	itemsFn, err := e.funcs.Items(step.ItemsRef)
	if err != nil {
		return FailFromError(err)
	}
	body, err := e.funcs.Lambda(step.BodyRef)
	if err != nil {
		return FailFromError(err)
	}
	items, err := itemsFn(snapshot)
	if err != nil {
		return Fail(fmt.Sprintf("items %s failed: %v", step.ItemsRef, err), spineerrors.CategoryInternal)
	}

	results := make([]map[string]any, len(items))
	errs := make([]string, len(items))

	runOne := func(ctx context.Context, i int) bool {
		config := make(map[string]any, len(step.Config)+2)
		for k, v := range step.Config {
			config[k] = v
		}
		config["item"] = items[i]
		config["index"] = i

		r := body(ctx, snapshot, config)
		if r.Success {
			results[i] = r.Output
			return true
		}
		errs[i] = r.Error
		return false
	}

	failures := 0
	if wf.Policy.Mode == ModeParallel && len(items) > 1 {
		sem := make(chan struct{}, e.maxParallel)
		var wg sync.WaitGroup
		var mu sync.Mutex
		mapCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		for i := range items {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-mapCtx.Done():
					mu.Lock()
					errs[i] = "cancelled"
					failures++
					mu.Unlock()
					return
				}
				if !runOne(mapCtx, i) {
					mu.Lock()
					failures++
					mu.Unlock()
					if wf.Policy.OnFailure == FailureStop {
						cancel()
					}
				}
			}(i)
		}
		wg.Wait()
	} else {
		for i := range items {
			if !runOne(ctx, i) {
				failures++
				if wf.Policy.OnFailure == FailureStop {
					break
				}
			}
		}
	}

	if failures > 0 && (wf.Policy.OnFailure == FailureStop || failures == len(items)) {
		return Fail(fmt.Sprintf("%d of %d map items failed", failures, len(items)), spineerrors.CategoryInternal)
	}

	out := map[string]any{
		"items":    anySlice(results),
		"count":    len(items),
		"failures": failures,
	}
	if failures > 0 {
		out["errors"] = anyStrings(errs)
	}
	return OK(out)
}

// summarize converts the run state into the terminal outcome.
func (e *Engine) summarize(ctx context.Context, wf *Workflow, state *runState) *Outcome {
	state.mu.Lock()
	defer state.mu.Unlock()

	outcome := &Outcome{
		StepStatuses: state.statuses,
		Context:      state.wctx,
		FailedSteps:  state.failed,
	}

	cancelled := 0
	executed := 0
	for _, status := range state.statuses {
		switch status {
		case StepStatusCancelled:
			cancelled++
		case StepStatusCompleted, StepStatusFailed:
			executed++
		}
	}

	switch {
	case ctx.Err() != nil && len(state.failed) == 0:
		outcome.Status = RunCancelled
		outcome.Error = "run cancelled"
	case len(state.failed) == 0:
		outcome.Status = RunCompleted
	case wf.Policy.OnFailure == FailureContinue && len(state.failed) < executed:
		outcome.Status = RunPartial
		outcome.Error = fmt.Sprintf("%d step(s) failed", len(state.failed))
	default:
		outcome.Status = RunFailed
		outcome.Error = fmt.Sprintf("step %s failed: %s", state.failed[0], state.reasons[state.failed[0]])
	}
	return outcome
}

func (e *Engine) emit(eventType string, payload map[string]any) {
	if e.sink != nil {
		e.sink(eventType, payload)
	}
}

func anySlice(in []map[string]any) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func anyStrings(in []string) []any {
	out := make([]any, 0, len(in))
	for _, v := range in {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
