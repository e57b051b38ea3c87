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

// Package dispatcher turns work specifications into executions: it is the
// only way to start a run. It owns the submit path (idempotency, ledger
// writes, bus publishes), drives handlers through the configured
// executor, applies retry policy, and dead-letters exhausted failures.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ryansmccoy/spine-core/internal/bus"
	"github.com/ryansmccoy/spine-core/internal/dlq"
	"github.com/ryansmccoy/spine-core/internal/executor"
	"github.com/ryansmccoy/spine-core/internal/ledger"
	"github.com/ryansmccoy/spine-core/internal/log"
	"github.com/ryansmccoy/spine-core/internal/metrics"
	"github.com/ryansmccoy/spine-core/internal/resilience"
	"github.com/ryansmccoy/spine-core/internal/tracing"
	"github.com/ryansmccoy/spine-core/internal/workflow"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// Config configures a Dispatcher.
type Config struct {
	// Async drives runs on background goroutines; Submit returns after
	// the CREATED record. Synchronous mode drives the run to completion
	// in-line.
	Async bool

	// DefaultTimeout bounds each handler attempt when the WorkSpec has
	// no timeout. Zero means no bound.
	DefaultTimeout time.Duration

	// Retry is the retry policy applied to retryable failure categories.
	Retry resilience.RetryPolicy

	// Breaker configures the per-handler circuit breakers.
	Breaker resilience.BreakerConfig
}

// Dispatcher is the submission façade.
type Dispatcher struct {
	cfg       Config
	ledger    *ledger.Store
	bus       bus.Bus
	exec      executor.Executor
	dlq       *dlq.Store
	breakers  *resilience.BreakerRegistry
	workflows *workflow.Registry
	engine    *workflow.Engine
	logger    *slog.Logger

	wg sync.WaitGroup
}

// New creates a dispatcher. workflows and engine may be nil when workflow
// submission is not needed.
func New(cfg Config, led *ledger.Store, eventBus bus.Bus, exec executor.Executor, dlqStore *dlq.Store, workflows *workflow.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryPolicy()
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = resilience.DefaultBreakerConfig()
	}
	return &Dispatcher{
		cfg:       cfg,
		ledger:    led,
		bus:       eventBus,
		exec:      exec,
		dlq:       dlqStore,
		breakers:  resilience.NewBreakerRegistry(cfg.Breaker),
		workflows: workflows,
		logger:    log.WithComponent(logger, "dispatcher"),
	}
}

// SetEngine wires the workflow engine. Split from New because the engine
// needs the dispatcher as its Runnable.
func (d *Dispatcher) SetEngine(engine *workflow.Engine) {
	d.engine = engine
}

// SubmitOptions carry per-submission metadata.
type SubmitOptions struct {
	IdempotencyKey    string
	ParentExecutionID string
	CorrelationID     string
	Lane              string
	Trigger           ledger.TriggerSource
}

// Submit accepts a work spec and produces an execution. With an
// idempotency key, an existing non-failed holder of the key is returned
// without a new insert.
func (d *Dispatcher) Submit(ctx context.Context, spec executor.WorkSpec, opts SubmitOptions) (*ledger.Execution, error) {
	return d.submit(ctx, spec, opts, d.cfg.Async)
}

func (d *Dispatcher) submit(ctx context.Context, spec executor.WorkSpec, opts SubmitOptions, async bool) (*ledger.Execution, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if opts.IdempotencyKey != "" {
		existing, err := d.ledger.GetByIdempotencyKey(ctx, opts.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.Status != ledger.StatusFailed && existing.Status != ledger.StatusDLQ {
				return existing, nil
			}
			// A failed holder releases the key so the resubmission gets a
			// fresh row; the unique index stays authoritative for races.
			if err := d.ledger.ReleaseIdempotencyKey(ctx, existing.ID); err != nil {
				return nil, err
			}
		}
	}

	ex := &ledger.Execution{
		Workflow:          spec.Name,
		Params:            spec.Params,
		Lane:              opts.Lane,
		TriggerSource:     opts.Trigger,
		ParentExecutionID: opts.ParentExecutionID,
		CorrelationID:     opts.CorrelationID,
		IdempotencyKey:    opts.IdempotencyKey,
	}
	if err := d.ledger.Create(ctx, ex); err != nil {
		if spineerrors.IsCategory(err, spineerrors.CategoryConflict) && opts.IdempotencyKey != "" {
			// Concurrent submit won the insert; return the winner.
			if winner, werr := d.ledger.GetByIdempotencyKey(ctx, opts.IdempotencyKey); werr == nil && winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}

	metrics.RunsSubmitted.WithLabelValues(spec.Name, string(ex.TriggerSource)).Inc()
	d.publish("run.submitted", map[string]any{
		"run_id":   ex.ID,
		"workflow": ex.Workflow,
		"kind":     string(spec.Kind),
		"lane":     ex.Lane,
	}, ex.CorrelationID)

	if async {
		if err := d.ledger.UpdateStatus(ctx, ex.ID, ledger.StatusQueued, nil, ""); err != nil {
			return nil, err
		}
		ex.Status = ledger.StatusQueued
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.drive(context.WithoutCancel(ctx), spec, ex.ID)
		}()
		return ex, nil
	}

	if err := d.drive(ctx, spec, ex.ID); err != nil {
		final, gerr := d.ledger.Get(ctx, ex.ID)
		if gerr != nil {
			return ex, err
		}
		return final, err
	}
	return d.ledger.Get(ctx, ex.ID)
}

// drive runs the execution to a terminal state: workflow runs go through
// the engine, everything else through the executor with retry policy.
func (d *Dispatcher) drive(ctx context.Context, spec executor.WorkSpec, runID string) error {
	ctx, span := tracing.StartRunSpan(ctx, runID, spec.Name)
	defer span.End()

	started := time.Now()
	var err error
	if spec.Kind == executor.KindWorkflow {
		err = d.driveWorkflow(ctx, spec, runID)
	} else {
		err = d.driveHandler(ctx, spec, runID)
	}

	if final, gerr := d.ledger.Get(ctx, runID); gerr == nil {
		metrics.ObserveRun(spec.Name, string(final.Status), time.Since(started))
	}
	return err
}

// driveHandler runs a task/operation handler under the breaker and retry
// policy.
func (d *Dispatcher) driveHandler(ctx context.Context, spec executor.WorkSpec, runID string) error {
	logger := log.WithRunContext(d.logger, runID, spec.Name)
	breaker := d.breakers.Get(string(spec.Kind) + ":" + spec.Name)
	policy := d.cfg.Retry

	for attempt := 0; ; attempt++ {
		if !breaker.AllowRequest() {
			cerr := spineerrors.CircuitOpen(breaker.Name())
			if uerr := d.ledger.UpdateStatus(ctx, runID, ledger.StatusFailed, nil, cerr.Error()); uerr != nil {
				return uerr
			}
			d.publish("run.failed", map[string]any{"run_id": runID, "error": cerr.Error()}, "")
			return cerr
		}

		if err := d.ledger.UpdateStatus(ctx, runID, ledger.StatusRunning, nil, ""); err != nil {
			return err
		}

		result, err := d.runAttempt(ctx, spec, runID)
		if err == nil {
			breaker.RecordSuccess()
			if uerr := d.ledger.UpdateStatus(ctx, runID, ledger.StatusCompleted, result, ""); uerr != nil {
				return uerr
			}
			d.publish("run.completed", map[string]any{"run_id": runID, "workflow": spec.Name}, "")
			return nil
		}

		breaker.RecordFailure()
		typed := spineerrors.AsTyped(err)
		if uerr := d.ledger.UpdateStatus(ctx, runID, ledger.StatusFailed, nil, typed.Error()); uerr != nil {
			return uerr
		}
		d.publish("run.failed", map[string]any{
			"run_id": runID, "workflow": spec.Name,
			"error": typed.Error(), "category": string(typed.Category),
		}, "")

		retryable := policy.RetryIf != nil && policy.RetryIf(typed) ||
			policy.RetryIf == nil && spineerrors.Retryable(typed)
		if !retryable || attempt >= policy.MaxAttempts-1 {
			return d.deadLetter(ctx, spec, runID, typed, attempt)
		}

		if _, err := d.ledger.IncrementRetry(ctx, runID); err != nil {
			return err
		}
		if err := d.ledger.UpdateStatus(ctx, runID, ledger.StatusRetried, nil, ""); err != nil {
			return err
		}
		logger.Info("retrying execution",
			slog.Int("attempt", attempt+1), slog.String("category", string(typed.Category)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Backoff(attempt)):
		}
	}
}

// runAttempt submits one attempt to the executor and waits for a terminal
// state, bounding the wait by the spec or default timeout.
func (d *Dispatcher) runAttempt(ctx context.Context, spec executor.WorkSpec, runID string) (map[string]any, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}

	ref, err := d.exec.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := d.ledger.SetExecutorRef(ctx, runID, ref); err != nil {
		d.logger.Warn("failed to record executor ref", log.Error(err))
	}

	status, werr := d.exec.Wait(ctx, ref, timeout)
	if werr != nil && spineerrors.IsCategory(werr, spineerrors.CategoryTimeout) {
		_ = d.exec.Cancel(ref)
		return nil, werr
	}

	switch status {
	case executor.StatusCompleted:
		result, _ := d.exec.Result(ref)
		return result, nil
	case executor.StatusCancelled:
		return nil, spineerrors.New(spineerrors.CategoryInternal, "execution cancelled by executor")
	default:
		if err := d.exec.Err(ref); err != nil {
			return nil, err
		}
		if werr != nil {
			return nil, werr
		}
		return nil, spineerrors.Internal("executor reported status %s without error", status)
	}
}

// deadLetter records the exhausted failure and moves the run to DLQ.
func (d *Dispatcher) deadLetter(ctx context.Context, spec executor.WorkSpec, runID string, cause *spineerrors.Error, attempts int) error {
	if d.dlq != nil {
		if _, err := d.dlq.Add(ctx, runID, spec.Name, spec.Params, cause.Error(), attempts); err != nil {
			d.logger.Error("failed to dead-letter execution", log.Error(err))
		} else {
			metrics.DeadLetters.WithLabelValues(spec.Name).Inc()
			if err := d.ledger.UpdateStatus(ctx, runID, ledger.StatusDLQ, nil, cause.Error()); err != nil {
				d.logger.Warn("failed to mark execution dead-lettered", log.Error(err))
			}
			d.publish("run.dead_lettered", map[string]any{
				"run_id": runID, "workflow": spec.Name, "error": cause.Error(),
			}, "")
		}
	}
	return cause
}

// driveWorkflow hands a workflow run to the engine and records the
// outcome on the root execution.
func (d *Dispatcher) driveWorkflow(ctx context.Context, spec executor.WorkSpec, runID string) error {
	if d.workflows == nil || d.engine == nil {
		err := spineerrors.New(spineerrors.CategoryConfiguration, "workflow engine not configured")
		_ = d.ledger.UpdateStatus(ctx, runID, ledger.StatusFailed, nil, err.Error())
		return err
	}

	wf, err := d.workflows.Get(spec.Name)
	if err != nil {
		_ = d.ledger.UpdateStatus(ctx, runID, ledger.StatusFailed, nil, err.Error())
		return err
	}

	if err := d.ledger.UpdateStatus(ctx, runID, ledger.StatusRunning, nil, ""); err != nil {
		return err
	}

	outcome, err := d.engine.Execute(ctx, wf, workflow.RunOptions{
		RunID:  runID,
		Params: spec.Params,
	})
	if err != nil {
		_ = d.ledger.UpdateStatus(ctx, runID, ledger.StatusFailed, nil, err.Error())
		return err
	}

	result := map[string]any{
		"workflow_status": string(outcome.Status),
		"outputs":         outcome.Context.Outputs,
	}
	switch outcome.Status {
	case workflow.RunCompleted, workflow.RunPartial:
		if err := d.ledger.UpdateStatus(ctx, runID, ledger.StatusCompleted, result, outcome.Error); err != nil {
			return err
		}
		d.publish("run.completed", map[string]any{"run_id": runID, "workflow": spec.Name}, "")
		return nil
	case workflow.RunCancelled:
		if err := d.ledger.UpdateStatus(ctx, runID, ledger.StatusCancelled, result, outcome.Error); err != nil {
			return err
		}
		d.publish("run.cancelled", map[string]any{"run_id": runID, "workflow": spec.Name}, "")
		return nil
	default:
		if err := d.ledger.UpdateStatus(ctx, runID, ledger.StatusFailed, result, outcome.Error); err != nil {
			return err
		}
		d.publish("run.failed", map[string]any{
			"run_id": runID, "workflow": spec.Name, "error": outcome.Error,
		}, "")
		return spineerrors.New(spineerrors.CategoryInternal, "workflow %s failed: %s", spec.Name, outcome.Error)
	}
}

// SubmitWorkflow looks up the named definition and submits a workflow
// run.
func (d *Dispatcher) SubmitWorkflow(ctx context.Context, name string, params map[string]any, opts SubmitOptions) (*ledger.Execution, error) {
	if d.workflows == nil {
		return nil, spineerrors.New(spineerrors.CategoryConfiguration, "workflow engine not configured")
	}
	if _, err := d.workflows.Get(name); err != nil {
		return nil, err
	}
	return d.Submit(ctx, executor.WorkSpec{
		Kind:   executor.KindWorkflow,
		Name:   name,
		Params: params,
	}, opts)
}

// SubmitPipelineSync implements workflow.Runnable: pipeline steps submit
// child executions through the dispatcher synchronously.
func (d *Dispatcher) SubmitPipelineSync(ctx context.Context, name string, params map[string]any, parentRunID string) workflow.RunResult {
	spec := executor.WorkSpec{Kind: executor.KindTask, Name: name, Params: params}

	// Force synchronous drive regardless of dispatcher mode: the step
	// result is the child's result.
	ex, err := d.submit(ctx, spec, SubmitOptions{
		ParentExecutionID: parentRunID,
		Trigger:           ledger.TriggerManual,
	}, false)
	if err != nil {
		typed := spineerrors.AsTyped(err)
		result := workflow.RunResult{Error: typed.Error(), Category: typed.Category}
		if ex != nil {
			result.ExecutionID = ex.ID
		}
		return result
	}
	return workflow.RunResult{
		Success:     ex.Status == ledger.StatusCompleted,
		ExecutionID: ex.ID,
		Output:      ex.Result,
		Error:       ex.Error,
	}
}

// Get returns an execution.
func (d *Dispatcher) Get(ctx context.Context, id string) (*ledger.Execution, error) {
	return d.ledger.Get(ctx, id)
}

// List returns executions matching the filter.
func (d *Dispatcher) List(ctx context.Context, f ledger.Filter) ([]*ledger.Execution, error) {
	return d.ledger.List(ctx, f)
}

// Count returns the number of executions matching the filter.
func (d *Dispatcher) Count(ctx context.Context, f ledger.Filter) (int, error) {
	return d.ledger.Count(ctx, f)
}

// Stats returns run counts grouped by status.
func (d *Dispatcher) Stats(ctx context.Context) (map[string]int, error) {
	return d.ledger.Stats(ctx)
}

// Events returns an execution's event log, optionally after a sequence
// number.
func (d *Dispatcher) Events(ctx context.Context, id string, since int64) ([]*ledger.Event, error) {
	if since > 0 {
		return d.ledger.ListEventsSince(ctx, id, since)
	}
	return d.ledger.ListEvents(ctx, id)
}

// Cancel cancels a non-terminal execution. Idempotent: terminal runs are
// left untouched.
func (d *Dispatcher) Cancel(ctx context.Context, id, reason string) error {
	ex, err := d.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	if ex.Status.Terminal() || ex.Status == ledger.StatusFailed {
		return nil
	}
	if err := d.ledger.UpdateStatus(ctx, id, ledger.StatusCancelled, nil, reason); err != nil {
		return err
	}
	if ex.ExecutorRef != "" {
		if err := d.exec.Cancel(ex.ExecutorRef); err != nil {
			d.logger.Warn("executor cancel failed", log.Error(err))
		}
	}
	d.publish("run.cancelled", map[string]any{"run_id": id, "reason": reason}, "")
	return nil
}

// RetryDeadLetter resubmits a dead-lettered execution. The new run
// carries trigger RETRY and the dead execution as its parent.
func (d *Dispatcher) RetryDeadLetter(ctx context.Context, dlqID string) (*ledger.Execution, error) {
	if d.dlq == nil {
		return nil, spineerrors.New(spineerrors.CategoryConfiguration, "dead letter queue not configured")
	}
	entry, err := d.dlq.PrepareRetry(ctx, dlqID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, spineerrors.Conflict("dead letter %s cannot be retried", dlqID)
	}
	return d.Submit(ctx, executor.WorkSpec{
		Kind:   executor.KindTask,
		Name:   entry.Workflow,
		Params: entry.Params,
	}, SubmitOptions{
		ParentExecutionID: entry.ExecutionID,
		Trigger:           ledger.TriggerRetry,
	})
}

// Drain waits for asynchronous runs to finish.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}

// BreakerStates exposes breaker states for capability reporting.
func (d *Dispatcher) BreakerStates() map[string]resilience.BreakerState {
	return d.breakers.States()
}

func (d *Dispatcher) publish(eventType string, payload map[string]any, correlationID string) {
	if d.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "dispatcher", payload)
	ev.CorrelationID = correlationID
	if err := d.bus.Publish(context.Background(), ev); err != nil {
		d.logger.Warn("event publish failed", log.Error(err))
	}
}
