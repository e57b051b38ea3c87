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

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// LambdaFunc is an in-process step implementation.
type LambdaFunc func(ctx context.Context, wctx *Context, config map[string]any) StepResult

// ConditionFunc decides a choice step's branch.
type ConditionFunc func(wctx *Context) (bool, error)

// ItemsFunc produces the finite item sequence for a map step.
type ItemsFunc func(wctx *Context) ([]any, error)

// RunResult is what a Runnable reports back for a dispatched pipeline.
type RunResult struct {
	Success     bool
	ExecutionID string
	Output      map[string]any
	Error       string
	Category    spineerrors.Category
}

// Runnable is the structural port the engine dispatches pipeline steps
// through. The dispatcher satisfies it; tests and external orchestrators
// can substitute their own.
type Runnable interface {
	// SubmitPipelineSync runs the named task to completion as a child of
	// parentRunID and reports the outcome.
	SubmitPipelineSync(ctx context.Context, name string, params map[string]any, parentRunID string) RunResult
}

// FuncRegistry resolves the lambda, condition, and items references named
// by step definitions. Condition and items refs fall back to compiled
// expressions over the context when no function is registered.
type FuncRegistry struct {
	mu         sync.RWMutex
	lambdas    map[string]LambdaFunc
	conditions map[string]ConditionFunc
	items      map[string]ItemsFunc
	programs   map[string]*vm.Program
}

// NewFuncRegistry creates an empty function registry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{
		lambdas:    make(map[string]LambdaFunc),
		conditions: make(map[string]ConditionFunc),
		items:      make(map[string]ItemsFunc),
		programs:   make(map[string]*vm.Program),
	}
}

// RegisterLambda binds a lambda implementation.
func (f *FuncRegistry) RegisterLambda(name string, fn LambdaFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lambdas[name] = fn
}

// RegisterCondition binds a condition implementation.
func (f *FuncRegistry) RegisterCondition(name string, fn ConditionFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conditions[name] = fn
}

// RegisterItems binds an items source.
func (f *FuncRegistry) RegisterItems(name string, fn ItemsFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[name] = fn
}

// Lambda resolves a lambda by name.
func (f *FuncRegistry) Lambda(name string) (LambdaFunc, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.lambdas[name]
	if !ok {
		return nil, spineerrors.NotFound("lambda", name)
	}
	return fn, nil
}

// Condition resolves a condition: a registered function, or ref compiled
// as an expression over {params, outputs, run_id}.
func (f *FuncRegistry) Condition(ref string) (ConditionFunc, error) {
	f.mu.RLock()
	fn, ok := f.conditions[ref]
	f.mu.RUnlock()
	if ok {
		return fn, nil
	}

	program, err := f.compile(ref)
	if err != nil {
		return nil, spineerrors.Wrap(spineerrors.CategoryValidation, err, "invalid condition expression %q", ref)
	}
	return func(wctx *Context) (bool, error) {
		out, err := expr.Run(program, wctx.ExprEnv())
		if err != nil {
			return false, err
		}
		return truthy(out), nil
	}, nil
}

// Items resolves an items source: a registered function, or ref compiled
// as an expression that must yield a slice.
func (f *FuncRegistry) Items(ref string) (ItemsFunc, error) {
	f.mu.RLock()
	fn, ok := f.items[ref]
	f.mu.RUnlock()
	if ok {
		return fn, nil
	}

	program, err := f.compile(ref)
	if err != nil {
		return nil, spineerrors.Wrap(spineerrors.CategoryValidation, err, "invalid items expression %q", ref)
	}
	return func(wctx *Context) ([]any, error) {
		out, err := expr.Run(program, wctx.ExprEnv())
		if err != nil {
			return nil, err
		}
		items, ok := out.([]any)
		if !ok {
			return nil, spineerrors.Validation("items expression %q did not yield a list", ref)
		}
		return items, nil
	}, nil
}

// compile caches compiled expressions by source.
func (f *FuncRegistry) compile(src string) (*vm.Program, error) {
	f.mu.RLock()
	program, ok := f.programs[src]
	f.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(src)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.programs[src] = program
	f.mu.Unlock()
	return program, nil
}

// truthy applies expression truthiness: false, nil, zero numbers, and
// empty strings are falsy.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}
