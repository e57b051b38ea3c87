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

// Context is the immutable per-run workflow context. Steps receive the
// context as of their scheduling point; applying a StepResult produces a
// new value, never a mutation. Params hold the effective parameters
// (defaults merged with submitted params); Outputs map step names to their
// recorded output.
type Context struct {
	RunID         string
	CorrelationID string
	Params        map[string]any
	Outputs       map[string]map[string]any
}

// NewContext builds the initial context for a run, merging submitted
// params over the workflow defaults.
func NewContext(runID, correlationID string, defaults, params map[string]any) *Context {
	merged := make(map[string]any, len(defaults)+len(params))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return &Context{
		RunID:         runID,
		CorrelationID: correlationID,
		Params:        merged,
		Outputs:       map[string]map[string]any{},
	}
}

// Apply records a step's output and context updates, returning a new
// context. The receiver is unchanged.
func (c *Context) Apply(stepName string, result StepResult) *Context {
	next := c.clone()
	if result.Output != nil {
		next.Outputs[stepName] = result.Output
	}
	for k, v := range result.ContextUpdates {
		next.Params[k] = v
	}
	return next
}

// Output returns a step's recorded output.
func (c *Context) Output(stepName string) (map[string]any, bool) {
	out, ok := c.Outputs[stepName]
	return out, ok
}

// Param returns a parameter value.
func (c *Context) Param(key string) (any, bool) {
	v, ok := c.Params[key]
	return v, ok
}

// ExprEnv returns the environment exposed to expression-based conditions
// and item sources.
func (c *Context) ExprEnv() map[string]any {
	outputs := make(map[string]any, len(c.Outputs))
	for k, v := range c.Outputs {
		outputs[k] = v
	}
	return map[string]any{
		"run_id":  c.RunID,
		"params":  c.Params,
		"outputs": outputs,
	}
}

// clone copies the context one level deep: the maps are fresh, the values
// are shared. Steps treat values as read-only.
func (c *Context) clone() *Context {
	params := make(map[string]any, len(c.Params))
	for k, v := range c.Params {
		params[k] = v
	}
	outputs := make(map[string]map[string]any, len(c.Outputs))
	for k, v := range c.Outputs {
		outputs[k] = v
	}
	return &Context{
		RunID:         c.RunID,
		CorrelationID: c.CorrelationID,
		Params:        params,
		Outputs:       outputs,
	}
}
