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

// Package workflow implements the multi-step workflow engine: versioned
// definitions, the immutable per-run context, step execution, and
// dependency scheduling.
package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// StepType enumerates the step kinds.
type StepType string

const (
	StepPipeline StepType = "PIPELINE"
	StepLambda   StepType = "LAMBDA"
	StepChoice   StepType = "CHOICE"
	StepWait     StepType = "WAIT"
	StepMap      StepType = "MAP"
)

// ExecutionMode selects sequential or parallel step scheduling.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "SEQUENTIAL"
	ModeParallel   ExecutionMode = "PARALLEL"
)

// OnFailure selects the failure policy for a workflow.
type OnFailure string

const (
	FailureStop     OnFailure = "STOP"
	FailureContinue OnFailure = "CONTINUE"
)

// ExecutionPolicy controls how a workflow's steps are scheduled and how
// failures propagate.
type ExecutionPolicy struct {
	Mode           ExecutionMode `yaml:"mode" json:"mode"`
	OnFailure      OnFailure     `yaml:"on_failure" json:"on_failure"`
	TimeoutSeconds int           `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Step is one node of a workflow graph. The type-dependent fields follow
// StepType; construction validates the combination.
type Step struct {
	Name     string   `yaml:"name" json:"name"`
	Type     StepType `yaml:"type" json:"type"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Config   map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// PIPELINE
	PipelineName string `yaml:"pipeline_name,omitempty" json:"pipeline_name,omitempty"`

	// LAMBDA
	HandlerRef string `yaml:"handler_ref,omitempty" json:"handler_ref,omitempty"`

	// CHOICE
	ConditionRef string `yaml:"condition_ref,omitempty" json:"condition_ref,omitempty"`
	ThenStep     string `yaml:"then_step,omitempty" json:"then_step,omitempty"`
	ElseStep     string `yaml:"else_step,omitempty" json:"else_step,omitempty"`

	// WAIT
	DurationSeconds float64 `yaml:"duration_seconds,omitempty" json:"duration_seconds,omitempty"`

	// MAP
	ItemsRef string `yaml:"items_ref,omitempty" json:"items_ref,omitempty"`
	BodyRef  string `yaml:"body_ref,omitempty" json:"body_ref,omitempty"`
}

// Workflow is an immutable, versioned definition. Publish a new version as
// a new value; instances never mutate a definition.
type Workflow struct {
	Name        string         `yaml:"name" json:"name"`
	Domain      string         `yaml:"domain,omitempty" json:"domain,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Version     int            `yaml:"version" json:"version"`
	Defaults    map[string]any `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Tags        []string       `yaml:"tags,omitempty" json:"tags,omitempty"`
	Steps       []Step         `yaml:"steps" json:"steps"`
	Policy      ExecutionPolicy `yaml:"execution_policy" json:"execution_policy"`
}

// New constructs and validates a workflow definition.
func New(name string, steps []Step, opts ...Option) (*Workflow, error) {
	wf := &Workflow{
		Name:    name,
		Version: 1,
		Steps:   steps,
		Policy:  ExecutionPolicy{Mode: ModeSequential, OnFailure: FailureStop},
	}
	for _, opt := range opts {
		opt(wf)
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

// Option customizes a workflow under construction.
type Option func(*Workflow)

// WithDomain sets the workflow domain.
func WithDomain(domain string) Option {
	return func(w *Workflow) { w.Domain = domain }
}

// WithDescription sets the description.
func WithDescription(desc string) Option {
	return func(w *Workflow) { w.Description = desc }
}

// WithVersion sets the published version.
func WithVersion(v int) Option {
	return func(w *Workflow) { w.Version = v }
}

// WithDefaults sets default parameters merged under submitted params.
func WithDefaults(defaults map[string]any) Option {
	return func(w *Workflow) { w.Defaults = defaults }
}

// WithTags sets the workflow tags.
func WithTags(tags ...string) Option {
	return func(w *Workflow) { w.Tags = tags }
}

// WithPolicy sets the execution policy.
func WithPolicy(p ExecutionPolicy) Option {
	return func(w *Workflow) { w.Policy = p }
}

// Validate enforces the construction invariants: non-empty unique step
// names, resolvable choice targets and dependencies, no self-dependency,
// no dependency cycles, and per-type required fields.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return spineerrors.Validation("workflow requires a name")
	}
	if len(w.Steps) == 0 {
		return spineerrors.Validation("workflow %q must have at least one step", w.Name)
	}

	names := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.Name == "" {
			return spineerrors.Validation("workflow %q has a step without a name", w.Name)
		}
		if names[s.Name] {
			return spineerrors.Validation("duplicate step name: %s", s.Name)
		}
		names[s.Name] = true
	}

	for _, s := range w.Steps {
		if err := validateStep(s, names); err != nil {
			return err
		}
	}

	return w.checkCycles()
}

func validateStep(s Step, names map[string]bool) error {
	switch s.Type {
	case StepPipeline:
		if s.PipelineName == "" {
			return spineerrors.Validation("step %s: pipeline steps require pipeline_name", s.Name)
		}
	case StepLambda:
		if s.HandlerRef == "" {
			return spineerrors.Validation("step %s: lambda steps require handler_ref", s.Name)
		}
	case StepChoice:
		if s.ConditionRef == "" {
			return spineerrors.Validation("step %s: choice steps require condition_ref", s.Name)
		}
		if s.ThenStep == "" {
			return spineerrors.Validation("step %s: choice steps require then_step", s.Name)
		}
		if !names[s.ThenStep] {
			return spineerrors.Validation("step %s: then_step references unknown step %q", s.Name, s.ThenStep)
		}
		if s.ElseStep != "" && !names[s.ElseStep] {
			return spineerrors.Validation("step %s: else_step references unknown step %q", s.Name, s.ElseStep)
		}
	case StepWait:
		if s.DurationSeconds <= 0 {
			return spineerrors.Validation("step %s: wait steps require a positive duration_seconds", s.Name)
		}
	case StepMap:
		if s.ItemsRef == "" || s.BodyRef == "" {
			return spineerrors.Validation("step %s: map steps require items_ref and body_ref", s.Name)
		}
	default:
		return spineerrors.Validation("step %s: unknown step type %q", s.Name, s.Type)
	}

	for _, dep := range s.DependsOn {
		if dep == s.Name {
			return spineerrors.Validation("step %s depends on itself", s.Name)
		}
		if !names[dep] {
			return spineerrors.Validation("step %s depends on unknown step %q", s.Name, dep)
		}
	}
	return nil
}

// checkCycles rejects dependency cycles via recursive DFS.
func (w *Workflow) checkCycles() error {
	deps := make(map[string][]string, len(w.Steps))
	for _, s := range w.Steps {
		deps[s.Name] = s.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))

	var visit func(string) error
	visit = func(name string) error {
		color[name] = gray
		for _, dep := range deps[name] {
			switch color[dep] {
			case gray:
				return spineerrors.Validation("dependency cycle through step %q", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for _, s := range w.Steps {
		if color[s.Name] == white {
			if err := visit(s.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Step returns the step with the given name.
func (w *Workflow) Step(name string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// TopoOrder returns step names respecting depends_on, ties broken by
// declaration order. Validation has already rejected cycles.
func (w *Workflow) TopoOrder() []string {
	indegree := make(map[string]int, len(w.Steps))
	dependents := make(map[string][]string, len(w.Steps))
	for _, s := range w.Steps {
		indegree[s.Name] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var order []string
	done := make(map[string]bool, len(w.Steps))
	for len(order) < len(w.Steps) {
		progressed := false
		for _, s := range w.Steps {
			if done[s.Name] || indegree[s.Name] > 0 {
				continue
			}
			order = append(order, s.Name)
			done[s.Name] = true
			for _, d := range dependents[s.Name] {
				indegree[d]--
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return order
}

// ParseYAML parses and validates a YAML workflow definition.
func ParseYAML(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, spineerrors.Wrap(spineerrors.CategoryValidation, err, "failed to parse workflow definition")
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	if wf.Policy.Mode == "" {
		wf.Policy.Mode = ModeSequential
	}
	if wf.Policy.OnFailure == "" {
		wf.Policy.OnFailure = FailureStop
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ToYAML serializes the definition.
func (w *Workflow) ToYAML() ([]byte, error) {
	return yaml.Marshal(w)
}

// String implements fmt.Stringer.
func (w *Workflow) String() string {
	return fmt.Sprintf("workflow %s v%d (%d steps, %s/%s)",
		w.Name, w.Version, len(w.Steps), w.Policy.Mode, w.Policy.OnFailure)
}
