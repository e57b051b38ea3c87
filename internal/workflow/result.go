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
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// QualityMetrics summarizes the data quality observed by a step. Quality
// gates read it to decide pass/fail.
type QualityMetrics struct {
	RecordCount    int            `json:"record_count"`
	ValidCount     int            `json:"valid_count"`
	InvalidCount   int            `json:"invalid_count"`
	NullCount      int            `json:"null_count"`
	Passed         bool           `json:"passed"`
	CustomMetrics  map[string]any `json:"custom_metrics,omitempty"`
	FailureReasons []string       `json:"failure_reasons,omitempty"`
}

// ValidRate returns the fraction of valid records.
func (q QualityMetrics) ValidRate() float64 {
	if q.RecordCount == 0 {
		return 0
	}
	return float64(q.ValidCount) / float64(q.RecordCount)
}

// StepResult is the universal envelope returned by every step. Output is
// stored under the step name in the context's outputs; ContextUpdates
// merge into params for downstream steps.
type StepResult struct {
	Success        bool                 `json:"success"`
	Output         map[string]any       `json:"output,omitempty"`
	ContextUpdates map[string]any       `json:"context_updates,omitempty"`
	Error          string               `json:"error,omitempty"`
	ErrorCategory  spineerrors.Category `json:"error_category,omitempty"`
	Quality        *QualityMetrics      `json:"quality,omitempty"`
	Events         []map[string]any     `json:"events,omitempty"`
	NextStep       string               `json:"next_step,omitempty"`
	Skipped        bool                 `json:"skipped,omitempty"`
	SkipReason     string               `json:"skip_reason,omitempty"`
}

// OK creates a successful result.
func OK(output map[string]any) StepResult {
	if output == nil {
		output = map[string]any{}
	}
	return StepResult{Success: true, Output: output}
}

// OKWithUpdates creates a successful result carrying context updates.
func OKWithUpdates(output, updates map[string]any) StepResult {
	r := OK(output)
	r.ContextUpdates = updates
	return r
}

// Fail creates a failed result.
func Fail(errMsg string, category spineerrors.Category) StepResult {
	if errMsg == "" {
		errMsg = "step failed without error message"
	}
	if category == "" {
		category = spineerrors.CategoryInternal
	}
	return StepResult{Success: false, Error: errMsg, ErrorCategory: category}
}

// FailFromError creates a failed result from a typed error.
func FailFromError(err error) StepResult {
	return Fail(err.Error(), spineerrors.CategoryOf(err))
}

// Skip creates a skipped result: success with no work done.
func Skip(reason string) StepResult {
	return StepResult{
		Success:    true,
		Output:     map[string]any{"skipped": true, "skip_reason": reason},
		Skipped:    true,
		SkipReason: reason,
	}
}

// Retryable reports whether the failure category is retryable under the
// default policy.
func (r StepResult) Retryable() bool {
	return !r.Success && spineerrors.DefaultRetryable(r.ErrorCategory)
}

// ToMap serializes the result for checkpointing.
func (r StepResult) ToMap() map[string]any {
	out := map[string]any{
		"success": r.Success,
	}
	if r.Output != nil {
		out["output"] = r.Output
	}
	if r.ContextUpdates != nil {
		out["context_updates"] = r.ContextUpdates
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	if r.ErrorCategory != "" {
		out["error_category"] = string(r.ErrorCategory)
	}
	if r.Quality != nil {
		out["quality"] = map[string]any{
			"record_count":    r.Quality.RecordCount,
			"valid_count":     r.Quality.ValidCount,
			"invalid_count":   r.Quality.InvalidCount,
			"null_count":      r.Quality.NullCount,
			"passed":          r.Quality.Passed,
			"custom_metrics":  r.Quality.CustomMetrics,
			"failure_reasons": r.Quality.FailureReasons,
		}
	}
	if len(r.Events) > 0 {
		out["events"] = r.Events
	}
	if r.NextStep != "" {
		out["next_step"] = r.NextStep
	}
	if r.Skipped {
		out["skipped"] = true
		out["skip_reason"] = r.SkipReason
	}
	return out
}

// ResultFromMap deserializes a checkpointed result.
func ResultFromMap(m map[string]any) StepResult {
	r := StepResult{}
	if v, ok := m["success"].(bool); ok {
		r.Success = v
	}
	if v, ok := m["output"].(map[string]any); ok {
		r.Output = v
	}
	if v, ok := m["context_updates"].(map[string]any); ok {
		r.ContextUpdates = v
	}
	if v, ok := m["error"].(string); ok {
		r.Error = v
	}
	if v, ok := m["error_category"].(string); ok {
		r.ErrorCategory = spineerrors.Category(v)
	}
	if v, ok := m["quality"].(map[string]any); ok {
		q := &QualityMetrics{}
		if n, ok := toInt(v["record_count"]); ok {
			q.RecordCount = n
		}
		if n, ok := toInt(v["valid_count"]); ok {
			q.ValidCount = n
		}
		if n, ok := toInt(v["invalid_count"]); ok {
			q.InvalidCount = n
		}
		if n, ok := toInt(v["null_count"]); ok {
			q.NullCount = n
		}
		if b, ok := v["passed"].(bool); ok {
			q.Passed = b
		}
		if cm, ok := v["custom_metrics"].(map[string]any); ok {
			q.CustomMetrics = cm
		}
		switch fr := v["failure_reasons"].(type) {
		case []string:
			q.FailureReasons = append(q.FailureReasons, fr...)
		case []any:
			for _, f := range fr {
				if s, ok := f.(string); ok {
					q.FailureReasons = append(q.FailureReasons, s)
				}
			}
		}
		r.Quality = q
	}
	switch evs := m["events"].(type) {
	case []map[string]any:
		r.Events = append(r.Events, evs...)
	case []any:
		for _, e := range evs {
			if em, ok := e.(map[string]any); ok {
				r.Events = append(r.Events, em)
			}
		}
	}
	if v, ok := m["next_step"].(string); ok {
		r.NextStep = v
	}
	if v, ok := m["skipped"].(bool); ok {
		r.Skipped = v
	}
	if v, ok := m["skip_reason"].(string); ok {
		r.SkipReason = v
	}
	return r
}

// toInt normalizes JSON-decoded numbers.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
