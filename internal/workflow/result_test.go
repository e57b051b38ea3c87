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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

func TestStepResultFactories(t *testing.T) {
	ok := OK(map[string]any{"rows": 10})
	assert.True(t, ok.Success)
	assert.Equal(t, 10, ok.Output["rows"])

	fail := Fail("bad week", spineerrors.CategoryDataQuality)
	assert.False(t, fail.Success)
	assert.Equal(t, spineerrors.CategoryDataQuality, fail.ErrorCategory)

	// Empty message and category get defaults.
	blank := Fail("", "")
	assert.Equal(t, "step failed without error message", blank.Error)
	assert.Equal(t, spineerrors.CategoryInternal, blank.ErrorCategory)

	skip := Skip("already processed")
	assert.True(t, skip.Success)
	assert.True(t, skip.Skipped)
	assert.Equal(t, true, skip.Output["skipped"])
}

func TestStepResultRetryable(t *testing.T) {
	assert.True(t, Fail("x", spineerrors.CategoryTransient).Retryable())
	assert.False(t, Fail("x", spineerrors.CategoryValidation).Retryable())
	assert.False(t, OK(nil).Retryable())
}

func TestStepResultRoundTrip(t *testing.T) {
	original := StepResult{
		Success:        true,
		Output:         map[string]any{"count": 3},
		ContextUpdates: map[string]any{"week": "2024-W03"},
		Quality: &QualityMetrics{
			RecordCount:    100,
			ValidCount:     95,
			InvalidCount:   5,
			Passed:         true,
			FailureReasons: []string{"minor"},
		},
		Events:   []map[string]any{{"event": "loaded"}},
		NextStep: "transform",
	}

	restored := ResultFromMap(original.ToMap())
	assert.Equal(t, original.Success, restored.Success)
	assert.Equal(t, original.Output, restored.Output)
	assert.Equal(t, original.ContextUpdates, restored.ContextUpdates)
	assert.Equal(t, original.NextStep, restored.NextStep)
	require.NotNil(t, restored.Quality)
	assert.Equal(t, 100, restored.Quality.RecordCount)
	assert.Equal(t, 95, restored.Quality.ValidCount)
	assert.Equal(t, []string{"minor"}, restored.Quality.FailureReasons)
	require.Len(t, restored.Events, 1)

	failed := Fail("no data", spineerrors.CategorySource)
	restoredFail := ResultFromMap(failed.ToMap())
	assert.False(t, restoredFail.Success)
	assert.Equal(t, "no data", restoredFail.Error)
	assert.Equal(t, spineerrors.CategorySource, restoredFail.ErrorCategory)
}

func TestQualityMetricsValidRate(t *testing.T) {
	q := QualityMetrics{RecordCount: 200, ValidCount: 150}
	assert.InDelta(t, 0.75, q.ValidRate(), 1e-9)
	assert.Zero(t, QualityMetrics{}.ValidRate())
}

func TestContextApplyIsImmutable(t *testing.T) {
	base := NewContext("run-1", "", map[string]any{"a": 1}, map[string]any{"b": 2})
	next := base.Apply("extract", OKWithUpdates(
		map[string]any{"count": 5},
		map[string]any{"b": 3, "c": 4},
	))

	// The original context is untouched.
	assert.Equal(t, 2, base.Params["b"])
	_, ok := base.Output("extract")
	assert.False(t, ok)

	// The new context carries the output and the merged updates.
	out, ok := next.Output("extract")
	require.True(t, ok)
	assert.Equal(t, 5, out["count"])
	assert.Equal(t, 3, next.Params["b"])
	assert.Equal(t, 4, next.Params["c"])
	assert.Equal(t, 1, next.Params["a"], "defaults survive")
}

func TestContextMergesDefaultsUnderParams(t *testing.T) {
	ctx := NewContext("r", "", map[string]any{"x": "default", "y": 1}, map[string]any{"x": "override"})
	assert.Equal(t, "override", ctx.Params["x"])
	assert.Equal(t, 1, ctx.Params["y"])

	env := ctx.ExprEnv()
	assert.Equal(t, "r", env["run_id"])
	assert.NotNil(t, env["params"])
	assert.NotNil(t, env["outputs"])
}
