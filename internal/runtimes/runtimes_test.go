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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

func TestRouterDefaultIsFirstRegistered(t *testing.T) {
	r := NewRouter()
	first := NewMock("first")
	second := NewMock("second")
	r.Register(first)
	r.Register(second)

	a, err := r.Route(ContainerJobSpec{Name: "j", Image: "img"})
	require.NoError(t, err)
	assert.Equal(t, "first", a.RuntimeName())
}

func TestRouterHonorsRuntimeHint(t *testing.T) {
	r := NewRouter()
	r.Register(NewMock("a"))
	r.Register(NewMock("b"))

	adapter, err := r.Route(ContainerJobSpec{Name: "j", Image: "img", Runtime: "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", adapter.RuntimeName())

	_, err = r.Route(ContainerJobSpec{Name: "j", Image: "img", Runtime: "missing"})
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryNotFound))
}

func TestRouterUnregisterAndSetDefault(t *testing.T) {
	r := NewRouter()
	r.Register(NewMock("a"))
	r.Register(NewMock("b"))

	require.NoError(t, r.SetDefault("b"))
	adapter, err := r.Route(ContainerJobSpec{Name: "j", Image: "img"})
	require.NoError(t, err)
	assert.Equal(t, "b", adapter.RuntimeName())

	r.Unregister("b")
	adapter, err = r.Route(ContainerJobSpec{Name: "j", Image: "img"})
	require.NoError(t, err)
	assert.Equal(t, "a", adapter.RuntimeName())

	r.Unregister("a")
	_, err = r.Route(ContainerJobSpec{Name: "j", Image: "img"})
	assert.True(t, spineerrors.IsCategory(spineerrors.AsTyped(err), spineerrors.CategoryRuntimeUnavailable))

	assert.Error(t, r.SetDefault("gone"))
}

func TestRouterHealthAll(t *testing.T) {
	r := NewRouter()
	healthy := NewMock("ok")
	sick := NewMock("sick")
	sick.Unhealthy = true
	r.Register(healthy)
	r.Register(sick)

	results := r.HealthAll(context.Background())
	require.Len(t, results, 2)
	assert.NoError(t, results["ok"])
	assert.Error(t, results["sick"])
}

func TestValidatorCollectsAllViolations(t *testing.T) {
	adapter := NewMock("limited")
	adapter.Caps = Capabilities{} // supports nothing
	adapter.Limits = Constraints{MaxEnvVarCount: 1, MaxTimeoutSecs: 60}

	spec := ContainerJobSpec{
		Name:  "job",
		Image: "img",
		Env:   map[string]string{"A": "1", "B": "2"},
		Resources: Resources{
			GPU: 1,
		},
		Volumes:        []Volume{{Name: "v", Source: "/s", MountPath: "/m"}},
		Sidecars:       []Container{{Name: "s", Image: "img"}},
		TimeoutSeconds: 120,
		MaxCostUSD:     -1,
	}

	verr := Validate(spec, adapter)
	require.NotNil(t, verr)
	assert.Equal(t, spineerrors.CategoryValidation, verr.Category)
	assert.False(t, verr.Retryable)

	// Every violation is reported, not just the first.
	assert.Contains(t, verr.Message, "GPU")
	assert.Contains(t, verr.Message, "volumes")
	assert.Contains(t, verr.Message, "sidecars")
	assert.Contains(t, verr.Message, "env var count")
	assert.Contains(t, verr.Message, "timeout")
	assert.Contains(t, verr.Message, "max_cost_usd")
}

func TestValidatorAcceptsValidSpec(t *testing.T) {
	adapter := NewMock("full")
	assert.Nil(t, Validate(ContainerJobSpec{Name: "job", Image: "img"}, adapter))
}

func TestJobErrorRetryability(t *testing.T) {
	quota := NewJobError(spineerrors.CategoryQuota, "mock", "quota hit")
	assert.True(t, quota.Retryable)

	oom := NewJobError(spineerrors.CategoryOOM, "mock", "killed")
	assert.False(t, oom.Retryable)

	overridden := NewJobError(spineerrors.CategoryQuota, "mock", "quota").WithRetryable(false)
	assert.False(t, overridden.Retryable)

	withCode := NewJobError(spineerrors.CategoryUserCode, "mock", "exit").WithExitCode(137)
	require.NotNil(t, withCode.ExitCode)
	assert.Equal(t, 137, *withCode.ExitCode)
}

func TestMockAdapterLifecycle(t *testing.T) {
	m := NewMock("mock")
	ctx := context.Background()

	ref, err := m.Submit(ctx, ContainerJobSpec{Name: "job", Image: "img"})
	require.NoError(t, err)

	state, err := m.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, state.Status)
	require.NotNil(t, state.ExitCode)
	assert.Zero(t, *state.ExitCode)

	logs, err := m.Logs(ctx, ref)
	require.NoError(t, err)
	assert.Contains(t, logs, "job")

	_, err = m.Status(ctx, JobRef{Runtime: "mock", ID: "missing"})
	require.Error(t, err)
}

func TestMockAdapterFailure(t *testing.T) {
	m := NewMock("mock")
	m.FailWith = NewJobError(spineerrors.CategoryImagePull, "mock", "no such image")

	ref, err := m.Submit(context.Background(), ContainerJobSpec{Name: "job", Image: "img"})
	require.NoError(t, err)

	state, err := m.Status(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, state.Status)
	require.NotNil(t, state.Error)
	assert.True(t, state.Error.Retryable)
}
