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
	"encoding/json"
	"time"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// pollInterval paces job status checks while driving a job to
// completion.
const pollInterval = 500 * time.Millisecond

// SpecFromParams decodes a ContainerJobSpec from handler params.
func SpecFromParams(params map[string]any) (ContainerJobSpec, error) {
	var spec ContainerJobSpec
	raw, err := json.Marshal(params)
	if err != nil {
		return spec, err
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return spec, spineerrors.Wrap(spineerrors.CategoryValidation, err, "invalid container job spec")
	}
	return spec, nil
}

// Run routes the spec, validates it against the selected adapter, drives
// the job to a terminal state, and returns status, exit code, and logs.
// This is the handler body behind the container-job task.
func (r *Router) Run(ctx context.Context, spec ContainerJobSpec) (map[string]any, error) {
	adapter, err := r.Route(spec)
	if err != nil {
		return nil, err
	}
	if verr := Validate(spec, adapter); verr != nil {
		return nil, verr
	}

	ref, err := adapter.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		state, err := adapter.Status(ctx, ref)
		if err != nil {
			return nil, err
		}
		switch state.Status {
		case JobSucceeded:
			logs, _ := adapter.Logs(ctx, ref)
			out := map[string]any{
				"runtime": ref.Runtime,
				"job_id":  ref.ID,
				"status":  string(state.Status),
				"logs":    logs,
			}
			if state.ExitCode != nil {
				out["exit_code"] = *state.ExitCode
			}
			return out, nil
		case JobFailed:
			if state.Error != nil {
				return nil, state.Error
			}
			return nil, NewJobError(spineerrors.CategoryUserCode, ref.Runtime, "job %s failed", ref.ID)
		case JobCancelled:
			return nil, NewJobError(spineerrors.CategoryInternal, ref.Runtime, "job %s cancelled", ref.ID).WithRetryable(false)
		}

		select {
		case <-ctx.Done():
			_ = adapter.Cancel(context.WithoutCancel(ctx), ref)
			return nil, spineerrors.Wrap(spineerrors.CategoryTimeout, ctx.Err(), "container job interrupted")
		case <-ticker.C:
		}
	}
}
