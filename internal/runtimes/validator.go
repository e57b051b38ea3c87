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
	"fmt"
	"strings"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// Validate checks a spec against an adapter's capabilities and
// constraints, collecting every violation rather than failing fast.
// Violations join into a single non-retryable VALIDATION JobError.
func Validate(spec ContainerJobSpec, adapter Adapter) *JobError {
	var violations []string

	if spec.Name == "" {
		violations = append(violations, "job name is required")
	}
	if spec.Image == "" {
		violations = append(violations, "container image is required")
	}
	if spec.MaxCostUSD < 0 {
		violations = append(violations, fmt.Sprintf("max_cost_usd must be non-negative, got %.2f", spec.MaxCostUSD))
	}

	caps := adapter.Capabilities()
	if spec.Resources.GPU > 0 && !caps.SupportsGPU {
		violations = append(violations, "spec requires GPU but runtime does not support it")
	}
	if len(spec.Volumes) > 0 && !caps.SupportsVolumes {
		violations = append(violations, "spec requires volumes but runtime does not support them")
	}
	if len(spec.Sidecars) > 0 && !caps.SupportsSidecars {
		violations = append(violations, "spec requires sidecars but runtime does not support them")
	}
	if len(spec.InitContainers) > 0 && !caps.SupportsInitContainers {
		violations = append(violations, "spec requires init containers but runtime does not support them")
	}
	if spec.MaxCostUSD > 0 && !caps.SupportsCostLimits {
		violations = append(violations, "spec sets a cost limit but runtime cannot enforce one")
	}

	limits := adapter.Constraints()
	if limits.MaxEnvVarCount > 0 && len(spec.Env) > limits.MaxEnvVarCount {
		violations = append(violations, fmt.Sprintf("env var count %d exceeds limit %d", len(spec.Env), limits.MaxEnvVarCount))
	}
	if limits.MaxTimeoutSecs > 0 && spec.TimeoutSeconds > limits.MaxTimeoutSecs {
		violations = append(violations, fmt.Sprintf("timeout %ds exceeds limit %ds", spec.TimeoutSeconds, limits.MaxTimeoutSecs))
	}
	if limits.MaxCPU > 0 && spec.Resources.CPU > limits.MaxCPU {
		violations = append(violations, fmt.Sprintf("cpu %.2f exceeds limit %.2f", spec.Resources.CPU, limits.MaxCPU))
	}
	if limits.MaxMemoryMB > 0 && spec.Resources.MemoryMB > limits.MaxMemoryMB {
		violations = append(violations, fmt.Sprintf("memory %dMB exceeds limit %dMB", spec.Resources.MemoryMB, limits.MaxMemoryMB))
	}
	if limits.MaxVolumeCount > 0 && len(spec.Volumes) > limits.MaxVolumeCount {
		violations = append(violations, fmt.Sprintf("volume count %d exceeds limit %d", len(spec.Volumes), limits.MaxVolumeCount))
	}
	if limits.MaxCommandLength > 0 {
		total := 0
		for _, c := range spec.Command {
			total += len(c)
		}
		if total > limits.MaxCommandLength {
			violations = append(violations, fmt.Sprintf("command length %d exceeds limit %d", total, limits.MaxCommandLength))
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return NewJobError(spineerrors.CategoryValidation, adapter.RuntimeName(),
		"%s", strings.Join(violations, "; ")).WithRetryable(false)
}
