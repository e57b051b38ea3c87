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

// Package runtimes routes container-job workloads to pluggable runtime
// adapters and validates specs against adapter capabilities.
package runtimes

import (
	"context"
	"time"
)

// Capabilities advertises what a runtime adapter supports.
type Capabilities struct {
	SupportsGPU            bool `json:"supports_gpu"`
	SupportsVolumes        bool `json:"supports_volumes"`
	SupportsSidecars       bool `json:"supports_sidecars"`
	SupportsInitContainers bool `json:"supports_init_containers"`
	SupportsCostLimits     bool `json:"supports_cost_limits"`
}

// Constraints are numeric limits enforced by an adapter. Zero means
// unlimited.
type Constraints struct {
	MaxEnvVarCount   int     `json:"env_var_count,omitempty"`
	MaxTimeoutSecs   int     `json:"timeout_seconds,omitempty"`
	MaxCPU           float64 `json:"cpu,omitempty"`
	MaxMemoryMB      int     `json:"memory_mb,omitempty"`
	MaxVolumeCount   int     `json:"volume_count,omitempty"`
	MaxCommandLength int     `json:"command_length,omitempty"`
}

// Resources requested for a container job.
type Resources struct {
	CPU      float64 `json:"cpu,omitempty"`
	MemoryMB int     `json:"memory_mb,omitempty"`
	GPU      int     `json:"gpu,omitempty"`
}

// Volume mounts a host or named volume into the job container.
type Volume struct {
	Name      string `json:"name"`
	Source    string `json:"source"`
	MountPath string `json:"mount_path"`
	ReadOnly  bool   `json:"read_only,omitempty"`
}

// Container describes a sidecar or init container.
type Container struct {
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ContainerJobSpec describes one container-job workload.
type ContainerJobSpec struct {
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	Command        []string          `json:"command,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Resources      Resources         `json:"resources"`
	Volumes        []Volume          `json:"volumes,omitempty"`
	Sidecars       []Container       `json:"sidecars,omitempty"`
	InitContainers []Container       `json:"init_containers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	MaxCostUSD     float64           `json:"max_cost_usd,omitempty"`
	Runtime        string            `json:"runtime,omitempty"`
}

// JobStatus is a runtime-side job status.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobRef identifies a submitted job within its runtime.
type JobRef struct {
	Runtime string `json:"runtime"`
	ID      string `json:"id"`
}

// JobState is a point-in-time view of a job.
type JobState struct {
	Ref        JobRef     `json:"ref"`
	Status     JobStatus  `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      *JobError  `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Adapter is the contract every container runtime satisfies.
type Adapter interface {
	// RuntimeName identifies the adapter ("docker", "mock", ...).
	RuntimeName() string

	// Capabilities returns the adapter's feature set.
	Capabilities() Capabilities

	// Constraints returns the adapter's numeric limits.
	Constraints() Constraints

	// Submit starts a job.
	Submit(ctx context.Context, spec ContainerJobSpec) (JobRef, error)

	// Status returns the job's current state.
	Status(ctx context.Context, ref JobRef) (JobState, error)

	// Logs returns the job's combined output.
	Logs(ctx context.Context, ref JobRef) (string, error)

	// Cancel stops a running job.
	Cancel(ctx context.Context, ref JobRef) error

	// Health probes the runtime.
	Health(ctx context.Context) error
}
