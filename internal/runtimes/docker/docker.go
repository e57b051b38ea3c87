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

// Package docker adapts container jobs onto a local Docker Engine.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/ryansmccoy/spine-core/internal/runtimes"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

const runtimeName = "docker"

// Adapter runs container jobs on the local Docker daemon. Sidecars and
// init containers are not supported; GPU scheduling is left to device
// plugins and is not advertised.
type Adapter struct {
	cli *client.Client
}

// New connects to the Docker daemon using the standard environment
// configuration (DOCKER_HOST etc.).
func New() (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, runtimes.NewJobError(spineerrors.CategoryRuntimeUnavailable, runtimeName,
			"failed to create docker client: %v", err)
	}
	return &Adapter{cli: cli}, nil
}

// RuntimeName implements runtimes.Adapter.
func (a *Adapter) RuntimeName() string { return runtimeName }

// Capabilities implements runtimes.Adapter.
func (a *Adapter) Capabilities() runtimes.Capabilities {
	return runtimes.Capabilities{
		SupportsVolumes: true,
	}
}

// Constraints implements runtimes.Adapter.
func (a *Adapter) Constraints() runtimes.Constraints {
	return runtimes.Constraints{
		MaxEnvVarCount: 128,
		MaxTimeoutSecs: 24 * 60 * 60,
	}
}

// Submit implements runtimes.Adapter.
func (a *Adapter) Submit(ctx context.Context, spec runtimes.ContainerJobSpec) (runtimes.JobRef, error) {
	if verr := runtimes.Validate(spec, a); verr != nil {
		return runtimes.JobRef{}, verr
	}

	if err := a.ensureImage(ctx, spec.Image); err != nil {
		return runtimes.JobRef{}, err
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	binds := make([]string, 0, len(spec.Volumes))
	for _, vol := range spec.Volumes {
		bind := vol.Source + ":" + vol.MountPath
		if vol.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   spec.Command,
		Env:   env,
		Labels: map[string]string{
			"spine.job": spec.Name,
		},
	}
	hostCfg := &container.HostConfig{
		Binds: binds,
		Resources: container.Resources{
			NanoCPUs: int64(spec.Resources.CPU * 1e9),
			Memory:   int64(spec.Resources.MemoryMB) * 1024 * 1024,
		},
	}

	created, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return runtimes.JobRef{}, classify(err, "failed to create container")
	}
	if err := a.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return runtimes.JobRef{}, classify(err, "failed to start container")
	}

	return runtimes.JobRef{Runtime: runtimeName, ID: created.ID}, nil
}

// ensureImage pulls the image when it is not already present.
func (a *Adapter) ensureImage(ctx context.Context, ref string) error {
	if _, err := a.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	rc, err := a.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return runtimes.NewJobError(spineerrors.CategoryImagePull, runtimeName,
			"failed to pull image %s: %v", ref, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

// Status implements runtimes.Adapter.
func (a *Adapter) Status(ctx context.Context, ref runtimes.JobRef) (runtimes.JobState, error) {
	inspect, err := a.cli.ContainerInspect(ctx, ref.ID)
	if err != nil {
		return runtimes.JobState{}, classify(err, "failed to inspect container")
	}

	state := runtimes.JobState{Ref: ref}
	if inspect.State == nil {
		state.Status = runtimes.JobPending
		return state, nil
	}

	if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil && !t.IsZero() {
		state.StartedAt = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil && !t.IsZero() {
		state.FinishedAt = &t
	}

	switch inspect.State.Status {
	case "created":
		state.Status = runtimes.JobPending
	case "running", "restarting", "paused":
		state.Status = runtimes.JobRunning
	case "exited", "dead":
		exitCode := inspect.State.ExitCode
		state.ExitCode = &exitCode
		if exitCode == 0 {
			state.Status = runtimes.JobSucceeded
		} else {
			state.Status = runtimes.JobFailed
			category := spineerrors.CategoryUserCode
			if inspect.State.OOMKilled {
				category = spineerrors.CategoryOOM
			}
			state.Error = runtimes.NewJobError(category, runtimeName,
				"container exited with code %d", exitCode).WithExitCode(exitCode)
		}
	default:
		state.Status = runtimes.JobPending
	}
	return state, nil
}

// Logs implements runtimes.Adapter.
func (a *Adapter) Logs(ctx context.Context, ref runtimes.JobRef) (string, error) {
	rc, err := a.cli.ContainerLogs(ctx, ref.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", classify(err, "failed to read container logs")
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("failed to demux container logs: %w", err)
	}
	return buf.String(), nil
}

// Cancel implements runtimes.Adapter.
func (a *Adapter) Cancel(ctx context.Context, ref runtimes.JobRef) error {
	timeout := 10
	if err := a.cli.ContainerStop(ctx, ref.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		return classify(err, "failed to stop container")
	}
	return nil
}

// Health implements runtimes.Adapter.
func (a *Adapter) Health(ctx context.Context) error {
	if _, err := a.cli.Ping(ctx); err != nil {
		return runtimes.NewJobError(spineerrors.CategoryRuntimeUnavailable, runtimeName,
			"docker daemon unreachable: %v", err)
	}
	return nil
}

// classify maps a Docker client error into the runtime taxonomy.
func classify(err error, context string) *runtimes.JobError {
	msg := err.Error()
	switch {
	case client.IsErrNotFound(err):
		return runtimes.NewJobError(spineerrors.CategoryNotFound, runtimeName, "%s: %v", context, err)
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "denied"):
		return runtimes.NewJobError(spineerrors.CategoryAuth, runtimeName, "%s: %v", context, err)
	case strings.Contains(msg, "Cannot connect") || strings.Contains(msg, "connection refused"):
		return runtimes.NewJobError(spineerrors.CategoryRuntimeUnavailable, runtimeName, "%s: %v", context, err)
	default:
		return runtimes.NewJobError(spineerrors.CategoryUnknown, runtimeName, "%s: %v", context, err)
	}
}
