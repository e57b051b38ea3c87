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

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// JobError is a categorized container-runtime failure. Retryability comes
// from the default policy table unless the adapter overrides it.
type JobError struct {
	Category     spineerrors.Category `json:"category"`
	Message      string               `json:"message"`
	Retryable    bool                 `json:"retryable"`
	ProviderCode string               `json:"provider_code,omitempty"`
	ExitCode     *int                 `json:"exit_code,omitempty"`
	Runtime      string               `json:"runtime,omitempty"`
}

// Error implements the error interface.
func (e *JobError) Error() string {
	if e.Runtime != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Runtime, e.Category, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// NewJobError creates a JobError with the category's default retryability.
func NewJobError(category spineerrors.Category, runtime, format string, args ...any) *JobError {
	return &JobError{
		Category:  category,
		Message:   fmt.Sprintf(format, args...),
		Retryable: spineerrors.DefaultRetryable(category),
		Runtime:   runtime,
	}
}

// WithRetryable overrides the default retryability.
func (e *JobError) WithRetryable(retryable bool) *JobError {
	e.Retryable = retryable
	return e
}

// WithProviderCode attaches the provider-specific error code.
func (e *JobError) WithProviderCode(code string) *JobError {
	e.ProviderCode = code
	return e
}

// WithExitCode attaches the container exit code.
func (e *JobError) WithExitCode(code int) *JobError {
	e.ExitCode = &code
	return e
}
