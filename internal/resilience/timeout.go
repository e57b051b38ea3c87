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

package resilience

import (
	"context"
	"time"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// WithTimeout runs fn under a deadline. The context carries the cancel
// signal to cooperative handlers; when the deadline elapses the call fails
// with TIMEOUT and a non-cooperative handler finishes detached.
func WithTimeout(ctx context.Context, deadline time.Duration, fn func(ctx context.Context) error) error {
	if deadline <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return spineerrors.Timeout("operation exceeded %s deadline", deadline)
		}
		return spineerrors.Wrap(spineerrors.CategoryTimeout, ctx.Err(), "operation cancelled")
	}
}
