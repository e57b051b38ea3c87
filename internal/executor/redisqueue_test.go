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

package executor

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

func TestRedisQueueExecutes(t *testing.T) {
	mr := miniredis.RunT(t)

	r := NewRegistry()
	r.RegisterSync(KindTask, "echo", func(ctx context.Context, params map[string]any) (any, error) {
		return map[string]any{"echo": params}, nil
	})

	q, err := NewRedisQueue(mr.Addr(), r, 1, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Shutdown() })

	ref, err := q.Submit(context.Background(), WorkSpec{
		Kind: KindTask, Name: "echo", Params: map[string]any{"x": float64(1)},
	})
	require.NoError(t, err)

	status, err := q.Wait(context.Background(), ref, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)

	result, ok := q.Result(ref)
	require.True(t, ok)
	echo := result["echo"].(map[string]any)
	assert.Equal(t, float64(1), echo["x"])
}

func TestRedisQueueRejectsUnknownHandler(t *testing.T) {
	mr := miniredis.RunT(t)

	q, err := NewRedisQueue(mr.Addr(), NewRegistry(), 0, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Shutdown() })

	_, err = q.Submit(context.Background(), WorkSpec{Kind: KindTask, Name: "ghost"})
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryNotFound))
}

func TestRedisQueueDepth(t *testing.T) {
	mr := miniredis.RunT(t)

	r := NewRegistry()
	r.RegisterSync(KindTask, "echo", func(ctx context.Context, params map[string]any) (any, error) {
		return nil, nil
	})

	// No workers: envelopes stay queued.
	q, err := NewRedisQueue(mr.Addr(), r, 0, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Shutdown() })

	_, err = q.Submit(context.Background(), WorkSpec{Kind: KindTask, Name: "echo"})
	require.NoError(t, err)

	depth, err := q.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
