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
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// queueKey is the Redis list carrying queued work, one JSON envelope per
// element, popped by worker processes.
const queueKey = "spine:work"

// queueEnvelope is the wire form of a queued submission.
type queueEnvelope struct {
	Ref    string         `json:"ref"`
	Kind   Kind           `json:"kind"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
	Lane   string         `json:"lane,omitempty"`
}

// RedisQueue delegates execution to a Redis-backed work queue. Submitting
// pushes an envelope; a worker loop (this process or another) pops and
// runs handlers. Result state lives in the popping process: a ref popped
// by another process stays pending here, and a ref this process never
// submitted or popped reports not_found.
type RedisQueue struct {
	base
	registry *Registry
	client   *redis.Client
	lane     string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisQueue connects to Redis. When workers > 0, that many worker
// loops start popping and executing in this process.
func NewRedisQueue(addr string, registry *Registry, workers, resultCapacity int) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, spineerrors.Wrap(spineerrors.CategoryUnavailable, err, "redis unreachable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &RedisQueue{
		base:     base{tasks: newTaskTable(resultCapacity)},
		registry: registry,
		client:   client,
		cancel:   cancel,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return q, nil
}

// Submit implements Executor.
func (q *RedisQueue) Submit(ctx context.Context, spec WorkSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	// Lookup up front so a missing handler fails at submit, not in the
	// worker.
	if _, _, err := q.registry.Lookup(spec.Kind, spec.Name); err != nil {
		return "", err
	}

	ref := uuid.NewString()
	payload, err := json.Marshal(queueEnvelope{
		Ref:    ref,
		Kind:   spec.Kind,
		Name:   spec.Name,
		Params: spec.Params,
	})
	if err != nil {
		return "", err
	}

	t := newTask(nil)
	q.tasks.add(ref, t)
	if err := q.client.LPush(ctx, queueKey, payload).Err(); err != nil {
		q.tasks.retire(ref)
		return "", spineerrors.Wrap(spineerrors.CategoryUnavailable, err, "failed to enqueue work")
	}
	return ref, nil
}

// worker pops envelopes and runs their handlers until the queue shuts
// down.
func (q *RedisQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		res, err := q.client.BRPop(ctx, 0, queueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if len(res) < 2 {
			continue
		}

		var env queueEnvelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			continue
		}
		q.execute(ctx, env)
	}
}

func (q *RedisQueue) execute(ctx context.Context, env queueEnvelope) {
	t := q.tasks.get(env.Ref)
	if t == nil {
		// Submitted by another process; track it locally so its result
		// is retrievable here.
		t = newTask(nil)
		q.tasks.add(env.Ref, t)
	}
	if !t.setRunning() {
		q.tasks.retire(env.Ref)
		return
	}

	handler, _, err := q.registry.Lookup(env.Kind, env.Name)
	if err != nil {
		t.finish(StatusFailed, nil, spineerrors.AsTyped(err))
		q.tasks.retire(env.Ref)
		return
	}

	out, err := runHandler(ctx, handler, WorkSpec{Kind: env.Kind, Name: env.Name, Params: env.Params})
	if err != nil {
		t.finish(StatusFailed, nil, spineerrors.AsTyped(err))
	} else {
		t.finish(StatusCompleted, out, nil)
	}
	q.tasks.retire(env.Ref)
}

// QueueDepth returns the number of queued envelopes.
func (q *RedisQueue) QueueDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, queueKey).Result()
}

// Shutdown stops the workers and closes the connection.
func (q *RedisQueue) Shutdown() error {
	q.cancel()
	q.wg.Wait()
	return q.client.Close()
}
