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

package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/ryansmccoy/spine-core/internal/log"
)

// redisChannel is the single Redis pub/sub channel carrying all spine
// events; pattern filtering happens subscriber-side, matching the
// in-process semantics.
const redisChannel = "spine:events"

// RedisBus fans events out across processes via Redis pub/sub. Local
// subscribers receive both locally-published and remote events.
type RedisBus struct {
	client *redis.Client
	local  *MemoryBus
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedisBus connects to Redis and starts the inbound subscription loop.
func NewRedisBus(addr string, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client: client,
		local:  NewMemoryBus(logger),
		cancel: cancel,
		logger: log.WithComponent(logger, "bus.redis"),
	}

	sub := client.Subscribe(ctx, redisChannel)
	b.wg.Add(1)
	go b.receive(ctx, sub)
	return b, nil
}

// receive relays inbound Redis messages to local subscribers.
func (b *RedisBus) receive(ctx context.Context, sub *redis.PubSub) {
	defer b.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("dropping malformed event", log.Error(err))
				continue
			}
			if err := b.local.Publish(ctx, ev); err != nil {
				return
			}
		}
	}
}

// Publish implements Bus. The event goes to Redis only; local delivery
// happens when the subscription loop receives it back, so local and remote
// subscribers observe the same order.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	if ev.EventID == "" {
		ev = NewEvent(ev.EventType, ev.Source, ev.Payload)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, redisChannel, payload).Err()
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(pattern string, h Handler) string {
	return b.local.Subscribe(pattern, h)
}

// Unsubscribe implements Bus.
func (b *RedisBus) Unsubscribe(id string) {
	b.local.Unsubscribe(id)
}

// SubscriptionCount implements Bus.
func (b *RedisBus) SubscriptionCount() int {
	return b.local.SubscriptionCount()
}

// Recent implements Bus.
func (b *RedisBus) Recent(n int) []Event {
	return b.local.Recent(n)
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	if err := b.local.Close(); err != nil {
		return err
	}
	return b.client.Close()
}
