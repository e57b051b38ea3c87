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
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		eventType, pattern string
		want               bool
	}{
		{"run.started", "run.started", true},
		{"run.started", "*", true},
		{"run.started", "run.*", true},
		{"run.step.started", "run.*", true},
		{"run", "run.*", true},
		{"runway.started", "run.*", false},
		{"step.started", "run.*", false},
		{"run.started", "step.started", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.eventType, tt.pattern),
			"Match(%q, %q)", tt.eventType, tt.pattern)
	}
}

func collect() (Handler, func() []Event) {
	var mu sync.Mutex
	var got []Event
	handler := func(_ context.Context, ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}
	return handler, func() []Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Event, len(got))
		copy(out, got)
		return out
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	handler, events := collect()
	b.Subscribe("run.*", handler)

	require.NoError(t, b.Publish(context.Background(), NewEvent("run.started", "test", map[string]any{"n": 1})))
	require.NoError(t, b.Publish(context.Background(), NewEvent("step.started", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), NewEvent("run.completed", "test", map[string]any{"n": 2})))

	require.Eventually(t, func() bool { return len(events()) == 2 }, time.Second, 5*time.Millisecond)
	got := events()
	assert.Equal(t, "run.started", got[0].EventType)
	assert.Equal(t, "run.completed", got[1].EventType)
}

func TestSubscriberFIFO(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	handler, events := collect()
	b.Subscribe("*", handler)

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(context.Background(),
			NewEvent("seq", "test", map[string]any{"i": i})))
	}
	require.Eventually(t, func() bool { return len(events()) == 20 }, time.Second, 5*time.Millisecond)

	for i, ev := range events() {
		assert.Equal(t, i, ev.Payload["i"])
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	b.Subscribe("*", func(_ context.Context, ev Event) {
		panic("bad subscriber")
	})
	handler, events := collect()
	b.Subscribe("*", handler)

	require.NoError(t, b.Publish(context.Background(), NewEvent("x", "test", nil)))
	require.NoError(t, b.Publish(context.Background(), NewEvent("y", "test", nil)))

	require.Eventually(t, func() bool { return len(events()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestUnsubscribe(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	handler, events := collect()
	id := b.Subscribe("*", handler)
	assert.Equal(t, 1, b.SubscriptionCount())

	b.Unsubscribe(id)
	assert.Equal(t, 0, b.SubscriptionCount())

	require.NoError(t, b.Publish(context.Background(), NewEvent("x", "test", nil)))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, events())
}

func TestCloseRejectsPublish(t *testing.T) {
	b := NewMemoryBus(nil)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), NewEvent("x", "test", nil)), ErrBusClosed)
	// Close is idempotent.
	require.NoError(t, b.Close())
}

func TestRecentBuffer(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(),
			NewEvent("e", "test", map[string]any{"i": i})))
	}
	recent := b.Recent(3)
	require.Len(t, recent, 3)
	// Newest first.
	assert.Equal(t, 9, recent[0].Payload["i"])
	assert.Equal(t, 7, recent[2].Payload["i"])
}

func TestRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)

	b, err := NewRedisBus(mr.Addr(), nil)
	require.NoError(t, err)
	defer b.Close()

	handler, events := collect()
	b.Subscribe("run.*", handler)

	require.NoError(t, b.Publish(context.Background(),
		NewEvent("run.started", "test", map[string]any{"n": float64(1)})))

	require.Eventually(t, func() bool { return len(events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "run.started", events()[0].EventType)
	assert.Equal(t, float64(1), events()[0].Payload["n"])
}
