package bus

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Parley-Chat/parley/internal/config"
)

func testBus(t *testing.T, maxRedeliver int) *Bus {
	t.Helper()
	b := New(config.BusConfig{BufferSize: 64, Workers: 2, MaxRedeliver: maxRedeliver})
	t.Cleanup(b.Close)
	return b
}

type testEvent struct {
	ID string `json:"id"`
}

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := testBus(t, 1)

	var first, second atomic.Int64
	b.Subscribe("topic.a", func(_ context.Context, payload []byte) error {
		var ev testEvent
		require.NoError(t, json.Unmarshal(payload, &ev))
		require.Equal(t, "e1", ev.ID)
		first.Add(1)
		return nil
	})
	b.Subscribe("topic.a", func(context.Context, []byte) error {
		second.Add(1)
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), "topic.a", testEvent{ID: "e1"}))

	require.Eventually(t, func() bool {
		return first.Load() == 1 && second.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBusPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := testBus(t, 0)
	require.NoError(t, b.Publish(context.Background(), "topic.empty", testEvent{ID: "e1"}))
}

func TestBusRedeliversOnHandlerError(t *testing.T) {
	b := testBus(t, 1)

	var calls atomic.Int64
	b.Subscribe("topic.retry", func(context.Context, []byte) error {
		if calls.Add(1) == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), "topic.retry", testEvent{ID: "e1"}))

	require.Eventually(t, func() bool { return calls.Load() == 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestBusGivesUpAfterMaxRedeliveries(t *testing.T) {
	b := testBus(t, 2)

	var calls atomic.Int64
	b.Subscribe("topic.fail", func(context.Context, []byte) error {
		calls.Add(1)
		return context.DeadlineExceeded
	})

	require.NoError(t, b.Publish(context.Background(), "topic.fail", testEvent{ID: "e1"}))

	// 1 initial attempt + 2 redeliveries, then the event is dropped.
	require.Eventually(t, func() bool { return calls.Load() == 3 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(3), calls.Load())
}

func TestBusRejectsPublishAfterClose(t *testing.T) {
	b := New(config.BusConfig{BufferSize: 16, Workers: 1, MaxRedeliver: 0})
	b.Close()
	require.Error(t, b.Publish(context.Background(), "topic.a", testEvent{ID: "e1"}))
}

func TestBusRejectsUnencodableEvent(t *testing.T) {
	b := testBus(t, 0)
	require.Error(t, b.Publish(context.Background(), "topic.a", make(chan int)))
}
