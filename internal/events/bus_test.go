package events

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusReplaysLastValue(t *testing.T) {
	bus := NewBus[bool]()
	bus.Publish(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx)
	select {
	case v := <-ch:
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("expected replayed value")
	}
}

func TestBusSlowSubscriberSeesLatest(t *testing.T) {
	bus := NewBus[int]()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx)
	for i := 1; i <= 5; i++ {
		bus.Publish(i)
	}

	assert.Equal(t, 5, <-ch)
	last, ok := bus.Last()
	require.True(t, ok)
	assert.Equal(t, 5, last)
}

func TestBusUnsubscribeOnContextDone(t *testing.T) {
	bus := NewBus[int]()
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx)
	require.Equal(t, 1, bus.Subscribers())

	cancel()
	require.Eventually(t, func() bool { return bus.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-ch
	assert.False(t, open)
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := NewBus[int]()
	ch := bus.Subscribe(context.Background())
	bus.Close()
	bus.Close()

	_, open := <-ch
	assert.False(t, open)

	late := bus.Subscribe(context.Background())
	_, open = <-late
	assert.False(t, open)
}

func TestBusCloseReleasesSubscriberGoroutines(t *testing.T) {
	before := runtime.NumGoroutine()
	bus := NewBus[int]()
	for i := 0; i < 50; i++ {
		bus.Subscribe(context.Background())
	}
	require.GreaterOrEqual(t, runtime.NumGoroutine(), before+50)

	bus.Close()
	require.Eventually(t, func() bool { return runtime.NumGoroutine() <= before }, time.Second, 5*time.Millisecond)
	assert.Zero(t, bus.Subscribers())
}
