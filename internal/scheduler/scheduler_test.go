package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleFiresOnce(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 4)
	timer := New(context.Background(), func(context.Context) { fired <- struct{}{} }, nil)
	t.Cleanup(timer.Stop)

	timer.Schedule(0)
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("tick did not fire")
	}
	_, pending := timer.Pending()
	assert.False(t, pending)
}

func TestScheduleKeepsEarlierTick(t *testing.T) {
	t.Parallel()

	timer := New(context.Background(), func(context.Context) {}, nil)
	t.Cleanup(timer.Stop)

	timer.Schedule(10 * time.Second)
	first, ok := timer.Pending()
	require.True(t, ok)

	timer.Schedule(time.Minute)
	second, _ := timer.Pending()
	assert.Equal(t, first, second, "a later request must not postpone the pending tick")

	timer.Schedule(2 * time.Second)
	third, _ := timer.Pending()
	assert.True(t, third.Before(first), "an earlier request replaces the pending tick")
}

func TestStopCancelsPendingTick(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	timer := New(context.Background(), func(context.Context) { calls.Add(1) }, nil)
	timer.Schedule(time.Second)
	timer.Stop()

	time.Sleep(1500 * time.Millisecond)
	assert.Zero(t, calls.Load())

	timer.Schedule(0)
	_, pending := timer.Pending()
	assert.False(t, pending, "stopped timer must ignore new requests")
}

func TestCancelledContextIgnoresSchedule(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	timer := New(ctx, func(context.Context) {}, nil)
	timer.Schedule(time.Second)
	_, pending := timer.Pending()
	assert.False(t, pending)
}
