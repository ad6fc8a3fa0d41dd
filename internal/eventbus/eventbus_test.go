package eventbus

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](t *testing.T, ch <-chan T) []T {
	t.Helper()
	var out []T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func TestBus_BroadcastsInPublishOrder(t *testing.T) {
	bus := New[int](8, logrus.New())
	a := bus.Subscribe()
	b := bus.Subscribe()

	for i := 1; i <= 3; i++ {
		bus.Publish(i)
	}

	assert.Equal(t, []int{1, 2, 3}, drain(t, a.C()))
	assert.Equal(t, []int{1, 2, 3}, drain(t, b.C()))
}

func TestBus_LateSubscriberSeesOnlyLaterEvents(t *testing.T) {
	bus := New[string](8, nil)
	early := bus.Subscribe()

	bus.Publish("before")
	late := bus.Subscribe()
	bus.Publish("after")

	assert.Equal(t, []string{"before", "after"}, drain(t, early.C()))
	assert.Equal(t, []string{"after"}, drain(t, late.C()), "late subscriber MUST NOT replay history")
}

func TestBus_SlowSubscriberDropsOldestWithoutBlockingPublisher(t *testing.T) {
	bus := New[int](2, nil)
	slow := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher MUST NOT block on a slow subscriber")
	}

	assert.Equal(t, []int{98, 99}, drain(t, slow.C()))
	assert.EqualValues(t, 98, slow.Dropped())
}

func liveSubscribers[T any](b *Bus[T]) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	bus := New[int](4, nil)
	sub := bus.Subscribe()
	other := bus.Subscribe()
	require.Equal(t, 2, liveSubscribers(bus))

	sub.Close()
	sub.Close()
	assert.Equal(t, 1, liveSubscribers(bus), "closed subscription MUST leave the bus")

	_, ok := <-sub.C()
	assert.False(t, ok, "closed subscription channel MUST be closed")

	bus.Close()
	bus.Publish(1)
	_, ok = <-other.C()
	assert.False(t, ok)

	afterClose := bus.Subscribe()
	_, ok = <-afterClose.C()
	assert.False(t, ok, "subscribing to a closed bus MUST yield a closed channel")
}
