package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)
	defer sub.Close()

	b.Publish(Event{Kind: KindBuildStarted})

	select {
	case ev := <-sub.Events():
		require.Equal(t, KindBuildStarted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishFansOutToMultipleSubscribers(t *testing.T) {
	b := New()
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)
	defer s1.Close()
	defer s2.Close()

	b.Publish(Event{Kind: KindTargetStarted})

	for _, s := range []*Subscription{s1, s2} {
		select {
		case ev := <-s.Events():
			require.Equal(t, KindTargetStarted, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestOverflowMarksSubscriberLossyWithoutBlockingPublisher(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish(Event{Kind: KindStatistics})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked despite a full subscriber buffer")
	}

	// Drain whatever is left, then check the lossy flag.
	timeout := time.After(500 * time.Millisecond)
drain:
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				break drain
			}
		case <-timeout:
			break drain
		}
	}
	require.True(t, sub.Lossy())
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe(4)
	sub.Close()

	b.Publish(Event{Kind: KindBuildCompleted})

	select {
	case _, ok := <-sub.Events():
		require.False(t, ok, "channel should be closed after Close")
	case <-time.After(time.Second):
		t.Fatal("subscriber channel never closed")
	}
}
