package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/agentrtcore/runtime/workflow"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	received := make(chan struct{}, 2)
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		received <- struct{}{}
		return nil
	})
	_, err := bus.Register(sub)
	require.NoError(t, err)
	evt1 := NewRunStartedEvent("run1", "agent1", run.Context{}, nil)
	require.NoError(t, bus.Publish(ctx, evt1))
	evt2 := NewRunCompletedEvent("run1", "agent1", "", "success", run.PhaseCompleted, nil)
	require.NoError(t, bus.Publish(ctx, evt2))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event delivery")
		}
	}
}

func TestBusRegisterNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	received := make(chan struct{}, 2)
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		received <- struct{}{}
		return nil
	})
	subscription, err := bus.Register(sub)
	require.NoError(t, err)
	evt1 := NewRunStartedEvent("run1", "agent1", run.Context{}, nil)
	require.NoError(t, bus.Publish(ctx, evt1))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event delivery")
	}

	require.NoError(t, subscription.Close())
	evt2 := NewRunCompletedEvent("run1", "agent1", "", "success", run.PhaseCompleted, nil)
	require.NoError(t, bus.Publish(ctx, evt2))

	select {
	case <-received:
		t.Fatal("received event after subscription close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionDropsOldestOnOverflow(t *testing.T) {
	bus := NewBus(WithQueueCapacity(1))
	ctx := context.Background()

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	})
	subscription, err := bus.Register(sub)
	require.NoError(t, err)

	// First event is picked up immediately by the worker goroutine and blocks
	// it; the next two compete for the single queue slot, so one is dropped.
	require.NoError(t, bus.Publish(ctx, NewRunStartedEvent("run1", "agent1", run.Context{}, nil)))
	<-started
	require.NoError(t, bus.Publish(ctx, NewRunStartedEvent("run2", "agent1", run.Context{}, nil)))
	require.NoError(t, bus.Publish(ctx, NewRunStartedEvent("run3", "agent1", run.Context{}, nil)))
	close(block)

	require.Eventually(t, func() bool {
		return subscription.Dropped() >= 1
	}, time.Second, 10*time.Millisecond)
}
