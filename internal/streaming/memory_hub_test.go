package streaming

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaveflow/weave/pkg/schema"
)

func recvOne(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	ev := StreamEvent{RunID: "r1", StepID: "extract", EventType: schema.EventStepStarted, Attempt: 1}
	require.NoError(t, h.Publish(ctx, ev))

	got := recvOne(t, ch)
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, "extract", got.StepID)
	assert.Equal(t, schema.EventStepStarted, got.EventType)
}

func TestSubscribe_FilterByRunID(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{RunID: "r1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, StreamEvent{RunID: "r2", EventType: schema.EventRunStarted}))
	require.NoError(t, h.Publish(ctx, StreamEvent{RunID: "r1", EventType: schema.EventRunStarted}))

	got := recvOne(t, ch)
	assert.Equal(t, "r1", got.RunID)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event for run %s", extra.RunID)
	default:
	}
}

func TestSubscribe_FilterByEventType(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{EventTypes: []string{schema.EventStepFailed}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, StreamEvent{RunID: "r1", EventType: schema.EventStepStarted}))
	require.NoError(t, h.Publish(ctx, StreamEvent{RunID: "r1", EventType: schema.EventStepFailed}))

	got := recvOne(t, ch)
	assert.Equal(t, schema.EventStepFailed, got.EventType)
}

func TestCancelStopsDelivery(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, h.Publish(ctx, StreamEvent{RunID: "r1", EventType: schema.EventRunStarted}))
	ev, open := <-ch
	assert.False(t, open, "channel must be closed after cancel, got %+v", ev)
}

func TestTerminalEventClosesRunSubscribers(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{RunID: "r1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, StreamEvent{RunID: "r1", EventType: schema.EventStepSucceeded, StepID: "extract"}))
	require.NoError(t, h.Publish(ctx, StreamEvent{RunID: "r1", EventType: schema.EventRunCompleted}))

	// Buffered events drain first, then the channel reports end-of-stream.
	assert.Equal(t, schema.EventStepSucceeded, recvOne(t, ch).EventType)
	assert.Equal(t, schema.EventRunCompleted, recvOne(t, ch).EventType)
	_, open := <-ch
	assert.False(t, open, "channel must close after the terminal run event")

	// Cancel after the hub already closed the stream is a no-op.
	cancel()
}

func TestGlobalSubscriberSurvivesTerminalEvents(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, StreamEvent{RunID: "r1", EventType: schema.EventRunCompleted}))
	require.NoError(t, h.Publish(ctx, StreamEvent{RunID: "r2", EventType: schema.EventRunStarted}))

	assert.Equal(t, "r1", recvOne(t, ch).RunID)
	assert.Equal(t, "r2", recvOne(t, ch).RunID)
}

func TestPublish_DropsForSlowSubscriber(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// fill the buffer and then some; Publish must never block
	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, h.Publish(ctx, StreamEvent{RunID: fmt.Sprintf("r%d", i), EventType: schema.EventRunStarted}))
	}
	assert.Len(t, ch, defaultChannelBuffer)
}

func TestSubscribe_CancelledContext(t *testing.T) {
	h := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := h.Subscribe(ctx, EventFilter{})
	require.Error(t, err)
	require.Error(t, h.Publish(ctx, StreamEvent{RunID: "r1"}))
}

func TestMultipleSubscribers(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := h.Subscribe(ctx, EventFilter{RunID: "r1"})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, h.Publish(ctx, StreamEvent{RunID: "r1", EventType: schema.EventRunCompleted}))

	assert.Equal(t, "r1", recvOne(t, ch1).RunID)
	assert.Equal(t, "r1", recvOne(t, ch2).RunID)
}
