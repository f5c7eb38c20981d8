package eventbus

import (
	"testing"
	"time"

	"github.com/synthloop/evoagent/pkg/types"
)

func TestPublishWithNoSubscribersSucceeds(t *testing.T) {
	b := New()
	b.Publish(types.Event{Type: types.EventLog, Log: &types.LogPayload{Message: "hi"}})
}

func TestNonDroppableEventsAreDelivered(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(types.Event{Type: types.EventTaskCompleted, TaskCompleted: &types.TaskCompletedPayload{Succeeded: true}})

	select {
	case ev := <-sub.Events():
		if ev.Type != types.EventTaskCompleted {
			t.Errorf("got %s, want task_completed", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for non-droppable event")
	}
}

func TestDroppableEventsOverflowDropsOldest(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	// Flood well past what the undrained merged channel plus the
	// low-priority lane can hold, forcing drops.
	for i := 0; i < (highPriBuffer+lowPriBuffer)*2; i++ {
		b.Publish(types.Event{Type: types.EventLog, Log: &types.LogPayload{Message: "spam"}})
	}

	time.Sleep(20 * time.Millisecond)
	if sub.Dropped() == 0 {
		t.Error("expected some droppable events to be dropped under sustained overflow")
	}
}

func TestSubscriberCountTracksSubscribeClose(t *testing.T) {
	b := New()
	if b.SubscriberCount() != 0 {
		t.Fatalf("fresh bus should have 0 subscribers")
	}
	sub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Errorf("count = %d, want 1", b.SubscriberCount())
	}
	sub.Close()
	if b.SubscriberCount() != 0 {
		t.Errorf("count after close = %d, want 0", b.SubscriberCount())
	}
}
