package progress

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Almir-ctrl/kp-backend-sub000/internal/store"
)

func receiveEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("Subscription closed while an event was expected")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
	}
	return Event{}
}

// collectUntil reads events until done says the collection is complete.
func collectUntil(t *testing.T, sub *Subscription, done func([]Event) bool) []Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	var events []Event
	for !done(events) {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("Subscription closed early after %d events", len(events))
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("Timed out after %d events", len(events))
		}
	}
	return events
}

func TestPublishFanOut(t *testing.T) {
	b := NewBus(8)
	defer b.Close()

	first := b.Subscribe("")
	second := b.Subscribe("")

	b.Publish(Event{FileID: "f1", Stage: store.StageSeparation, Progress: 10, Message: "starting separation"})

	for _, sub := range []*Subscription{first, second} {
		ev := receiveEvent(t, sub)
		assert.Equal(t, "f1", ev.FileID)
		assert.Equal(t, store.StageSeparation, ev.Stage)
		assert.Equal(t, 10, ev.Progress)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestFileIDFilter(t *testing.T) {
	b := NewBus(8)
	defer b.Close()

	filtered := b.Subscribe("wanted")

	b.Publish(Event{FileID: "other", Stage: store.StageSeparation, Progress: 50, Message: "ignored"})
	b.Publish(Event{FileID: "wanted", Stage: store.StageSeparation, Progress: 100, Message: "separation complete"})

	ev := receiveEvent(t, filtered)
	assert.Equal(t, "wanted", ev.FileID)
	assert.Equal(t, 100, ev.Progress)
}

func TestOverflowDropsOldestNonTerminal(t *testing.T) {
	b := NewBus(4)
	defer b.Close()

	// Subscriber that never reads while we flood it.
	sub := b.Subscribe("f1")

	for i := 1; i <= 20; i++ {
		b.Publish(Event{FileID: "f1", Stage: store.StageSeparation, Progress: i, Message: fmt.Sprintf("step %d", i)})
	}
	b.Publish(Event{FileID: "f1", Stage: store.StageSeparation, Progress: 100, Message: "separation complete"})

	events := collectUntil(t, sub, func(got []Event) bool {
		return len(got) > 0 && got[len(got)-1].Terminal()
	})

	// Far fewer events than published, but the terminal one survived. At
	// most one event was in flight plus a full queue of four.
	assert.NotEmpty(t, events)
	assert.LessOrEqual(t, len(events), 6)
	assert.Equal(t, 100, events[len(events)-1].Progress)

	// What did arrive is still in publish order.
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress)
	}
}

func TestTerminalNeverDropped(t *testing.T) {
	b := NewBus(2)
	defer b.Close()

	sub := b.Subscribe("f1")

	// Three different stages finish while the subscriber is stalled; all
	// three terminal events must survive even though the queue bound is 2.
	stages := []store.Stage{store.StageSeparation, store.StageTranscription, store.StageKaraoke}
	for _, stage := range stages {
		for p := 10; p < 100; p += 30 {
			b.Publish(Event{FileID: "f1", Stage: stage, Progress: p, Message: "working"})
		}
		b.Publish(Event{FileID: "f1", Stage: stage, Progress: 100, Message: string(stage) + " complete"})
	}

	terminals := func(got []Event) int {
		n := 0
		for _, ev := range got {
			if ev.Terminal() {
				n++
			}
		}
		return n
	}
	events := collectUntil(t, sub, func(got []Event) bool {
		return terminals(got) == len(stages)
	})

	seen := make(map[store.Stage]bool)
	for _, ev := range events {
		if ev.Terminal() {
			seen[ev.Stage] = true
		}
	}
	for _, stage := range stages {
		assert.True(t, seen[stage], "terminal event for %s must be delivered", stage)
	}
}

func TestOrderingPerStage(t *testing.T) {
	b := NewBus(64)
	defer b.Close()

	sub := b.Subscribe("")

	for i := 1; i <= 10; i++ {
		b.Publish(Event{FileID: "f1", Stage: store.StageTranscription, Progress: i * 10, Message: "tick"})
	}

	for i := 1; i <= 10; i++ {
		ev := receiveEvent(t, sub)
		assert.Equal(t, i*10, ev.Progress)
	}
}

func TestCloseTerminatesSubscriptions(t *testing.T) {
	b := NewBus(8)
	sub := b.Subscribe("")

	b.Close()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("Subscription did not close after bus shutdown")
	}

	// Publishing after close is a silent no-op.
	b.Publish(Event{FileID: "f1", Progress: 100})
	assert.Equal(t, 0, b.SubscriberCount())

	// Subscribing after close yields an already-closed subscription.
	late := b.Subscribe("")
	_, ok := <-late.Events()
	assert.False(t, ok)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(8)
	defer b.Close()

	sub := b.Subscribe("f1")
	b.Unsubscribe(sub)

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Subscription did not close after unsubscribe")
	}
	assert.Equal(t, 0, b.SubscriberCount())

	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}
