package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediamill/task"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestHubFanOut(t *testing.T) {
	h := NewHub()
	t1, ch1 := h.Subscribe("", 8)
	t2, ch2 := h.Subscribe("", 8)
	defer h.Unsubscribe(t1)
	defer h.Unsubscribe(t2)

	h.PublishStageTransition("task-1", "info", "transfer")

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := recv(t, ch)
		assert.Equal(t, TypeStageTransition, ev.Type)
		assert.Equal(t, "task-1", ev.TaskID)
		assert.Equal(t, "info", ev.FromStage)
		assert.Equal(t, "transfer", ev.ToStage)
		assert.False(t, ev.At.IsZero())
	}
}

func TestHubTaskFilter(t *testing.T) {
	h := NewHub()
	token, ch := h.Subscribe("task-a", 8)
	defer h.Unsubscribe(token)

	h.PublishTerminal("task-b", task.StatusFailed, "boom")
	h.PublishTerminal("task-a", task.StatusCompleted, "")

	ev := recv(t, ch)
	assert.Equal(t, "task-a", ev.TaskID)
	assert.Equal(t, task.StatusCompleted, ev.Status)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected event for %s", extra.TaskID)
	default:
	}
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	h := NewHub()
	token, ch := h.Subscribe("", 1)
	defer h.Unsubscribe(token)

	h.PublishProgress(TaskProgress{TaskID: "t", StageFraction: 0.1})
	h.PublishProgress(TaskProgress{TaskID: "t", StageFraction: 0.2})

	ev := recv(t, ch)
	require.NotNil(t, ev.Progress)
	assert.InDelta(t, 0.1, ev.Progress.StageFraction, 1e-9)
	select {
	case <-ch:
		t.Fatal("second event should have been dropped")
	default:
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	token, ch := h.Subscribe("", 1)
	h.Unsubscribe(token)

	_, open := <-ch
	assert.False(t, open)

	// Unsubscribing twice is harmless.
	h.Unsubscribe(token)
}
