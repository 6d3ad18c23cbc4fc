// Package events is the typed in-process event channel between the
// orchestration core and its observers (API event stream, tests). Ordering
// guarantees are enforced upstream by the progress aggregator; the hub only
// fans events out.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"mediamill/task"
)

type Type string

const (
	TypeProgress        Type = "progress"
	TypeStageTransition Type = "stage_transition"
	TypeTerminal        Type = "terminal"
)

// TaskProgress is the externally reported progress snapshot of a task.
type TaskProgress struct {
	TaskID        string  `json:"taskId"`
	Stage         string  `json:"stage"`
	StageIndex    int     `json:"stageIndex"`
	StageFraction float64 `json:"stageFraction"`
	Overall       float64 `json:"overall"`
	RateBps       float64 `json:"rateBps,omitempty"`
	ETASec        int     `json:"etaSec,omitempty"` // -1 when unknown
}

// Event is a single hub message. Exactly one of the payload fields is set
// depending on Type.
type Event struct {
	Type   Type      `json:"type"`
	TaskID string    `json:"taskId"`
	At     time.Time `json:"at"`

	Progress *TaskProgress `json:"progress,omitempty"`

	FromStage string `json:"fromStage,omitempty"`
	ToStage   string `json:"toStage,omitempty"`

	Status task.Status `json:"status,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

type subscriber struct {
	ch     chan Event
	taskID string // "" subscribes to all tasks
}

// Hub fans out events to subscribers. Sends never block: a subscriber that
// cannot keep up has events dropped rather than stalling the orchestration
// loop.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]*subscriber)}
}

// Subscribe registers an observer. taskID filters to a single task when
// non-empty. The returned token is passed to Unsubscribe.
func (h *Hub) Subscribe(taskID string, buffer int) (string, <-chan Event) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer), taskID: taskID}
	token := uuid.NewString()
	h.mu.Lock()
	h.subs[token] = sub
	h.mu.Unlock()
	return token, sub.ch
}

func (h *Hub) Unsubscribe(token string) {
	h.mu.Lock()
	sub, ok := h.subs[token]
	delete(h.subs, token)
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.taskID != "" && sub.taskID != ev.TaskID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (h *Hub) PublishProgress(p TaskProgress) {
	h.Publish(Event{Type: TypeProgress, TaskID: p.TaskID, Progress: &p})
}

func (h *Hub) PublishStageTransition(taskID, from, to string) {
	h.Publish(Event{Type: TypeStageTransition, TaskID: taskID, FromStage: from, ToStage: to})
}

func (h *Hub) PublishTerminal(taskID string, status task.Status, reason string) {
	h.Publish(Event{Type: TypeTerminal, TaskID: taskID, Status: status, Reason: reason})
}
