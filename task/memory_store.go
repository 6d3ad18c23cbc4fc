package task

import (
	"context"
	"sort"
	"sync"

	"mediamill/faults"
)

// MemoryStore keeps live and archived tasks in process memory. It is the
// default backend.
type MemoryStore struct {
	mu      sync.RWMutex
	live    map[string]*Task
	history []*Task
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{live: make(map[string]*Task)}
}

func (s *MemoryStore) Save(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.live[id]
	if !ok {
		return nil, false, nil
	}
	return t.Clone(), true, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.live))
	for _, t := range s.live {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) Archive(_ context.Context, t *Task) error {
	if !t.Status.IsTerminal() {
		return faults.Newf(faults.CodeInvalidTransition, "cannot archive task %s in state %s", t.ID, t.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[t.ID] = t.Clone()
	s.history = append(s.history, t.Clone())
	return nil
}

func (s *MemoryStore) History(_ context.Context, status Status, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.history))
	for _, t := range s.history {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.live[id]; ok && t.Status == StatusRunning {
		return faults.Newf(faults.CodeInvalidTransition, "cannot delete running task %s", id)
	}
	delete(s.live, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
