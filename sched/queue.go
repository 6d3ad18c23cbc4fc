package sched

import (
	"container/heap"

	"mediamill/task"
)

// readyQueue orders queued tasks by priority (higher first), FIFO within a
// priority via the task's creation sequence number.
type readyQueue struct {
	items []*task.Task
	index map[string]int
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{index: make(map[string]int)}
	heap.Init(q)
	return q
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

func (q *readyQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.index[q.items[i].ID] = i
	q.index[q.items[j].ID] = j
}

func (q *readyQueue) Push(x any) {
	t := x.(*task.Task)
	q.index[t.ID] = len(q.items)
	q.items = append(q.items, t)
}

func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	delete(q.index, t.ID)
	return t
}

func (q *readyQueue) push(t *task.Task) { heap.Push(q, t) }

func (q *readyQueue) pop() *task.Task {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*task.Task)
}

// remove extracts a task by ID, used when a queued task is cancelled.
func (q *readyQueue) remove(id string) *task.Task {
	i, ok := q.index[id]
	if !ok {
		return nil
	}
	return heap.Remove(q, i).(*task.Task)
}

func (q *readyQueue) contains(id string) bool {
	_, ok := q.index[id]
	return ok
}
