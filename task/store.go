package task

import "context"

// Filter narrows List queries. Zero values match everything.
type Filter struct {
	Status Status
	Kind   Kind
}

// Store is the single source of truth for task records. Live records are
// written only from the orchestration loop; reads return deep copies so
// observers always see a consistent snapshot.
type Store interface {
	Save(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, bool, error)
	List(ctx context.Context, f Filter) ([]*Task, error)

	// Archive moves a terminal task into the append-only history.
	Archive(ctx context.Context, t *Task) error

	// History lists archived tasks, most recently ended first, optionally
	// filtered by status.
	History(ctx context.Context, status Status, limit int) ([]*Task, error)

	// Delete removes a live record. Running tasks must never be deleted.
	Delete(ctx context.Context, id string) error

	Close() error
}
