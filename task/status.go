package task

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusQueued means the task is waiting in the ready queue.
	StatusQueued Status = "queued"

	// StatusRunning means the task occupies a concurrency slot and a stage
	// is executing.
	StatusRunning Status = "running"

	// StatusPaused means the task was stopped at a safe checkpoint and
	// waits for an explicit resume.
	StatusPaused Status = "paused"

	// StatusRetrying means a retryable failure occurred and the task waits
	// out its backoff delay before re-entering the ready queue.
	StatusRetrying Status = "retrying"

	// StatusCompleted means the last stage finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed means the task ended with a terminal failure.
	StatusFailed Status = "failed"

	// StatusCancelled means the task was cancelled by the caller.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true for states that are immutable and archived.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive returns true if the task currently holds or may reclaim a
// concurrency slot without caller intervention.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusRetrying
}
