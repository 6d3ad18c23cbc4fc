// Package sched is the orchestration core: a single-authority scheduler that
// runs a bounded number of multi-stage tasks, checkpoints them for resume,
// classifies failures for retry, and reports monotonic progress.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"mediamill/events"
	"mediamill/faults"
	"mediamill/task"
)

const (
	intentCancel = "cancel"
	intentPause  = "pause"
)

// Options tune the scheduler.
type Options struct {
	MaxConcurrent     int
	DefaultMaxRetries int
}

// attempt tracks one in-flight stage execution and the caller's stop intent.
type attempt struct {
	cancel context.CancelFunc
	intent string
}

// Scheduler owns the ready queue and the running set. All task mutations
// happen under its lock; every other component sees snapshots.
type Scheduler struct {
	opts   Options
	store  task.Store
	hub    *events.Hub
	exec   StageRunner
	resume *ResumeManager
	retry  *RetryPolicy
	agg    *Aggregator
	log    *slog.Logger

	mu      sync.Mutex
	seq     uint64
	tasks   map[string]*task.Task
	ready   *readyQueue
	running map[string]*attempt
	timers  map[string]*time.Timer
	baseCtx context.Context
	started bool
	wg      sync.WaitGroup
}

func New(opts Options, store task.Store, hub *events.Hub, exec StageRunner, resume *ResumeManager, retry *RetryPolicy, agg *Aggregator, log *slog.Logger) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 3
	}
	return &Scheduler{
		opts:    opts,
		store:   store,
		hub:     hub,
		exec:    exec,
		resume:  resume,
		retry:   retry,
		agg:     agg,
		log:     log,
		tasks:   make(map[string]*task.Task),
		ready:   newReadyQueue(),
		running: make(map[string]*attempt),
		timers:  make(map[string]*time.Timer),
	}
}

// Start begins dispatching. Tasks submitted beforehand stay queued until now.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCtx = ctx
	s.started = true
	s.log.Info("scheduler started", "maxConcurrent", s.opts.MaxConcurrent)
	s.dispatchLocked()
}

// Shutdown stops all running stages (they park as paused with their
// checkpoints intact) and waits for them to settle.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.started = false
	for _, att := range s.running {
		att.cancel()
	}
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates and enqueues a task, returning its ID.
func (s *Scheduler) Submit(t *task.Task) (string, error) {
	if err := validate(t); err != nil {
		return "", err
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = s.opts.DefaultMaxRetries
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t.Seq = s.seq
	s.tasks[t.ID] = t
	s.ready.push(t)
	s.save(t)
	s.log.Info("task submitted", "task", t.ID, "kind", t.Kind, "priority", t.Priority)
	s.dispatchLocked()
	return t.ID, nil
}

func validate(t *task.Task) error {
	if len(t.Stages) == 0 {
		return faults.Newf(faults.CodeValidation, "unknown task kind %q", t.Kind)
	}
	if t.OutputPath == "" {
		return faults.Newf(faults.CodeValidation, "output path is required")
	}
	switch t.Kind {
	case task.KindFetch:
		if t.SourceRef == "" {
			return faults.Newf(faults.CodeValidation, "source ref is required for fetch tasks")
		}
	case task.KindDerive:
		if t.InputPath == "" {
			return faults.Newf(faults.CodeValidation, "input path is required for derive tasks")
		}
	}
	return nil
}

// Cancel requests cancellation. Running tasks reach cancelled only once the
// stage confirms termination; queued/waiting tasks cancel immediately.
// Cancelling a terminal task is an InvalidStateTransition error.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return faults.Newf(faults.CodeNotFound, "task %s not found", id)
	}
	if t.Status.IsTerminal() {
		return faults.Newf(faults.CodeInvalidTransition, "cannot cancel task in state %s", t.Status)
	}
	switch t.Status {
	case task.StatusRunning:
		att := s.running[id]
		if att == nil {
			return faults.Newf(faults.CodeInternal, "task %s running without attempt", id)
		}
		att.intent = intentCancel
		att.cancel()
		s.log.Info("cancellation signalled", "task", id)
	case task.StatusQueued:
		s.ready.remove(id)
		s.finishLocked(t, task.StatusCancelled, "cancelled while queued")
	case task.StatusRetrying:
		s.stopTimerLocked(id)
		s.finishLocked(t, task.StatusCancelled, "cancelled while waiting for retry")
	case task.StatusPaused:
		s.finishLocked(t, task.StatusCancelled, "cancelled while paused")
	}
	return nil
}

// Pause requests a graceful stop at the next safe checkpoint. Only valid
// while running.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return faults.Newf(faults.CodeNotFound, "task %s not found", id)
	}
	if t.Status != task.StatusRunning {
		return faults.Newf(faults.CodeInvalidTransition, "cannot pause task in state %s", t.Status)
	}
	att := s.running[id]
	if att == nil {
		return faults.Newf(faults.CodeInternal, "task %s running without attempt", id)
	}
	att.intent = intentPause
	att.cancel()
	s.log.Info("pause signalled", "task", id)
	return nil
}

// Resume re-enqueues a paused task at its current checkpoint.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return faults.Newf(faults.CodeNotFound, "task %s not found", id)
	}
	if t.Status != task.StatusPaused {
		return faults.Newf(faults.CodeInvalidTransition, "cannot resume task in state %s", t.Status)
	}
	t.Status = task.StatusQueued
	t.UpdatedAt = time.Now()
	s.ready.push(t)
	s.save(t)
	s.dispatchLocked()
	return nil
}

// Retry re-activates a failed or cancelled task with a fresh retry budget.
func (s *Scheduler) Retry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return faults.Newf(faults.CodeNotFound, "task %s not found", id)
	}
	if t.Status != task.StatusFailed && t.Status != task.StatusCancelled {
		return faults.Newf(faults.CodeInvalidTransition, "cannot retry task in state %s", t.Status)
	}
	t.Status = task.StatusQueued
	t.RetryCount = 0
	t.NextAttemptAt = time.Time{}
	t.EndedAt = time.Time{}
	t.UpdatedAt = time.Now()
	s.ready.push(t)
	s.save(t)
	s.dispatchLocked()
	return nil
}

// Get returns a snapshot of a task.
func (s *Scheduler) Get(ctx context.Context, id string) (*task.Task, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns snapshots of live tasks matching the filter.
func (s *Scheduler) List(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	return s.store.List(ctx, f)
}

// History lists archived tasks by recency.
func (s *Scheduler) History(ctx context.Context, status task.Status, limit int) ([]*task.Task, error) {
	return s.store.History(ctx, status, limit)
}

// Progress returns the aggregated progress snapshot for a task.
func (s *Scheduler) Progress(id string) (events.TaskProgress, bool) {
	return s.agg.Snapshot(id)
}

// EvictTerminal drops terminal tasks that ended before the retention window
// from the live set and returns how many were evicted. The archived history
// record survives eviction.
func (s *Scheduler) EvictTerminal(ctx context.Context, retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	s.mu.Lock()
	var ids []string
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && !t.EndedAt.IsZero() && t.EndedAt.Before(cutoff) {
			delete(s.tasks, id)
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.store.Delete(ctx, id); err != nil {
			s.log.Warn("evicting task failed", "task", id, "err", err)
		}
	}
	if len(ids) > 0 {
		s.log.Info("terminal tasks evicted", "count", len(ids))
	}
	return len(ids)
}

// RunningCount reports how many tasks hold a concurrency slot.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// dispatchLocked admits queued tasks while slots are free. Callers hold mu.
func (s *Scheduler) dispatchLocked() {
	if !s.started {
		return
	}
	for len(s.running) < s.opts.MaxConcurrent {
		t := s.ready.pop()
		if t == nil {
			return
		}
		t.Status = task.StatusRunning
		t.UpdatedAt = time.Now()
		first := t.StartedAt.IsZero()
		if first {
			t.StartedAt = t.UpdatedAt
		}
		s.save(t)
		if first {
			s.hub.PublishStageTransition(t.ID, "", t.Stage())
		}
		ctx, cancel := context.WithCancel(s.baseCtx)
		att := &attempt{cancel: cancel}
		s.running[t.ID] = att
		s.wg.Add(1)
		go s.runStage(ctx, t, att)
	}
}

// runStage executes the task's current stage outside the lock and feeds the
// outcome back into the scheduling decision.
func (s *Scheduler) runStage(ctx context.Context, t *task.Task, att *attempt) {
	defer s.wg.Done()

	// Checkpoint validation hashes the partial artifact, which can be large;
	// run it on a snapshot outside the lock and apply the verdict after.
	s.mu.Lock()
	snap := t.Clone()
	s.mu.Unlock()

	plan := s.resume.Prepare(snap)

	s.mu.Lock()
	if s.running[t.ID] != att || t.Status != task.StatusRunning {
		s.mu.Unlock()
		return
	}
	t.Checkpoint = snap.Checkpoint
	t.Epoch = snap.Epoch
	t.DownloadedBytes = snap.DownloadedBytes
	if hints, ok := s.retry.Advice(t.ID); ok {
		plan.Hints = hints
		s.log.Info("slow link detected, applying hints",
			"task", t.ID, "chunkSize", hints.ChunkSize, "quality", hints.Quality)
	}
	s.save(t)
	s.mu.Unlock()

	report := func(fraction, rateBps float64, etaSec int) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.running[t.ID] != att || t.Status != task.StatusRunning {
			return
		}
		if rateBps > 0 && t.Stage() == task.StageTransfer {
			s.retry.ObserveRate(t.ID, rateBps)
		}
		if snap, ok := s.agg.OnStageProgress(t, fraction, rateBps, etaSec); ok {
			t.Progress = snap.StageFraction
			t.UpdatedAt = time.Now()
			s.save(t)
		}
	}

	persist := func(cp task.Checkpoint, downloaded, total int64) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.running[t.ID] != att {
			return
		}
		c := cp
		t.Checkpoint = &c
		if downloaded > 0 {
			t.DownloadedBytes = downloaded
		}
		if total > 0 {
			t.TotalBytes = total
		}
		t.UpdatedAt = time.Now()
		s.save(t)
	}

	res, err := s.exec.Run(ctx, t, plan, report, persist)
	s.onStageDone(t, att, res, err)
}

func (s *Scheduler) onStageDone(t *task.Task, att *attempt, res StageResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[t.ID] != att {
		return
	}
	delete(s.running, t.ID)
	att.cancel()

	if res.Info != nil {
		if res.Info.TotalBytes > 0 && t.TotalBytes == 0 {
			t.TotalBytes = res.Info.TotalBytes
		}
		if res.Info.DurationSec > 0 {
			t.DurationSec = res.Info.DurationSec
		}
	}

	if err == nil {
		s.advanceLocked(t)
		return
	}

	if res.Checkpoint != nil {
		cp := *res.Checkpoint
		t.Checkpoint = &cp
	}

	if faults.CodeOf(err) == faults.CodeCancelled || errors.Is(err, context.Canceled) {
		switch att.intent {
		case intentCancel:
			s.finishLocked(t, task.StatusCancelled, "cancelled")
		default:
			// Pause request, or scheduler shutdown: park at the last safe
			// checkpoint.
			t.Status = task.StatusPaused
			t.UpdatedAt = time.Now()
			s.save(t)
			s.log.Info("task paused", "task", t.ID, "stage", t.Stage())
		}
		s.dispatchLocked()
		return
	}

	s.handleFailureLocked(t, err)
	s.dispatchLocked()
}

// advanceLocked moves a task past a successful stage: either continue with
// the next stage in the same slot, or complete.
func (s *Scheduler) advanceLocked(t *task.Task) {
	t.Checkpoint = nil
	s.agg.StageCompleted(t)
	t.Progress = 1
	from := t.Stage()

	if t.Kind == task.KindFetch && from == task.StageTransfer && t.TotalBytes > 0 {
		t.DownloadedBytes = t.TotalBytes
	}

	if t.LastStage() {
		s.finishLocked(t, task.StatusCompleted, "")
		s.dispatchLocked()
		return
	}

	t.StageIndex++
	t.Progress = 0
	t.UpdatedAt = time.Now()
	s.save(t)
	s.hub.PublishStageTransition(t.ID, from, t.Stage())
	s.log.Info("stage advanced", "task", t.ID, "from", from, "to", t.Stage())

	// The task keeps its slot: the next stage continues immediately.
	ctx, cancel := context.WithCancel(s.baseCtx)
	att := &attempt{cancel: cancel}
	s.running[t.ID] = att
	s.wg.Add(1)
	go s.runStage(ctx, t, att)
}

func (s *Scheduler) handleFailureLocked(t *task.Task, err error) {
	t.RecordFailure(err.Error())
	dec := s.retry.Classify(err, t.RetryCount)
	s.log.Warn("stage failed", "task", t.ID, "stage", t.Stage(),
		"code", string(faults.CodeOf(err)), "retryable", dec.Retryable, "err", err)

	if !dec.Retryable || t.RetryCount >= t.MaxRetries {
		s.finishLocked(t, task.StatusFailed, t.LastError)
		return
	}

	t.RetryCount++
	if dec.RestartFromZero {
		if t.Checkpoint != nil && t.Checkpoint.PartialPath != "" {
			_ = os.Remove(t.Checkpoint.PartialPath)
		}
		t.Checkpoint = nil
		t.Epoch++
		t.DownloadedBytes = 0
		t.Progress = 0
	}

	if dec.Delay <= 0 {
		t.Status = task.StatusQueued
		t.UpdatedAt = time.Now()
		s.ready.push(t)
		s.save(t)
		return
	}

	t.Status = task.StatusRetrying
	t.NextAttemptAt = time.Now().Add(dec.Delay)
	t.UpdatedAt = time.Now()
	s.save(t)
	s.timers[t.ID] = time.AfterFunc(dec.Delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.timers, t.ID)
		if t.Status != task.StatusRetrying {
			return
		}
		t.Status = task.StatusQueued
		t.NextAttemptAt = time.Time{}
		t.UpdatedAt = time.Now()
		s.ready.push(t)
		s.save(t)
		s.dispatchLocked()
	})
}

// finishLocked moves a task into a terminal state and archives it.
func (s *Scheduler) finishLocked(t *task.Task, status task.Status, reason string) {
	t.Status = status
	t.EndedAt = time.Now()
	t.UpdatedAt = t.EndedAt
	if status == task.StatusCompleted {
		t.Progress = 1
	}
	s.save(t)
	// Archiving is a multi-command store round trip; keep it off the lock.
	snap := t.Clone()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.store.Archive(context.Background(), snap); err != nil {
			s.log.Error("archive failed", "task", snap.ID, "err", err)
		}
	}()
	s.hub.PublishTerminal(t.ID, status, reason)
	s.agg.Drop(t.ID)
	s.retry.Forget(t.ID)
	s.stopTimerLocked(t.ID)
	s.log.Info("task finished", "task", t.ID, "status", string(status), "reason", reason)
}

func (s *Scheduler) stopTimerLocked(id string) {
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

// save persists a snapshot. Callers hold mu.
func (s *Scheduler) save(t *task.Task) {
	if err := s.store.Save(context.Background(), t); err != nil {
		s.log.Error("persist failed", "task", t.ID, "err", err)
	}
}
