// Package task defines the persisted unit of orchestration: the Task entity,
// its stage pipeline per kind, checkpoints, failure history, and the Store
// that holds live and archived records.
package task

import (
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// Kind selects the stage pipeline of a task.
type Kind string

const (
	// KindFetch downloads a remote source and derives captions from it.
	KindFetch Kind = "fetch"

	// KindDerive re-encodes a local file in two passes.
	KindDerive Kind = "derive"
)

// Stage names, ordered per kind by StagesFor.
const (
	StageInfo      = "info"
	StageTransfer  = "transfer"
	StageMerge     = "merge"
	StageCaption   = "caption"
	StageTranslate = "translate"
	StageEmbed     = "embed"

	StageAnalyze  = "analyze"
	StagePass1    = "pass1"
	StagePass2    = "pass2"
	StageFinalize = "finalize"
)

var fetchStages = []string{StageInfo, StageTransfer, StageMerge, StageCaption, StageTranslate, StageEmbed}
var deriveStages = []string{StageAnalyze, StagePass1, StagePass2, StageFinalize}

// StagesFor returns the ordered stage pipeline for a kind. The returned slice
// must not be mutated.
func StagesFor(kind Kind) []string {
	switch kind {
	case KindFetch:
		return fetchStages
	case KindDerive:
		return deriveStages
	}
	return nil
}

// Checkpoint is the per-stage resume token. It is only persisted on a task
// after the resume manager validated it against the on-disk artifact.
type Checkpoint struct {
	Stage          string `json:"stage"`
	BytesConfirmed int64  `json:"bytesConfirmed,omitempty"`
	Pass           int    `json:"pass,omitempty"`
	PartialPath    string `json:"partialPath,omitempty"`
	Fingerprint    string `json:"fingerprint,omitempty"` // sha256 hex of the confirmed region
}

// FailureRecord is one appended entry of a task's failure history.
type FailureRecord struct {
	At                time.Time `json:"at"`
	Stage             string    `json:"stage"`
	Reason            string    `json:"reason"`
	ProgressAtFailure float64   `json:"progressAtFailure"`
}

// Options carries submission-time knobs shared by both kinds.
type Options struct {
	Priority   int    `json:"priority,omitempty"`
	MaxRetries int    `json:"maxRetries,omitempty"`
	Quality    string `json:"quality,omitempty"`    // fetch: requested rendition
	Language   string `json:"language,omitempty"`   // caption language hint
	TargetLang string `json:"targetLang,omitempty"` // translate target
	ExtraArgs  string `json:"extraArgs,omitempty"`  // derive: extra encoder args
}

// Task is the unit of orchestration. Mutated only by the scheduler and by
// stage executor callbacks; terminal tasks are immutable.
type Task struct {
	ID     string   `json:"id"`
	Kind   Kind     `json:"kind"`
	Stages []string `json:"stages"`

	SourceRef  string  `json:"sourceRef,omitempty"`
	InputPath  string  `json:"inputPath,omitempty"`
	OutputPath string  `json:"outputPath"`
	Options    Options `json:"options"`

	Status     Status  `json:"status"`
	StageIndex int     `json:"stageIndex"`
	Progress   float64 `json:"progress"` // current stage, 0..1

	// Epoch is bumped on every restart-from-zero; progress monotonicity is
	// guaranteed per (StageIndex, Epoch).
	Epoch int `json:"epoch"`

	DownloadedBytes int64   `json:"downloadedBytes,omitempty"`
	TotalBytes      int64   `json:"totalBytes,omitempty"`
	DurationSec     float64 `json:"durationSec,omitempty"`

	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`

	Priority   int    `json:"priority"`
	Seq        uint64 `json:"seq"` // creation order, FIFO tie-break
	RetryCount int    `json:"retryCount"`
	MaxRetries int    `json:"maxRetries"`

	FailureHistory []FailureRecord `json:"failureHistory,omitempty"`
	LastError      string          `json:"lastError,omitempty"`

	// NextAttemptAt is set while status is retrying so observers can render
	// a countdown.
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

// New creates a queued task of the given kind.
func New(kind Kind, opts Options) *Task {
	now := time.Now()
	return &Task{
		ID:         fmt.Sprintf("%s_%s", kind, shortuuid.New()),
		Kind:       kind,
		Stages:     StagesFor(kind),
		Status:     StatusQueued,
		Options:    opts,
		Priority:   opts.Priority,
		MaxRetries: opts.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Stage returns the current stage name, or "" once the pipeline is exhausted.
func (t *Task) Stage() string {
	if t.StageIndex < 0 || t.StageIndex >= len(t.Stages) {
		return ""
	}
	return t.Stages[t.StageIndex]
}

// LastStage reports whether the current stage is the final one.
func (t *Task) LastStage() bool {
	return t.StageIndex == len(t.Stages)-1
}

// RecordFailure appends to the failure history and remembers the reason for
// user display.
func (t *Task) RecordFailure(reason string) {
	t.LastError = reason
	t.FailureHistory = append(t.FailureHistory, FailureRecord{
		At:                time.Now(),
		Stage:             t.Stage(),
		Reason:            reason,
		ProgressAtFailure: t.Progress,
	})
}

// Clone returns a deep copy safe for handing to readers outside the
// orchestration loop.
func (t *Task) Clone() *Task {
	c := *t
	c.Stages = append([]string(nil), t.Stages...)
	if t.Checkpoint != nil {
		cp := *t.Checkpoint
		c.Checkpoint = &cp
	}
	c.FailureHistory = append([]FailureRecord(nil), t.FailureHistory...)
	return &c
}
