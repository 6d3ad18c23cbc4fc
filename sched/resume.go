package sched

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"

	"mediamill/task"
)

// Plan is the resume manager's verdict for starting a stage: continue from
// the validated checkpoint or restart from zero.
type Plan struct {
	FromCheckpoint bool
	Offset         int64 // byte offset for byte-resumable stages
	Pass           int   // pass number for encode stages
	Reason         string

	// Advisory hints merged in by the scheduler from the retry policy.
	Hints Hints
}

// ResumeManager validates persisted checkpoints against on-disk artifacts.
type ResumeManager struct {
	log *slog.Logger
}

func NewResumeManager(log *slog.Logger) *ResumeManager {
	return &ResumeManager{log: log}
}

// Prepare decides the starting point for the task's current stage. A
// checkpoint that fails validation is cleared from the task and the epoch is
// bumped; the caller persists the mutation.
func (m *ResumeManager) Prepare(t *task.Task) Plan {
	cp := t.Checkpoint
	if cp == nil {
		return Plan{Reason: "no checkpoint"}
	}
	if cp.Stage != t.Stage() {
		m.restart(t, "checkpoint belongs to another stage")
		return Plan{Reason: "checkpoint belongs to another stage"}
	}

	switch cp.Stage {
	case task.StageTransfer:
		return m.prepareTransfer(t, cp)
	case task.StagePass1, task.StagePass2:
		return m.preparePass(t, cp)
	}
	// Other stages have no intra-stage resume state.
	m.restart(t, "stage is not resumable")
	return Plan{Reason: "stage is not resumable"}
}

func (m *ResumeManager) prepareTransfer(t *task.Task, cp *task.Checkpoint) Plan {
	info, err := os.Stat(cp.PartialPath)
	if err != nil {
		m.restart(t, "partial artifact missing")
		return Plan{Reason: "partial artifact missing"}
	}
	if info.Size() != cp.BytesConfirmed {
		m.restartCorrupt(t, cp)
		return Plan{Reason: "partial artifact size mismatch"}
	}
	if cp.Fingerprint != "" {
		fp, err := fingerprintRegion(cp.PartialPath, cp.BytesConfirmed)
		if err != nil || fp != cp.Fingerprint {
			m.restartCorrupt(t, cp)
			return Plan{Reason: "fingerprint mismatch"}
		}
	}
	m.log.Info("resuming transfer from checkpoint",
		"task", t.ID, "offset", cp.BytesConfirmed)
	return Plan{FromCheckpoint: true, Offset: cp.BytesConfirmed, Reason: "checkpoint validated"}
}

func (m *ResumeManager) preparePass(t *task.Task, cp *task.Checkpoint) Plan {
	// Passes are stage-resumable, not byte-resumable: the pass log must
	// exist and any partial output of the current pass is discarded.
	if cp.PartialPath != "" {
		if _, err := os.Stat(passLogFile(cp.PartialPath)); err != nil {
			m.restart(t, "pass log missing")
			return Plan{Reason: "pass log missing"}
		}
	}
	m.log.Info("re-entering encode pass", "task", t.ID, "pass", cp.Pass)
	return Plan{FromCheckpoint: true, Pass: cp.Pass, Reason: "pass log present"}
}

func (m *ResumeManager) restart(t *task.Task, reason string) {
	m.log.Info("restarting stage from zero", "task", t.ID, "stage", t.Stage(), "reason", reason)
	t.Checkpoint = nil
	t.Epoch++
}

// restartCorrupt additionally removes the unusable partial artifact.
func (m *ResumeManager) restartCorrupt(t *task.Task, cp *task.Checkpoint) {
	if cp.PartialPath != "" {
		_ = os.Remove(cp.PartialPath)
	}
	t.DownloadedBytes = 0
	m.restart(t, "corrupt partial artifact")
}

// fingerprintRegion hashes the first n bytes of the partial artifact.
func fingerprintRegion(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.CopyN(h, f, n); err != nil && err != io.EOF {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// passLogFile maps the pass log prefix handed to the encoder to the file it
// writes for the first video stream.
func passLogFile(prefix string) string {
	return prefix + "-0.log"
}
