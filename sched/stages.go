package sched

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"mediamill/collab"
	"mediamill/faults"
	"mediamill/runner"
	"mediamill/task"
)

// ProgressFn delivers one normalized stage progress sample to the scheduler.
type ProgressFn func(fraction, rateBps float64, etaSec int)

// CheckpointFn persists an intermediate checkpoint while a stage runs.
type CheckpointFn func(cp task.Checkpoint, downloadedBytes, totalBytes int64)

// StageResult carries what a finished stage learned about the task.
type StageResult struct {
	// Checkpoint is the resume state that survives an interrupted stage,
	// nil when nothing can be resumed.
	Checkpoint *task.Checkpoint

	// Info is set by probing stages (info, analyze, merge).
	Info *collab.MediaInfo
}

// Encoder is the transcode/mux surface the executor needs. Satisfied by
// collab.FFmpegTranscoder.
type Encoder interface {
	Probe(ctx context.Context, path string) (collab.MediaInfo, error)
	Run(ctx context.Context, inputPath, outputPath string, params collab.TranscodeParams, report func(runner.Progress)) error
	MuxSubtitles(ctx context.Context, inputPath, subtitlePath, outputPath string, durationSec float64, report func(runner.Progress)) error
	Remux(ctx context.Context, inputPath, outputPath string, durationSec float64, report func(runner.Progress)) error
}

// StageRunner is the scheduler's view of stage execution.
type StageRunner interface {
	Run(ctx context.Context, t *task.Task, plan Plan, report ProgressFn, persist CheckpointFn) (StageResult, error)
}

// Executor runs exactly one pipeline stage per call, dispatching on the
// stage name to the right collaborator.
type Executor struct {
	Fetcher     collab.MediaFetcher
	Encoder     Encoder
	Transcriber collab.Transcriber
	Translator  collab.Translator

	WorkDir      string
	StageTimeout time.Duration
	ChunkSize    int64

	// Resource gate thresholds; zero disables the corresponding check.
	MinFreeDisk   uint64
	MinIdleCPUPct float64
	MinFreeMem    uint64

	Log *slog.Logger

	// Seams for tests; nil falls through to gopsutil.
	DiskFree func(path string) (uint64, error)
	CPUIdle  func() (float64, error)
	MemAvail func() (uint64, error)
}

const translateBatchSize = 100

// Run executes the task's current stage. Cancellation of ctx stops the stage
// at the next safe point; the per-stage timeout is applied here.
func (e *Executor) Run(ctx context.Context, t *task.Task, plan Plan, report ProgressFn, persist CheckpointFn) (StageResult, error) {
	if e.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.StageTimeout)
		defer cancel()
	}

	stage := t.Stage()
	switch stage {
	case task.StageInfo:
		return e.runInfo(ctx, t, report)
	case task.StageTransfer:
		return e.runTransfer(ctx, t, plan, report, persist)
	case task.StageMerge:
		return e.runMerge(ctx, t, report)
	case task.StageCaption:
		return e.runCaption(ctx, t, report)
	case task.StageTranslate:
		return e.runTranslate(ctx, t, report)
	case task.StageEmbed:
		return e.runEmbed(ctx, t, report)
	case task.StageAnalyze:
		return e.runAnalyze(ctx, t, report)
	case task.StagePass1:
		return e.runPass(ctx, t, plan, 1, report, persist)
	case task.StagePass2:
		return e.runPass(ctx, t, plan, 2, report, persist)
	case task.StageFinalize:
		return e.runFinalize(ctx, t, report)
	}
	return StageResult{}, faults.Newf(faults.CodeValidation, "unknown stage %q", stage)
}

func (e *Executor) runInfo(ctx context.Context, t *task.Task, report ProgressFn) (StageResult, error) {
	info, err := e.Fetcher.Probe(ctx, t.SourceRef)
	if err != nil {
		return StageResult{}, err
	}
	report(1, 0, -1)
	return StageResult{Info: &info}, nil
}

func (e *Executor) runTransfer(ctx context.Context, t *task.Task, plan Plan, report ProgressFn, persist CheckpointFn) (StageResult, error) {
	if err := e.gate(); err != nil {
		return StageResult{}, err
	}

	dest := e.partPath(t)
	offset := int64(0)
	if plan.FromCheckpoint {
		offset = plan.Offset
	} else {
		_ = os.Remove(dest)
	}

	opts := collab.FetchOptions{ChunkSize: e.ChunkSize, Quality: t.Options.Quality}
	if plan.Hints.ChunkSize > 0 {
		opts.ChunkSize = plan.Hints.ChunkSize
	}
	if plan.Hints.Quality != "" {
		opts.Quality = plan.Hints.Quality
	}

	var lastWritten, lastTotal int64
	err := e.Fetcher.Fetch(ctx, t.SourceRef, dest, offset, opts, func(s collab.FetchSample) {
		lastWritten, lastTotal = s.BytesWritten, s.TotalBytes
		fraction := -1.0
		eta := -1
		if s.TotalBytes > 0 {
			fraction = float64(s.BytesWritten) / float64(s.TotalBytes)
			if s.RateBps > 0 {
				eta = int(float64(s.TotalBytes-s.BytesWritten) / s.RateBps)
			}
		}
		persist(task.Checkpoint{
			Stage:          task.StageTransfer,
			BytesConfirmed: s.BytesWritten,
			PartialPath:    dest,
		}, s.BytesWritten, s.TotalBytes)
		if fraction >= 0 {
			report(fraction, s.RateBps, eta)
		}
	})
	if err != nil {
		// Seal the checkpoint with a fingerprint so a later resume can
		// detect corruption of the partial artifact.
		return StageResult{Checkpoint: e.sealTransferCheckpoint(dest)}, err
	}

	if lastTotal > 0 && lastWritten != lastTotal {
		return StageResult{}, faults.Newf(faults.CodeCorruption,
			"transfer ended short: %d of %d bytes", lastWritten, lastTotal)
	}
	report(1, 0, 0)
	return StageResult{}, nil
}

func (e *Executor) sealTransferCheckpoint(dest string) *task.Checkpoint {
	info, err := os.Stat(dest)
	if err != nil || info.Size() == 0 {
		return nil
	}
	cp := &task.Checkpoint{
		Stage:          task.StageTransfer,
		BytesConfirmed: info.Size(),
		PartialPath:    dest,
	}
	if fp, err := fingerprintRegion(dest, info.Size()); err == nil {
		cp.Fingerprint = fp
	}
	return cp
}

func (e *Executor) runMerge(ctx context.Context, t *task.Task, report ProgressFn) (StageResult, error) {
	src := e.partPath(t)
	info, err := e.Encoder.Probe(ctx, src)
	if err != nil {
		return StageResult{}, err
	}
	err = e.Encoder.Remux(ctx, src, e.mergedPath(t), info.DurationSec, e.reportRunner(report))
	if err != nil {
		return StageResult{}, err
	}
	report(1, 0, 0)
	return StageResult{Info: &info}, nil
}

func (e *Executor) runCaption(ctx context.Context, t *task.Task, report ProgressFn) (StageResult, error) {
	err := e.Transcriber.Transcribe(ctx, e.mergedPath(t), t.Options.Language, e.captionPath(t), func(fraction float64) {
		report(fraction, 0, -1)
	})
	if err != nil {
		return StageResult{}, err
	}
	report(1, 0, 0)
	return StageResult{}, nil
}

func (e *Executor) runTranslate(ctx context.Context, t *task.Task, report ProgressFn) (StageResult, error) {
	if t.Options.TargetLang == "" {
		report(1, 0, 0)
		return StageResult{}, nil
	}
	segs, err := collab.ReadSRTFile(e.captionPath(t))
	if err != nil {
		return StageResult{}, faults.New(faults.CodeValidation, "caption file unreadable", err)
	}
	for start := 0; start < len(segs); start += translateBatchSize {
		end := start + translateBatchSize
		if end > len(segs) {
			end = len(segs)
		}
		texts := make([]string, 0, end-start)
		for _, s := range segs[start:end] {
			texts = append(texts, s.Text)
		}
		translated, err := e.Translator.TranslateBatch(ctx, texts, t.Options.TargetLang)
		if err != nil {
			return StageResult{}, err
		}
		for i := range translated {
			segs[start+i].Text = translated[i]
		}
		report(float64(end)/float64(len(segs)), 0, -1)
	}
	if err := collab.WriteSRTFile(e.translatedPath(t), segs); err != nil {
		return StageResult{}, faults.New(faults.CodeInternal, "write translated captions", err)
	}
	report(1, 0, 0)
	return StageResult{}, nil
}

func (e *Executor) runEmbed(ctx context.Context, t *task.Task, report ProgressFn) (StageResult, error) {
	sub := e.translatedPath(t)
	if _, err := os.Stat(sub); err != nil {
		sub = e.captionPath(t)
	}
	err := e.Encoder.MuxSubtitles(ctx, e.mergedPath(t), sub, t.OutputPath, t.DurationSec, e.reportRunner(report))
	if err != nil {
		return StageResult{}, err
	}
	e.cleanupFetchTemps(t)
	report(1, 0, 0)
	return StageResult{}, nil
}

func (e *Executor) runAnalyze(ctx context.Context, t *task.Task, report ProgressFn) (StageResult, error) {
	if err := e.gate(); err != nil {
		return StageResult{}, err
	}
	info, err := e.Encoder.Probe(ctx, t.InputPath)
	if err != nil {
		return StageResult{}, err
	}
	report(1, 0, 0)
	return StageResult{Info: &info}, nil
}

func (e *Executor) runPass(ctx context.Context, t *task.Task, plan Plan, pass int, report ProgressFn, persist CheckpointFn) (StageResult, error) {
	if err := e.gate(); err != nil {
		return StageResult{}, err
	}

	out := e.encodedPath(t)
	if pass == 2 {
		// Passes are not byte-resumable: any partial output of this pass
		// is discarded before re-entering.
		_ = os.Remove(out)
	}

	extra, err := collab.SplitExtraArgs(t.Options.ExtraArgs)
	if err != nil {
		return StageResult{}, err
	}

	// Record the pass boundary up front so an interruption resumes here.
	cp := task.Checkpoint{
		Stage:       t.Stage(),
		Pass:        pass,
		PartialPath: e.passLogPrefix(t),
	}
	persist(cp, t.DownloadedBytes, t.TotalBytes)

	params := collab.TranscodeParams{
		Args:        extra,
		Pass:        pass,
		PassLogPath: e.passLogPrefix(t),
		DurationSec: t.DurationSec,
	}
	err = e.Encoder.Run(ctx, t.InputPath, out, params, e.reportRunner(report))
	if err != nil {
		return StageResult{Checkpoint: &cp}, err
	}
	report(1, 0, 0)
	return StageResult{}, nil
}

func (e *Executor) runFinalize(ctx context.Context, t *task.Task, report ProgressFn) (StageResult, error) {
	err := e.Encoder.Remux(ctx, e.encodedPath(t), t.OutputPath, t.DurationSec, e.reportRunner(report))
	if err != nil {
		return StageResult{}, err
	}
	e.cleanupDeriveTemps(t)
	report(1, 0, 0)
	return StageResult{}, nil
}

// reportRunner adapts runner progress samples to the scheduler callback.
func (e *Executor) reportRunner(report ProgressFn) func(runner.Progress) {
	return func(p runner.Progress) {
		if p.Fraction >= 0 {
			report(p.Fraction, p.RateBps, p.ETASec)
		}
	}
}

// gate checks host resources before starting heavyweight stages. Disk
// shortfall is fatal; cpu/mem pressure is a capacity fault the retry policy
// schedules around.
func (e *Executor) gate() error {
	if e.MinFreeDisk > 0 {
		free, err := e.diskFree(e.WorkDir)
		if err != nil {
			e.Log.Warn("disk usage probe failed", "err", err)
		} else if free < e.MinFreeDisk {
			return faults.Newf(faults.CodeDiskSpace,
				"free disk %d below required %d", free, e.MinFreeDisk)
		}
	}
	if e.MinIdleCPUPct > 0 {
		idle, err := e.cpuIdle()
		if err != nil {
			e.Log.Warn("cpu probe failed", "err", err)
		} else if idle < e.MinIdleCPUPct {
			return faults.Newf(faults.CodeQuota,
				"idle cpu %.1f%% below required %.1f%%", idle, e.MinIdleCPUPct)
		}
	}
	if e.MinFreeMem > 0 {
		avail, err := e.memAvail()
		if err != nil {
			e.Log.Warn("memory probe failed", "err", err)
		} else if avail < e.MinFreeMem {
			return faults.Newf(faults.CodeQuota,
				"available memory %d below required %d", avail, e.MinFreeMem)
		}
	}
	return nil
}

func (e *Executor) diskFree(path string) (uint64, error) {
	if e.DiskFree != nil {
		return e.DiskFree(path)
	}
	d, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return d.Free, nil
}

func (e *Executor) cpuIdle() (float64, error) {
	if e.CPUIdle != nil {
		return e.CPUIdle()
	}
	p, err := cpu.Percent(time.Second, false)
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 100, nil
	}
	return 100 - p[0], nil
}

func (e *Executor) memAvail() (uint64, error) {
	if e.MemAvail != nil {
		return e.MemAvail()
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

func (e *Executor) partPath(t *task.Task) string {
	return filepath.Join(e.WorkDir, t.ID+".part")
}

func (e *Executor) mergedPath(t *task.Task) string {
	return filepath.Join(e.WorkDir, t.ID+".merged.mp4")
}

func (e *Executor) captionPath(t *task.Task) string {
	return filepath.Join(e.WorkDir, t.ID+".srt")
}

func (e *Executor) translatedPath(t *task.Task) string {
	return filepath.Join(e.WorkDir, fmt.Sprintf("%s.%s.srt", t.ID, t.Options.TargetLang))
}

func (e *Executor) encodedPath(t *task.Task) string {
	return filepath.Join(e.WorkDir, t.ID+".encoded.mp4")
}

func (e *Executor) passLogPrefix(t *task.Task) string {
	return filepath.Join(e.WorkDir, t.ID+".passlog")
}

func (e *Executor) cleanupFetchTemps(t *task.Task) {
	_ = os.Remove(e.partPath(t))
	_ = os.Remove(e.mergedPath(t))
	_ = os.Remove(e.captionPath(t))
	_ = os.Remove(e.translatedPath(t))
}

func (e *Executor) cleanupDeriveTemps(t *task.Task) {
	_ = os.Remove(e.encodedPath(t))
	_ = os.Remove(passLogFile(e.passLogPrefix(t)))
}
