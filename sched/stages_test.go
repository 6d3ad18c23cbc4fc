package sched

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediamill/collab"
	"mediamill/faults"
	"mediamill/runner"
	"mediamill/task"
)

type fakeFetcher struct {
	content   []byte
	err       error
	gotOffset int64
	gotOpts   collab.FetchOptions
}

func (f *fakeFetcher) Probe(ctx context.Context, sourceRef string) (collab.MediaInfo, error) {
	return collab.MediaInfo{Title: "clip", TotalBytes: int64(len(f.content))}, nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, sourceRef, destPath string, byteOffset int64, opts collab.FetchOptions, report func(collab.FetchSample)) error {
	f.gotOffset = byteOffset
	f.gotOpts = opts
	if err := os.WriteFile(destPath, f.content, 0o644); err != nil {
		return err
	}
	total := int64(len(f.content))
	written := byteOffset
	for written < total {
		step := total / 4
		if step == 0 || written+step > total {
			step = total - written
		}
		written += step
		report(collab.FetchSample{BytesWritten: written, TotalBytes: total, RateBps: 1000})
	}
	return f.err
}

type fakeEncoder struct {
	duration  float64
	gotParams collab.TranscodeParams
	gotSub    string
	runErr    error
}

func (e *fakeEncoder) Probe(ctx context.Context, path string) (collab.MediaInfo, error) {
	return collab.MediaInfo{DurationSec: e.duration}, nil
}

func (e *fakeEncoder) Run(ctx context.Context, inputPath, outputPath string, params collab.TranscodeParams, report func(runner.Progress)) error {
	e.gotParams = params
	if e.runErr != nil {
		return e.runErr
	}
	report(runner.Progress{Fraction: 0.5, ETASec: -1})
	return os.WriteFile(outputPath, []byte("encoded"), 0o644)
}

func (e *fakeEncoder) MuxSubtitles(ctx context.Context, inputPath, subtitlePath, outputPath string, durationSec float64, report func(runner.Progress)) error {
	e.gotSub = subtitlePath
	return os.WriteFile(outputPath, []byte("muxed"), 0o644)
}

func (e *fakeEncoder) Remux(ctx context.Context, inputPath, outputPath string, durationSec float64, report func(runner.Progress)) error {
	return os.WriteFile(outputPath, []byte("remuxed"), 0o644)
}

type fakeTranscriber struct{}

func (fakeTranscriber) Transcribe(ctx context.Context, audioPath, languageHint, outPath string, report func(fraction float64)) error {
	report(0.5)
	return collab.WriteSRTFile(outPath, []collab.Segment{
		{Index: 1, Timing: "00:00:01,000 --> 00:00:02,000", Text: "hello"},
	})
}

type upperTranslator struct{ batches int }

func (u *upperTranslator) TranslateBatch(ctx context.Context, texts []string, targetLang string) ([]string, error) {
	u.batches++
	out := make([]string, len(texts))
	for i, s := range texts {
		out[i] = strings.ToUpper(s)
	}
	return out, nil
}

func newTestExecutor(t *testing.T) (*Executor, *fakeFetcher, *fakeEncoder, *upperTranslator) {
	t.Helper()
	fetcher := &fakeFetcher{content: []byte(strings.Repeat("x", 4096))}
	encoder := &fakeEncoder{duration: 120}
	translator := &upperTranslator{}
	return &Executor{
		Fetcher:     fetcher,
		Encoder:     encoder,
		Transcriber: fakeTranscriber{},
		Translator:  translator,
		WorkDir:     t.TempDir(),
		ChunkSize:   1024,
		Log:         testLogger(),
	}, fetcher, encoder, translator
}

func noReport(fraction, rateBps float64, etaSec int) {}

func noPersist(cp task.Checkpoint, downloaded, total int64) {}

func TestExecutorRunInfo(t *testing.T) {
	e, _, _, _ := newTestExecutor(t)
	tk := task.New(task.KindFetch, task.Options{})
	tk.SourceRef = "https://example.com/v.mp4"

	res, err := e.Run(context.Background(), tk, Plan{}, noReport, noPersist)
	require.NoError(t, err)
	require.NotNil(t, res.Info)
	assert.Equal(t, int64(4096), res.Info.TotalBytes)
}

func TestExecutorRunTransfer(t *testing.T) {
	e, fetcher, _, _ := newTestExecutor(t)
	tk := task.New(task.KindFetch, task.Options{Quality: "720p"})
	tk.SourceRef = "https://example.com/v.mp4"
	tk.StageIndex = 1

	var checkpoints []task.Checkpoint
	var fractions []float64
	res, err := e.Run(context.Background(), tk, Plan{},
		func(fraction, rateBps float64, etaSec int) { fractions = append(fractions, fraction) },
		func(cp task.Checkpoint, downloaded, total int64) { checkpoints = append(checkpoints, cp) },
	)
	require.NoError(t, err)
	assert.Nil(t, res.Checkpoint)

	assert.Equal(t, int64(0), fetcher.gotOffset)
	assert.Equal(t, "720p", fetcher.gotOpts.Quality)
	assert.Equal(t, int64(1024), fetcher.gotOpts.ChunkSize)

	require.NotEmpty(t, checkpoints)
	last := checkpoints[len(checkpoints)-1]
	assert.Equal(t, task.StageTransfer, last.Stage)
	assert.Equal(t, int64(4096), last.BytesConfirmed)
	require.NotEmpty(t, fractions)
	assert.InDelta(t, 1.0, fractions[len(fractions)-1], 1e-9)
}

func TestExecutorTransferHintsOverride(t *testing.T) {
	e, fetcher, _, _ := newTestExecutor(t)
	tk := task.New(task.KindFetch, task.Options{Quality: "1080p"})
	tk.SourceRef = "https://example.com/v.mp4"
	tk.StageIndex = 1

	plan := Plan{Hints: Hints{ChunkSize: 512, Quality: "480p"}}
	_, err := e.Run(context.Background(), tk, plan, noReport, noPersist)
	require.NoError(t, err)
	assert.Equal(t, int64(512), fetcher.gotOpts.ChunkSize)
	assert.Equal(t, "480p", fetcher.gotOpts.Quality)
}

func TestExecutorTransferFailureSealsCheckpoint(t *testing.T) {
	e, fetcher, _, _ := newTestExecutor(t)
	fetcher.err = faults.Newf(faults.CodeNetworkTransient, "connection reset")
	tk := task.New(task.KindFetch, task.Options{})
	tk.SourceRef = "https://example.com/v.mp4"
	tk.StageIndex = 1

	res, err := e.Run(context.Background(), tk, Plan{}, noReport, noPersist)
	assert.Equal(t, faults.CodeNetworkTransient, faults.CodeOf(err))
	require.NotNil(t, res.Checkpoint)
	assert.Equal(t, int64(4096), res.Checkpoint.BytesConfirmed)
	assert.NotEmpty(t, res.Checkpoint.Fingerprint)

	// The sealed checkpoint round-trips through the resume manager.
	tk.Checkpoint = res.Checkpoint
	plan := NewResumeManager(testLogger()).Prepare(tk)
	assert.True(t, plan.FromCheckpoint)
	assert.Equal(t, int64(4096), plan.Offset)
}

func TestExecutorTranslateSkippedWithoutTarget(t *testing.T) {
	e, _, _, translator := newTestExecutor(t)
	tk := task.New(task.KindFetch, task.Options{})
	tk.StageIndex = 4 // translate

	_, err := e.Run(context.Background(), tk, Plan{}, noReport, noPersist)
	require.NoError(t, err)
	assert.Zero(t, translator.batches)
}

func TestExecutorTranslateRewritesCaptions(t *testing.T) {
	e, _, _, translator := newTestExecutor(t)
	tk := task.New(task.KindFetch, task.Options{TargetLang: "de"})
	tk.StageIndex = 4

	segs := []collab.Segment{
		{Index: 1, Timing: "00:00:01,000 --> 00:00:02,000", Text: "hello"},
		{Index: 2, Timing: "00:00:03,000 --> 00:00:04,000", Text: "world"},
	}
	require.NoError(t, collab.WriteSRTFile(filepath.Join(e.WorkDir, tk.ID+".srt"), segs))

	_, err := e.Run(context.Background(), tk, Plan{}, noReport, noPersist)
	require.NoError(t, err)
	assert.Equal(t, 1, translator.batches)

	got, err := collab.ReadSRTFile(filepath.Join(e.WorkDir, tk.ID+".de.srt"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "HELLO", got[0].Text)
	assert.Equal(t, "WORLD", got[1].Text)
}

func TestExecutorPassRecordsBoundaryCheckpoint(t *testing.T) {
	e, _, encoder, _ := newTestExecutor(t)
	tk := task.New(task.KindDerive, task.Options{ExtraArgs: `-crf 23`})
	tk.InputPath = filepath.Join(e.WorkDir, "in.mp4")
	tk.StageIndex = 1 // pass1
	tk.DurationSec = 120

	var got []task.Checkpoint
	_, err := e.Run(context.Background(), tk, Plan{}, noReport,
		func(cp task.Checkpoint, downloaded, total int64) { got = append(got, cp) })
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, task.StagePass1, got[0].Stage)
	assert.Equal(t, 1, got[0].Pass)
	assert.NotEmpty(t, got[0].PartialPath)

	assert.Equal(t, 1, encoder.gotParams.Pass)
	assert.Equal(t, []string{"-crf", "23"}, encoder.gotParams.Args)
	assert.InDelta(t, 120.0, encoder.gotParams.DurationSec, 1e-9)
}

func TestExecutorEmbedPrefersTranslatedCaptions(t *testing.T) {
	e, _, encoder, _ := newTestExecutor(t)
	tk := task.New(task.KindFetch, task.Options{TargetLang: "de"})
	tk.OutputPath = filepath.Join(e.WorkDir, "final.mp4")
	tk.StageIndex = 5 // embed

	plain := filepath.Join(e.WorkDir, tk.ID+".srt")
	translated := filepath.Join(e.WorkDir, tk.ID+".de.srt")
	seg := []collab.Segment{{Index: 1, Timing: "00:00:01,000 --> 00:00:02,000", Text: "x"}}
	require.NoError(t, collab.WriteSRTFile(plain, seg))
	require.NoError(t, collab.WriteSRTFile(translated, seg))

	_, err := e.Run(context.Background(), tk, Plan{}, noReport, noPersist)
	require.NoError(t, err)
	assert.Equal(t, translated, encoder.gotSub)

	// Intermediate artifacts are cleaned up, the output survives.
	_, err = os.Stat(plain)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(tk.OutputPath)
	assert.NoError(t, err)
}

func TestExecutorResourceGate(t *testing.T) {
	e, _, _, _ := newTestExecutor(t)
	tk := task.New(task.KindFetch, task.Options{})
	tk.SourceRef = "https://example.com/v.mp4"
	tk.StageIndex = 1

	t.Run("disk shortfall is fatal", func(t *testing.T) {
		e.MinFreeDisk = 1 << 40
		e.DiskFree = func(string) (uint64, error) { return 1 << 20, nil }
		_, err := e.Run(context.Background(), tk, Plan{}, noReport, noPersist)
		assert.Equal(t, faults.CodeDiskSpace, faults.CodeOf(err))
		assert.True(t, faults.IsFatal(faults.CodeOf(err)))
		e.MinFreeDisk = 0
	})

	t.Run("cpu pressure is a capacity fault", func(t *testing.T) {
		e.MinIdleCPUPct = 20
		e.CPUIdle = func() (float64, error) { return 5, nil }
		_, err := e.Run(context.Background(), tk, Plan{}, noReport, noPersist)
		assert.Equal(t, faults.CodeQuota, faults.CodeOf(err))
		e.MinIdleCPUPct = 0
	})

	t.Run("memory pressure is a capacity fault", func(t *testing.T) {
		e.MinFreeMem = 1 << 30
		e.MemAvail = func() (uint64, error) { return 1 << 20, nil }
		_, err := e.Run(context.Background(), tk, Plan{}, noReport, noPersist)
		assert.Equal(t, faults.CodeQuota, faults.CodeOf(err))
		e.MinFreeMem = 0
	})
}

func TestExecutorUnknownStage(t *testing.T) {
	e, _, _, _ := newTestExecutor(t)
	tk := task.New(task.KindFetch, task.Options{})
	tk.StageIndex = len(tk.Stages)

	_, err := e.Run(context.Background(), tk, Plan{}, noReport, noPersist)
	assert.Equal(t, faults.CodeValidation, faults.CodeOf(err))
}
