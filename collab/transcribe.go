package collab

import (
	"context"
	"log/slog"

	"mediamill/runner"
)

// CLITranscriber drives a whisper-style speech-to-text command that prints
// time-aligned segment lines and writes an .srt next to the requested output
// path.
type CLITranscriber struct {
	bin    string
	runner *runner.Runner
	probe  func(ctx context.Context, path string) (MediaInfo, error)
	log    *slog.Logger
}

func NewCLITranscriber(bin string, r *runner.Runner, probe func(ctx context.Context, path string) (MediaInfo, error), log *slog.Logger) *CLITranscriber {
	return &CLITranscriber{bin: bin, runner: r, probe: probe, log: log}
}

func (t *CLITranscriber) Transcribe(ctx context.Context, audioPath, languageHint, outPath string, report func(float64)) error {
	totalSec := 0.0
	if t.probe != nil {
		if info, err := t.probe(ctx, audioPath); err == nil {
			totalSec = info.DurationSec
		} else {
			t.log.Warn("duration probe failed, progress will be coarse", "path", audioPath, "err", err)
		}
	}

	args := []string{"-f", audioPath, "--output-srt", "--output-file", trimExt(outPath)}
	if languageHint != "" {
		args = append(args, "--language", languageHint)
	}

	parser := &runner.TranscriptParser{TotalSec: totalSec}
	return t.runner.Run(ctx, t.bin, args, parser, func(p runner.Progress) {
		if report != nil && p.Fraction >= 0 {
			report(p.Fraction)
		}
	})
}

func trimExt(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}
