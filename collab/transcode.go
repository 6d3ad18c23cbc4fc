package collab

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"mediamill/faults"
	"mediamill/runner"
)

// FFmpeg encode defaults.
const (
	videoCodec   = "libx264"
	videoPreset  = "medium"
	audioCodec   = "aac"
	audioBitrate = "128k"
)

// FFmpegTranscoder implements Transcoder on top of the process runner.
type FFmpegTranscoder struct {
	ffmpegBin  string
	ffprobeBin string
	runner     *runner.Runner
}

func NewFFmpegTranscoder(ffmpegBin, ffprobeBin string, r *runner.Runner) (*FFmpegTranscoder, error) {
	if _, err := exec.LookPath(ffmpegBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found: %s", ffmpegBin)
	}
	return &FFmpegTranscoder{ffmpegBin: ffmpegBin, ffprobeBin: ffprobeBin, runner: r}, nil
}

// Probe reads container duration via ffprobe.
func (t *FFmpegTranscoder) Probe(ctx context.Context, path string) (MediaInfo, error) {
	cmd := exec.CommandContext(ctx, t.ffprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path)
	out, err := cmd.Output()
	if err != nil {
		return MediaInfo{}, faults.New(faults.CodeUnsupportedFormat, "ffprobe failed for "+path, err)
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return MediaInfo{}, faults.New(faults.CodeUnsupportedFormat, "unparsable duration for "+path, err)
	}
	return MediaInfo{DurationSec: dur}, nil
}

func (t *FFmpegTranscoder) Run(ctx context.Context, inputPath, outputPath string, params TranscodeParams, report func(runner.Progress)) error {
	args := t.buildArgs(inputPath, outputPath, params)
	parser := &runner.FFmpegParser{TotalSec: params.DurationSec}
	return t.runner.Run(ctx, t.ffmpegBin, args, parser, report)
}

func (t *FFmpegTranscoder) buildArgs(inputPath, outputPath string, params TranscodeParams) []string {
	args := []string{"-y", "-i", inputPath}
	if len(params.Args) > 0 {
		args = append(args, params.Args...)
	} else {
		args = append(args,
			"-c:v", videoCodec,
			"-preset", videoPreset,
			"-c:a", audioCodec,
			"-b:a", audioBitrate,
		)
	}
	if params.Pass > 0 {
		args = append(args, "-pass", strconv.Itoa(params.Pass))
		if params.PassLogPath != "" {
			args = append(args, "-passlogfile", params.PassLogPath)
		}
		if params.Pass == 1 {
			// First pass only collects statistics.
			args = append(args, "-an", "-f", "null")
			args = append(args, "-progress", "pipe:2", "-nostats")
			return append(args, "/dev/null")
		}
	}
	args = append(args, "-movflags", "+faststart")
	args = append(args, "-progress", "pipe:2", "-nostats")
	return append(args, outputPath)
}

// MuxSubtitles embeds a caption file into the container without re-encoding.
func (t *FFmpegTranscoder) MuxSubtitles(ctx context.Context, inputPath, subtitlePath, outputPath string, durationSec float64, report func(runner.Progress)) error {
	args := []string{
		"-y",
		"-i", inputPath,
		"-i", subtitlePath,
		"-c", "copy",
		"-c:s", "mov_text",
		"-progress", "pipe:2", "-nostats",
		outputPath,
	}
	parser := &runner.FFmpegParser{TotalSec: durationSec}
	return t.runner.Run(ctx, t.ffmpegBin, args, parser, report)
}

// Remux rewrites the container in place of a merge step, copying streams.
func (t *FFmpegTranscoder) Remux(ctx context.Context, inputPath, outputPath string, durationSec float64, report func(runner.Progress)) error {
	args := []string{
		"-y",
		"-i", inputPath,
		"-c", "copy",
		"-movflags", "+faststart",
		"-progress", "pipe:2", "-nostats",
		outputPath,
	}
	parser := &runner.FFmpegParser{TotalSec: durationSec}
	return t.runner.Run(ctx, t.ffmpegBin, args, parser, report)
}
