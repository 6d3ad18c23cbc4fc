// Package collab holds the narrow interfaces the orchestration core calls
// outward (media probing and fetching, transcription, translation and
// transcoding) plus their default implementations. The core never depends
// on how a collaborator does its work, only on these contracts.
package collab

import (
	"context"

	"mediamill/runner"
)

// MediaInfo is the probe result for a remote source or local file.
type MediaInfo struct {
	Title       string  `json:"title,omitempty"`
	Format      string  `json:"format,omitempty"`
	TotalBytes  int64   `json:"totalBytes,omitempty"`
	DurationSec float64 `json:"durationSec,omitempty"`
}

// FetchSample is one byte-level progress tick of a transfer.
type FetchSample struct {
	BytesWritten int64
	TotalBytes   int64
	RateBps      float64
}

// FetchOptions carry advisory hints from the retry policy. A fetcher may
// ignore them.
type FetchOptions struct {
	ChunkSize int64
	Quality   string
}

// MediaFetcher streams a remote source to a local file. byteOffset > 0
// requests continuation: the fetcher appends to the existing partial file
// and must never truncate it.
type MediaFetcher interface {
	Probe(ctx context.Context, sourceRef string) (MediaInfo, error)
	Fetch(ctx context.Context, sourceRef, destPath string, byteOffset int64, opts FetchOptions, report func(FetchSample)) error
}

// Transcriber produces a time-aligned caption file from audio, reporting
// fractional progress.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, languageHint, outPath string, report func(fraction float64)) error
}

// Translator translates batches of caption text.
type Translator interface {
	TranslateBatch(ctx context.Context, texts []string, targetLang string) ([]string, error)
}

// TranscodeParams parameterize one encode or mux invocation.
type TranscodeParams struct {
	Args        []string // encoder/filter args between input and output
	Pass        int      // 0 single pass, 1 or 2 for two-pass encodes
	PassLogPath string
	DurationSec float64 // for time-based progress
}

// Transcoder runs an encode/mux over a local input, reporting time-based
// progress.
type Transcoder interface {
	Probe(ctx context.Context, path string) (MediaInfo, error)
	Run(ctx context.Context, inputPath, outputPath string, params TranscodeParams, report func(runner.Progress)) error
}
