package collab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"mediamill/faults"
)

const defaultChunkSize = 4 * 1024 * 1024

// HTTPFetcher downloads sources over plain HTTP(S) with byte-range
// continuation. It satisfies MediaFetcher.
type HTTPFetcher struct {
	client *http.Client
	log    *slog.Logger
}

func NewHTTPFetcher(timeout time.Duration, log *slog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: 0, Transport: &http.Transport{
			ResponseHeaderTimeout: timeout,
		}},
		log: log,
	}
}

func (f *HTTPFetcher) Probe(ctx context.Context, sourceRef string) (MediaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, sourceRef, nil)
	if err != nil {
		return MediaInfo{}, faults.New(faults.CodeValidation, "bad source ref", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return MediaInfo{}, classifyTransport(err)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode); err != nil {
		return MediaInfo{}, err
	}
	info := MediaInfo{
		TotalBytes: resp.ContentLength,
		Format:     resp.Header.Get("Content-Type"),
		Title:      filepath.Base(req.URL.Path),
	}
	return info, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, sourceRef, destPath string, byteOffset int64, opts FetchOptions, report func(FetchSample)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceRef, nil)
	if err != nil {
		return faults.New(faults.CodeValidation, "bad source ref", err)
	}
	if byteOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", byteOffset))
	}
	if opts.Quality != "" {
		req.Header.Set("X-Requested-Quality", opts.Quality)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if byteOffset > 0 && resp.StatusCode != http.StatusPartialContent {
		// Server ignored the range request; the partial artifact no longer
		// matches what the server would send, so force a clean restart.
		if resp.StatusCode == http.StatusOK {
			return faults.Newf(faults.CodeCorruption, "server does not honor byte ranges for %s", sourceRef)
		}
		if err := classifyStatus(resp.StatusCode); err != nil {
			return err
		}
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	total := byteOffset + resp.ContentLength
	if resp.ContentLength < 0 {
		total = 0
	}

	file, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return faults.New(faults.CodeInternal, "open destination", err)
	}
	defer file.Close()

	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}

	written := byteOffset
	lastTick := time.Now()
	lastBytes := written
	for {
		n, err := io.CopyN(file, resp.Body, chunk)
		written += n
		if n > 0 {
			now := time.Now()
			rate := 0.0
			if dt := now.Sub(lastTick).Seconds(); dt > 0 {
				rate = float64(written-lastBytes) / dt
			}
			lastTick, lastBytes = now, written
			if report != nil {
				report(FetchSample{BytesWritten: written, TotalBytes: total, RateBps: rate})
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return faults.New(faults.CodeTimeout, "transfer timed out", ctx.Err())
				}
				return faults.New(faults.CodeCancelled, "transfer cancelled", ctx.Err())
			}
			return classifyTransport(err)
		}
	}
}

func classifyTransport(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return faults.New(faults.CodeNetworkTransient, "network timeout", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.New(faults.CodeTimeout, "request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return faults.New(faults.CodeCancelled, "request cancelled", err)
	}
	return faults.New(faults.CodeNetworkTransient, "transport error", err)
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK || status == http.StatusPartialContent:
		return nil
	case status == http.StatusTooManyRequests:
		return faults.Newf(faults.CodeRateLimit, "rate limited (%d)", status)
	case status == http.StatusInsufficientStorage:
		return faults.Newf(faults.CodeQuota, "remote storage quota (%d)", status)
	case status == http.StatusRequestedRangeNotSatisfiable:
		return faults.Newf(faults.CodeCorruption, "range not satisfiable (%d)", status)
	case status == http.StatusUnsupportedMediaType:
		return faults.Newf(faults.CodeUnsupportedFormat, "unsupported media type (%d)", status)
	case status >= 500:
		return faults.Newf(faults.CodeRemoteServer, "remote server error (%d)", status)
	case status >= 400:
		return faults.Newf(faults.CodeValidation, "request rejected (%d)", status)
	}
	return faults.Newf(faults.CodeRemoteServer, "unexpected status %s", strconv.Itoa(status))
}
