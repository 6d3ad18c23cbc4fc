package runner

import (
	"regexp"
	"strconv"
	"strings"
)

// FFmpegParser reads `-progress pipe:2` key=value output. Fraction is derived
// from out_time_us against the known media duration.
type FFmpegParser struct {
	TotalSec float64
}

const ffmpegTimePrefix = "out_time_us="

func (p *FFmpegParser) Parse(line string) (Progress, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, ffmpegTimePrefix) {
		return Progress{}, false
	}
	us, err := strconv.ParseInt(strings.TrimPrefix(line, ffmpegTimePrefix), 10, 64)
	if err != nil {
		return Progress{}, false
	}
	sec := float64(us) / 1e6
	fraction := -1.0
	eta := -1
	if p.TotalSec > 0 {
		fraction = sec / p.TotalSec
		if fraction > 1.0 {
			fraction = 1.0
		}
	}
	return Progress{Fraction: fraction, ETASec: eta}, true
}

// downloadLineRe matches yt-dlp style progress lines, e.g.
// [download]  42.7% of 10.00MiB at 1.21MiB/s ETA 00:30
var downloadLineRe = regexp.MustCompile(
	`\[download\]\s+(\d+(?:\.\d+)?)%(?:\s+of\s+~?\s*[\d.]+\w+)?(?:\s+at\s+([\d.]+)([KMG]?i?B)/s)?(?:\s+ETA\s+(\d+):(\d+)(?::(\d+))?)?`)

// DownloadParser reads downloader progress lines (percent, rate, ETA).
type DownloadParser struct{}

func (p *DownloadParser) Parse(line string) (Progress, bool) {
	m := downloadLineRe.FindStringSubmatch(line)
	if m == nil {
		return Progress{}, false
	}
	percent, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Progress{}, false
	}
	out := Progress{Fraction: percent / 100.0, ETASec: -1}
	if m[2] != "" {
		rate, err := strconv.ParseFloat(m[2], 64)
		if err == nil {
			out.RateBps = rate * unitMultiplier(m[3])
		}
	}
	if m[4] != "" {
		h, mm, ss := 0, 0, 0
		if m[6] != "" {
			h, _ = strconv.Atoi(m[4])
			mm, _ = strconv.Atoi(m[5])
			ss, _ = strconv.Atoi(m[6])
		} else {
			mm, _ = strconv.Atoi(m[4])
			ss, _ = strconv.Atoi(m[5])
		}
		out.ETASec = h*3600 + mm*60 + ss
	}
	return out, true
}

func unitMultiplier(unit string) float64 {
	switch strings.ToUpper(strings.TrimSuffix(strings.TrimSuffix(unit, "B"), "i")) {
	case "K":
		return 1024
	case "M":
		return 1024 * 1024
	case "G":
		return 1024 * 1024 * 1024
	}
	return 1
}

// segmentLineRe matches whisper-style time-aligned segment lines, e.g.
// [00:01.000 --> 00:04.520]  some text
var segmentLineRe = regexp.MustCompile(
	`^\[(?:(\d+):)?(\d+):(\d+(?:\.\d+)?)\s+-->\s+(?:(\d+):)?(\d+):(\d+(?:\.\d+)?)\]`)

// TranscriptParser reads time-aligned segment lines from a transcription
// tool. Fraction is the end timestamp of the latest segment against the
// audio duration.
type TranscriptParser struct {
	TotalSec float64
}

func (p *TranscriptParser) Parse(line string) (Progress, bool) {
	m := segmentLineRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Progress{}, false
	}
	end := parseClock(m[4], m[5], m[6])
	if p.TotalSec <= 0 {
		return Progress{Fraction: -1, ETASec: -1}, true
	}
	fraction := end / p.TotalSec
	if fraction > 1.0 {
		fraction = 1.0
	}
	return Progress{Fraction: fraction, ETASec: -1}, true
}

func parseClock(h, m, s string) float64 {
	hours := 0.0
	if h != "" {
		v, _ := strconv.ParseFloat(h, 64)
		hours = v
	}
	minutes, _ := strconv.ParseFloat(m, 64)
	seconds, _ := strconv.ParseFloat(s, 64)
	return hours*3600 + minutes*60 + seconds
}
