package collab

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Segment is one subtitle cue.
type Segment struct {
	Index  int
	Timing string // "00:00:01,000 --> 00:00:04,520"
	Text   string
}

// ReadSRT parses an SRT stream into segments. Malformed blocks are skipped
// rather than failing the whole file.
func ReadSRT(r io.Reader) ([]Segment, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var segs []Segment
	var cur *Segment
	var text []string
	flush := func() {
		if cur != nil && cur.Timing != "" {
			cur.Text = strings.Join(text, "\n")
			segs = append(segs, *cur)
		}
		cur, text = nil, nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			flush()
		case cur == nil:
			var idx int
			if _, err := fmt.Sscanf(line, "%d", &idx); err == nil {
				cur = &Segment{Index: idx}
			}
		case cur.Timing == "":
			if strings.Contains(line, "-->") {
				cur.Timing = line
			}
		default:
			text = append(text, line)
		}
	}
	flush()
	return segs, scanner.Err()
}

// WriteSRT writes segments in SRT format, renumbering sequentially.
func WriteSRT(w io.Writer, segs []Segment) error {
	bw := bufio.NewWriter(w)
	for i, s := range segs {
		if _, err := fmt.Fprintf(bw, "%d\n%s\n%s\n\n", i+1, s.Timing, s.Text); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadSRTFile is a convenience wrapper over ReadSRT.
func ReadSRTFile(path string) ([]Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSRT(f)
}

// WriteSRTFile is a convenience wrapper over WriteSRT.
func WriteSRTFile(path string, segs []Segment) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteSRT(f, segs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
