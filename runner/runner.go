// Package runner launches and supervises one external command per call,
// streams its output through a tool-specific line parser, and turns exit
// conditions into the shared fault taxonomy.
package runner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"mediamill/faults"
)

// Progress is one normalized progress sample extracted from tool output.
type Progress struct {
	Fraction float64 // 0..1, -1 when unknown
	RateBps  float64 // 0 when unknown
	ETASec   int     // -1 when unknown
}

// LineParser extracts a progress sample from one output line. ok is false
// for lines that carry no progress information.
type LineParser interface {
	Parse(line string) (p Progress, ok bool)
}

// Runner executes external commands. The zero value is not usable; use New.
type Runner struct {
	grace     time.Duration
	tailLines int
	log       *slog.Logger
}

func New(grace time.Duration, log *slog.Logger) *Runner {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Runner{grace: grace, tailLines: 20, log: log}
}

// Run starts bin with args and blocks until it exits. Every stdout/stderr
// line is offered to parser; parsed samples are delivered via onProgress.
// Cancellation of ctx sends SIGTERM and escalates to SIGKILL after the grace
// period; a killed process reports the context error, not a process failure.
func (r *Runner) Run(ctx context.Context, bin string, args []string, parser LineParser, onProgress func(Progress)) error {
	cmd := exec.Command(bin, args...)
	// Own process group: signals on cancel must reach children the tool
	// spawns, or their inherited pipe ends keep the scanners alive forever.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return faults.New(faults.CodeInternal, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return faults.New(faults.CodeInternal, "stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return faults.New(faults.CodeProcessExit, "start "+bin, err)
	}
	r.log.Debug("process started", "bin", bin, "pid", cmd.Process.Pid)

	tail := newTailBuffer(r.tailLines)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.scan(stdout, parser, onProgress, nil)
	}()
	go func() {
		defer wg.Done()
		r.scan(stderr, parser, onProgress, tail)
	}()

	// Supervise cancellation separately so Wait can reap the process.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.terminate(cmd, bin, done)
		case <-done:
		}
	}()

	wg.Wait()
	err = cmd.Wait()
	close(done)

	if ctx.Err() != nil {
		// Killed on purpose: report cancellation or timeout, never a
		// process failure.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return faults.New(faults.CodeTimeout, bin+" timed out", ctx.Err())
		}
		return faults.New(faults.CodeCancelled, bin+" cancelled", ctx.Err())
	}
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return &faults.ProcessExit{Command: bin, ExitCode: code, StderrTail: tail.Lines()}
	}
	return nil
}

func (r *Runner) scan(pipe io.Reader, parser LineParser, onProgress func(Progress), tail *tailBuffer) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if parser != nil {
			if p, ok := parser.Parse(line); ok {
				if onProgress != nil {
					onProgress(p)
				}
				continue
			}
		}
		if tail != nil {
			tail.Add(line)
		}
	}
}

// terminate signals the whole process group and escalates to SIGKILL after
// the grace period unless done closes first.
func (r *Runner) terminate(cmd *exec.Cmd, bin string, done <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	r.log.Debug("terminating process group", "bin", bin, "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return
	}
	select {
	case <-done:
	case <-time.After(r.grace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

// tailBuffer keeps the last N lines for diagnostics.
type tailBuffer struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

func (b *tailBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}
