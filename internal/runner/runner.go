// Package runner implements the Process Runner (spec §4.10): the core
// async subprocess driver. It spawns a PreparedCommand, tails stdout and
// stderr concurrently to both a streamed event channel and a per-
// invocation session log directory, and maps the exit condition to the
// closed execution-error taxonomy (spec §7).
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sentryctl/sentryctl/internal/execmanager"
)

// Stream identifies which pipe a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// ExitCode is the closed mapping of a finished invocation's outcome
// (spec §4.10 exit-code mapping / §7 execution errors).
type ExitCode string

const (
	Success             ExitCode = "Success"
	AuthorizationDenied ExitCode = "AuthorizationDenied"
	TimedOut            ExitCode = "TimedOut"
	Crashed             ExitCode = "Crashed"
	Cancelled           ExitCode = "Cancelled"
	NonZero             ExitCode = "NonZero"
)

// EventKind is the closed set of streamed event types.
type EventKind int

const (
	Started EventKind = iota
	StdoutLine
	StderrLine
	InputRequested
	Completed
	Error
)

// InputKind classifies a detected interactive prompt.
type InputKind string

const (
	InputPassword InputKind = "password"
	InputYesNo    InputKind = "yes_no"
	InputFreeText InputKind = "free_text"
)

// Event is the single streamed type the Coordinator consumes. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	Stream Stream // StdoutLine / StderrLine
	Text   string // StdoutLine / StderrLine

	InputKind InputKind // InputRequested

	ExitCode   ExitCode // Completed
	RawCode    int      // Completed, the OS-level exit code when meaningful
	StdoutPath string   // Completed
	StderrPath string   // Completed
	DurationMs int64    // Completed

	Err error // Error
}

// gracePeriod is how long Cancel waits after a graceful termination
// signal before issuing a forceful kill (spec §4.10).
const gracePeriod = 5 * time.Second

// maxRawOutputBytes caps each raw output log file Spawn writes (stdout,
// stderr, combined) per spec §5 resource bounds. A var, not a const, so
// tests can shrink it instead of generating a literal 100 MB of output.
var maxRawOutputBytes int64 = 100 * 1024 * 1024

const truncationMarker = "--- output truncated: raw log exceeded the per-invocation size limit ---"

// boundedWriter caps the total bytes written to dst at limit. Once the
// limit is reached it writes a single truncationMarker line and silently
// discards everything after it, so a runaway tool can't exhaust a
// session's disk budget and the invocation still runs to completion.
type boundedWriter struct {
	dst       io.Writer
	limit     int64
	written   int64
	truncated bool
}

func newBoundedWriter(dst io.Writer, limit int64) *boundedWriter {
	return &boundedWriter{dst: dst, limit: limit}
}

func (b *boundedWriter) Write(p []byte) (int, error) {
	if b.truncated {
		return len(p), nil
	}

	remaining := b.limit - b.written
	if remaining <= 0 {
		b.truncated = true
		_, _ = fmt.Fprintln(b.dst, truncationMarker)
		return len(p), nil
	}

	n := len(p)
	if int64(n) > remaining {
		if _, err := b.dst.Write(p[:remaining]); err != nil {
			return n, err
		}
		b.written += remaining
		b.truncated = true
		_, _ = fmt.Fprintln(b.dst, truncationMarker)
		return n, nil
	}

	written, err := b.dst.Write(p)
	b.written += int64(written)
	return written, err
}

var (
	yesNoPrompt   = regexp.MustCompile(`(?i)\[y/n\]\s*$`)
	passwordPrompt = regexp.MustCompile(`(?i)password\s*:\s*$`)
)

// detectPrompt classifies a freshly emitted stdout line as an
// interactive prompt, if it looks like one.
func detectPrompt(line string) (InputKind, bool) {
	trimmed := strings.TrimRight(line, "\r\n")
	switch {
	case passwordPrompt.MatchString(trimmed):
		return InputPassword, true
	case yesNoPrompt.MatchString(trimmed):
		return InputYesNo, true
	default:
		return "", false
	}
}

// Handle is a running (or finished) invocation.
type Handle struct {
	InvocationID string
	events       chan Event
	stdin        io.WriteCloser
	cmd          *exec.Cmd

	mu         sync.Mutex
	cancelled  bool
	terminated chan struct{}
}

// Events returns the channel of streamed events. It is closed once the
// Completed (or Error) event has been sent.
func (h *Handle) Events() <-chan Event { return h.events }

// WriteInput appends data plus a trailing newline to the child's stdin,
// per spec §4.10's interactive input contract.
func (h *Handle) WriteInput(data []byte) error {
	if h.stdin == nil {
		return fmt.Errorf("runner: invocation %s has no stdin", h.InvocationID)
	}
	if _, err := h.stdin.Write(append(append([]byte{}, data...), '\n')); err != nil {
		return fmt.Errorf("runner: write stdin: %w", err)
	}
	return nil
}

// Cancel sends a graceful termination signal, then escalates to a
// forceful kill if the process has not exited within the grace window.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.mu.Unlock()

	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-h.terminated:
		return
	case <-time.After(gracePeriod):
		if h.cmd.Process != nil {
			log.Warn().Str("invocation_id", h.InvocationID).Msg("runner: grace period elapsed, killing process")
			_ = h.cmd.Process.Kill()
		}
	}
}

// Spawn starts prepared as a child process under sessionRoot, streaming
// Started -> interleaved Stdout/StderrLine -> Completed. deadline, if
// non-zero, bounds the invocation's wall-clock lifetime; on expiry the
// invocation is cancelled and Completed carries ExitCode=TimedOut.
func Spawn(ctx context.Context, prepared execmanager.PreparedCommand, sessionRoot string, deadline time.Duration) (*Handle, error) {
	invocationID := uuid.New().String()
	sessionDir := filepath.Join(sessionRoot, invocationID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("runner: create session dir: %w", err)
	}

	runCtx := ctx
	var cancelDeadline context.CancelFunc
	if deadline > 0 {
		runCtx, cancelDeadline = context.WithTimeout(ctx, deadline)
	}

	cmd := exec.CommandContext(runCtx, prepared.Binary, prepared.Argv...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stderr pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stdin pipe: %w", err)
	}

	h := &Handle{
		InvocationID: invocationID,
		events:       make(chan Event, 64),
		stdin:        stdin,
		cmd:          cmd,
		terminated:   make(chan struct{}),
	}

	stdoutPath := filepath.Join(sessionDir, "stdout.log")
	stderrPath := filepath.Join(sessionDir, "stderr.log")
	combinedPath := filepath.Join(sessionDir, "combined.log")

	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("runner: create stdout log: %w", err)
	}
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		return nil, fmt.Errorf("runner: create stderr log: %w", err)
	}
	combinedFile, err := os.Create(combinedPath)
	if err != nil {
		return nil, fmt.Errorf("runner: create combined log: %w", err)
	}

	stdoutLog := newBoundedWriter(stdoutFile, maxRawOutputBytes)
	stderrLog := newBoundedWriter(stderrFile, maxRawOutputBytes)
	combinedLog := newBoundedWriter(combinedFile, maxRawOutputBytes)

	var combinedMu sync.Mutex
	writeCombined := func(line string) {
		combinedMu.Lock()
		defer combinedMu.Unlock()
		_, _ = fmt.Fprintln(combinedLog, line)
	}

	if err := cmd.Start(); err != nil {
		stdoutFile.Close()
		stderrFile.Close()
		combinedFile.Close()
		return nil, fmt.Errorf("runner: start process: %w", err)
	}
	startedAt := time.Now()

	h.events <- Event{Kind: Started}

	go func() {
		defer close(h.terminated)
		defer close(h.events)
		defer stdoutFile.Close()
		defer stderrFile.Close()
		defer combinedFile.Close()
		if cancelDeadline != nil {
			defer cancelDeadline()
		}

		g := new(errgroup.Group)
		g.Go(func() error {
			return tailLines(stdoutPipe, stdoutLog, func(line string) {
				writeCombined(line)
				h.events <- Event{Kind: StdoutLine, Stream: Stdout, Text: line}
				if kind, ok := detectPrompt(line); ok {
					h.events <- Event{Kind: InputRequested, InputKind: kind}
				}
			})
		})
		g.Go(func() error {
			return tailLines(stderrPipe, stderrLog, func(line string) {
				writeCombined(line)
				h.events <- Event{Kind: StderrLine, Stream: Stderr, Text: line}
			})
		})
		_ = g.Wait()

		waitErr := cmd.Wait()
		duration := time.Since(startedAt)

		h.mu.Lock()
		cancelled := h.cancelled
		h.mu.Unlock()

		code, raw := classify(waitErr, runCtx, cancelled)
		h.events <- Event{
			Kind:       Completed,
			ExitCode:   code,
			RawCode:    raw,
			StdoutPath: stdoutPath,
			StderrPath: stderrPath,
			DurationMs: duration.Milliseconds(),
		}
	}()

	return h, nil
}

// NewFakeHandle constructs a Handle that spawns no process, for tests in
// other packages that need to drive a Coordinator's event pipeline
// deterministically. The caller owns the returned channel: send whatever
// Events the scenario calls for, in order, then close it exactly once.
func NewFakeHandle(invocationID string) (*Handle, chan Event) {
	events := make(chan Event, 64)
	h := &Handle{InvocationID: invocationID, events: events, terminated: make(chan struct{})}
	return h, events
}

// tailLines reads raw from src line by line, UTF-8 decoding with
// replacement on invalid bytes, writing every line to log and invoking
// emit.
func tailLines(src io.Reader, log io.Writer, emit func(line string)) error {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !utf8.ValidString(line) {
			line = strings.ToValidUTF8(line, "�")
		}
		_, _ = fmt.Fprintln(log, line)
		emit(line)
	}
	return scanner.Err()
}

// classify maps a cmd.Wait() error to the closed ExitCode taxonomy.
func classify(waitErr error, runCtx context.Context, cancelled bool) (ExitCode, int) {
	if waitErr == nil {
		return Success, 0
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return TimedOut, -1
	}
	if cancelled {
		return Cancelled, -1
	}

	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return Crashed, -1
	}
	if exitErr.ProcessState.Exited() {
		code := exitErr.ExitCode()
		switch code {
		case 126, 127:
			return AuthorizationDenied, code
		default:
			return NonZero, code
		}
	}
	return Crashed, -1
}
