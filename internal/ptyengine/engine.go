// Package ptyengine owns one child process per Session, spawned on a
// PTY, and implements the type/poll_output/expect/send_signal/
// screen_snapshot/scrollback/clear_scrollback/terminate operations with
// quiescence-based draining (spec.md §4.4).
package ptyengine

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"piloty/internal/capture"
	"piloty/internal/config"
	"piloty/internal/transcript"
	"piloty/internal/vt"
)

// Status codes common to every engine operation, per spec.md §4.4.
type Status string

const (
	StatusQuiescent Status = "quiescent"
	StatusTimeout   Status = "timeout"
	StatusEOF       Status = "eof"
	StatusError     Status = "error"
	StatusMatched   Status = "matched"
)

// Result is the structured reply common to every PTY Engine operation.
type Result struct {
	Status          Status
	Output          string
	OutputTruncated bool
	DroppedBytes    int64
	Error           string
}

// ExpectResult extends Result with the regex match and captured groups.
type ExpectResult struct {
	Result
	Match  string
	Groups []string
}

// Snapshot is the result of a screen/scrollback read.
type Snapshot struct {
	Screen   []string
	CursorX  int
	CursorY  int
	VT100OK  bool
	VTError  string
}

const rollingBufferCap = 64 * 1024

// Engine drives one child process attached to a PTY. Every exported
// operation serializes on mu — at most one in-flight engine operation
// per Session (spec.md invariant 1).
type Engine struct {
	mu sync.Mutex

	ptm *os.File
	cmd *exec.Cmd

	vt         *vt.Renderer
	transcript *transcript.Writer

	rows, cols int

	dead      bool // child EOF observed; future ops return eof
	exitErr   error
	lastOut   time.Time

	maxLines     int
	contextLines int
}

// Options configure a new Engine.
type Options struct {
	Command      string
	Args         []string
	Rows, Cols   int
	CWD          string
	MaxLines     int
	ContextLines int
	Transcript   *transcript.Writer
}

// New spawns the child process on a PTY sized to (rows, cols), with the
// sanitized environment from internal/config and cwd set to opts.CWD.
func New(opts Options) (*Engine, error) {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.CWD
	cmd.Env = config.SanitizeEnv(opts.Rows, opts.Cols)

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(opts.Rows),
		Cols: uint16(opts.Cols),
	})
	if err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	e := &Engine{
		ptm:          ptm,
		cmd:          cmd,
		vt:           vt.New(opts.Rows, opts.Cols),
		transcript:   opts.Transcript,
		rows:         opts.Rows,
		cols:         opts.Cols,
		maxLines:     opts.MaxLines,
		contextLines: opts.ContextLines,
		lastOut:      time.Now(),
	}
	e.vt.ForwardResponses(ptm)
	return e, nil
}

// PID returns the child process id.
func (e *Engine) PID() int {
	if e.cmd == nil || e.cmd.Process == nil {
		return 0
	}
	return e.cmd.Process.Pid
}

// drainConfig bundles the drainer's tunables for one call.
type drainConfig struct {
	deadline      time.Time
	quiescence    time.Duration
	log           bool
	requireOutput bool
}

// drain is the shared read loop from spec.md §4.4: it feeds every byte
// read to the Capture Buffer (if buf != nil), the VT Renderer, and the
// Transcript (if cfg.log), and returns once either quiescence or the
// deadline is reached.
func (e *Engine) drain(buf *capture.Buffer, cfg drainConfig) Status {
	observedAny := false
	for {
		// Step 1: mandatory immediate non-blocking read, so bytes that
		// arrived between calls are never missed even if the stream is
		// already quiescent. Routed through the same buf/cfg as the
		// blocking read below so these bytes still reach Capture and
		// the Transcript, not just the VT Renderer.
		n, _, status, ok := e.readWithDeadline(time.Now(), buf, cfg)
		if ok {
			if n > 0 {
				observedAny = true
				e.lastOut = time.Now()
			}
		} else {
			return status
		}

		if time.Since(e.lastOut) >= cfg.quiescence && (!cfg.requireOutput || observedAny) {
			return StatusQuiescent
		}
		if time.Now().After(cfg.deadline) {
			return StatusTimeout
		}

		// Step 4: bounded blocking read.
		remaining := time.Until(cfg.deadline)
		remainingQuiescence := cfg.quiescence
		if observedAny {
			remainingQuiescence = cfg.quiescence - time.Since(e.lastOut)
		}
		wait := minDuration(remaining, remainingQuiescence, 100*time.Millisecond)
		if wait < 0 {
			wait = 0
		}
		n, status, ok = e.blockingRead(wait, buf, cfg)
		if !ok {
			return status
		}
		if n > 0 {
			observedAny = true
			e.lastOut = time.Now()
		}
	}
}

// tryRead performs one immediate read attempt, feeding any bytes to the
// VT Renderer and the Transcript.
func (e *Engine) tryRead() (n int, status Status, ok bool) {
	n, _, status, ok = e.readWithDeadline(time.Now(), nil, drainConfig{log: true})
	return n, status, ok
}

// blockingRead performs one bounded read with the given wait duration,
// feeding any bytes read to Capture/VT/Transcript per cfg.
func (e *Engine) blockingRead(wait time.Duration, buf *capture.Buffer, cfg drainConfig) (n int, status Status, ok bool) {
	n, _, status, ok = e.readWithDeadline(time.Now().Add(wait), buf, cfg)
	return n, status, ok
}

// readWithDeadline issues one Read with the pty master's read deadline
// set, then routes any data to Capture/VT/Transcript, and returns the
// bytes read so callers needing the raw chunk (Expect's rolling match
// buffer) don't have to re-derive it. A pure timeout (no data, no real
// error) is reported via ok=true, n=0 so the drainer's loop continues;
// EOF and unexpected I/O errors stop the loop.
func (e *Engine) readWithDeadline(deadline time.Time, buf *capture.Buffer, cfg drainConfig) (int, []byte, Status, bool) {
	if e.dead {
		return 0, nil, StatusEOF, false
	}
	// A deadline that has already passed makes the runtime fail the Read
	// before it reaches the fd, so an immediate read gets a minimal
	// positive deadline: buffered bytes come back at once, and an idle
	// PTY costs at most that wait.
	if floor := time.Now().Add(time.Millisecond); deadline.Before(floor) {
		deadline = floor
	}
	_ = e.ptm.SetReadDeadline(deadline)
	out := make([]byte, 4096)
	n, err := e.ptm.Read(out)
	var chunk []byte
	if n > 0 {
		chunk = out[:n]
		if buf != nil {
			buf.Feed(chunk)
		}
		e.vt.Feed(chunk)
		if e.transcript != nil && cfg.log {
			e.transcript.AppendTranscript(chunk)
		}
	}
	if err != nil {
		if isTimeout(err) {
			return n, chunk, "", true
		}
		if err == io.EOF {
			e.dead = true
			return n, chunk, StatusEOF, false
		}
		return n, chunk, StatusError, false
	}
	return n, chunk, "", true
}

func isTimeout(err error) bool {
	type timeoutErr interface{ Timeout() bool }
	if te, ok := err.(timeoutErr); ok {
		return te.Timeout()
	}
	return false
}

func minDuration(ds ...time.Duration) time.Duration {
	result := ds[0]
	for _, d := range ds[1:] {
		if d < result {
			result = d
		}
	}
	return result
}

// Type sends raw bytes to the child exactly as given, then drains per
// spec.md §4.4. If echo is non-nil, line-echo is toggled for the
// duration of the call and restored on every return path. If log is
// false, transcript/commands/interaction writes are suppressed for this
// call only (used by send_password).
func (e *Engine) Type(text string, timeout, quiescence time.Duration, log bool, echo *bool) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dead {
		return Result{Status: StatusEOF}
	}

	if echo != nil {
		restore, ok := e.setEcho(*echo)
		if ok {
			defer e.restoreEcho(restore)
		}
	}

	if log && e.transcript != nil {
		e.transcript.AppendCommand(text)
	}

	if _, err := e.writePTY([]byte(text), timeout); err != nil {
		return Result{Status: StatusError, Error: err.Error()}
	}

	buf := capture.New(e.maxLines, e.contextLines)
	status := e.drain(buf, drainConfig{
		deadline:      time.Now().Add(timeout),
		quiescence:    quiescence,
		log:           log,
		requireOutput: false, // a command producing no output can still go quiescent
	})
	buf.Finish()
	result := Result{
		Status:          status,
		Output:          buf.Text(),
		OutputTruncated: buf.Truncated(),
		DroppedBytes:    buf.DroppedBytes(),
	}
	if log && e.transcript != nil {
		e.transcript.AppendInteraction(string(status), text, result.Output)
	}
	return result
}

// PollOutput drains without sending. require_output=true: may return
// timeout with empty output, but any bytes observed must still honor
// quiescence before returning.
func (e *Engine) PollOutput(timeout, quiescence time.Duration, log bool) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dead {
		return Result{Status: StatusEOF}
	}

	buf := capture.New(e.maxLines, e.contextLines)
	status := e.drain(buf, drainConfig{
		deadline:      time.Now().Add(timeout),
		quiescence:    quiescence,
		log:           log,
		requireOutput: true,
	})
	buf.Finish()
	result := Result{
		Status:          status,
		Output:          buf.Text(),
		OutputTruncated: buf.Truncated(),
		DroppedBytes:    buf.DroppedBytes(),
	}
	if log && e.transcript != nil {
		e.transcript.AppendInteraction(string(status), "", result.Output)
	}
	return result
}

// Expect compiles pattern as a regexp and searches a rolling buffer of
// new output since the call began, returning as soon as it matches.
func (e *Engine) Expect(pattern string, timeout time.Duration, log bool) ExpectResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	re, err := regexp.Compile(pattern)
	if err != nil {
		return ExpectResult{Result: Result{Status: StatusError, Error: "invalid pattern: " + err.Error()}}
	}
	if e.dead {
		return ExpectResult{Result: Result{Status: StatusEOF}}
	}

	rolling := make([]byte, 0, rollingBufferCap)
	deadline := time.Now().Add(timeout)

	for {
		_, chunk, status, ok := e.readWithDeadline(minTime(deadline, time.Now().Add(100*time.Millisecond)), nil, drainConfig{log: log})
		if len(chunk) > 0 {
			rolling = appendBounded(rolling, chunk, rollingBufferCap)
		}
		if !ok {
			return ExpectResult{Result: Result{Status: status}}
		}
		if loc := re.FindStringSubmatchIndex(string(rolling)); loc != nil {
			groups := submatches(string(rolling), loc)
			return ExpectResult{
				Result: Result{Status: StatusMatched},
				Match:  string(rolling)[loc[0]:loc[1]],
				Groups: groups,
			}
		}
		if time.Now().After(deadline) {
			return ExpectResult{Result: Result{Status: StatusTimeout}}
		}
	}
}

// appendBounded appends src to dst, dropping leading bytes so the result
// never exceeds cap. Used for Expect's rolling match window: unbounded
// growth would defeat the point of matching against recent output only.
func appendBounded(dst, src []byte, limit int) []byte {
	dst = append(dst, src...)
	if len(dst) > limit {
		dst = dst[len(dst)-limit:]
	}
	return dst
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func submatches(s string, loc []int) []string {
	groups := make([]string, 0, len(loc)/2-1)
	for i := 2; i < len(loc); i += 2 {
		if loc[i] < 0 {
			groups = append(groups, "")
			continue
		}
		groups = append(groups, s[loc[i]:loc[i+1]])
	}
	return groups
}

// ScreenSnapshot returns a pure view over the VT Renderer. If drain is
// true, a non-blocking drain of anything immediately available is
// performed first (no quiescence wait, no forced timeout).
func (e *Engine) ScreenSnapshot(drain bool) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if drain && !e.dead {
		for {
			n, _, ok := e.tryRead()
			if !ok || n == 0 {
				break
			}
		}
	}
	degraded, errMsg := e.vt.Degraded()
	x, y := e.vt.Cursor()
	return Snapshot{
		Screen:  e.vt.Display(),
		CursorX: x,
		CursorY: y,
		VT100OK: !degraded,
		VTError: errMsg,
	}
}

// Read is screen_snapshot(drain=true)["screen"].
func (e *Engine) Read() []string {
	return e.ScreenSnapshot(true).Screen
}

// Scrollback returns up to the last `lines` lines of scrollback. lines
// <= 0 means unbounded.
func (e *Engine) Scrollback(lines int) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vt.Scrollback(lines)
}

// ClearScrollback is a metadata operation on the renderer only.
func (e *Engine) ClearScrollback() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vt.ClearScrollback()
}

// Terminate force-terminates the child if alive, records end_time in
// session.json, closes the transcript, and removes the active pointer.
// Idempotent.
func (e *Engine) Terminate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	e.dead = true
	if e.transcript != nil {
		e.transcript.MarkEnded()
		e.transcript.RemoveActivePointer()
		_ = e.transcript.Close()
	}
}

// IsDead reports whether the child has exited (EOF observed or
// terminated).
func (e *Engine) IsDead() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dead
}

// writePTY writes to the child PTY with a timeout, mirroring the
// teacher's WritePTY (dcosson-h2/internal/session/virtualterminal/vt.go):
// if the child isn't reading stdin, the kernel PTY buffer fills and
// Write blocks indefinitely, so the write runs in a goroutine and the
// caller gives up after the deadline.
func (e *Engine) writePTY(p []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := e.ptm.Write(p)
		ch <- result{n, err}
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-timer.C:
		return 0, fmt.Errorf("pty write timed out")
	}
}

// setEcho toggles the ECHO termios flag on the PTY master for the
// duration of a call (used by send_password so the typed secret never
// reaches the rendered screen), returning the prior termios to restore.
// ok is false if the fd doesn't support termios (e.g. a test double
// built on os.Pipe), in which case the caller must not attempt restore.
func (e *Engine) setEcho(enable bool) (*unix.Termios, bool) {
	fd := int(e.ptm.Fd())
	prior, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, false
	}
	next := *prior
	if enable {
		next.Lflag |= unix.ECHO
	} else {
		next.Lflag &^= unix.ECHO
	}
	_ = unix.IoctlSetTermios(fd, unix.TCSETS, &next)
	return prior, true
}

func (e *Engine) restoreEcho(prior *unix.Termios) {
	if prior == nil {
		return
	}
	_ = unix.IoctlSetTermios(int(e.ptm.Fd()), unix.TCSETS, prior)
}

// SendSignal delivers sig to the child's foreground process group,
// determined via TIOCGPGRP on the PTY master — the same group the
// kernel would signal on a real Ctrl-C, so it reaches whatever
// subprocess currently owns the terminal rather than only the direct
// child (spec.md §4.4 send_signal).
func (e *Engine) SendSignal(sig int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return fmt.Errorf("session is dead")
	}
	pgrp, err := unix.IoctlGetInt(int(e.ptm.Fd()), unix.TIOCGPGRP)
	if err != nil {
		if e.cmd.Process != nil {
			return e.cmd.Process.Signal(unix.Signal(sig))
		}
		return err
	}
	return unix.Kill(-pgrp, unix.Signal(sig))
}
