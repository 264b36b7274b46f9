// Package toolsurface is the Tool Surface: the thin adapter controllers
// call directly. It validates session ids against the registry,
// dispatches to the PTY Engine, classifies the post-op screen, maps the
// classifier label to the unified {status, prompt} reply shape, and
// optionally strips ANSI from returned output (spec.md §4.7/§6).
package toolsurface

import (
	"context"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"piloty/internal/classifier"
	"piloty/internal/config"
	"piloty/internal/ptyengine"
	"piloty/internal/registry"
	"piloty/internal/transcript"
)

// Reply is the unified response shape returned by every operation; only
// the fields relevant to a given op are populated (spec.md §6).
type Reply struct {
	Status          string   `json:"status"`
	Prompt          string   `json:"prompt,omitempty"`
	Output          string   `json:"output,omitempty"`
	OutputTruncated bool     `json:"output_truncated,omitempty"`
	DroppedBytes    int64    `json:"dropped_bytes,omitempty"`
	TimedOut        bool     `json:"timed_out,omitempty"`
	StateReason     string   `json:"state_reason,omitempty"`
	Match           string   `json:"match,omitempty"`
	Groups          []string `json:"groups,omitempty"`
	Screen          []string `json:"screen,omitempty"`
	CursorX         int      `json:"cursor_x,omitempty"`
	CursorY         int      `json:"cursor_y,omitempty"`
	Scrollback      []string `json:"scrollback,omitempty"`
	Transcript      string   `json:"transcript,omitempty"`
	Metadata        *Metadata `json:"metadata,omitempty"`
	Sessions        []Metadata `json:"sessions,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// Metadata mirrors session.json plus live registry state, for
// get_metadata/list_sessions.
type Metadata struct {
	SessionID   string `json:"session_id"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`
	CWD         string `json:"cwd,omitempty"`
	StartTime   string `json:"start_time,omitempty"`
	LastUsed    string `json:"last_used,omitempty"`
	PID         int    `json:"pid,omitempty"`
}

// Surface owns the registry and default geometry/shell config used to
// create new sessions.
type Surface struct {
	reg    *registry.Registry
	cfg    config.Config
	oracle classifier.Oracle // optional; nil means heuristic-only
}

// New creates a Surface backed by reg, using cfg for session defaults
// (geometry, shell, capture limits). oracle may be nil.
func New(reg *registry.Registry, cfg config.Config, oracle classifier.Oracle) *Surface {
	return &Surface{reg: reg, cfg: cfg, oracle: oracle}
}

func errInvalidArgument(msg string) Reply {
	return Reply{Status: "unknown", Error: "invalid_argument: " + msg}
}

func errNoSuchSession(id string) Reply {
	return Reply{Status: "unknown", Error: fmt.Sprintf("no_such_session: %q — create it first", id)}
}

// resolve looks up id and maps registry errors onto the unified reply
// shape's error kinds (spec.md §7).
func (s *Surface) resolve(id string) (*registry.Session, *Reply) {
	sess, err := s.reg.Get(id)
	if err == registry.ErrNotFound {
		r := errNoSuchSession(id)
		return nil, &r
	}
	if err == registry.ErrTombstoned {
		return nil, &Reply{Status: "terminated", StateReason: "session is terminated"}
	}
	if err != nil {
		r := errInvalidArgument(err.Error())
		return nil, &r
	}
	return sess, nil
}

// CreateSession implements create_session(id, cwd, description?,
// shell_prompt_regex?).
func (s *Surface) CreateSession(id, cwd, description string, shellPromptRegex string) Reply {
	if shellPromptRegex != "" {
		if _, err := compileOptionalRegex(shellPromptRegex); err != nil {
			return errInvalidArgument("shell_prompt_regex: " + err.Error())
		}
	}
	if description != "" {
		if err := s.reg.Configure(id, registry.Config{Description: description}); err != nil {
			return errInvalidArgument(err.Error())
		}
	}

	sess, err := s.reg.Create(id, cwd, func() (*ptyengine.Engine, error) {
		meta := transcript.SessionMeta{
			SessionID:  id,
			SafeID:     config.SafeID(id),
			StartTime:  time.Now().UTC().Format(time.RFC3339),
			InitialCWD: cwd,
			Rows:       s.cfg.DefaultRows,
			Cols:       s.cfg.DefaultCols,
		}
		w, werr := transcript.Open(config.SafeID(id), meta)
		if werr != nil {
			return nil, werr
		}
		e, eerr := ptyengine.New(ptyengine.Options{
			Command:      s.cfg.DefaultShell,
			Rows:         s.cfg.DefaultRows,
			Cols:         s.cfg.DefaultCols,
			CWD:          cwd,
			MaxLines:     s.cfg.DefaultLimits.MaxLines,
			ContextLines: s.cfg.DefaultLimits.ContextLines,
			Transcript:   w,
		})
		if eerr != nil {
			w.Close()
			return nil, eerr
		}
		// session.json was written before the child existed, so pid was
		// unknown; rewrite it now that ptyengine.New has spawned the child.
		meta.PID = e.PID()
		if werr := w.WriteSessionMeta(meta); werr != nil {
			log.Printf("piloty: write session.json pid for %s: %v", id, werr)
		}
		return e, nil
	})
	if err == registry.ErrCWDMismatch {
		return errInvalidArgument(err.Error())
	}
	if err == registry.ErrTombstoned {
		return Reply{Status: "terminated", StateReason: "session is terminated"}
	}
	if err != nil {
		return Reply{Status: "unknown", Error: "pty_error: " + err.Error()}
	}

	if shellPromptRegex != "" {
		re, _ := compileOptionalRegex(shellPromptRegex)
		sess.ShellPromptRegex = re
	}
	return s.classify(sess, ptyengine.Result{Status: ptyengine.StatusQuiescent}, true)
}

// Run implements run(id, command, timeout, strip_ansi=true): appends a
// newline and sends.
func (s *Surface) Run(id, command string, timeout time.Duration, stripANSI bool) Reply {
	return s.typeText(id, command+"\n", timeout, true, stripANSI, nil)
}

// SendInput implements send_input(id, text, timeout, strip_ansi=true):
// sends exact text, no newline appended.
func (s *Surface) SendInput(id, text string, timeout time.Duration, stripANSI bool) Reply {
	return s.typeText(id, text, timeout, true, stripANSI, nil)
}

// SendPassword implements send_password(id, password, timeout): appends
// a newline, disables log+echo, and redacts the password from the
// reply's output.
func (s *Surface) SendPassword(id, password string, timeout time.Duration) Reply {
	sess, errReply := s.resolve(id)
	if errReply != nil {
		return *errReply
	}
	noEcho := false
	result := sess.Engine.Type(password+"\n", timeout, s.quiescence(), false, &noEcho)
	output := "[password sent]"
	if rest := strings.ReplaceAll(result.Output, password, "[redacted]"); rest != "" {
		output += "\n" + rest
	}
	result.Output = output
	return s.classify(sess, result, false)
}

// SendControl implements send_control(id, key, timeout): key is a
// single ASCII letter (Ctrl+letter) or [/escape/esc for ESC.
func (s *Surface) SendControl(id, key string, timeout time.Duration) Reply {
	b, err := controlByte(key)
	if err != nil {
		return errInvalidArgument(err.Error())
	}
	return s.typeText(id, string(b), timeout, true, false, nil)
}

func controlByte(key string) (byte, error) {
	switch strings.ToLower(key) {
	case "[", "escape", "esc":
		return 0x1B, nil
	}
	if len(key) != 1 {
		return 0, fmt.Errorf("send_control key must be a single ASCII letter or [/escape/esc, got %q", key)
	}
	c := key[0]
	var upper byte
	switch {
	case c >= 'a' && c <= 'z':
		upper = c - ('a' - 'A')
	case c >= 'A' && c <= 'Z':
		upper = c
	default:
		return 0, fmt.Errorf("send_control key must be a single ASCII letter, got %q", key)
	}
	return upper - 'A' + 1, nil
}

var signalTable = map[string]int{
	"SIGHUP": 1, "SIGINT": 2, "SIGQUIT": 3, "SIGKILL": 9,
	"SIGTERM": 15, "SIGSTOP": 19, "SIGCONT": 18, "SIGWINCH": 28, "SIGUSR1": 10, "SIGUSR2": 12,
}

// SendSignal implements send_signal(id, signal): signal is a decimal
// number or a signal name (with/without SIG prefix).
func (s *Surface) SendSignal(id, signal string) Reply {
	sess, errReply := s.resolve(id)
	if errReply != nil {
		return *errReply
	}
	sig, err := resolveSignal(signal)
	if err != nil {
		return errInvalidArgument(err.Error())
	}
	if err := sess.Engine.SendSignal(sig); err != nil {
		return Reply{Status: "unknown", Error: "pty_error: " + err.Error()}
	}
	return s.classify(sess, ptyengine.Result{Status: ptyengine.StatusQuiescent}, false)
}

func resolveSignal(name string) (int, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return n, nil
	}
	key := strings.ToUpper(name)
	if !strings.HasPrefix(key, "SIG") {
		key = "SIG" + key
	}
	if n, ok := signalTable[key]; ok {
		return n, nil
	}
	return 0, fmt.Errorf("unknown signal %q", name)
}

// PollOutput implements poll_output(id, timeout).
func (s *Surface) PollOutput(id string, timeout time.Duration) Reply {
	sess, errReply := s.resolve(id)
	if errReply != nil {
		return *errReply
	}
	result := sess.Engine.PollOutput(timeout, s.quiescence(), true)
	return s.classify(sess, result, true)
}

// Expect implements expect(id, pattern, timeout).
func (s *Surface) Expect(id, pattern string, timeout time.Duration) Reply {
	sess, errReply := s.resolve(id)
	if errReply != nil {
		return *errReply
	}
	result := sess.Engine.Expect(pattern, timeout, true)
	reply := s.classify(sess, result.Result, true)
	reply.Match = result.Match
	reply.Groups = result.Groups
	return reply
}

// ExpectPrompt implements expect_prompt(id, timeout): polls internally
// until the classifier returns READY or the deadline passes.
func (s *Surface) ExpectPrompt(id string, timeout time.Duration) Reply {
	sess, errReply := s.resolve(id)
	if errReply != nil {
		return *errReply
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			reply := s.classify(sess, ptyengine.Result{Status: ptyengine.StatusTimeout}, true)
			reply.TimedOut = true
			return reply
		}
		step := remaining
		if step > 200*time.Millisecond {
			step = 200 * time.Millisecond
		}
		result := sess.Engine.PollOutput(step, s.quiescence(), true)
		reply := s.classify(sess, result, true)
		if reply.Status == "ready" || reply.Status == "eof" || reply.Status == "terminated" {
			return reply
		}
	}
}

// GetScreen implements get_screen(id).
func (s *Surface) GetScreen(id string) Reply {
	sess, errReply := s.resolve(id)
	if errReply != nil {
		return *errReply
	}
	snap := sess.Engine.ScreenSnapshot(true)
	reply := s.classify(sess, ptyengine.Result{Status: ptyengine.StatusQuiescent}, false)
	reply.Screen = snap.Screen
	reply.CursorX = snap.CursorX
	reply.CursorY = snap.CursorY
	return reply
}

// GetScrollback implements get_scrollback(id, lines, strip_ansi=false).
func (s *Surface) GetScrollback(id string, lines int, stripANSI bool) Reply {
	sess, errReply := s.resolve(id)
	if errReply != nil {
		return *errReply
	}
	back := sess.Engine.Scrollback(lines)
	if stripANSI {
		for i, l := range back {
			back[i] = StripANSI(l)
		}
	}
	return Reply{Status: "ready", Scrollback: back}
}

// ClearScrollback implements clear_scrollback(id).
func (s *Surface) ClearScrollback(id string) Reply {
	sess, errReply := s.resolve(id)
	if errReply != nil {
		return *errReply
	}
	sess.Engine.ClearScrollback()
	return s.classify(sess, ptyengine.Result{Status: ptyengine.StatusQuiescent}, false)
}

// GetMetadata implements get_metadata(id).
func (s *Surface) GetMetadata(id string) Reply {
	sess, errReply := s.resolve(id)
	if errReply != nil {
		return *errReply
	}
	m := metadataFor(sess)
	return Reply{Status: "ready", Metadata: &m}
}

// ListSessions implements list_sessions().
func (s *Surface) ListSessions() Reply {
	out := make([]Metadata, 0)
	for _, sess := range s.reg.List() {
		out = append(out, metadataFor(sess))
	}
	return Reply{Status: "ready", Sessions: out}
}

func metadataFor(sess *registry.Session) Metadata {
	m := Metadata{
		SessionID:   sess.ID,
		Description: sess.Description,
		CWD:         sess.CWD,
	}
	switch sess.State {
	case registry.Configured:
		m.State = "configured"
	case registry.Live:
		m.State = "live"
		m.StartTime = sess.StartTime.UTC().Format(time.RFC3339)
		m.LastUsed = sess.LastUsed.UTC().Format(time.RFC3339)
		if sess.Engine != nil {
			m.PID = sess.Engine.PID()
		}
	case registry.Tombstoned:
		m.State = "terminated"
	}
	return m
}

// ConfigureSession implements configure_session(id, description?,
// shell_prompt_regex?). May be called before or after create_session.
func (s *Surface) ConfigureSession(id, description, shellPromptRegex string) Reply {
	cfg := registry.Config{Description: description}
	if shellPromptRegex != "" {
		re, err := compileOptionalRegex(shellPromptRegex)
		if err != nil {
			return errInvalidArgument("shell_prompt_regex: " + err.Error())
		}
		cfg.ShellPromptRegex = re
	}
	if err := s.reg.Configure(id, cfg); err != nil {
		if err == registry.ErrTombstoned {
			return Reply{Status: "terminated", StateReason: "session is terminated"}
		}
		return errInvalidArgument(err.Error())
	}
	return Reply{Status: "ready"}
}

// Transcript implements transcript(id): streams the session's raw
// transcript.log contents.
func (s *Surface) Transcript(id string) Reply {
	sess, errReply := s.resolve(id)
	if errReply != nil {
		return *errReply
	}
	data, err := os.ReadFile(transcriptLogPath(sess.ID))
	if err != nil {
		return Reply{Status: "unknown", Error: "pty_error: " + err.Error()}
	}
	return Reply{Status: "ready", Transcript: string(data)}
}

func transcriptLogPath(id string) string {
	return config.SessionDir(config.SafeID(id)) + "/transcript.log"
}

// Terminate implements terminate(id).
func (s *Surface) Terminate(id string) Reply {
	s.reg.Terminate(id)
	return Reply{Status: "terminated"}
}

func (s *Surface) quiescence() time.Duration {
	return time.Duration(s.cfg.QuiescenceMS) * time.Millisecond
}

// typeText is the shared implementation for run/send_input/send_control.
func (s *Surface) typeText(id, text string, timeout time.Duration, log, stripANSI bool, echo *bool) Reply {
	sess, errReply := s.resolve(id)
	if errReply != nil {
		return *errReply
	}
	result := sess.Engine.Type(text, timeout, s.quiescence(), log, echo)
	if stripANSI {
		result.Output = StripANSI(result.Output)
	}
	return s.classify(sess, result, log)
}

// classify runs the State Classifier on the post-op screen and maps its
// label onto the unified {status, prompt} reply shape (spec.md §4.7).
func (s *Surface) classify(sess *registry.Session, result ptyengine.Result, updateMetadata bool) Reply {
	reply := Reply{
		Output:          result.Output,
		OutputTruncated: result.OutputTruncated,
		DroppedBytes:    result.DroppedBytes,
	}
	switch result.Status {
	case ptyengine.StatusEOF:
		reply.Status = "eof"
		return reply
	case ptyengine.StatusError:
		reply.Status = "unknown"
		reply.Error = "pty_error: " + result.Error
		return reply
	case ptyengine.StatusTimeout:
		reply.TimedOut = true
	case ptyengine.StatusMatched:
		reply.Status = "matched"
	}

	snap := sess.Engine.ScreenSnapshot(false)
	screenText := strings.Join(snap.Screen, "\n")
	heuristic := classifier.Classify(screenText, snap.CursorX, sess.ShellPromptRegex)
	refined := classifier.Refine(context.Background(), heuristic, screenText, s.oracle)

	if reply.Status == "" {
		reply.Status, reply.Prompt = statusAndPromptFor(refined)
	}
	reply.StateReason = refined.Reason
	if updateMetadata {
		reply.CursorX, reply.CursorY = snap.CursorX, snap.CursorY
	}
	return reply
}

// statusAndPromptFor maps a classifier label to {status, prompt} per
// spec.md §4.7's table.
func statusAndPromptFor(r classifier.Result) (status, prompt string) {
	switch r.Label {
	case classifier.Ready:
		return "ready", "shell"
	case classifier.Password:
		return "password", "none"
	case classifier.Confirm:
		return "confirm", "none"
	case classifier.REPL:
		return "repl", replPromptFromReason(r.Reason)
	case classifier.Editor:
		return "editor", "none"
	case classifier.Pager:
		return "pager", "none"
	case classifier.Running:
		return "running", "none"
	default:
		return "unknown", "unknown"
	}
}

func replPromptFromReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "pdb"):
		return "pdb"
	case strings.Contains(lower, ">>>") || strings.Contains(lower, "in [") || strings.Contains(lower, "..."):
		return "python"
	default:
		return "unknown"
	}
}

func compileOptionalRegex(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}
