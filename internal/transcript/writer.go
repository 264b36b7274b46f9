// Package transcript owns the per-session on-disk artifacts: the
// append-only transcript.log/commands.log/interaction.log files, atomic
// state.json/session.json writes, and the process-wide "active" pointer.
package transcript

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"piloty/internal/config"
)

// Writer owns the on-disk artifacts for one session. It is created at
// Session creation and closed at Session termination (spec.md §4.3).
type Writer struct {
	dir    string
	safeID string

	transcriptFile *os.File
}

// Open creates the session directory and opens transcript.log for
// append, creates the active pointer, and writes the initial
// session.json. Best-effort: internal failures are logged, not returned,
// except for creating the session directory and opening the transcript
// file (without them nothing can be recorded, so callers treat that as
// fatal to session creation).
func Open(safeID string, meta SessionMeta) (*Writer, error) {
	dir := config.SessionDir(safeID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "transcript.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript.log: %w", err)
	}

	w := &Writer{dir: dir, safeID: safeID, transcriptFile: f}

	if err := w.WriteSessionMeta(meta); err != nil {
		log.Printf("piloty: write session.json for %s: %v", safeID, err)
	}
	if err := w.WriteState(State{VT100OK: true}); err != nil {
		log.Printf("piloty: write state.json for %s: %v", safeID, err)
	}
	if err := w.createActivePointer(); err != nil {
		log.Printf("piloty: create active pointer for %s: %v", safeID, err)
	}

	return w, nil
}

// Dir returns the session's artifact directory.
func (w *Writer) Dir() string { return w.dir }

// AppendTranscript appends raw bytes to transcript.log and flushes.
// Failures are swallowed after best-effort logging (spec.md §4.4's
// failure semantics: "Transcript write errors are swallowed").
func (w *Writer) AppendTranscript(data []byte) {
	if len(data) == 0 {
		return
	}
	if _, err := w.transcriptFile.Write(data); err != nil {
		log.Printf("piloty: transcript write for %s: %v", w.safeID, err)
		return
	}
	if err := w.transcriptFile.Sync(); err != nil {
		log.Printf("piloty: transcript sync for %s: %v", w.safeID, err)
	}
}

// AppendCommand appends one quoted-input record to commands.log.
// log=false callers must not invoke this (password-sending, §4.3
// security note).
func (w *Writer) AppendCommand(input string) {
	line := fmt.Sprintf("[%s] %s\n", nowISO(), strconv.Quote(input))
	w.appendLine("commands.log", line)
}

// AppendInteraction appends one {status, input, output} record to
// interaction.log.
func (w *Writer) AppendInteraction(status, input, output string) {
	line := fmt.Sprintf("[%s] status=%s input=%s\n%s\n\n", nowISO(), status, strconv.Quote(input), output)
	w.appendLine("interaction.log", line)
}

func (w *Writer) appendLine(name, line string) {
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("piloty: open %s for %s: %v", name, w.safeID, err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		log.Printf("piloty: write %s for %s: %v", name, w.safeID, err)
		return
	}
	_ = f.Sync()
}

// State is the contents of state.json.
type State struct {
	VT100OK    bool   `json:"vt100_ok"`
	VT100Error string `json:"vt100_error,omitempty"`
	Transcript string `json:"transcript"`
}

// WriteState atomically persists state.json. Retried at most once on
// failure; persistent failure is logged but not surfaced (spec.md §4.4).
func (w *Writer) WriteState(s State) error {
	if s.Transcript == "" {
		s.Transcript = filepath.Join(w.dir, "transcript.log")
	}
	return w.writeJSONAtomicRetry("state.json", s)
}

// SessionMeta is the contents of session.json.
type SessionMeta struct {
	SessionID  string `json:"session_id"`
	SafeID     string `json:"safe_id"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time,omitempty"`
	PID        int    `json:"pid"`
	InitialCWD string `json:"initial_cwd"`
	Rows       int    `json:"rows"`
	Cols       int    `json:"cols"`
}

// WriteSessionMeta atomically persists session.json.
func (w *Writer) WriteSessionMeta(m SessionMeta) error {
	return w.writeJSONAtomicRetry("session.json", m)
}

// ReadSessionMeta reads session.json from a session directory.
func ReadSessionMeta(dir string) (SessionMeta, error) {
	var m SessionMeta
	data, err := os.ReadFile(filepath.Join(dir, "session.json"))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse session.json: %w", err)
	}
	return m, nil
}

// writeJSONAtomicRetry marshals v and writes it via write-temp-then-
// rename so readers never observe a torn file (spec.md invariant 3),
// retrying once on failure per spec.md §4.4.
func (w *Writer) writeJSONAtomicRetry(name string, v any) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = writeJSONAtomic(filepath.Join(w.dir, name), v); err == nil {
			return nil
		}
	}
	return err
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// createActivePointer creates the process-wide "active" pointer marker
// for this session. Creation/removal is wrapped in a flock critical
// section so a concurrent create+remove from two goroutines in this
// process never interleaves into a torn state; spec.md §9 explicitly
// leaves cross-process ordering unspecified ("last-write-wins").
func (w *Writer) createActivePointer() error {
	if err := os.MkdirAll(config.ActiveDir(), 0o755); err != nil {
		return fmt.Errorf("create active dir: %w", err)
	}
	path := config.ActivePointerPath(w.safeID)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock active pointer: %w", err)
	}
	defer lock.Unlock()
	return os.WriteFile(path, []byte(w.dir), 0o644)
}

// RemoveActivePointer removes the active pointer, e.g. on terminate.
func (w *Writer) RemoveActivePointer() {
	path := config.ActivePointerPath(w.safeID)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		log.Printf("piloty: lock active pointer for removal %s: %v", w.safeID, err)
		return
	}
	defer lock.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("piloty: remove active pointer for %s: %v", w.safeID, err)
	}
	_ = os.Remove(path + ".lock")
}

// MarkEnded records end_time in session.json. Best-effort: a failure to
// read or write the file is logged, not returned, matching every other
// state.json/session.json write's failure semantics (spec.md §4.4).
func (w *Writer) MarkEnded() {
	meta, err := ReadSessionMeta(w.dir)
	if err != nil {
		log.Printf("piloty: read session.json for %s before marking ended: %v", w.safeID, err)
		return
	}
	meta.EndTime = nowISO()
	if err := w.WriteSessionMeta(meta); err != nil {
		log.Printf("piloty: write session.json end_time for %s: %v", w.safeID, err)
	}
}

// Close closes the transcript file. Idempotent.
func (w *Writer) Close() error {
	if w.transcriptFile == nil {
		return nil
	}
	err := w.transcriptFile.Close()
	w.transcriptFile = nil
	return err
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
