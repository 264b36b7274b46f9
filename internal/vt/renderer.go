// Package vt implements the VT Renderer: a thin wrapper around a VT100
// terminal emulator (github.com/vito/midterm) that exposes the narrow
// interface spec.md §9 calls for — feed(bytes), display()->[]string,
// cursor_x, cursor_y, history.clear() — plus the bounded scrollback view
// and degraded-mode fallback spec.md §4.1 requires.
package vt

import (
	"fmt"
	"strings"

	"github.com/vito/midterm"
)

// Renderer owns one midterm.Terminal and its scrollback history. It is
// not safe for concurrent use without external synchronization; callers
// serialize access via the Session lock (spec.md §5).
type Renderer struct {
	term *midterm.Terminal
	rows int
	cols int

	degraded    bool
	degradedErr string
	lastPreview []string

	history    []string
	historyMax int
}

const defaultHistoryMax = 50000

// New creates a Renderer at the given geometry.
func New(rows, cols int) *Renderer {
	r := &Renderer{
		term:       midterm.NewTerminal(rows, cols),
		rows:       rows,
		cols:       cols,
		historyMax: defaultHistoryMax,
	}
	r.installScrollCapture()
	return r
}

// installScrollCapture wires midterm's OnScrollback callback so lines
// that scroll off the top of the visible screen are retained, mirroring
// the teacher's SetupScrollCapture (dcosson-h2/internal/session/
// virtualterminal/vt.go).
func (r *Renderer) installScrollCapture() {
	r.term.OnScrollback(func(line midterm.Line) {
		r.history = append(r.history, stripTrailingBlank(line.Display()))
		if len(r.history) > r.historyMax {
			trim := len(r.history) - r.historyMax
			r.history = r.history[trim:]
		}
	})
}

// Feed writes a chunk of child output through the emulator. If the
// underlying parser panics on an exotic escape sequence, the Renderer
// degrades: vt100_ok becomes false, the first error is recorded, and no
// further parser feeds are attempted. Degraded mode lasts until
// ClearScrollback, which replaces the emulator with a fresh one at the
// same geometry and clears the degraded flag.
func (r *Renderer) Feed(data []byte) {
	if r.degraded {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.enterDegraded(fmt.Sprintf("panic: %v", p))
		}
	}()
	if _, err := r.term.Write(data); err != nil {
		r.enterDegraded(err.Error())
		return
	}
	r.lastPreview = r.renderDisplay()
}

func (r *Renderer) enterDegraded(msg string) {
	if r.degraded {
		return
	}
	r.degraded = true
	r.degradedErr = msg
}

// Degraded reports whether the renderer has stopped parsing (vt100_ok
// is therefore false) and the first error string recorded.
func (r *Renderer) Degraded() (bool, string) {
	return r.degraded, r.degradedErr
}

// Display returns the current screen as an ordered list of rendered
// lines with trailing blank lines trimmed. In degraded mode it returns
// the last successfully rendered preview.
func (r *Renderer) Display() []string {
	if r.degraded {
		return append([]string(nil), r.lastPreview...)
	}
	return r.renderDisplay()
}

func (r *Renderer) renderDisplay() []string {
	lines := make([]string, 0, len(r.term.Content))
	for _, row := range r.term.Content {
		lines = append(lines, stripTrailingBlank(string(row)))
	}
	return trimTrailingBlankLines(lines)
}

// Cursor returns the current cursor column and row. In degraded mode the
// last known position before degradation is returned.
func (r *Renderer) Cursor() (x, y int) {
	return r.term.Cursor.X, r.term.Cursor.Y
}

// Scrollback returns up to the last k lines of history concatenated with
// the current display. k <= 0 means unbounded.
func (r *Renderer) Scrollback(k int) []string {
	combined := make([]string, 0, len(r.history)+len(r.term.Content))
	combined = append(combined, r.history...)
	combined = append(combined, r.Display()...)
	if k > 0 && len(combined) > k {
		combined = combined[len(combined)-k:]
	}
	return combined
}

// ClearScrollback discards history while preserving the current visible
// screen. It never sends bytes to the child. If the current terminal is
// degraded, the renderer is reinitialized at the same geometry instead
// (scrollback forcibly empty, current screen discarded), per spec.md
// §4.1.
func (r *Renderer) ClearScrollback() {
	r.history = nil
	if r.degraded {
		r.term = midterm.NewTerminal(r.rows, r.cols)
		r.installScrollCapture()
		r.degraded = false
		r.degradedErr = ""
		r.lastPreview = nil
	}
}

// Resize changes the terminal geometry.
func (r *Renderer) Resize(rows, cols int) {
	r.rows = rows
	r.cols = cols
	if !r.degraded {
		r.term.Resize(rows, cols)
	}
}

// ForwardResponses configures the writer the emulator uses to answer
// terminal queries (DA/DSR/OSC color queries) that must be echoed back
// to the child, mirroring the teacher's ForwardRequests/ForwardResponses
// wiring (dcosson-h2/internal/overlay/overlay.go).
func (r *Renderer) ForwardResponses(w interface{ Write([]byte) (int, error) }) {
	if !r.degraded {
		r.term.ForwardResponses = w
	}
}

func stripTrailingBlank(s string) string {
	return strings.TrimRight(s, " \t")
}

func trimTrailingBlankLines(lines []string) []string {
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return lines[:end]
}
