// Package classifier implements the State Classifier: a pure function of
// the current screen text, cursor column, and optional caller-supplied
// prompt regex that labels what an interactive program is currently
// showing (spec.md §4.5).
package classifier

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// Label is one of the terminal-state classifications spec.md §1 names.
type Label string

const (
	Ready    Label = "READY"
	Running  Label = "RUNNING"
	REPL     Label = "REPL"
	Password Label = "PASSWORD"
	Confirm  Label = "CONFIRM"
	Editor   Label = "EDITOR"
	Pager    Label = "PAGER"
	Error    Label = "ERROR"
	Unknown  Label = "UNKNOWN"
)

// Result is the classifier's verdict plus a human-readable reason.
type Result struct {
	Label  Label
	Reason string
}

// tailWindow is the number of visible lines from the bottom of the
// screen considered when classifying, to avoid stale scrollback
// dominating the decision (spec.md §4.5).
const tailWindow = 12

// nearTailWindow restricts password/confirm/error detection to the last
// few lines so a stale occurrence earlier in the tail window doesn't
// misclassify a screen that has since returned to a shell prompt.
const nearTailWindow = 3

var replSuffixes = []string{
	">>> ", "... ", "In [", "Out[", "(Pdb)", "ipdb>", "irb(", "pry(",
	"mysql>", "postgres=#", "postgres=>", "sqlite>",
}

var editorMarkers = []string{
	"-- insert --", "-- normal --", "gnu nano", "^g get help",
}

var passwordMarkers = []string{
	"password:", "passphrase:", "[sudo]", "secret:", "enter password", "enter passphrase",
}

var confirmMarkers = []string{
	"[y/n]", "[yes/no]", "continue?", "are you sure", "proceed?",
}

var errorMarkers = []string{
	"error:", "failed:", "fatal:", "exception:", "traceback",
	"nullpointerexception", "segmentation fault", "panic:",
}

// Classify applies the priority-ordered heuristic from spec.md §4.5 to
// the current screen. shellPromptRegex may be nil.
func Classify(screenText string, cursorX int, shellPromptRegex *regexp.Regexp) Result {
	lines := strings.Split(screenText, "\n")
	tail := lastN(lines, tailWindow)
	near := lastN(lines, nearTailWindow)
	tailLine := lastNonEmpty(tail)

	// 1. REPL prompts — requires cursor column > 0 when available.
	if cursorX > 0 {
		for _, suffix := range replSuffixes {
			if strings.HasSuffix(tailLine, suffix) || tailLine == strings.TrimRight(suffix, " ") {
				return Result{REPL, "matched REPL prompt " + strconv.Quote(suffix)}
			}
		}
	}

	// 2. Editor indicators.
	for _, marker := range editorMarkers {
		if containsAny(tail, marker) {
			return Result{Editor, "matched editor indicator " + strconv.Quote(marker)}
		}
	}

	// 3. Pager indicators.
	if tailLine == ":" {
		return Result{Pager, "tail line is bare ':' pager prompt"}
	}
	if containsAny(tail, "(end)") || containsAny(tail, "manual page") {
		return Result{Pager, "matched pager indicator"}
	}

	// 4. Caller-supplied shell prompt regex.
	if shellPromptRegex != nil && shellPromptRegex.MatchString(tailLine) {
		if cursorX == 0 {
			return Result{Running, "shell_prompt_regex matched but cursor at column 0 (command echo)"}
		}
		return Result{Ready, "shell_prompt_regex matched tail line"}
	}

	// 5. Shell prompts.
	if looksLikeShellPrompt(tailLine) {
		if cursorX == 0 {
			return Result{Running, "prompt-looking tail line but cursor at column 0 (command echo)"}
		}
		return Result{Ready, "tail line ends in shell prompt character"}
	}

	// 6. Password prompts, restricted to the near tail window.
	for _, marker := range passwordMarkers {
		if containsAnyFold(near, marker) {
			return Result{Password, "matched password indicator " + strconv.Quote(marker)}
		}
	}

	// 7. Confirmation prompts, restricted to the near tail window.
	for _, marker := range confirmMarkers {
		if containsAnyFold(near, marker) {
			return Result{Confirm, "matched confirmation indicator " + strconv.Quote(marker)}
		}
	}

	// 8. Errors, restricted to the near tail window.
	for _, marker := range errorMarkers {
		if containsAnyFold(near, marker) {
			return Result{Error, "matched error indicator " + strconv.Quote(marker)}
		}
	}

	// 9. Default.
	return Result{Running, "no prompt detected"}
}

func looksLikeShellPrompt(line string) bool {
	if line == "" {
		return false
	}
	last := line[len(line)-1]
	switch last {
	case '$', '#', '>', '%':
	default:
		return false
	}
	if isProgressBarLine(line) {
		return false
	}
	return true
}

// isProgressBarLine filters out progress-bar lines that happen to end in
// a prompt-like character, e.g. "[####    ] 42%".
func isProgressBarLine(line string) bool {
	if strings.Contains(line, "[") && strings.Contains(line, "]") {
		return true
	}
	trimmed := strings.TrimRight(line, "%")
	if trimmed != line && len(trimmed) > 0 {
		allDigits := true
		for _, r := range trimmed {
			if r < '0' || r > '9' {
				if r != ' ' {
					allDigits = false
					break
				}
			}
		}
		if allDigits {
			return true
		}
	}
	return false
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func lastNonEmpty(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimRight(lines[i], " \t") != "" {
			return strings.TrimRight(lines[i], " \t")
		}
	}
	return ""
}

func containsAny(lines []string, marker string) bool {
	lowerMarker := strings.ToLower(marker)
	for _, l := range lines {
		if strings.Contains(strings.ToLower(l), lowerMarker) {
			return true
		}
	}
	return false
}

func containsAnyFold(lines []string, marker string) bool {
	return containsAny(lines, marker)
}

// Oracle is the optional external classification capability spec.md
// §4.5 describes: consulted only to refine a heuristic RUNNING result
// into a finer interactive label. It is defined here as a narrow
// interface so the out-of-scope sampling channel can be supplied by the
// embedding transport without this module depending on it.
type Oracle interface {
	Classify(ctx context.Context, screenText string) (Label, error)
}

// Refine applies the optional Oracle per spec.md §4.5: only consulted
// when the heuristic result is RUNNING, and only {PASSWORD, CONFIRM,
// REPL, EDITOR, PAGER} from the oracle supersede it — an oracle READY is
// ignored to guard against false positives on command echo. Oracle
// failures degrade gracefully to the heuristic result with an annotated
// reason.
func Refine(ctx context.Context, heuristic Result, screenText string, oracle Oracle) Result {
	if oracle == nil || heuristic.Label != Running {
		return heuristic
	}
	label, err := oracle.Classify(ctx, screenText)
	if err != nil {
		return Result{heuristic.Label, heuristic.Reason + " (oracle error: " + err.Error() + ")"}
	}
	switch label {
	case Password, Confirm, REPL, Editor, Pager:
		return Result{label, "oracle refined RUNNING to " + string(label)}
	case Ready:
		return Result{heuristic.Label, heuristic.Reason + " (oracle said READY, ignored)"}
	default:
		return heuristic
	}
}
