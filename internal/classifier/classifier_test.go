package classifier

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
)

func TestCursor0SuppressesReady(t *testing.T) {
	screen := "some output\nuser@host:~$"
	atCol0 := Classify(screen, 0, nil)
	if atCol0.Label != Running {
		t.Fatalf("cursor_x=0: label = %s, want RUNNING", atCol0.Label)
	}
	atCol5 := Classify(screen, 5, nil)
	if atCol5.Label != Ready {
		t.Fatalf("cursor_x>0: label = %s, want READY", atCol5.Label)
	}
}

func TestStaleScrollbackGuard(t *testing.T) {
	screen := strings.Join([]string{
		"Traceback (most recent call last):",
		"  File \"x.py\", line 1",
		"Password:",
		"[y/n]",
		"user@host:~$",
	}, "\n")
	got := Classify(screen, 5, nil)
	if got.Label != Ready {
		t.Fatalf("label = %s (%s), want READY (stale scrollback should not dominate)", got.Label, got.Reason)
	}
}

func TestPasswordPromptNearTail(t *testing.T) {
	screen := "sudo apt update\nPassword:"
	got := Classify(screen, 0, nil)
	if got.Label != Password {
		t.Fatalf("label = %s, want PASSWORD", got.Label)
	}
}

func TestConfirmPromptNearTail(t *testing.T) {
	screen := "rm -rf /tmp/x\nAre you sure? [y/n]"
	got := Classify(screen, 0, nil)
	if got.Label != Confirm {
		t.Fatalf("label = %s, want CONFIRM", got.Label)
	}
}

func TestREPLPromptRequiresCursorPositive(t *testing.T) {
	screen := ">>> "
	if got := Classify(screen, 0, nil); got.Label == REPL {
		t.Fatalf("cursor_x=0 should not yield REPL, got %s", got.Label)
	}
	if got := Classify(screen, 4, nil); got.Label != REPL {
		t.Fatalf("label = %s, want REPL", got.Label)
	}
}

func TestEditorIndicator(t *testing.T) {
	screen := "some text\n-- INSERT --"
	got := Classify(screen, 5, nil)
	if got.Label != Editor {
		t.Fatalf("label = %s, want EDITOR", got.Label)
	}
}

func TestPagerBareColon(t *testing.T) {
	screen := "long file content\n:"
	got := Classify(screen, 0, nil)
	if got.Label != Pager {
		t.Fatalf("label = %s, want PAGER", got.Label)
	}
}

func TestShellPromptRegexOverride(t *testing.T) {
	re := regexp.MustCompile(`^custom>$`)
	got := Classify("custom>", 6, re)
	if got.Label != Ready {
		t.Fatalf("label = %s, want READY (custom regex match)", got.Label)
	}
}

func TestDefaultIsRunning(t *testing.T) {
	got := Classify("still compiling...", 5, nil)
	if got.Label != Running {
		t.Fatalf("label = %s, want RUNNING", got.Label)
	}
	if got.Reason != "no prompt detected" {
		t.Fatalf("reason = %q", got.Reason)
	}
}

func TestProgressBarNotMisreadAsPrompt(t *testing.T) {
	screen := "[#########         ] 42%"
	got := Classify(screen, 5, nil)
	if got.Label == Ready {
		t.Fatalf("progress bar misclassified as READY: %+v", got)
	}
}

type stubOracle struct {
	label Label
	err   error
}

func (s stubOracle) Classify(ctx context.Context, screenText string) (Label, error) {
	return s.label, s.err
}

func TestOracleRefinesRunningOnly(t *testing.T) {
	heuristic := Result{Running, "no prompt detected"}
	refined := Refine(context.Background(), heuristic, "screen", stubOracle{label: Password})
	if refined.Label != Password {
		t.Fatalf("label = %s, want PASSWORD (oracle refinement)", refined.Label)
	}

	notRunning := Result{Ready, "tail line ends in shell prompt character"}
	unchanged := Refine(context.Background(), notRunning, "screen", stubOracle{label: Password})
	if unchanged.Label != Ready {
		t.Fatalf("oracle should not be consulted when heuristic != RUNNING, got %s", unchanged.Label)
	}
}

func TestOracleReadyIsIgnored(t *testing.T) {
	heuristic := Result{Running, "no prompt detected"}
	refined := Refine(context.Background(), heuristic, "screen", stubOracle{label: Ready})
	if refined.Label != Running {
		t.Fatalf("oracle READY should be ignored, got %s", refined.Label)
	}
}

func TestOracleFailureFallsBackToHeuristic(t *testing.T) {
	heuristic := Result{Running, "no prompt detected"}
	refined := Refine(context.Background(), heuristic, "screen", stubOracle{err: errors.New("boom")})
	if refined.Label != Running {
		t.Fatalf("label = %s, want fallback RUNNING", refined.Label)
	}
	if !strings.Contains(refined.Reason, "oracle error") {
		t.Fatalf("reason should annotate oracle failure, got %q", refined.Reason)
	}
}

func TestNilOracleNoOp(t *testing.T) {
	heuristic := Result{Running, "no prompt detected"}
	refined := Refine(context.Background(), heuristic, "screen", nil)
	if refined != heuristic {
		t.Fatalf("nil oracle should be a no-op, got %+v", refined)
	}
}
