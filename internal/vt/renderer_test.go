package vt

import (
	"strings"
	"testing"
)

func TestDisplayTrimsTrailingBlanks(t *testing.T) {
	r := New(5, 20)
	r.Feed([]byte("hello\r\n"))
	lines := r.Display()
	if len(lines) != 1 {
		t.Fatalf("Display() = %v, want 1 non-blank line", lines)
	}
	if strings.TrimRight(lines[0], " ") != "hello" {
		t.Fatalf("Display()[0] = %q, want %q", lines[0], "hello")
	}
}

func TestCursorAdvances(t *testing.T) {
	r := New(5, 20)
	r.Feed([]byte("ab"))
	x, _ := r.Cursor()
	if x != 2 {
		t.Fatalf("cursor x = %d, want 2", x)
	}
}

func TestScrollbackBounded(t *testing.T) {
	r := New(3, 20)
	for i := 0; i < 50; i++ {
		r.Feed([]byte("line\r\n"))
	}
	sb := r.Scrollback(10)
	if len(sb) > 10 {
		t.Fatalf("Scrollback(10) returned %d lines, want <= 10", len(sb))
	}
}

func TestClearScrollbackKeepsCurrentScreen(t *testing.T) {
	r := New(3, 20)
	for i := 0; i < 20; i++ {
		r.Feed([]byte("line\r\n"))
	}
	before := r.Display()
	r.ClearScrollback()
	after := r.Display()
	if len(r.history) != 0 {
		t.Fatalf("history not cleared: %d entries", len(r.history))
	}
	if strings.Join(before, "\n") != strings.Join(after, "\n") {
		t.Fatalf("current screen changed after ClearScrollback: %v vs %v", before, after)
	}
}

func TestDegradedModeSurvivesFeed(t *testing.T) {
	r := New(5, 20)
	r.enterDegraded("synthetic failure")
	r.Feed([]byte("more data"))
	degraded, msg := r.Degraded()
	if !degraded {
		t.Fatal("expected degraded to remain true")
	}
	if msg != "synthetic failure" {
		t.Fatalf("degradedErr = %q, want preserved first error", msg)
	}
}

func TestClearScrollbackReinitializesWhenDegraded(t *testing.T) {
	r := New(5, 20)
	r.Feed([]byte("hello"))
	r.enterDegraded("boom")
	r.ClearScrollback()
	degraded, _ := r.Degraded()
	if degraded {
		t.Fatal("expected ClearScrollback to recover from degraded mode")
	}
}
