package clicmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestExecRunsCommandAndPrintsOutput(t *testing.T) {
	t.Setenv("PILOTY_HOME", t.TempDir())

	cmd := NewRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"exec", "--json", "--", "echo", "hello-from-exec"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(buf.String(), "hello-from-exec") {
		t.Fatalf("output = %q, want it to contain hello-from-exec", buf.String())
	}
}

func TestExecExpectWaitsForPattern(t *testing.T) {
	t.Setenv("PILOTY_HOME", t.TempDir())

	cmd := NewRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"exec", "--json", "--expect", `marker-\d+`, "--", "echo", "marker-42"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(buf.String(), "marker-42") {
		t.Fatalf("output = %q, want it to contain the matched marker", buf.String())
	}
}

func TestExecSilentCommandStillReturnsReply(t *testing.T) {
	t.Setenv("PILOTY_HOME", t.TempDir())

	cmd := NewRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"exec", "--json", "--timeout", "1", "--", "true"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(buf.String(), "\"status\"") {
		t.Fatalf("output = %q, want a status field", buf.String())
	}
}
