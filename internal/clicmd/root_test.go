package clicmd

import "testing"

func TestNewRootCmdHasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"exec", "shell"} {
		if !names[want] {
			t.Fatalf("missing subcommand %q, have %v", want, names)
		}
	}
}
