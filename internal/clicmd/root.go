// Package clicmd is a small cobra-based command line harness over the
// Tool Surface. It is deliberately not a transport: there is no
// request/response wire framing here, just direct Go calls into
// piloty/internal/toolsurface, wired up the way a single agent-facing
// client would drive it.
package clicmd

import (
	"github.com/spf13/cobra"

	"piloty/internal/classifier"
	"piloty/internal/config"
	"piloty/internal/registry"
	"piloty/internal/toolsurface"
)

// NewRootCmd creates the root cobra command with all subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "piloty",
		Short: "Drive an agent-facing pseudoterminal",
		Long:  "piloty spawns a program under a pseudoterminal and exposes typed operations (run, expect, get_screen, ...) for an agent to drive it without a real human at the keyboard.",
	}

	rootCmd.AddCommand(
		newExecCmd(),
		newShellCmd(),
	)

	return rootCmd
}

// newSurface builds a fresh Surface for a single CLI invocation. Sessions
// live only as long as this process: the CLI is a harness for exercising
// the Tool Surface locally, not the long-lived server a real transport
// would front.
func newSurface() (*toolsurface.Surface, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	reg := registry.New(cfg.MaxSessions)
	var oracle classifier.Oracle // heuristic-only; no external refinement wired into the CLI
	return toolsurface.New(reg, cfg, oracle), nil
}
