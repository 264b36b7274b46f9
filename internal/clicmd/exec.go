package clicmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newExecCmd() *cobra.Command {
	var cwd string
	var description string
	var timeoutSec float64
	var expectPattern string
	var stripANSI bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "exec [flags] -- <command> [args...]",
		Short: "Run a single command under a throwaway PTY session",
		Long: `exec spawns one session, runs a command, waits for the session to go
quiescent (or to match --expect), prints the result, and terminates the
session before exiting.

  piloty exec -- echo hello
  piloty exec --expect '\$\s*$' -- ls -la
  piloty exec --cwd /tmp --timeout 10 -- make test`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			surface, err := newSurface()
			if err != nil {
				return err
			}

			if cwd == "" {
				cwd, err = os.Getwd()
				if err != nil {
					return fmt.Errorf("getwd: %w", err)
				}
			}

			id := "exec-" + uuid.New().String()
			created := surface.CreateSession(id, cwd, description, "")
			if created.Error != "" {
				return fmt.Errorf("create_session: %s", created.Error)
			}
			defer surface.Terminate(id)

			timeout := time.Duration(timeoutSec * float64(time.Second))
			command := strings.Join(args, " ")
			reply := surface.Run(id, command, timeout, stripANSI)

			if expectPattern != "" && reply.Error == "" {
				reply = surface.Expect(id, expectPattern, timeout)
			}

			if err := printReply(cmd.OutOrStdout(), reply, asJSON); err != nil {
				return err
			}
			if reply.Error != "" {
				return fmt.Errorf("%s", reply.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory for the session (default: current directory)")
	cmd.Flags().StringVar(&description, "description", "", "Human-readable session description")
	cmd.Flags().Float64Var(&timeoutSec, "timeout", 5, "Seconds to wait for quiescence or a match")
	cmd.Flags().StringVar(&expectPattern, "expect", "", "Regex to wait for after the command runs, instead of returning on quiescence")
	cmd.Flags().BoolVar(&stripANSI, "strip-ansi", true, "Strip ANSI escapes and collapse overstrike from returned output")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw Reply as JSON instead of a formatted summary")

	return cmd
}
