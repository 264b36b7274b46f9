package clicmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"piloty/internal/toolsurface"
)

// detachKey is Ctrl-], the conventional telnet/tmux detach byte.
const detachKey = 0x1D

func newShellCmd() *cobra.Command {
	var cwd string
	var description string

	cmd := &cobra.Command{
		Use:   "shell [flags] -- <command> [args...]",
		Short: "Attach the local terminal to a PTY session interactively",
		Long: `shell spawns a session and pipes the local terminal's stdin to it,
printing raw output back out, until the child exits or Ctrl-] is pressed.
Unlike exec, output here is never ANSI-stripped: it's written straight to
the local terminal so full-screen programs render correctly.

  piloty shell -- bash
  piloty shell -- python3`,
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

			id := "shell-" + uuid.New().String()
			created := surface.CreateSession(id, cwd, description, "")
			if created.Error != "" {
				return fmt.Errorf("create_session: %s", created.Error)
			}

			command := strings.Join(args, " ")
			if reply := surface.Run(id, command, 500*time.Millisecond, false); reply.Error != "" {
				surface.Terminate(id)
				return fmt.Errorf("run: %s", reply.Error)
			} else {
				fmt.Fprint(cmd.OutOrStdout(), reply.Output)
			}

			return runAttachLoop(cmd, surface, id)
		},
	}

	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory for the session (default: current directory)")
	cmd.Flags().StringVar(&description, "description", "", "Human-readable session description")

	return cmd
}

// runAttachLoop puts the local terminal into raw mode (client-side only;
// the session's own PTY is driven separately by the engine) and forwards
// keystrokes to the session until the child exits, the session is
// terminated, or the user presses Ctrl-].
func runAttachLoop(cmd *cobra.Command, surface *toolsurface.Surface, id string) error {
	stdin := int(os.Stdin.Fd())
	var prior *term.State
	if term.IsTerminal(stdin) {
		var err error
		prior, err = term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		defer term.Restore(stdin, prior)
	}
	defer surface.Terminate(id)

	keys := make(chan []byte)
	readErrs := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				keys <- chunk
			}
			if err != nil {
				readErrs <- err
				return
			}
		}
	}()

	out := cmd.OutOrStdout()
	for {
		select {
		case chunk := <-keys:
			for _, b := range chunk {
				if b == detachKey {
					return nil
				}
			}
			reply := surface.SendInput(id, string(chunk), 300*time.Millisecond, false)
			fmt.Fprint(out, reply.Output)
			if reply.Status == "terminated" || reply.Status == "eof" {
				return nil
			}
		case <-readErrs:
			return nil
		case <-time.After(200 * time.Millisecond):
			reply := surface.PollOutput(id, 50*time.Millisecond)
			if reply.Output != "" {
				fmt.Fprint(out, reply.Output)
			}
			if reply.Status == "terminated" || reply.Status == "eof" {
				return nil
			}
		}
	}
}
