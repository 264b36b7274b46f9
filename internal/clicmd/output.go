package clicmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"

	"piloty/internal/toolsurface"
)

// printReply writes a Reply to w, either as indented JSON (asJSON, or
// whenever w isn't a terminal) or as a short colorized status line
// followed by the raw output text.
func printReply(w io.Writer, r toolsurface.Reply, asJSON bool) error {
	f, isFile := w.(*os.File)
	if asJSON || !isFile || !isatty.IsTerminal(f.Fd()) {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	out := termenv.NewOutput(w)
	statusColor := out.Color("2") // green
	if r.Error != "" {
		statusColor = out.Color("1") // red
	} else if r.TimedOut {
		statusColor = out.Color("3") // yellow
	}
	fmt.Fprintln(w, out.String(fmt.Sprintf("[%s]", r.Status)).Foreground(statusColor).String())

	if r.Prompt != "" {
		fmt.Fprintf(w, "prompt: %s\n", r.Prompt)
	}
	if r.StateReason != "" {
		fmt.Fprintf(w, "reason: %s\n", r.StateReason)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "error: %s\n", r.Error)
		return nil
	}
	if r.Output != "" {
		fmt.Fprintln(w, r.Output)
	}
	if r.OutputTruncated {
		fmt.Fprintf(w, "(output truncated, %d bytes dropped)\n", r.DroppedBytes)
	}
	for _, line := range r.Screen {
		fmt.Fprintln(w, line)
	}
	if r.Match != "" {
		fmt.Fprintf(w, "match: %s\n", r.Match)
	}
	return nil
}
