// Command piloty is a local command-line harness over the Tool Surface.
// It is not the agent-facing transport described by the driver's
// specification (that would decode MCP/JSON-RPC requests into
// toolsurface.Dispatch calls); it exists so the engine, registry, and
// tool surface can be exercised directly from a terminal.
package main

import (
	"fmt"
	"os"

	"piloty/internal/clicmd"
)

func main() {
	if err := clicmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "piloty:", err)
		os.Exit(1)
	}
}
