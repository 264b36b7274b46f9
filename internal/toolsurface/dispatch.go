package toolsurface

import (
	"fmt"
	"time"
)

// defaultTimeout is used when a caller omits "timeout" for an operation
// that requires one.
const defaultTimeout = 30 * time.Second

// opArgs names every argument key an operation accepts. Dispatch rejects
// any key not present here for the given op (spec.md §6: "Unknown
// argument keys must be rejected, not silently ignored") — this is the
// Tool Surface's own argument boundary, independent of whatever
// request/response framing a transport layer puts in front of it.
var opArgs = map[string]map[string]bool{
	"create_session":   set("id", "cwd", "description", "shell_prompt_regex"),
	"run":              set("id", "command", "timeout", "strip_ansi"),
	"send_input":       set("id", "text", "timeout", "strip_ansi"),
	"send_password":    set("id", "password", "timeout"),
	"send_control":     set("id", "key", "timeout"),
	"send_signal":      set("id", "signal"),
	"poll_output":      set("id", "timeout"),
	"expect":           set("id", "pattern", "timeout"),
	"expect_prompt":    set("id", "timeout"),
	"get_screen":       set("id"),
	"get_scrollback":   set("id", "lines", "strip_ansi"),
	"clear_scrollback": set("id"),
	"get_metadata":     set("id"),
	"list_sessions":    set(),
	"configure_session": set("id", "description", "shell_prompt_regex"),
	"transcript":       set("id"),
	"terminate":        set("id"),
}

func set(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// Dispatch routes a caller-supplied operation name and untyped argument
// map to the matching Surface method. It is the Tool Surface's argument
// boundary: an MCP server, CLI, or any other transport is expected to
// decode its own wire format into this map shape before calling in.
func (s *Surface) Dispatch(op string, args map[string]any) Reply {
	allowed, ok := opArgs[op]
	if !ok {
		return errInvalidArgument(fmt.Sprintf("unknown operation %q", op))
	}
	for k := range args {
		if !allowed[k] {
			return errInvalidArgument(fmt.Sprintf("unknown argument key %q for %s", k, op))
		}
	}

	id, _ := args["id"].(string)

	switch op {
	case "create_session":
		cwd, _ := args["cwd"].(string)
		desc, _ := args["description"].(string)
		regex, _ := args["shell_prompt_regex"].(string)
		return s.CreateSession(id, cwd, desc, regex)
	case "run":
		cmd, _ := args["command"].(string)
		return s.Run(id, cmd, durationArg(args, "timeout"), boolArg(args, "strip_ansi", true))
	case "send_input":
		text, _ := args["text"].(string)
		return s.SendInput(id, text, durationArg(args, "timeout"), boolArg(args, "strip_ansi", true))
	case "send_password":
		pw, _ := args["password"].(string)
		return s.SendPassword(id, pw, durationArg(args, "timeout"))
	case "send_control":
		key, _ := args["key"].(string)
		return s.SendControl(id, key, durationArg(args, "timeout"))
	case "send_signal":
		sig, _ := args["signal"].(string)
		return s.SendSignal(id, sig)
	case "poll_output":
		return s.PollOutput(id, durationArg(args, "timeout"))
	case "expect":
		pattern, _ := args["pattern"].(string)
		return s.Expect(id, pattern, durationArg(args, "timeout"))
	case "expect_prompt":
		return s.ExpectPrompt(id, durationArg(args, "timeout"))
	case "get_screen":
		return s.GetScreen(id)
	case "get_scrollback":
		lines := intArg(args, "lines", 0)
		return s.GetScrollback(id, lines, boolArg(args, "strip_ansi", false))
	case "clear_scrollback":
		return s.ClearScrollback(id)
	case "get_metadata":
		return s.GetMetadata(id)
	case "list_sessions":
		return s.ListSessions()
	case "configure_session":
		desc, _ := args["description"].(string)
		regex, _ := args["shell_prompt_regex"].(string)
		return s.ConfigureSession(id, desc, regex)
	case "transcript":
		return s.Transcript(id)
	case "terminate":
		return s.Terminate(id)
	default:
		return errInvalidArgument(fmt.Sprintf("unknown operation %q", op))
	}
}

func durationArg(args map[string]any, key string) time.Duration {
	switch v := args[key].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	default:
		return defaultTimeout
	}
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
