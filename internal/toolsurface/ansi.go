package toolsurface

import "strings"

// ansiParseState tracks where we are inside an escape sequence while
// stripping, mirroring the plain-text scrollback parser's state machine
// (dcosson-h2/internal/session/virtualterminal/vt.go's
// CapturePlainHistory), generalized here to operate over an already-
// rendered string rather than raw child bytes.
type ansiParseState int

const (
	ansiNormal ansiParseState = iota
	ansiEsc
	ansiCSI
	ansiOSC
	ansiOSCEsc
)

// StripANSI removes CSI/OSC sequences and common escape intros from s,
// then collapses CR/backspace/tab overstrike by maintaining a virtual
// cursor per line: CR moves to column 0, BS moves back one column, TAB
// writes a single space, and any other printable rune is written at the
// cursor and advances it (spec.md §4.7).
func StripANSI(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = stripANSILine(line)
	}
	return strings.Join(out, "\n")
}

func stripANSILine(line string) string {
	state := ansiNormal
	cursor := 0
	var cells []rune

	write := func(r rune) {
		for len(cells) <= cursor {
			cells = append(cells, ' ')
		}
		cells[cursor] = r
		cursor++
	}

	for _, r := range line {
		switch state {
		case ansiEsc:
			switch r {
			case '[':
				state = ansiCSI
			case ']':
				state = ansiOSC
			default:
				state = ansiNormal
			}
			continue
		case ansiCSI:
			if r >= 0x40 && r <= 0x7E {
				state = ansiNormal
			}
			continue
		case ansiOSC:
			if r == 0x07 {
				state = ansiNormal
			} else if r == 0x1B {
				state = ansiOSCEsc
			}
			continue
		case ansiOSCEsc:
			if r == '\\' {
				state = ansiNormal
			} else if r == 0x1B {
				state = ansiOSCEsc
			} else {
				state = ansiOSC
			}
			continue
		}

		switch r {
		case 0x1B:
			state = ansiEsc
		case '\r':
			cursor = 0
		case 0x08, 0x7F:
			if cursor > 0 {
				cursor--
			}
		case '\t':
			write(' ')
		default:
			if r >= 0x20 {
				write(r)
			}
		}
	}

	return strings.TrimRight(string(cells), " ")
}
