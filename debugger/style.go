package debugger

import (
	"os"

	"github.com/mattn/go-isatty"
)

// stdoutIsTTY is probed once; ANSI styling is suppressed when output is
// redirected.
var stdoutIsTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

func styled(code, s string) string {
	if !stdoutIsTTY {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

func red(s string) string   { return styled("31", s) }
func green(s string) string { return styled("32", s) }
func cyan(s string) string  { return styled("96", s) }
func bold(s string) string  { return styled("1", s) }
