package debugger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
)

// CmdHandler handles one debugger command. args is the rest of the command
// line, trimmed. Returning true leaves the CLI and resumes execution.
type CmdHandler func(args string) bool

// cmdInfo describes a registered command for dispatch and help output.
type cmdInfo struct {
	name    string
	abbr    string
	handler CmdHandler
	args    string
	desc    string
	details string
}

// CLI is the line-edited command loop shared by debugger front-ends.
// Commands are dispatched by name or abbreviation; `help` is built in.
type CLI struct {
	prompt   string
	cmds     []*cmdInfo // registration order, for help listings
	byName   map[string]*cmdInfo
	line     *liner.State
	histPath string
	out      io.Writer

	// quitVM is set when the user asked to terminate the program.
	quitVM bool

	// input overrides the terminal for scripted sessions and tests.
	input io.Reader
}

// NewCLI creates a command loop with the given prompt.
func NewCLI(prompt string) *CLI {
	c := &CLI{
		prompt: prompt,
		byName: make(map[string]*cmdInfo),
		out:    os.Stdout,
	}
	c.RegisterCommand("help", "", c.showHelp, "[CMD]",
		"show help message of CMD",
		"Show a list of all debugger commands, or give details about a specific command.")
	return c
}

// SetPrompt replaces the CLI prompt.
func (c *CLI) SetPrompt(prompt string) {
	c.prompt = prompt
}

// SetHistoryFile enables persistent line history at the given path.
func (c *CLI) SetHistoryFile(path string) {
	c.histPath = path
}

// SetInput replaces the terminal with a scripted input stream. Line editing
// and history are disabled.
func (c *CLI) SetInput(r io.Reader) {
	c.input = r
}

// SetOutput redirects command output.
func (c *CLI) SetOutput(w io.Writer) {
	c.out = w
}

// RegisterCommand adds a command with an optional abbreviation. Both name
// and abbreviation must be unused.
func (c *CLI) RegisterCommand(name, abbr string, handler CmdHandler, args, desc, details string) {
	info := &cmdInfo{
		name:    name,
		abbr:    abbr,
		handler: handler,
		args:    args,
		desc:    desc,
		details: details,
	}
	if _, ok := c.byName[name]; ok {
		panic(fmt.Sprintf("debugger: command %q registered twice", name))
	}
	c.cmds = append(c.cmds, info)
	c.byName[name] = info
	if abbr != "" {
		if _, ok := c.byName[abbr]; ok {
			panic(fmt.Sprintf("debugger: abbreviation %q registered twice", abbr))
		}
		c.byName[abbr] = info
	}
}

// EnterCLI runs the command loop until a handler asks to leave.
func (c *CLI) EnterCLI() {
	if c.input != nil {
		c.enterScripted()
		return
	}
	if c.line == nil {
		c.line = liner.NewLiner()
		c.line.SetCtrlCAborts(true)
		c.loadHistory()
	}
	for {
		fmt.Fprintln(c.out)
		text, err := c.line.Prompt(c.prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}
			// EOF: treat like quit.
			fmt.Fprintln(c.out, "quit")
			c.quitVM = true
			c.Close()
			return
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		c.line.AppendHistory(text)
		if c.dispatch(text) {
			return
		}
	}
}

// enterScripted reads commands from the scripted input; EOF quits.
func (c *CLI) enterScripted() {
	buf := make([]byte, 0, 128)
	readLine := func() (string, bool) {
		buf = buf[:0]
		one := make([]byte, 1)
		for {
			n, err := c.input.Read(one)
			if n > 0 {
				if one[0] == '\n' {
					return string(buf), true
				}
				buf = append(buf, one[0])
			}
			if err != nil {
				if len(buf) > 0 {
					return string(buf), true
				}
				return "", false
			}
		}
	}
	for {
		text, ok := readLine()
		if !ok {
			c.quitVM = true
			return
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if c.dispatch(text) {
			return
		}
	}
}

// ReadLine reads one extra input line (confirmation prompts). It reports
// false on EOF or abort.
func (c *CLI) ReadLine(prompt string) (string, bool) {
	if c.input != nil {
		fmt.Fprint(c.out, prompt)
		buf := make([]byte, 0, 16)
		one := make([]byte, 1)
		for {
			n, err := c.input.Read(one)
			if n > 0 {
				if one[0] == '\n' {
					return string(buf), true
				}
				buf = append(buf, one[0])
			}
			if err != nil {
				return string(buf), len(buf) > 0
			}
		}
	}
	if c.line == nil {
		return "", false
	}
	text, err := c.line.Prompt(prompt)
	if err != nil {
		return "", false
	}
	return text, true
}

// Close releases the terminal and writes history.
func (c *CLI) Close() {
	if c.line == nil {
		return
	}
	c.saveHistory()
	c.line.Close()
	c.line = nil
}

// QuitRequested reports whether the user asked to terminate the program.
func (c *CLI) QuitRequested() bool {
	return c.quitVM
}

// RequestQuit marks the session as terminating.
func (c *CLI) RequestQuit() {
	c.quitVM = true
}

// dispatch parses one command line. It returns true when the handler asks to
// leave the CLI.
func (c *CLI) dispatch(text string) bool {
	name, args := splitCommand(text)
	info, ok := c.byName[name]
	if !ok {
		fmt.Fprintln(c.out, "unknown command, run 'help' to see command list")
		return false
	}
	return info.handler(args)
}

// splitCommand separates the command word from its argument rest.
func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, " \t"); i >= 0 {
		return text[:i], strings.TrimSpace(text[i+1:])
	}
	return text, ""
}

// showHelp implements the built-in `help` command.
func (c *CLI) showHelp(args string) bool {
	if args == "" {
		fmt.Fprintln(c.out, "Debugger commands:")
		cmdLen, argsLen := 0, 0
		for _, info := range c.cmds {
			if l := len(info.name) + len(info.abbr) + 1; l > cmdLen {
				cmdLen = l
			}
			if len(info.args) > argsLen {
				argsLen = len(info.args)
			}
		}
		for _, info := range c.cmds {
			cmd := info.name
			if info.abbr != "" {
				cmd += "/" + info.abbr
			}
			fmt.Fprintf(c.out, "  %-*s  %-*s --- %s\n", cmdLen, cmd, argsLen, info.args, info.desc)
		}
		return false
	}
	name, _ := splitCommand(args)
	info, ok := c.byName[name]
	if !ok {
		fmt.Fprintln(c.out, "unknown command, run 'help' to see command list")
		return false
	}
	cmd := info.name
	if info.abbr != "" {
		cmd += "/" + info.abbr
	}
	fmt.Fprintf(c.out, "Syntax: %s %s\n", cmd, info.args)
	fmt.Fprintf(c.out, "  %s\n", info.details)
	return false
}

// loadHistory restores line history from the history file.
func (c *CLI) loadHistory() {
	if c.histPath == "" {
		return
	}
	if f, err := os.Open(c.histPath); err == nil {
		_, _ = c.line.ReadHistory(f)
		_ = f.Close()
	}
}

// saveHistory persists line history to the history file.
func (c *CLI) saveHistory() {
	if c.histPath == "" {
		return
	}
	_ = os.MkdirAll(filepath.Dir(c.histPath), 0o755)
	if f, err := os.Create(c.histPath); err == nil {
		_, _ = c.line.WriteHistory(f)
		_ = f.Close()
	}
}
