// Package cli is the interactive front end: it turns typed commands into
// debugger requests on the control connection.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/peterh/liner"
	"golang.org/x/term"

	"github.com/bsdbgsuite/bsdbg/internal/inspector"
	"github.com/bsdbgsuite/bsdbg/internal/protocol"
	"github.com/bsdbgsuite/bsdbg/pkg/client"
)

const listContextLines = 5

var commandNames = []string{
	"backtrace", "continue", "exit", "help", "list", "out", "over",
	"quit", "step", "stop", "thread", "threads", "vars",
}

// commandTag is attached to requests as caller data so the response
// handling layer can recognize what the CLI asked for.
type commandTag struct {
	ID      uuid.UUID
	Command string
}

func newTag(command string) commandTag {
	return commandTag{ID: uuid.New(), Command: command}
}

// lineReader lets the loop run on a real terminal (liner, with history
// and completion) or on a plain pipe.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

type linerReader struct{ state *liner.State }

func newLinerReader() *linerReader {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	state.SetCompleter(func(line string) []string {
		var matches []string
		for _, name := range commandNames {
			if strings.HasPrefix(name, strings.ToLower(line)) {
				matches = append(matches, name)
			}
		}
		return matches
	})
	return &linerReader{state: state}
}

func (r *linerReader) Prompt(prompt string) (string, error) {
	line, err := r.state.Prompt(prompt)
	if err == liner.ErrPromptAborted {
		return "", io.EOF
	}
	return line, err
}

func (r *linerReader) AppendHistory(line string) { r.state.AppendHistory(line) }
func (r *linerReader) Close() error              { return r.state.Close() }

type plainReader struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func (r *plainReader) Prompt(prompt string) (string, error) {
	fmt.Fprint(r.out, prompt)
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *plainReader) AppendHistory(string) {}
func (r *plainReader) Close() error         { return nil }

// CLI drives one debug session from typed commands.
type CLI struct {
	dc        *client.DebuggerClient
	inspect   *inspector.Inspector // nil without a channel zip at hand
	in        lineReader
	out       io.Writer
	selThread int
}

// New builds a CLI over an attached client. inspect may be nil.
func New(dc *client.DebuggerClient, inspect *inspector.Inspector) *CLI {
	var in lineReader
	if term.IsTerminal(int(os.Stdin.Fd())) {
		in = newLinerReader()
	} else {
		in = &plainReader{scanner: bufio.NewScanner(os.Stdin), out: os.Stdout}
	}
	return &CLI{
		dc:      dc,
		inspect: inspect,
		in:      in,
		out:     os.Stdout,
	}
}

// Run reads commands until quit or EOF. Bad input is reported and the loop
// keeps going; any other error (a failed send leaves the connection
// unusable, an unreadable channel zip stays unreadable) ends the session.
func (c *CLI) Run() error {
	defer func() { _ = c.in.Close() }()

	fmt.Fprintln(c.out, "Type 'help' for commands.")
	for {
		line, err := c.in.Prompt(fmt.Sprintf("[thread %d] > ", c.selThread))
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		c.in.AppendHistory(line)

		quit, err := c.dispatch(strings.Fields(line))
		if err != nil {
			if isUsageError(err) {
				fmt.Fprintln(c.out, err.Error())
				continue
			}
			return err
		}
		if quit {
			return nil
		}
	}
}

// usageError marks bad input; the loop reports it and keeps going, unlike
// a connection failure.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

func isUsageError(err error) bool {
	_, ok := err.(usageError)
	return ok
}

func (c *CLI) dispatch(fields []string) (quit bool, err error) {
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "help", "h":
		c.printHelp()
	case "quit", "q":
		return true, nil
	case "stop":
		_, err = c.dc.Stop()
	case "continue", "c":
		_, err = c.dc.Continue()
	case "step", "s":
		_, err = c.dc.Step(c.selThread, protocol.StepLine)
	case "over", "v":
		_, err = c.dc.Step(c.selThread, protocol.StepOver)
	case "out", "o":
		_, err = c.dc.Step(c.selThread, protocol.StepOut)
	case "threads", "t":
		_, err = c.dc.Threads(newTag(cmd))
	case "backtrace", "bt":
		_, err = c.dc.Stacktrace(c.selThread, newTag(cmd))
	case "vars":
		_, err = c.dc.Variables(c.selThread, 0, args, true, newTag(cmd))
	case "thread":
		return false, c.selectThread(args)
	case "list", "l":
		return false, c.list(args)
	case "exit":
		if _, err = c.dc.ExitChannel(); err == nil {
			return true, nil
		}
	default:
		return false, usageErrorf("unknown command %q, try 'help'", cmd)
	}
	return false, err
}

func (c *CLI) selectThread(args []string) error {
	if len(args) != 1 {
		return usageErrorf("usage: thread <index>")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return usageErrorf("invalid thread index %q", args[0])
	}
	c.selThread = n
	fmt.Fprintf(c.out, "selected thread %d\n", n)
	return nil
}

func (c *CLI) list(args []string) error {
	if c.inspect == nil {
		return usageErrorf("no channel source available (run with a channel zip)")
	}
	if len(args) != 2 {
		return usageErrorf("usage: list <file> <line>")
	}
	center, err := strconv.Atoi(args[1])
	if err != nil || center <= 0 {
		return usageErrorf("invalid line number %q", args[1])
	}

	first := max(center-listContextLines, 1)
	lines, err := c.inspect.SourceLines(args[0], first, center+listContextLines)
	if err != nil {
		// An unreadable channel zip is not a typo in the command.
		return fmt.Errorf("read channel source: %w", err)
	}
	if len(lines) == 0 {
		return usageErrorf("no source found for %s", args[0])
	}
	for _, line := range lines {
		marker := "  "
		if line.LineNumber == center {
			marker = "* "
		}
		fmt.Fprintf(c.out, "%s%4d  %s\n", marker, line.LineNumber, line.Text)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprint(c.out, `Commands:
  threads, t            list the target's threads
  thread <n>            select the thread for step/backtrace/vars
  stop                  suspend all threads
  continue, c           resume all threads
  step, s               step the selected thread one line
  over, v               step over the next statement
  out, o                step out of the current function
  backtrace, bt         stack trace of the selected thread
  vars [path ...]       variables of frame 0 (optionally a nested path)
  list, l <file> <line> show channel source around a line
  exit                  terminate the channel on the target
  quit, q               leave the debugger (channel keeps running)
`)
}
