// Package console provides the line oriented command loop the coordinator
// and node services expose on stdin.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrQuit is returned by a command to end the command loop.
var ErrQuit = errors.New("quit")

// Func is the signature of a console command. The arguments are the
// whitespace separated words that followed the command name.
type Func func(w io.Writer, args []string) error

type command struct {
	name string
	help string
	fn   Func
}

// Console reads commands line by line and dispatches them by name.
type Console struct {
	mu       sync.Mutex
	scanner  *bufio.Scanner
	out      io.Writer
	prompt   string
	commands map[string]*command
	order    []*command
}

// New constructs a console reading from in and writing to out.
func New(in io.Reader, out io.Writer, prompt string) *Console {
	con := Console{
		scanner:  bufio.NewScanner(in),
		out:      out,
		prompt:   prompt,
		commands: make(map[string]*command),
	}

	con.Add("help", "Show all commands", con.help)

	return &con
}

// Add registers a command. Registering a name twice replaces the command.
func (con *Console) Add(name string, help string, fn Func) {
	con.mu.Lock()
	defer con.mu.Unlock()

	if cmd, exists := con.commands[name]; exists {
		cmd.help = help
		cmd.fn = fn
		return
	}

	cmd := command{name: name, help: help, fn: fn}
	con.commands[name] = &cmd
	con.order = append(con.order, &cmd)
}

// Alias makes alias run the same command as name.
func (con *Console) Alias(alias string, name string) error {
	con.mu.Lock()
	defer con.mu.Unlock()

	cmd, exists := con.commands[name]
	if !exists {
		return fmt.Errorf("command %q does not exist", name)
	}

	con.commands[alias] = cmd
	return nil
}

// Ask writes the question and reads a single line answer. It is used by
// commands that collect their arguments interactively.
func (con *Console) Ask(question string) (string, error) {
	fmt.Fprint(con.out, question)

	if !con.scanner.Scan() {
		if err := con.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}

	return strings.TrimSpace(con.scanner.Text()), nil
}

// Run reads and executes commands until a command returns ErrQuit or the
// input is exhausted. Errors from other commands are printed and the loop
// continues.
func (con *Console) Run() error {
	for {
		fmt.Fprint(con.out, con.prompt)

		if !con.scanner.Scan() {
			return con.scanner.Err()
		}

		err := con.Exec(con.scanner.Text())
		switch {
		case errors.Is(err, ErrQuit):
			return nil
		case err != nil:
			fmt.Fprintf(con.out, "error: %s\n", err)
		}
	}
}

// Exec runs a single command line.
func (con *Console) Exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	con.mu.Lock()
	cmd, exists := con.commands[fields[0]]
	con.mu.Unlock()

	if !exists {
		fmt.Fprintf(con.out, "Unknown command: %s. Type 'help' for commands.\n", fields[0])
		return nil
	}

	return cmd.fn(con.out, fields[1:])
}

func (con *Console) help(w io.Writer, args []string) error {
	con.mu.Lock()
	defer con.mu.Unlock()

	fmt.Fprintln(w, "\n=== Available Commands ===")
	for _, cmd := range con.order {
		fmt.Fprintf(w, "  %-14s- %s\n", cmd.name, cmd.help)
	}
	fmt.Fprintln(w)

	return nil
}
