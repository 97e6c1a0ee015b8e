// Package remote runs named commands on the host that serves the site under
// test, either over SSH or on the local machine.
package remote

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Runner executes commands on the site host.
type Runner interface {
	// Connect establishes the channel. It is called once before Run.
	Connect(ctx context.Context) error
	// Run executes cmd and returns its output. A non-zero exit status is
	// reported as an *ExitError together with the captured output.
	Run(ctx context.Context, cmd Command) (Output, error)
	// Close releases the channel.
	Close() error
}

// Command is a program and its arguments. Arguments are never interpreted by
// a shell on the local side; over SSH they are quoted.
type Command struct {
	Name string
	Args []string
	// Dir is the working directory. Empty means the runner default.
	Dir string
}

// Output is the captured result of a command.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	if msg == "" {
		return fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Command, e.ExitCode, msg)
}

// Validation errors.
var (
	ErrEmptyValue      = errors.New("value is empty")
	ErrNullByte        = errors.New("value contains null byte")
	ErrControlChar     = errors.New("value contains control characters")
	ErrShellMetachar   = errors.New("value contains shell metacharacters")
	ErrOptionInjection = errors.New("program name starts with dash (option injection)")
	ErrInvalidName     = errors.New("program name contains invalid characters")
)

var (
	// shellMetachars matches shell metacharacters that could enable command injection.
	shellMetachars = regexp.MustCompile("[;&|`$<>]")

	// controlChars matches control characters like newlines and carriage returns.
	controlChars = regexp.MustCompile(`[\r\n]`)

	// bareName matches safe program names without a path.
	bareName = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)

	// safeUnquoted matches words that need no shell quoting.
	safeUnquoted = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)
)

// ArgumentError provides context about which argument failed validation.
type ArgumentError struct {
	Index int
	Arg   string
	Err   error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("argument %d (%q) is unsafe: %v", e.Index, e.Arg, e.Err)
}

func (e *ArgumentError) Unwrap() error {
	return e.Err
}

// Validate rejects program names and arguments that could change the meaning
// of the command once it reaches a remote shell. Feature identifiers come
// from the remote site itself, so they are validated like any other input.
func (c Command) Validate() error {
	if err := checkValue(c.Name); err != nil {
		return fmt.Errorf("program %q: %w", c.Name, err)
	}
	if !strings.ContainsAny(c.Name, `/\`) {
		if strings.HasPrefix(c.Name, "-") {
			return ErrOptionInjection
		}
		if !bareName.MatchString(c.Name) {
			return ErrInvalidName
		}
	}
	for i, arg := range c.Args {
		if err := checkValue(arg); err != nil {
			return &ArgumentError{Index: i, Arg: arg, Err: err}
		}
	}
	if c.Dir != "" {
		if err := checkValue(c.Dir); err != nil {
			return fmt.Errorf("working directory %q: %w", c.Dir, err)
		}
	}
	return nil
}

func checkValue(v string) error {
	switch {
	case v == "":
		return ErrEmptyValue
	case strings.Contains(v, "\x00"):
		return ErrNullByte
	case controlChars.MatchString(v):
		return ErrControlChar
	case shellMetachars.MatchString(v):
		return ErrShellMetachar
	}
	return nil
}

// String renders the command as a POSIX shell command line.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, Quote(c.Name))
	for _, arg := range c.Args {
		parts = append(parts, Quote(arg))
	}
	line := strings.Join(parts, " ")
	if c.Dir != "" {
		line = "cd " + Quote(c.Dir) + " && " + line
	}
	return line
}

// Quote single-quotes s for a POSIX shell when needed.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if safeUnquoted.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
