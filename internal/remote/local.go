package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// LocalRunner runs commands on this machine, for sites hosted locally or in a
// container reachable through a wrapper such as `docker exec`.
type LocalRunner struct {
	// Dir is the default working directory.
	Dir string
	// Prefix is prepended to every command, e.g. ["docker", "exec", "wp"].
	Prefix []string
}

// Connect checks that the program at the head of the prefix is available.
func (r *LocalRunner) Connect(ctx context.Context) error {
	if len(r.Prefix) == 0 {
		return nil
	}
	if _, err := exec.LookPath(r.Prefix[0]); err != nil {
		return fmt.Errorf("local runner prefix: %w", err)
	}
	return nil
}

// Run executes cmd without a shell.
func (r *LocalRunner) Run(ctx context.Context, cmd Command) (Output, error) {
	if err := cmd.Validate(); err != nil {
		return Output{}, err
	}
	argv := append(append([]string{}, r.Prefix...), cmd.Name)
	argv = append(argv, cmd.Args...)

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = r.Dir
	if cmd.Dir != "" {
		c.Dir = cmd.Dir
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, &ExitError{Command: cmd.String(), ExitCode: out.ExitCode, Stderr: out.Stderr}
	}
	return out, fmt.Errorf("run %s: %w", cmd.Name, err)
}

// Close is a no-op.
func (r *LocalRunner) Close() error { return nil }
