// Package runner executes the external disk utilities the pipeline orchestrates.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Runner invokes external commands. Every call blocks until the command exits.
type Runner interface {
	// Run executes the command and returns its combined output.
	Run(ctx context.Context, name string, args ...string) (string, error)
	// Stream executes the command with stdout/stderr attached to the operator
	// terminal, for tools that report progress (dd).
	Stream(ctx context.Context, name string, args ...string) error
}

// Exec runs commands on the host.
type Exec struct {
	Stdout io.Writer
	Stderr io.Writer
}

// New returns an Exec runner attached to the process stdout/stderr.
func New() *Exec {
	return &Exec{Stdout: os.Stdout, Stderr: os.Stderr}
}

// Run implements Runner.
func (e *Exec) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s failed: %s: %w", name, strings.TrimSpace(string(out)), err)
	}

	return string(out), nil
}

// Stream implements Runner.
func (e *Exec) Stream(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}

	return nil
}

// ExitCode extracts the exit status from a command error, or -1 when the
// command did not run to completion.
func ExitCode(err error) int {
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return -1
}

// Available reports whether every named tool is on PATH.
func Available(tools ...string) error {
	var missing []string
	for _, t := range tools {
		if _, err := exec.LookPath(t); err != nil {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required tools not found in PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}
