// Package commands runs shell commands issued by the controller and the
// operator's remediation script.
package commands

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// ErrorPrefix is prepended to the output of a command that did not succeed.
const ErrorPrefix = "Error executing command: "

// DefaultShell is the interpreter used for commands and scripts.
const DefaultShell = "sh"

// waitDelay bounds how long output is drained after a canceled command's
// shell is killed while its children still hold the pipes.
const waitDelay = 2 * time.Second

// Result is the outcome of one command.
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
	Err      error
}

// Failed reports whether the command exited non-zero or could not be started.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// Response returns the text reported back to the controller: the combined
// output, prefixed with ErrorPrefix when the command failed.
func (r *Result) Response() string {
	if !r.Failed() {
		return r.Output
	}
	if r.Output == "" && r.ExitCode < 0 {
		return ErrorPrefix + r.Err.Error()
	}
	return ErrorPrefix + r.Output
}

// Executor runs commands through a shell.
type Executor struct {
	shell  string
	logger zerolog.Logger
}

// NewExecutor creates an executor using DefaultShell.
func NewExecutor(logger zerolog.Logger) *Executor {
	return &Executor{
		shell:  DefaultShell,
		logger: logger.With().Str("component", "command_executor").Logger(),
	}
}

// Run executes text with "sh -c" and captures stdout and stderr together.
// A non-zero exit is reported in the Result, never as a Go error.
func (e *Executor) Run(ctx context.Context, text string) *Result {
	start := time.Now()
	cmd := exec.CommandContext(ctx, e.shell, "-c", text)
	cmd.WaitDelay = waitDelay
	output, err := cmd.CombinedOutput()

	res := &Result{
		Output:   string(output),
		Duration: time.Since(start),
		Err:      err,
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
	}

	e.logger.Debug().
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Int("output_bytes", len(output)).
		Msg("command finished")

	return res
}

// RunScript runs the script at path with the shell and no arguments.
// Output is logged at debug level; the returned error describes a non-zero
// exit or a failure to start and is informational only.
func (e *Executor) RunScript(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, e.shell, path)
	cmd.WaitDelay = waitDelay
	output, err := cmd.CombinedOutput()

	e.logger.Debug().
		Str("script", path).
		Str("output", string(output)).
		Msg("script finished")

	if err != nil {
		return fmt.Errorf("run script %s: %w", path, err)
	}
	return nil
}
