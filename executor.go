package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// Result is what one command run produced.
type Result struct {
	Output   string
	ExitCode int
	Err      error
}

// Success reports a zero exit status with no spawn failure.
func (r Result) Success() bool { return r.Err == nil }

// Executor runs a job command to completion.
type Executor interface {
	Execute(ctx context.Context, command string) Result
}

// ShellExecutor runs commands through sh -c. There is no timeout: a command
// that never exits holds its worker until it does.
type ShellExecutor struct {
	Shell string
}

func (e ShellExecutor) Execute(_ context.Context, command string) Result {
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	// Not bound to ctx: stop is cooperative and in-flight commands run
	// to completion.
	cmd := exec.Command(shell, "-c", command)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return Result{Output: string(output)}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{
			Output:   string(output),
			ExitCode: exitErr.ExitCode(),
			Err:      fmt.Errorf("command exited with code %d", exitErr.ExitCode()),
		}
	}
	return Result{
		Output:   string(output),
		ExitCode: -1,
		Err:      fmt.Errorf("command execution failed: %w", err),
	}
}
