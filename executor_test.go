package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShellExecutor(t *testing.T) {
	exec := ShellExecutor{}
	ctx := context.Background()

	res := exec.Execute(ctx, "echo hello")
	assert.True(t, res.Success())
	assert.Equal(t, "hello\n", res.Output)
	assert.Equal(t, 0, res.ExitCode)

	res = exec.Execute(ctx, "echo oops >&2; exit 3")
	assert.False(t, res.Success())
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Output)
	assert.EqualError(t, res.Err, "command exited with code 3")
}

func TestShellExecutorSpawnFailure(t *testing.T) {
	res := ShellExecutor{Shell: "/nonexistent/shell"}.Execute(context.Background(), "true")
	assert.False(t, res.Success())
	assert.Equal(t, -1, res.ExitCode)
}
