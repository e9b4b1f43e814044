package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCLIEnqueueListAndDLQ(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QUEUECTL_DATA_DIR", dir)
	t.Setenv("QUEUECTL_LOG_LEVEL", "error")

	out, err := runCLI(t, "config", "set", "max-retries", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "max-retries = 1")

	out, err = runCLI(t, "enqueue", "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, "Job 1 enqueued\n", out)

	s, err := NewStore(dir)
	require.NoError(t, err)
	job, err := s.Get("1")
	require.NoError(t, err)
	assert.Equal(t, "echo hi", job.Command)
	assert.Equal(t, 1, job.MaxRetries)

	out, err = runCLI(t, "list", "--state", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "echo hi")

	_, err = runCLI(t, "list", "--state", "weird")
	assert.Error(t, err)

	_, err = runCLI(t, "dlq", "retry", "1")
	assert.ErrorIs(t, err, ErrInvalidState)

	buryJob(t, s, "false")
	out, err = runCLI(t, "dlq", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Dead Letter Queue Jobs (1)")

	out, err = runCLI(t, "dlq", "retry", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Job 2 moved back to pending queue")

	out, err = runCLI(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Pending:    2")
	assert.Contains(t, out, "Active Workers: 0 (stopped)")
}

func TestCLIConfigRejectsBadValue(t *testing.T) {
	t.Setenv("QUEUECTL_DATA_DIR", t.TempDir())
	t.Setenv("QUEUECTL_LOG_LEVEL", "error")

	_, err := runCLI(t, "config", "set", "backoff_base", "zero")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	out, err := runCLI(t, "config", "get", "backoff_base")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)
}

func TestCLIWorkerStopWithoutPool(t *testing.T) {
	t.Setenv("QUEUECTL_DATA_DIR", t.TempDir())
	t.Setenv("QUEUECTL_LOG_LEVEL", "error")

	out, err := runCLI(t, "worker", "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "No workers are running")
}
