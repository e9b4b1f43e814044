package main

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(s *Store, exec Executor) *Pool {
	return NewPool(s, staticConfig{DefaultConfig()}, exec,
		WithRecorder(&memRecorder{}),
		WithInstruments(NewInstruments()),
		WithWorkerOptions(fastOptions),
		WithLogger(discardLogger()),
	)
}

func joinWithin(t *testing.T, p *Pool, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		p.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("pool did not stop in time")
	}
}

func TestPoolProcessesEveryJobExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	const jobs = 30
	for i := 0; i < jobs; i++ {
		_, err := s.Enqueue("job-"+strconv.Itoa(i), 3)
		require.NoError(t, err)
	}

	exec := newFakeExecutor()
	exec.delay = time.Millisecond
	p := newTestPool(s, exec)
	require.NoError(t, p.Start(context.Background(), 6))

	require.Eventually(t, func() bool {
		done, err := s.ListByState(StateCompleted)
		return err == nil && len(done) == jobs
	}, 5*time.Second, 10*time.Millisecond)

	p.Stop()
	joinWithin(t, p, 2*time.Second)

	for i := 0; i < jobs; i++ {
		assert.Equal(t, 1, exec.count("job-"+strconv.Itoa(i)))
	}
	assert.False(t, exec.overlapped, "a job ran on two workers at once")
}

func TestPoolEndToEndWithShell(t *testing.T) {
	s := newTestStore(t)
	ok, err := s.Enqueue("exit 0", 3)
	require.NoError(t, err)
	bad, err := s.Enqueue("exit 1", 1)
	require.NoError(t, err)

	p := newTestPool(s, ShellExecutor{})
	require.NoError(t, p.Start(context.Background(), 2))

	require.Eventually(t, func() bool {
		a, errA := s.Get(ok.ID)
		b, errB := s.Get(bad.ID)
		return errA == nil && errB == nil && a.State.Terminal() && b.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	p.Stop()
	joinWithin(t, p, 2*time.Second)

	a, err := s.Get(ok.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, a.State)
	assert.Equal(t, 0, a.Attempts)

	b, err := s.Get(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDead, b.State)
	assert.Equal(t, 1, b.Attempts)

	dead, err := s.ListDead()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, bad.ID, dead[0].ID)
}

func TestPoolStopIsIdempotent(t *testing.T) {
	p := newTestPool(newTestStore(t), newFakeExecutor())
	require.NoError(t, p.Start(context.Background(), 3))

	p.Stop()
	p.Stop()
	assert.True(t, p.Stopping())
	joinWithin(t, p, 2*time.Second)

	p.Stop()
	joinWithin(t, p, 100*time.Millisecond)
}

func TestPoolJoinBeforeStartReturns(t *testing.T) {
	p := newTestPool(newTestStore(t), newFakeExecutor())
	joinWithin(t, p, 100*time.Millisecond)
}

func TestPoolStartTwice(t *testing.T) {
	p := newTestPool(newTestStore(t), newFakeExecutor())
	require.NoError(t, p.Start(context.Background(), 1))
	t.Cleanup(func() {
		p.Stop()
		p.Join()
	})
	assert.ErrorIs(t, p.Start(context.Background(), 1), ErrPoolRunning)
}

func TestPoolRejectsZeroWorkers(t *testing.T) {
	p := newTestPool(newTestStore(t), newFakeExecutor())
	assert.Error(t, p.Start(context.Background(), 0))
}

func TestPoolStopLetsRunningCommandFinish(t *testing.T) {
	s := newTestStore(t)
	job, err := s.Enqueue("slow", 3)
	require.NoError(t, err)

	exec := newFakeExecutor()
	exec.delay = 100 * time.Millisecond
	p := newTestPool(s, exec)
	require.NoError(t, p.Start(context.Background(), 1))

	require.Eventually(t, func() bool { return exec.count("slow") == 1 }, time.Second, time.Millisecond)
	p.Stop()
	joinWithin(t, p, 2*time.Second)

	got, err := s.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
}

func TestStopSignal(t *testing.T) {
	s := NewStopSignal()
	assert.False(t, s.Stopped())
	select {
	case <-s.Done():
		t.Fatal("done before stop")
	default:
	}
	s.Stop()
	s.Stop()
	assert.True(t, s.Stopped())
	<-s.Done()
}

func TestPoolDoesNotStrandPanickingJob(t *testing.T) {
	s := newTestStore(t)
	bad, err := s.Enqueue("panic", 3)
	require.NoError(t, err)
	good, err := s.Enqueue("after", 3)
	require.NoError(t, err)

	exec := newFakeExecutor()
	p := newTestPool(s, exec)
	require.NoError(t, p.Start(context.Background(), 2))

	require.Eventually(t, func() bool {
		a, errA := s.Get(bad.ID)
		b, errB := s.Get(good.ID)
		return errA == nil && errB == nil && a.State == StateDead && b.State == StateCompleted
	}, 5*time.Second, 10*time.Millisecond)
	p.Stop()
	joinWithin(t, p, 2*time.Second)

	assert.Equal(t, 3, exec.count("panic"))
}
