package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ConfigProvider supplies the current retry configuration. Workers ask for it
// on every failure so config changes apply to running pools.
type ConfigProvider interface {
	Load() (Config, error)
}

// Recorder receives every execution attempt. *History implements it.
type Recorder interface {
	RecordExecution(e Execution) error
	RecordDead() error
}

// WorkerOptions are the timings shared by all workers of a pool.
type WorkerOptions struct {
	PollInterval time.Duration
	ErrorPause   time.Duration
	BackoffUnit  time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ErrorPause <= 0 {
		o.ErrorPause = time.Second
	}
	if o.BackoffUnit <= 0 {
		o.BackoffUnit = time.Second
	}
	return o
}

// Worker claims one job at a time and runs it to an outcome.
type Worker struct {
	id       string
	store    *Store
	config   ConfigProvider
	executor Executor
	recorder Recorder
	metrics  *Instruments
	stop     *StopSignal
	opts     WorkerOptions
	logger   *slog.Logger
}

// Run loops until the stop signal or ctx fires. It only checks between
// cycles, so a running command always finishes first.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started")
	for {
		if w.stopped(ctx) {
			w.logger.Info("worker shutting down")
			return
		}

		claimed, err := w.cycle(ctx)
		switch {
		case err != nil:
			w.logger.Error("worker cycle failed", "error", err)
			w.wait(ctx, w.opts.ErrorPause)
		case !claimed:
			w.wait(ctx, w.opts.PollInterval)
		}
	}
}

// cycle claims and processes at most one job. It reports whether a job was
// claimed. A panic is turned into an error and a job the panic left claimed is
// handed back to the queue.
func (w *Worker) cycle(ctx context.Context) (claimed bool, err error) {
	var job *Job
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in worker cycle: %v", r)
			if job != nil {
				w.release(ctx, job.ID)
			}
		}
	}()

	job, err = w.store.ClaimNext()
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	if w.metrics != nil {
		w.metrics.claimed.Inc()
	}
	return true, w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job *Job) error {
	log := w.logger.With("job_id", job.ID)
	log.Info("processing job", "command", job.Command, "attempts", job.Attempts)

	started := time.Now()
	res := w.execute(ctx, job.Command)
	finished := time.Now()

	if w.metrics != nil {
		w.metrics.observe(res, finished.Sub(started))
	}
	w.record(job, res, started, finished)

	if res.Success() {
		if _, err := w.settle(ctx, job.ID, func(j *Job) error {
			j.State = StateCompleted
			j.NextRetryAt = nil
			j.LastError = ""
			return nil
		}); err != nil {
			return fmt.Errorf("complete job %s: %w", job.ID, err)
		}
		log.Info("job completed")
		return nil
	}

	log.Warn("job failed", "error", res.Err, "exit_code", res.ExitCode)
	return w.fail(ctx, job.ID, res.Err, log)
}

// execute runs the command and reports an executor panic as a failed attempt.
func (w *Worker) execute(ctx context.Context, command string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{ExitCode: -1, Err: fmt.Errorf("panic while executing command: %v", r)}
		}
	}()
	return w.executor.Execute(ctx, command)
}

// fail records a failed attempt and either buries the job or holds it out of
// the claimable pool for its backoff delay before releasing it.
func (w *Worker) fail(ctx context.Context, id string, runErr error, log *slog.Logger) error {
	cfg, err := w.config.Load()
	if err != nil {
		log.Warn("config unavailable, using defaults", "error", err)
		cfg = DefaultConfig()
	}

	var decision Decision
	updated, err := w.settle(ctx, id, func(j *Job) error {
		j.Attempts++
		if runErr != nil {
			j.LastError = runErr.Error()
		}
		decision = Decide(j.Attempts, j.MaxRetries, cfg.BackoffBase, w.opts.BackoffUnit)
		if decision.Dead {
			j.State = StateDead
			j.NextRetryAt = nil
			return nil
		}
		retryAt := time.Now().UTC().Add(decision.Delay)
		j.NextRetryAt = &retryAt
		return nil
	})
	if err != nil {
		return fmt.Errorf("record failure of job %s: %w", id, err)
	}

	if decision.Dead {
		log.Warn("job moved to dead letter queue", "attempts", updated.Attempts, "max_retries", updated.MaxRetries)
		if w.metrics != nil {
			w.metrics.dead.Inc()
		}
		if w.recorder != nil {
			if err := w.recorder.RecordDead(); err != nil {
				log.Warn("failed to record dead job", "error", err)
			}
		}
		return nil
	}

	log.Info("retrying job after backoff", "delay", decision.Delay, "attempts", updated.Attempts, "max_retries", updated.MaxRetries)
	interrupted := !w.wait(ctx, decision.Delay)

	if _, err := w.settle(ctx, id, func(j *Job) error {
		j.State = StatePending
		if !interrupted {
			j.NextRetryAt = nil
		}
		return nil
	}); err != nil {
		return fmt.Errorf("release job %s for retry: %w", id, err)
	}
	if interrupted {
		log.Info("backoff interrupted by stop, job released with its retry time")
	}
	return nil
}

// release hands a claimed job back to the queue untouched.
func (w *Worker) release(ctx context.Context, id string) {
	if _, err := w.settle(ctx, id, func(j *Job) error {
		if j.State == StateProcessing {
			j.State = StatePending
		}
		return nil
	}); err != nil {
		w.logger.Error("failed to release job", "job_id", id, "error", err)
	}
}

// settle applies an update to a job this worker holds, retrying storage
// failures every ErrorPause. Once the worker is stopped it makes one last
// attempt and gives up; the job is then left for RecoverProcessing.
func (w *Worker) settle(ctx context.Context, id string, mutate func(*Job) error) (Job, error) {
	for {
		job, err := w.store.UpdateJob(id, mutate)
		if err == nil || errors.Is(err, ErrJobNotFound) {
			return job, err
		}
		w.logger.Warn("job update failed, retrying", "job_id", id, "error", err)
		if !w.wait(ctx, w.opts.ErrorPause) {
			return w.store.UpdateJob(id, mutate)
		}
	}
}

func (w *Worker) record(job *Job, res Result, started, finished time.Time) {
	if w.recorder == nil {
		return
	}
	e := Execution{
		JobID:      job.ID,
		Attempt:    job.Attempts + 1,
		StartedAt:  started,
		FinishedAt: finished,
		Success:    res.Success(),
		ExitCode:   res.ExitCode,
		Output:     res.Output,
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	if err := w.recorder.RecordExecution(e); err != nil {
		w.logger.Warn("failed to record execution", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) stopped(ctx context.Context) bool {
	return w.stop.Stopped() || ctx.Err() != nil
}

// wait sleeps for d on a per-worker timer. It returns false if the stop
// signal or ctx cut the wait short.
func (w *Worker) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !w.stopped(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.stop.Done():
		return false
	case <-ctx.Done():
		return false
	}
}
