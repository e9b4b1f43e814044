package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// env is what every command needs, built once before the command runs.
type env struct {
	settings *Settings
	logger   *slog.Logger
	store    *Store
	config   *ConfigStore
	control  *Control
}

func (e *env) openHistory() (*History, error) {
	return OpenHistory(e.settings.DataDir)
}

func newRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:           "queuectl",
		Short:         "A CLI-based background job queue system",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			settings, err := LoadSettings()
			if err != nil {
				return err
			}
			e.settings = settings
			e.logger = newLogger(settings)
			slog.SetDefault(e.logger)

			store, err := NewStore(settings.DataDir)
			if err != nil {
				return fmt.Errorf("failed to initialize job store: %w", err)
			}
			e.store = store
			e.config = NewConfigStore(settings.DataDir)
			e.control = NewControl(settings.DataDir)
			return nil
		},
	}

	root.AddCommand(
		enqueueCmd(e),
		workerCmd(e),
		statusCmd(e),
		listCmd(e),
		showCmd(e),
		dlqCmd(e),
		configCmd(e),
		dashboardCmd(e),
	)
	return root
}

func enqueueCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <command>",
		Short: "Add a new job to the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := e.config.Load()
			if err != nil {
				return err
			}
			job, err := e.store.Enqueue(strings.Join(args, " "), cfg.MaxRetries)
			if err != nil {
				return fmt.Errorf("failed to enqueue job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s enqueued\n", job.ID)
			return nil
		},
	}
}

func workerCmd(e *env) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage worker processes",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a pool of workers in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			if count < 1 {
				return errors.New("worker count must be at least 1")
			}
			return runWorkers(cmd.Context(), e, count, metricsAddr)
		},
	}
	startCmd.Flags().IntP("count", "c", 1, "Number of workers to start")
	startCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop the running worker pool",
		Long:  `Ask the running pool to stop. Workers finish their current job first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetDuration("wait")
			return stopWorkers(cmd.OutOrStdout(), e, wait)
		},
	}
	stopCmd.Flags().Duration("wait", 0, "Wait up to this long for the pool to exit")

	workerCmd.AddCommand(startCmd, stopCmd)
	return workerCmd
}

func runWorkers(parent context.Context, e *env, count int, metricsAddr string) error {
	if parent == nil {
		parent = context.Background()
	}
	rec, err := e.control.Acquire(count)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.control.Release(); err != nil {
			e.logger.Warn("failed to release pool record", "error", err)
		}
	}()
	logger := e.logger.With("run_id", rec.RunID)

	if n, err := e.store.RecoverProcessing(); err != nil {
		return fmt.Errorf("failed to recover orphaned jobs: %w", err)
	} else if n > 0 {
		logger.Info("recovered jobs left processing by a previous run", "count", n)
	}

	history, err := e.openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	instruments := NewInstruments()
	pool := NewPool(e.store, e.config, ShellExecutor{},
		WithRecorder(history),
		WithInstruments(instruments),
		WithLogger(logger),
		WithWorkerOptions(WorkerOptions{
			PollInterval: e.settings.PollInterval,
			ErrorPause:   e.settings.ErrorPause,
			BackoffUnit:  e.settings.BackoffUnit,
		}),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: instruments.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("serving metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	// Workers get a context that is never cancelled: shutdown always goes
	// through the cooperative stop signal.
	if err := pool.Start(context.WithoutCancel(ctx), count); err != nil {
		return err
	}
	go e.control.Watch(ctx, e.settings.PollInterval, func() {
		logger.Info("stop requested by another process")
		pool.Stop()
	})
	go func() {
		<-ctx.Done()
		pool.Stop()
	}()

	pool.Join()
	logger.Info("all workers stopped")
	return nil
}

func stopWorkers(out io.Writer, e *env, wait time.Duration) error {
	rec, alive, err := e.control.Status()
	if err != nil {
		return err
	}
	if !alive {
		if err := e.control.Release(); err != nil {
			return err
		}
		fmt.Fprintln(out, "No workers are running")
		return nil
	}
	if err := e.control.RequestStop(); err != nil {
		return fmt.Errorf("failed to request stop: %w", err)
	}
	fmt.Fprintf(out, "Stop requested for worker pool (PID: %d)\n", rec.PID)
	if wait <= 0 {
		return nil
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if _, alive, _ := e.control.Status(); !alive {
			fmt.Fprintln(out, "Workers stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("worker pool (PID: %d) still running after %s", rec.PID, wait)
}

func statusCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show summary of all job states & active workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			jobs, err := e.store.List()
			if err != nil {
				return fmt.Errorf("failed to get jobs: %w", err)
			}
			counts := make(map[string]int)
			for _, job := range jobs {
				counts[job.DisplayState()]++
			}

			fmt.Fprintln(out, "Job Queue Status")
			fmt.Fprintln(out, "================")
			fmt.Fprintf(out, "Pending:    %d\n", counts[string(StatePending)])
			fmt.Fprintf(out, "Processing: %d\n", counts[string(StateProcessing)])
			fmt.Fprintf(out, "Retrying:   %d\n", counts[labelRetrying])
			fmt.Fprintf(out, "Completed:  %d\n", counts[string(StateCompleted)])
			fmt.Fprintf(out, "Dead:       %d\n", counts[string(StateDead)])
			fmt.Fprintf(out, "Total:      %d\n", len(jobs))
			fmt.Fprintln(out)

			rec, alive, err := e.control.Status()
			if err != nil {
				return err
			}
			if !alive {
				fmt.Fprintln(out, "Active Workers: 0 (stopped)")
				return nil
			}
			fmt.Fprintf(out, "Active Workers: %d (PID: %d, started %s)\n", rec.Count, rec.PID, rec.StartedAt.Format(time.RFC3339))
			if e.control.StopRequested() {
				fmt.Fprintln(out, "Stop requested, waiting for workers to finish")
			}
			return nil
		},
	}
}

func listCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			stateFlag, _ := cmd.Flags().GetString("state")
			var jobs []Job
			var err error
			if stateFlag != "" {
				state, perr := ParseJobState(stateFlag)
				if perr != nil {
					return perr
				}
				jobs, err = e.store.ListByState(state)
			} else {
				jobs, err = e.store.List()
			}
			if err != nil {
				return fmt.Errorf("failed to get jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
				return nil
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().StringP("state", "s", "", "Filter jobs by state (pending, processing, completed, dead)")
	return cmd
}

func showCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show details and last output of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			job, err := e.store.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "Job Details")
			fmt.Fprintln(out, strings.Repeat("=", 80))
			fmt.Fprintf(out, "%-16s %s\n", "ID:", job.ID)
			fmt.Fprintf(out, "%-16s %s\n", "Command:", job.Command)
			fmt.Fprintf(out, "%-16s %s\n", "State:", job.DisplayState())
			fmt.Fprintf(out, "%-16s %d\n", "Attempts:", job.Attempts)
			fmt.Fprintf(out, "%-16s %d\n", "Max Retries:", job.MaxRetries)
			fmt.Fprintf(out, "%-16s %s\n", "Created At:", job.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "%-16s %s\n", "Updated At:", job.UpdatedAt.Format(time.RFC3339))
			if job.NextRetryAt != nil {
				fmt.Fprintf(out, "%-16s %s\n", "Next Retry At:", job.NextRetryAt.Format(time.RFC3339))
			}
			if job.LastError != "" {
				fmt.Fprintf(out, "%-16s %s\n", "Last Error:", job.LastError)
			}

			history, err := e.openHistory()
			if err != nil {
				return err
			}
			defer history.Close()
			last, err := history.LastExecution(job.ID)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "\nLast Output")
			fmt.Fprintln(out, strings.Repeat("-", 80))
			if last == nil || last.Output == "" {
				fmt.Fprintln(out, "(No output available)")
				return nil
			}
			fmt.Fprint(out, last.Output)
			return nil
		},
	}
}

func dlqCmd(e *env) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage the Dead Letter Queue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in the Dead Letter Queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := e.store.ListDead()
			if err != nil {
				return fmt.Errorf("failed to get DLQ jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs in Dead Letter Queue")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dead Letter Queue Jobs (%d)\n", len(jobs))
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a dead job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := e.store.Requeue(args[0]); err != nil {
				return fmt.Errorf("failed to retry DLQ job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s moved back to pending queue\n", args[0])
			return nil
		},
	}

	dlqCmd.AddCommand(listCmd, retryCmd)
	return dlqCmd
}

func configCmd(e *env) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  `Manage retry configuration. Recognized keys: max_retries, backoff_base.`,
	}

	getCmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Print one configuration value, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := e.config.Load()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				printConfig(cmd.OutOrStdout(), cfg)
				return nil
			}
			v, ok := cfg.Get(args[0])
			if !ok {
				return fmt.Errorf("config key not found: %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := e.config.Set(args[0], args[1])
			if err != nil {
				return err
			}
			v, _ := cfg.Get(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration updated: %s = %v\n", args[0], v)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := e.config.Load()
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}

	configCmd.AddCommand(getCmd, setCmd, listCmd)
	return configCmd
}

func dashboardCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Start the web dashboard server",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")
			if port < 1 || port > 65535 {
				return fmt.Errorf("invalid port %d", port)
			}
			history, err := e.openHistory()
			if err != nil {
				return err
			}
			defer history.Close()
			return NewDashboard(e.store, history, e.logger).ListenAndServe(port)
		},
	}
	cmd.Flags().IntP("port", "p", 8080, "Port to run the dashboard server on")
	return cmd
}

func printJobs(out io.Writer, jobs []Job) {
	fmt.Fprintf(out, "%-6s %-12s %-9s %-12s %-21s %s\n", "ID", "STATE", "ATTEMPTS", "MAX_RETRIES", "UPDATED_AT", "COMMAND")
	fmt.Fprintln(out, strings.Repeat("-", 80))
	for _, job := range jobs {
		fmt.Fprintf(out, "%-6s %-12s %-9d %-12d %-21s %s\n",
			job.ID,
			job.DisplayState(),
			job.Attempts,
			job.MaxRetries,
			job.UpdatedAt.Format(time.RFC3339),
			job.Command,
		)
	}
}

func printConfig(out io.Writer, cfg Config) {
	fmt.Fprintf(out, "%-20s %s\n", "KEY", "VALUE")
	fmt.Fprintln(out, strings.Repeat("-", 50))
	for _, key := range cfg.Keys() {
		v, _ := cfg.Get(key)
		fmt.Fprintf(out, "%-20s %v\n", key, v)
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
