package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const historyFileName = "history.db"

// historyTimeLayout has fixed width so stored timestamps sort as text.
const historyTimeLayout = "2006-01-02T15:04:05.000000Z"

// Metric keys kept in the metrics table.
const (
	metricProcessed = "jobs_processed"
	metricSucceeded = "jobs_succeeded"
	metricFailed    = "jobs_failed"
	metricDead      = "jobs_dead"
)

// History is the SQLite log of every execution attempt plus running counters.
// It is informational: the job store remains the source of truth for state.
type History struct {
	db *sql.DB
}

// Execution is one recorded attempt of a job.
type Execution struct {
	JobID      string    `json:"job_id"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	ExitCode   int       `json:"exit_code"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Stats summarizes the history.
type Stats struct {
	TotalProcessed int64   `json:"total_processed"`
	TotalSucceeded int64   `json:"total_succeeded"`
	TotalFailed    int64   `json:"total_failed"`
	TotalDead      int64   `json:"total_dead"`
	SuccessRate    float64 `json:"success_rate"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
	Recent24h      int64   `json:"recent_24h_count"`
}

func OpenHistory(dataDir string) (*History, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, historyFileName)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS job_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			success INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			output TEXT,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_executions_job ON job_executions(job_id);
		CREATE TABLE IF NOT EXISTS metrics (
			key TEXT PRIMARY KEY,
			value INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);
		`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return &History{db: db}, nil
}

func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

func (h *History) IncrementMetric(key string) error {
	now := time.Now().UTC().Format(historyTimeLayout)
	_, err := h.db.Exec(`
		INSERT INTO metrics (key, value, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET value = value + 1, updated_at = ?`,
		key, now, now)
	if err != nil {
		return fmt.Errorf("failed to increment metric: %w", err)
	}
	return nil
}

func (h *History) Metric(key string) (int64, error) {
	var value int64
	err := h.db.QueryRow("SELECT value FROM metrics WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get metric: %w", err)
	}
	return value, nil
}

func (h *History) Metrics() (map[string]int64, error) {
	rows, err := h.db.Query("SELECT key, value FROM metrics ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}
	defer rows.Close()

	metrics := make(map[string]int64)
	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		metrics[key] = value
	}
	return metrics, rows.Err()
}

// RecordExecution stores one attempt and bumps the matching counters.
func (h *History) RecordExecution(e Execution) error {
	success := 0
	if e.Success {
		success = 1
	}
	_, err := h.db.Exec(`
		INSERT INTO job_executions (job_id, attempt, started_at, finished_at, duration_ms, success, exit_code, output, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID,
		e.Attempt,
		e.StartedAt.UTC().Format(historyTimeLayout),
		e.FinishedAt.UTC().Format(historyTimeLayout),
		e.FinishedAt.Sub(e.StartedAt).Milliseconds(),
		success,
		e.ExitCode,
		e.Output,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record job execution: %w", err)
	}

	if err := h.IncrementMetric(metricProcessed); err != nil {
		return err
	}
	if e.Success {
		return h.IncrementMetric(metricSucceeded)
	}
	return h.IncrementMetric(metricFailed)
}

// RecordDead counts a job moved to the dead letter queue.
func (h *History) RecordDead() error {
	return h.IncrementMetric(metricDead)
}

func (h *History) Stats() (Stats, error) {
	var s Stats
	var err error
	if s.TotalProcessed, err = h.Metric(metricProcessed); err != nil {
		return Stats{}, err
	}
	if s.TotalSucceeded, err = h.Metric(metricSucceeded); err != nil {
		return Stats{}, err
	}
	if s.TotalFailed, err = h.Metric(metricFailed); err != nil {
		return Stats{}, err
	}
	if s.TotalDead, err = h.Metric(metricDead); err != nil {
		return Stats{}, err
	}
	if s.TotalProcessed > 0 {
		s.SuccessRate = float64(s.TotalSucceeded) / float64(s.TotalProcessed) * 100
	}

	since := time.Now().UTC().Add(-24 * time.Hour).Format(historyTimeLayout)
	var avg sql.NullFloat64
	err = h.db.QueryRow(`
		SELECT AVG(duration_ms), COUNT(*) FROM job_executions
		WHERE started_at > ?`, since).Scan(&avg, &s.Recent24h)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get execution stats: %w", err)
	}
	if avg.Valid {
		s.AvgDurationMs = avg.Float64
	}
	return s, nil
}

// RecentExecutions returns the newest attempts first.
func (h *History) RecentExecutions(limit int) ([]Execution, error) {
	return h.queryExecutions(`
		SELECT job_id, attempt, started_at, finished_at, duration_ms, success, exit_code, output, error
		FROM job_executions ORDER BY id DESC LIMIT ?`, limit)
}

// LastExecution returns the newest attempt of jobID, or nil if it never ran.
func (h *History) LastExecution(jobID string) (*Execution, error) {
	execs, err := h.queryExecutions(`
		SELECT job_id, attempt, started_at, finished_at, duration_ms, success, exit_code, output, error
		FROM job_executions WHERE job_id = ? ORDER BY id DESC LIMIT 1`, jobID)
	if err != nil || len(execs) == 0 {
		return nil, err
	}
	return &execs[0], nil
}

func (h *History) queryExecutions(query string, args ...any) ([]Execution, error) {
	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get executions: %w", err)
	}
	defer rows.Close()

	var execs []Execution
	for rows.Next() {
		var e Execution
		var startedAt, finishedAt string
		var success int
		var output, errMsg sql.NullString
		if err := rows.Scan(&e.JobID, &e.Attempt, &startedAt, &finishedAt, &e.DurationMs, &success, &e.ExitCode, &output, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.StartedAt, _ = time.Parse(historyTimeLayout, startedAt)
		e.FinishedAt, _ = time.Parse(historyTimeLayout, finishedAt)
		e.Success = success == 1
		e.Output = output.String
		e.Error = errMsg.String
		execs = append(execs, e)
	}
	return execs, rows.Err()
}
