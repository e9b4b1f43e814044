package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	pidFileName  = "worker.pid"
	stopFileName = "worker.stop"
	poolLockName = "pool.lock"
)

// PoolRecord describes the pool process currently owning a data dir.
type PoolRecord struct {
	PID       int       `json:"pid"`
	Count     int       `json:"count"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

// Control is the cross-process channel between a running pool and other
// queuectl invocations: a pid record naming the owner and a stop flag file
// any process may raise. The owner also holds pool.lock until Release.
type Control struct {
	pidFile  string
	stopFile string
	lockFile string

	mu   sync.Mutex
	held *fileLock
}

func NewControl(dataDir string) *Control {
	return &Control{
		pidFile:  filepath.Join(dataDir, pidFileName),
		stopFile: filepath.Join(dataDir, stopFileName),
		lockFile: filepath.Join(dataDir, poolLockName),
	}
}

// Acquire registers the calling process as the pool owner. It fails with
// ErrPoolRunning while another pool holds the data dir. A stale stop flag
// from an earlier run is cleared.
func (c *Control) Acquire(count int) (PoolRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held != nil {
		return PoolRecord{}, ErrPoolRunning
	}

	lock, err := tryLockFile(c.lockFile)
	if err != nil {
		return PoolRecord{}, err
	}
	if lock == nil {
		rec, _, _ := c.Status()
		return PoolRecord{}, fmt.Errorf("%w (pid %d)", ErrPoolRunning, rec.PID)
	}
	if !exclusiveLocks {
		if rec, alive, err := c.Status(); err != nil {
			lock.unlock()
			return PoolRecord{}, err
		} else if alive && rec.PID != os.Getpid() {
			lock.unlock()
			return PoolRecord{}, fmt.Errorf("%w (pid %d)", ErrPoolRunning, rec.PID)
		}
	}

	rec := PoolRecord{
		PID:       os.Getpid(),
		Count:     count,
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		lock.unlock()
		return PoolRecord{}, fmt.Errorf("failed to encode pool record: %w", err)
	}
	if err := writeFileAtomic(c.pidFile, data, 0644); err != nil {
		lock.unlock()
		return PoolRecord{}, err
	}
	if err := c.ClearStop(); err != nil {
		lock.unlock()
		return PoolRecord{}, err
	}
	c.held = lock
	return rec, nil
}

// Release removes the pid record and any stop flag, then gives up pool.lock
// if this Control holds it.
func (c *Control) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if c.held != nil {
			c.held.unlock()
			c.held = nil
		}
	}()
	if err := removeIfExists(c.pidFile); err != nil {
		return err
	}
	return c.ClearStop()
}

// Status reads the pid record and reports whether its process is alive. A
// missing record returns a zero record and false.
func (c *Control) Status() (PoolRecord, bool, error) {
	data, err := os.ReadFile(c.pidFile)
	if errors.Is(err, os.ErrNotExist) {
		return PoolRecord{}, false, nil
	}
	if err != nil {
		return PoolRecord{}, false, &StorageError{Op: "read", Path: c.pidFile, Err: err}
	}
	var rec PoolRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// Unreadable records are treated as stale.
		return PoolRecord{}, false, nil
	}
	return rec, processAlive(rec.PID), nil
}

// RequestStop raises the stop flag. Raising it twice is harmless.
func (c *Control) RequestStop() error {
	return writeFileAtomic(c.stopFile, []byte(time.Now().UTC().Format(time.RFC3339)), 0644)
}

// ClearStop lowers the stop flag if it is raised.
func (c *Control) ClearStop() error {
	return removeIfExists(c.stopFile)
}

func (c *Control) StopRequested() bool {
	_, err := os.Stat(c.stopFile)
	return err == nil
}

// Watch polls the stop flag until it is raised or ctx ends, calling onStop
// once in the first case.
func (c *Control) Watch(ctx context.Context, interval time.Duration, onStop func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.StopRequested() {
				onStop()
				return
			}
		}
	}
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
