package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	envparse "github.com/caarlos0/env/v11"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrInvalidState  = errors.New("invalid state transition")
	ErrInvalidConfig = errors.New("invalid config value")
	ErrPoolRunning   = errors.New("workers are already running")
	ErrEmptyCommand  = errors.New("missing job command")
)

// StorageError is an I/O failure on one of the durable files.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Settings are process level knobs sourced from the environment.
type Settings struct {
	DataDir      string        `env:"QUEUECTL_DATA_DIR"`
	PollInterval time.Duration `env:"QUEUECTL_POLL_INTERVAL" envDefault:"1s"`
	ErrorPause   time.Duration `env:"QUEUECTL_ERROR_PAUSE"   envDefault:"1s"`
	BackoffUnit  time.Duration `env:"QUEUECTL_BACKOFF_UNIT"  envDefault:"1s"`
	LogLevel     string        `env:"QUEUECTL_LOG_LEVEL"     envDefault:"info"`
	LogFormat    string        `env:"QUEUECTL_LOG_FORMAT"    envDefault:"text"`
}

func LoadSettings() (*Settings, error) {
	s := &Settings{}
	if err := envparse.Parse(s); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if s.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return nil, err
		}
		s.DataDir = dir
	}
	return s, nil
}

func defaultDataDir() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		return filepath.Join(wd, "data"), nil
	}
	return filepath.Join(filepath.Dir(execPath), "data"), nil
}

func newLogger(s *Settings) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(s.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// writeFileAtomic replaces path with data. The bytes go to a temp file in the
// same directory which is synced and then renamed over path, so readers see
// either the previous content or the new one.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return &StorageError{Op: "create temp", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return &StorageError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return &StorageError{Op: "sync", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &StorageError{Op: "close", Path: tmpName, Err: err}
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return &StorageError{Op: "chmod", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return &StorageError{Op: "rename", Path: path, Err: err}
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the directory entry after a rename. Not every platform
// supports it, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}
