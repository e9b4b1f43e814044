//go:build !(linux || darwin || freebsd || openbsd || netbsd || dragonfly)

package main

import "os"

// exclusiveLocks reports whether fileLock excludes other processes.
const exclusiveLocks = false

// fileLock only guards against a missing data dir on platforms without flock;
// cross-process exclusion there relies on a single pool per data dir.
type fileLock struct {
	f *os.File
}

func lockFile(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, &StorageError{Op: "open lock", Path: path, Err: err}
	}
	return &fileLock{f: f}, nil
}

func tryLockFile(path string) (*fileLock, error) {
	return lockFile(path)
}

func (l *fileLock) unlock() {
	l.f.Close()
}
