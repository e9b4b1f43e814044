package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	jobsFileName = "jobs.json"
	lockFileName = "jobs.lock"
)

// Store is the durable job collection. Every operation runs inside one
// critical section: an in-process mutex plus an advisory lock on jobs.lock,
// so claims and updates from any number of workers or CLI processes are
// totally ordered and never interleave their read-modify-write cycles.
type Store struct {
	mu       sync.Mutex
	path     string
	lockPath string
	now      func() time.Time
}

func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: dataDir, Err: err}
	}
	return &Store{
		path:     filepath.Join(dataDir, jobsFileName),
		lockPath: filepath.Join(dataDir, lockFileName),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Path is the location of the job snapshot file.
func (s *Store) Path() string { return s.path }

// withJobs runs fn over the loaded record set. When fn reports dirty the set
// is written back before the lock is released.
func (s *Store) withJobs(fn func(jobs []*Job) ([]*Job, bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := lockFile(s.lockPath)
	if err != nil {
		return err
	}
	defer lock.unlock()

	jobs, err := s.load()
	if err != nil {
		return err
	}
	jobs, dirty, err := fn(jobs)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return s.save(jobs)
}

func (s *Store) load() ([]*Job, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Path: s.path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, &StorageError{Op: "decode", Path: s.path, Err: err}
	}
	return jobs, nil
}

func (s *Store) save(jobs []*Job) error {
	if jobs == nil {
		jobs = []*Job{}
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return &StorageError{Op: "encode", Path: s.path, Err: err}
	}
	return writeFileAtomic(s.path, data, 0644)
}

// Enqueue appends a new pending job. The id is the store size plus one.
func (s *Store) Enqueue(command string, maxRetries int) (Job, error) {
	if command == "" {
		return Job{}, ErrEmptyCommand
	}
	var created Job
	err := s.withJobs(func(jobs []*Job) ([]*Job, bool, error) {
		now := s.now()
		job := &Job{
			ID:         strconv.Itoa(len(jobs) + 1),
			Command:    command,
			State:      StatePending,
			MaxRetries: maxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		created = *job
		return append(jobs, job), true, nil
	})
	if err != nil {
		return Job{}, err
	}
	return created, nil
}

// ClaimNext moves the first claimable pending job to processing and returns
// a copy of it. It returns nil when nothing is claimable.
func (s *Store) ClaimNext() (*Job, error) {
	var claimed *Job
	err := s.withJobs(func(jobs []*Job) ([]*Job, bool, error) {
		now := s.now()
		for _, job := range jobs {
			if !job.claimable(now) {
				continue
			}
			job.State = StateProcessing
			job.NextRetryAt = nil
			job.UpdatedAt = now
			c := *job
			claimed = &c
			return jobs, true, nil
		}
		return jobs, false, nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateJob applies mutate to the job with id and persists the result. If
// mutate returns an error nothing is written.
func (s *Store) UpdateJob(id string, mutate func(*Job) error) (Job, error) {
	var updated Job
	err := s.withJobs(func(jobs []*Job) ([]*Job, bool, error) {
		job := findJob(jobs, id)
		if job == nil {
			return jobs, false, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		c := *job
		if err := mutate(&c); err != nil {
			return jobs, false, err
		}
		c.UpdatedAt = s.now()
		*job = c
		updated = c
		return jobs, true, nil
	})
	if err != nil {
		return Job{}, err
	}
	return updated, nil
}

func (s *Store) Get(id string) (Job, error) {
	var found Job
	err := s.withJobs(func(jobs []*Job) ([]*Job, bool, error) {
		job := findJob(jobs, id)
		if job == nil {
			return jobs, false, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		found = *job
		return jobs, false, nil
	})
	return found, err
}

// List returns every job in insertion order.
func (s *Store) List() ([]Job, error) {
	return s.filter(func(*Job) bool { return true })
}

func (s *Store) ListByState(state JobState) ([]Job, error) {
	return s.filter(func(j *Job) bool { return j.State == state })
}

func (s *Store) filter(keep func(*Job) bool) ([]Job, error) {
	var out []Job
	err := s.withJobs(func(jobs []*Job) ([]*Job, bool, error) {
		for _, job := range jobs {
			if keep(job) {
				out = append(out, *job)
			}
		}
		return jobs, false, nil
	})
	return out, err
}

// CountByState returns the number of jobs per state. Every state is present.
func (s *Store) CountByState() (map[JobState]int, error) {
	counts := make(map[JobState]int, len(allStates))
	for _, st := range allStates {
		counts[st] = 0
	}
	err := s.withJobs(func(jobs []*Job) ([]*Job, bool, error) {
		for _, job := range jobs {
			counts[job.State]++
		}
		return jobs, false, nil
	})
	return counts, err
}

// RecoverProcessing returns jobs left in processing by a pool that died
// without releasing them. Only call it while holding the pool pid record.
func (s *Store) RecoverProcessing() (int, error) {
	n := 0
	err := s.withJobs(func(jobs []*Job) ([]*Job, bool, error) {
		now := s.now()
		for _, job := range jobs {
			if job.State != StateProcessing {
				continue
			}
			job.State = StatePending
			job.UpdatedAt = now
			n++
		}
		return jobs, n > 0, nil
	})
	return n, err
}

func findJob(jobs []*Job, id string) *Job {
	for _, job := range jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}
