package main

import (
	"fmt"
	"time"
)

type JobState string

const (
	StatePending    JobState = "pending"
	StateProcessing JobState = "processing"
	StateCompleted  JobState = "completed"
	StateDead       JobState = "dead"

	// labelRetrying is reported for a processing job sitting out its backoff
	// window. It is never persisted as a state.
	labelRetrying = "retrying"
)

var allStates = []JobState{StatePending, StateProcessing, StateCompleted, StateDead}

// ParseJobState validates a user supplied state name.
func ParseJobState(s string) (JobState, error) {
	for _, st := range allStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("invalid state %q: valid states are pending, processing, completed, dead", s)
}

// Terminal reports whether no automatic transition leaves the state.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateDead
}

type Job struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	State       JobState   `json:"state"`
	Attempts    int        `json:"attempts"`
	MaxRetries  int        `json:"max_retries"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// DisplayState is the state shown to operators, including the transient
// retrying label.
func (j *Job) DisplayState() string {
	if j.State == StateProcessing && j.NextRetryAt != nil {
		return labelRetrying
	}
	return string(j.State)
}

// claimable reports whether a worker may pick the job up at now.
func (j *Job) claimable(now time.Time) bool {
	if j.State != StatePending {
		return false
	}
	return j.NextRetryAt == nil || !j.NextRetryAt.After(now)
}
