package main

import "fmt"

// ListDead returns the dead letter queue: every job that exhausted its
// retries.
func (s *Store) ListDead() ([]Job, error) {
	return s.ListByState(StateDead)
}

// Requeue puts a dead job back in the pending pool with a fresh retry
// budget. Unknown ids report ErrJobNotFound and live jobs ErrInvalidState;
// neither changes the store.
func (s *Store) Requeue(id string) (Job, error) {
	return s.UpdateJob(id, func(j *Job) error {
		if j.State != StateDead {
			return fmt.Errorf("%w: job %s is %s, not dead", ErrInvalidState, id, j.State)
		}
		j.State = StatePending
		j.Attempts = 0
		j.NextRetryAt = nil
		j.LastError = ""
		return nil
	})
}
