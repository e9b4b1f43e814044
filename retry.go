package main

import (
	"math"
	"time"
)

// Decision is the outcome of the retry policy for a job that just failed.
type Decision struct {
	Dead  bool
	Delay time.Duration
}

// maxBackoff caps a single backoff wait so a large base or attempt count
// cannot overflow time.Duration.
const maxBackoff = 24 * time.Hour

// Decide applies the retry policy. attempts already includes the failure
// being decided on. A retry waits backoffBase^attempts units.
func Decide(attempts, maxRetries, backoffBase int, unit time.Duration) Decision {
	if attempts >= maxRetries {
		return Decision{Dead: true}
	}
	return Decision{Delay: CalculateBackoffDelay(attempts, backoffBase, unit)}
}

func CalculateBackoffDelay(attempts, backoffBase int, unit time.Duration) time.Duration {
	if attempts <= 0 {
		attempts = 1
	}
	if backoffBase < 1 {
		backoffBase = 1
	}
	units := math.Pow(float64(backoffBase), float64(attempts))
	d := units * float64(unit)
	if d > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(d)
}
