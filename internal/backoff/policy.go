// Package backoff derives retry schedules for failed payment attempts.
package backoff

import (
	"errors"
	"time"

	"github.com/smallbiznis/reclaim/internal/config"
)

var ErrAttemptOutOfRange = errors.New("attempt_out_of_range")

// Policy maps an attempt number onto a delay from the moment of failure.
// Attempt numbers are 1-based and contiguous.
type Policy struct {
	delays []time.Duration
}

// NewPolicy builds a policy from configured backoff hours.
func NewPolicy(cfg config.DunningConfig) Policy {
	hours := cfg.BackoffHours
	if len(hours) == 0 {
		hours = config.DefaultDunningConfig().BackoffHours
	}
	delays := make([]time.Duration, 0, len(hours))
	for _, h := range hours {
		delays = append(delays, time.Duration(h)*time.Hour)
	}
	return Policy{delays: delays}
}

// MaxAttempts reports how many retries the schedule allows.
func (p Policy) MaxAttempts() int {
	return len(p.delays)
}

// DelayFor returns the wait before the given attempt number runs.
func (p Policy) DelayFor(attemptNumber int) (time.Duration, error) {
	if attemptNumber < 1 || attemptNumber > len(p.delays) {
		return 0, ErrAttemptOutOfRange
	}
	return p.delays[attemptNumber-1], nil
}

// Exhausted reports whether the given attempt number exceeds the schedule.
func (p Policy) Exhausted(attemptNumber int) bool {
	return attemptNumber > len(p.delays)
}

// NextRunAt computes the scheduled time for an attempt relative to the
// failure observed at failedAt.
func (p Policy) NextRunAt(failedAt time.Time, attemptNumber int) (time.Time, error) {
	delay, err := p.DelayFor(attemptNumber)
	if err != nil {
		return time.Time{}, err
	}
	return failedAt.Add(delay), nil
}
