package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// SleepTask is the built-in task body behind POST /tasks. Each attempt
// sleeps for Duration; the first FailAttempts attempts fail.
type SleepTask struct {
	Duration     time.Duration
	FailAttempts int

	attempts atomic.Int32
}

// Execute sleeps, honouring ctx.
func (s *SleepTask) Execute(ctx context.Context) (any, error) {
	n := int(s.attempts.Add(1))

	if s.Duration > 0 {
		timer := time.NewTimer(s.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if n <= s.FailAttempts {
		return nil, fmt.Errorf("simulated failure on attempt %d", n)
	}
	return fmt.Sprintf("slept %s, attempt %d", s.Duration, n), nil
}

// AfterExecute logs each attempt.
func (s *SleepTask) AfterExecute(_ context.Context, success bool) {
	slog.Debug("Sleep task attempt finished", "attempt", s.attempts.Load(), "success", success)
}

// Attempts returns how many times Execute ran.
func (s *SleepTask) Attempts() int {
	return int(s.attempts.Load())
}
