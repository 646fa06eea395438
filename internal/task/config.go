package task

import (
	"fmt"
	"strings"
	"time"
)

// Config is the immutable description of a unit of work. It is built by the
// caller and shared by every Task spawned from it.
type Config struct {
	Name      string // used in logs and notifications
	Type      string // uniqueness grouping key
	Principal string // owner whose live-update channels observe this task; may be empty

	// GlobalUnique allows at most one task of this Type to run process-wide.
	GlobalUnique bool

	// MaxRetries bounds queue retries: MaxRetries+1 attempts at most.
	MaxRetries int
	// Backoff computes the delay before retry n (1-based). Nil means retry
	// immediately.
	Backoff Backoff

	// Timeout bounds a single attempt through its context. Zero disables it.
	Timeout time.Duration
}

// Validate fails fast with ErrConfiguration.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return fmt.Errorf("%w: task name is required", ErrConfiguration)
	case strings.TrimSpace(c.Type) == "":
		return fmt.Errorf("%w: task type is required for %q", ErrConfiguration, c.Name)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must be >= 0, got %d", ErrConfiguration, c.MaxRetries)
	case c.Timeout < 0:
		return fmt.Errorf("%w: timeout must be >= 0, got %s", ErrConfiguration, c.Timeout)
	}
	return nil
}

// RetryDelay returns the backoff delay before the given retry.
func (c Config) RetryDelay(retry int) time.Duration {
	if c.Backoff == nil {
		return 0
	}
	d := c.Backoff.Delay(retry)
	if d < 0 {
		return 0
	}
	return d
}
