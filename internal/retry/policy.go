package retry

import (
	"fmt"
	"time"
)

const maxDuration = time.Duration(1<<63 - 1)

type Backoff string

const (
	Linear      Backoff = "linear"
	Exponential Backoff = "exponential"
)

// Policy computes retry delays. It has no side effects; callers own the timers.
type Policy struct {
	BaseDelay time.Duration
	Backoff   Backoff
	// MaxDelay caps a single delay. Zero means uncapped.
	MaxDelay time.Duration
}

func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry: base delay must be positive, got %s", p.BaseDelay)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("retry: max delay must not be negative, got %s", p.MaxDelay)
	}
	switch p.Backoff {
	case Linear, Exponential:
		return nil
	default:
		return fmt.Errorf("retry: unknown backoff %q", p.Backoff)
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Backoff {
	case Exponential:
		// 1,2,4,8... saturating instead of overflowing
		shift := uint(attempt - 1)
		if shift > 62 || p.BaseDelay > maxDuration>>shift {
			d = maxDuration
		} else {
			d = p.BaseDelay << shift
		}
	default:
		d = p.BaseDelay * time.Duration(attempt)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func ShouldRetry(attempt, max int) bool {
	return attempt < max
}
