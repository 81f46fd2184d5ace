package harvest

import (
	"math"
	"time"
)

// Backoff computes job-level retry delays: base doubled per retry, capped.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff mirrors the 60s * 2^retry countdown, capped at one hour.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Minute, Max: time.Hour}
}

// Delay returns the wait before attempt number retry (1-based retry count).
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	base := b.Base
	if base <= 0 {
		base = time.Minute
	}
	delay := float64(base) * math.Pow(2, float64(retry))
	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}
