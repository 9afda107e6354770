package core

import "time"

const (
	DefaultRetryBase     = 30 * time.Second
	DefaultRetryMaxDelay = time.Hour
)

// Backoff returns base * 2^retryCount capped at max.
func Backoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultRetryBase
	}
	if max <= 0 {
		max = DefaultRetryMaxDelay
	}
	if retryCount < 0 {
		retryCount = 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
