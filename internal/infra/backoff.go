package infra

import (
	"math"
	"time"
)

const (
	BaseDelay = 1 * time.Second
	MaxDelay  = 60 * time.Second
)

// CalculateBackoff returns the exponential reconnect delay for the given
// attempt using the default bounds.
func CalculateBackoff(retryCount int) time.Duration {
	return Backoff(retryCount, BaseDelay, MaxDelay)
}

// Backoff returns base*2^retryCount capped at max.
func Backoff(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if base <= 0 {
		base = BaseDelay
	}
	if max < base {
		max = base
	}
	// Cap the exponent so the multiplication cannot overflow
	if retryCount > 30 {
		return max
	}
	delay := base * time.Duration(math.Pow(2, float64(retryCount)))
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}
