package websocket

import (
	"math"
	"time"
)

const backoffFactor = 1.5

// BackoffDelay returns the wait before reconnect attempt n (1-based):
// base * 1.5^(n-1), capped at max.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(backoffFactor, float64(attempt-1))
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}
