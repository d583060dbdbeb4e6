package util

import (
	"math/rand/v2"
	"time"
)

// RandomDuration returns a uniformly distributed duration in [min, max].
// If max <= min, min is returned.
func RandomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int64N(int64(max-min)+1))
}
