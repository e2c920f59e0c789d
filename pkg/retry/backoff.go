package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func ExponentialBackoff(initialInterval, maxInterval time.Duration, multiplier float64) backoff.BackOff {
	return ExponentialBackoffWithMaxElapsed(initialInterval, maxInterval, 0, multiplier)
}

func ExponentialBackoffWithMaxElapsed(initialInterval, maxInterval, maxElapsed time.Duration, multiplier float64) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initialInterval
	exp.MaxInterval = maxInterval
	exp.Multiplier = multiplier
	exp.MaxElapsedTime = maxElapsed
	return exp
}

func CalculateBackoffDuration(attempt int, initialInterval time.Duration, multiplier float64, maxInterval time.Duration) time.Duration {
	duration := float64(initialInterval) * math.Pow(multiplier, float64(attempt))
	if duration > float64(maxInterval) || math.IsInf(duration, 0) || math.IsNaN(duration) {
		return maxInterval
	}
	return time.Duration(duration)
}

// DoublingDelay is min(base * 2^attempts, max), the wait before attempt number attempts+1.
func DoublingDelay(attempts int, base, maxDelay time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	return CalculateBackoffDuration(attempts, base, 2, maxDelay)
}
