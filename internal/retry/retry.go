// Package retry centralizes the backoff schedules used by the HTTP
// downloader's segment retries and the UDP tracker's BEP 15 retry
// schedule (spec §4.3, §4.6).
package retry

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"
)

// HTTPBackoff builds the segment retry schedule: initial 1s, doubling,
// capped at 30s, with ±25% jitter, bounded to maxRetries attempts.
func HTTPBackoff(initial, max time.Duration, maxRetries int) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0.25,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      0, // bounded by WithMaxRetries instead
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(maxRetries))
}

// UDPTrackerSchedule returns the BEP 15 connect/announce retry delay for
// attempt n (0-indexed): 15s * 2^n, capped at 3840s.
func UDPTrackerSchedule(attempt int) time.Duration {
	d := 15 * time.Second
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= 3840*time.Second {
			return 3840 * time.Second
		}
	}
	return d
}

// Jitter returns d adjusted by up to ±frac (0..1) at random, never
// negative.
func Jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * delta
	nd := time.Duration(float64(d) + offset)
	if nd < 0 {
		return 0
	}
	return nd
}
