package mfa

import "time"

// unix renders t as fractional seconds, the unit attempts are stored in.
func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// CheckRateLimit keeps the attempts of prev made within window of now,
// appends now and reports whether the total stays within allowed.
func CheckRateLimit(allowed int, window time.Duration, prev []float64, now time.Time) (bool, []float64) {
	floor := unix(now.Add(-window))
	kept := make([]float64, 0, len(prev)+1)
	for _, ts := range prev {
		if ts >= floor {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, unix(now))
	return len(kept) <= allowed, kept
}
