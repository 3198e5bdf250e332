package stats

import "time"

// DecayWindowDays is the hard cutoff for historical samples. Anything
// older contributes nothing to baselines, adjustments or anomaly
// populations.
const DecayWindowDays = 90

// CutoffDate returns the oldest timestamp still inside the window.
func CutoffDate(now time.Time) time.Time {
	return now.AddDate(0, 0, -DecayWindowDays)
}

// WithinWindow reports whether a sample taken at t still counts.
func WithinWindow(t, now time.Time) bool {
	return !t.Before(CutoffDate(now))
}
