package domain

import "time"

// SessionStats tracks throughput for one relay generation.
type SessionStats struct {
	Calls      int
	AverageQPS float64
	StartedAt  time.Time
}

// NewSessionStats starts a fresh set of statistics.
func NewSessionStats(now time.Time) SessionStats {
	return SessionStats{StartedAt: now}
}

// Record folds one call that took elapsed into the rolling average:
// avg' = (avg*n + 1/elapsed) / (n+1). Non-positive durations are clamped
// to one nanosecond. It returns the new average.
func (s *SessionStats) Record(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	qps := 1 / elapsed.Seconds()
	n := float64(s.Calls)
	s.AverageQPS = (s.AverageQPS*n + qps) / (n + 1)
	s.Calls++
	return s.AverageQPS
}
