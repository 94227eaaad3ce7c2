package capture

import "time"

// DefaultBackoff is the extra wait applied once the client is degraded
var DefaultBackoff = []time.Duration{10 * time.Second}

// NextDelay returns how long to wait before the next cycle. Healthy cycles
// keep the frame rate; degraded cycles wait a full interval plus the
// escalating backoff step for the current streak.
func NextDelay(interval, elapsed time.Duration, consecutiveFailures, threshold int, schedule []time.Duration) time.Duration {
	if threshold > 0 && consecutiveFailures >= threshold {
		if len(schedule) == 0 {
			schedule = DefaultBackoff
		}
		step := consecutiveFailures - threshold
		if step >= len(schedule) {
			step = len(schedule) - 1
		}
		return interval + schedule[step]
	}
	if d := interval - elapsed; d > 0 {
		return d
	}
	return 0
}
