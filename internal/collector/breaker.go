package collector

import "time"

// breaker counts failures inside a sliding time window.
type breaker struct {
	threshold int
	window    time.Duration
	failures  []time.Time
}

func newBreaker(threshold int, window time.Duration) *breaker {
	return &breaker{threshold: threshold, window: window, failures: make([]time.Time, 0, threshold)}
}

// failure records a failure at now and reports whether the threshold is
// reached within the window. A trip clears the history.
func (b *breaker) failure(now time.Time) bool {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.threshold {
		b.failures = b.failures[:0]
		return true
	}
	return false
}

func (b *breaker) reset() { b.failures = b.failures[:0] }
