package control

import "time"

// backoff is the idle poll interval. It starts at min, doubles every period
// without a heap change up to max, and drops back to min on a change.
type backoff struct {
	min, max, period time.Duration

	cur        time.Duration
	lastAdjust time.Time
}

func newBackoff(min, max, period time.Duration, now time.Time) *backoff {
	return &backoff{min: min, max: max, period: period, cur: min, lastAdjust: now}
}

func (b *backoff) next(changed bool, now time.Time) time.Duration {
	switch {
	case changed:
		b.cur = b.min
	case now.Sub(b.lastAdjust) > b.period:
		b.cur = min(b.max, max(time.Millisecond, b.cur*2))
		b.lastAdjust = now
	}
	return b.cur
}
