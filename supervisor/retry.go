package supervisor

import "time"

const (
	DefaultRetryMin = 5 * time.Second
	DefaultRetryMax = 120 * time.Second
)

// RetryTimer yields reconnect delays that double on every consecutive
// failure, starting at min and capped at max.
type RetryTimer struct {
	min, max time.Duration
	next     time.Duration
}

// NewRetryTimer creates a timer; non-positive bounds fall back to the defaults.
func NewRetryTimer(min, max time.Duration) *RetryTimer {
	if min <= 0 {
		min = DefaultRetryMin
	}
	if max < min {
		max = DefaultRetryMax
		if max < min {
			max = min
		}
	}
	return &RetryTimer{min: min, max: max, next: min}
}

// Next returns the delay to wait now and doubles the one after it.
func (r *RetryTimer) Next() time.Duration {
	d := r.next
	r.next *= 2
	if r.next > r.max {
		r.next = r.max
	}
	return d
}

// Reset starts the sequence over at min.
func (r *RetryTimer) Reset() {
	r.next = r.min
}
