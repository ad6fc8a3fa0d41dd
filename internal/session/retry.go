package session

// DefaultMaxAttempts bounds automatic reconnection.
const DefaultMaxAttempts = 5

// RetryCounter counts connection attempts within one session. Attempt starts
// at 1 and is incremented on every failed attempt; the session gives up once
// Attempt exceeds Max.
type RetryCounter struct {
	Attempt int
	Max     int
}

// NewRetryCounter creates a counter at attempt 1.
func NewRetryCounter(max int) RetryCounter {
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	return RetryCounter{Attempt: 1, Max: max}
}

// Increment records a failed attempt and returns the new attempt number.
func (r *RetryCounter) Increment() int {
	r.Attempt++
	return r.Attempt
}

// Reset starts over at attempt 1.
func (r *RetryCounter) Reset() {
	r.Attempt = 1
}

// Exhausted reports whether no attempts are left.
func (r RetryCounter) Exhausted() bool {
	return r.Attempt > r.Max
}
