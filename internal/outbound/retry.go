package outbound

// RetryPolicy is a capped exponential backoff:
// delay(n) = min(base * 2^(n-1), max) for attempt n >= 1.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelayMs int64
	MaxDelayMs  int64
}

// DefaultRetryPolicy retries 8 times, 30s doubling up to 30min.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 8,
	BaseDelayMs: 30_000,
	MaxDelayMs:  30 * 60_000,
}

// Delay returns the backoff for the given attempt number (1-based).
func (p RetryPolicy) Delay(attempt int) int64 {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelayMs
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelayMs {
			return p.MaxDelayMs
		}
	}
	if delay > p.MaxDelayMs {
		return p.MaxDelayMs
	}
	return delay
}
