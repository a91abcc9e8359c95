package fanout

import "time"

const (
	defaultMaxConcurrency   = 50
	defaultDeliveryTimeout  = 3 * time.Second
	defaultLookupTimeout    = 5 * time.Second
	defaultDeliveryAttempts = 3
	defaultRetryBaseDelay   = 100 * time.Millisecond
	defaultRetryMaxDelay    = time.Second
)

// Config tunes delivery. Zero values take defaults; RatePerSec 0 disables the
// shared throttle.
type Config struct {
	MaxConcurrency   int
	DeliveryTimeout  time.Duration
	LookupTimeout    time.Duration
	DeliveryAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RatePerSec       int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = defaultDeliveryTimeout
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = defaultLookupTimeout
	}
	if c.DeliveryAttempts <= 0 {
		c.DeliveryAttempts = defaultDeliveryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = c.RetryBaseDelay
	}
	return c
}

// backoff is the wait after the given failed attempt (1-based).
func (c Config) backoff(attempt int) time.Duration {
	d := c.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	return d
}
