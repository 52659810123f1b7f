package websocket

import "time"

// RetryPolicy is the static backoff policy used to keep the feed connection
// nailed up. It is read-only for the process lifetime; the connection loop
// consults it on every consecutive failure.
type RetryPolicy struct {
	// Delays is the backoff table: Delays[n] is how long to wait after the
	// n-th consecutive connection failure. Failures beyond the end of the
	// table reuse the last entry.
	Delays []time.Duration

	// ConcealCount is how many consecutive failures are concealed by
	// retrying before the client gives up with ErrRetriesExhausted. Setting
	// it larger than len(Delays) makes the client retry forever at the last
	// delay.
	ConcealCount int

	// JitterPercent (0-100) adds a random fraction of each delay on top of
	// it, spreading reconnects of many clients apart; 0 disables jitter.
	JitterPercent int

	// IdlePing is how long the connection may stay silent before a ping is
	// forced; IdleHangup is how long before the connection is dropped as
	// dead.
	IdlePing   time.Duration
	IdleHangup time.Duration
}

// DefaultRetryPolicy conceals one full set of backoff retries and then gives
// up: five attempts seconds apart, no jitter, pings forced after 400 seconds
// of silence.
var DefaultRetryPolicy = &RetryPolicy{
	Delays: []time.Duration{
		1 * time.Second,
		2 * time.Second,
		3 * time.Second,
		4 * time.Second,
		5 * time.Second,
	},
	ConcealCount:  5,
	JitterPercent: 0,
	IdlePing:      400 * time.Second,
	IdleHangup:    400 * time.Second,
}
