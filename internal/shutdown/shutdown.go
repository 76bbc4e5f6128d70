// Package shutdown holds the constants shared by the sender and receiver
// halves of the end-of-stream quiescence handshake: the sender retries
// the sentinel on a fixed interval up to a bounded attempt budget, and
// the receiver answers stray post-close datagrams for a grace period
// before it gives up.
package shutdown

import "time"

// SentinelRetryInterval is how often the sender re-transmits the
// end-of-stream sentinel while waiting for its ACK.
const SentinelRetryInterval = 100 * time.Millisecond

// MaxSentinelAttempts bounds the sender's retry budget for the sentinel.
// If the peer's final ACK is lost on every single attempt, the sender
// gives up and exits rather than retrying forever.
const MaxSentinelAttempts = 20

// GracePeriod is how long the receiver keeps re-sending its last ACK in
// response to stray post-close datagrams before closing for good.
const GracePeriod = 2 * time.Second
