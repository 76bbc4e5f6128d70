// Package congestion implements a Reno-style congestion controller with
// an optional Vegas-like delay penalty, as used by the sender engine to
// gate how many segments may be outstanding at once.
package congestion

import "time"

// State is the Reno state machine's current phase.
type State int

const (
	SlowStart State = iota
	CongestionAvoidance
)

func (s State) String() string {
	if s == CongestionAvoidance {
		return "CONGESTION_AVOIDANCE"
	}
	return "SLOW_START"
}

// vegasPenalty is the fixed cwnd decrement applied when Vegas mode is
// enabled and a sample RTT exceeds the current estimate.
const vegasPenalty = 100.0

// minCwnd is the floor both cwnd and ssthresh are held to.
const minCwnd = 1.0

// defaultSsthresh mirrors the reference implementation's generous initial
// threshold, large enough that slow start runs for a long time on an
// otherwise uncongested link.
const defaultSsthresh = 1024.0

// Controller is the Reno/Vegas congestion window state machine. Not safe
// for concurrent use; the sender engine serializes access.
type Controller struct {
	Cwnd     float64
	Ssthresh float64
	State    State

	// Vegas enables the optional delay-based penalty in OnRTTSample.
	Vegas bool
}

// New returns a Controller starting in slow start with cwnd == 1.
func New(vegas bool) *Controller {
	return &Controller{
		Cwnd:     minCwnd,
		Ssthresh: defaultSsthresh,
		State:    SlowStart,
		Vegas:    vegas,
	}
}

// OnNewAck grows cwnd for one newly-acknowledged segment: by 1 in slow
// start (until cwnd reaches ssthresh, at which point the controller
// switches to congestion avoidance), or by 1/cwnd in congestion
// avoidance.
func (c *Controller) OnNewAck() {
	switch c.State {
	case SlowStart:
		c.Cwnd++
		if c.Cwnd >= c.Ssthresh {
			c.State = CongestionAvoidance
		}
	case CongestionAvoidance:
		c.Cwnd += 1.0 / c.Cwnd
	}
}

// OnTimeout implements the Reno timeout reaction: halve cwnd into
// ssthresh (floored at 1), reset cwnd to 1, and fall back to slow start.
func (c *Controller) OnTimeout() {
	c.Ssthresh = max(c.Cwnd/2, minCwnd)
	c.Cwnd = minCwnd
	c.State = SlowStart
}

// OnFastRetransmit is a triple-duplicate-ACK event (GBN only); for cwnd
// purposes it is treated identically to a timeout.
func (c *Controller) OnFastRetransmit() {
	c.OnTimeout()
}

// OnRTTSample applies the optional Vegas delay penalty: when sampleRTT
// exceeds estimatedRTT, cwnd is decremented by a fixed penalty, floored
// at 1. A no-op unless Vegas is enabled.
func (c *Controller) OnRTTSample(sampleRTT, estimatedRTT time.Duration) {
	if !c.Vegas {
		return
	}
	if sampleRTT > estimatedRTT {
		c.Cwnd = max(c.Cwnd-vegasPenalty, minCwnd)
	}
}

// SendGate reports whether a new segment may be transmitted: nextSeq must
// still be inside the congestion window and short of totalSeq.
func (c *Controller) SendGate(base, nextSeq, totalSeq uint32) bool {
	return nextSeq < base+uint32(c.Cwnd) && nextSeq < totalSeq
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
