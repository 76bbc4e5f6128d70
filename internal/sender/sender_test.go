package sender

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Invisiphantom/CN-Table/internal/congestion"
	"github.com/Invisiphantom/CN-Table/internal/rtt"
	"github.com/Invisiphantom/CN-Table/internal/timerwheel"
	"github.com/Invisiphantom/CN-Table/internal/window"
	"github.com/Invisiphantom/CN-Table/internal/wire"
)

// recordingChannel is a deterministic Channel double: it never touches a
// real socket, just records every packet a Sender hands it, so a test can
// engineer an exact drop/retransmit sequence instead of relying on a
// probabilistic source.
type recordingChannel struct {
	mu   sync.Mutex
	seqs []uint32
}

func (c *recordingChannel) SendTo(pkt []byte, _ net.Addr) error {
	seq, _, err := wire.Parse(pkt)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.seqs = append(c.seqs, seq)
	c.mu.Unlock()
	return nil
}

func (c *recordingChannel) count(seq uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.seqs {
		if s == seq {
			n++
		}
	}
	return n
}

type discardAddr struct{}

func (discardAddr) Network() string { return "test" }
func (discardAddr) String() string  { return "test" }

// newTestSender builds a Sender with no real network or timer dispatch
// loop running, so tests drive transmission and timer-fire/ack events by
// calling the Sender's own locked methods directly.
func newTestSender(mode window.Mode, totalSeq uint32) (*Sender, *recordingChannel) {
	ch := &recordingChannel{}
	s := &Sender{
		mode:          mode,
		mss:           4,
		channel:       ch,
		raddr:         discardAddr{},
		win:           window.New(mode, totalSeq),
		rttEst:        rtt.New(),
		cc:            congestion.New(false),
		sentinelAcked: make(chan struct{}),
	}
	s.timers = timerwheel.NewService(s.onTimerFire)
	return s, ch
}

// TestGBNTimeoutRetransmitsBurstThenCumulativeAckDrains exercises: an ACK
// for seq 0 never arrives (engineered by simply never calling handleAck
// for it), so the shared GBN timer eventually fires, resending every
// outstanding segment; a single cumulative ACK for the highest
// outstanding seq then advances base past all of them at once.
func TestGBNTimeoutRetransmitsBurstThenCumulativeAckDrains(t *testing.T) {
	s, ch := newTestSender(window.GBN, 10)
	ctx := context.Background()

	s.Lock()
	for _, payload := range [][]byte{[]byte("aaaa"), []byte("bbbb")} {
		seq := s.win.ReserveSend(payload)
		s.transmitFirstLocked(ctx, seq, payload)
	}
	s.Unlock()
	require.Equal(t, 1, ch.count(0))
	require.Equal(t, 1, ch.count(1))

	// Seq 0's ACK is dropped: the shared timer fires instead of an ack
	// arriving, resending every outstanding segment.
	s.onTimerFire(ctx, gbnTimerKey)
	assert.Equal(t, 2, ch.count(0))
	assert.Equal(t, 2, ch.count(1))

	// A single cumulative ACK for seq 1 now arrives and acknowledges both.
	s.handleAck(ctx, 1)
	assert.Equal(t, uint32(2), s.win.Base)
}

// TestSRDelayedAckOfRetransmittedSegmentJumpsBaseAcrossAlreadyAcked
// exercises: seq 1 is acknowledged first (seq 0's first transmission was
// lost), then seq 0's retransmission is finally acknowledged; since SR
// tracks each segment's ack independently, that single delayed ack
// advances base straight past the already-acknowledged seq 1.
func TestSRDelayedAckOfRetransmittedSegmentJumpsBaseAcrossAlreadyAcked(t *testing.T) {
	s, ch := newTestSender(window.SR, 10)
	ctx := context.Background()

	s.Lock()
	for _, payload := range [][]byte{[]byte("a"), []byte("b")} {
		seq := s.win.ReserveSend(payload)
		s.transmitFirstLocked(ctx, seq, payload)
	}
	s.Unlock()

	s.handleAck(ctx, 1)
	assert.Equal(t, uint32(0), s.win.Base, "base must hold until seq 0 is contiguous")

	// Seq 0's own timer fires and retransmits only seq 0.
	s.onTimerFire(ctx, 0)
	require.Equal(t, 2, ch.count(0))
	require.Equal(t, 1, ch.count(1))

	s.handleAck(ctx, 0)
	assert.Equal(t, uint32(2), s.win.Base, "a single ack must jump base across the already-acked seq 1")
}

// TestThirdDuplicateAckFastRetransmitsAndHalvesCwnd exercises the
// integrated reaction to three duplicate ACKs at a steady-state base:
// fast retransmit fires, cwnd halves into ssthresh, and the controller
// resets to slow start, exactly as an ordinary timeout would.
func TestThirdDuplicateAckFastRetransmitsAndHalvesCwnd(t *testing.T) {
	s, ch := newTestSender(window.GBN, 10)
	ctx := context.Background()

	s.Lock()
	for i := 0; i < 7; i++ {
		seq := s.win.ReserveSend([]byte("x"))
		s.transmitFirstLocked(ctx, seq, []byte("x"))
	}
	s.Unlock()

	s.handleAck(ctx, 4) // base -> 5; segments 5 and 6 remain outstanding
	require.Equal(t, uint32(5), s.win.Base)

	s.cc.Cwnd = 8.0
	s.cc.State = congestion.CongestionAvoidance

	s.handleAck(ctx, 4)
	s.handleAck(ctx, 4)
	s.handleAck(ctx, 4) // third duplicate: fast retransmit threshold

	assert.Equal(t, congestion.SlowStart, s.cc.State)
	assert.Equal(t, 4.0, s.cc.Ssthresh)
	assert.Equal(t, 1.0, s.cc.Cwnd)
	assert.GreaterOrEqual(t, ch.count(5), 2, "seq 5 must have been resent by the fast-retransmit burst")
	assert.GreaterOrEqual(t, ch.count(6), 2, "seq 6 must have been resent by the fast-retransmit burst")
}
