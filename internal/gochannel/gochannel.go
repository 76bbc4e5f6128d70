// Package gochannel simulates a lossy, corrupting datagram channel on the
// sender side. The receiver never simulates anything; it trusts its inputs.
package gochannel

import (
	"math/rand"
	"net"

	"github.com/pkg/errors"
)

// Channel wraps a net.PacketConn and independently samples corruption and
// loss on every send, in that order: corruption happens first (possibly
// on a packet that is about to be dropped anyway), then loss is sampled;
// a dropped packet is never handed to the OS even if it was corrupted.
type Channel struct {
	conn net.PacketConn

	// LossRate is the probability, in [0,1], that an outgoing packet is
	// silently dropped instead of being sent.
	LossRate float64

	// CorruptRate is the probability, in [0,1], that exactly one
	// uniformly-random bit of an outgoing packet is flipped before it is
	// (possibly) sent.
	CorruptRate float64

	// rnd is unexported so tests can inject a seeded source via NewSeeded.
	rnd *rand.Rand
}

// New returns a Channel that writes through conn, using its own random
// source seeded from the package-level one.
func New(conn net.PacketConn, lossRate, corruptRate float64) *Channel {
	return NewSeeded(conn, lossRate, corruptRate, rand.New(rand.NewSource(rand.Int63())))
}

// NewSeeded is like New but takes an explicit random source, so tests can
// get deterministic loss/corruption sequences.
func NewSeeded(conn net.PacketConn, lossRate, corruptRate float64, rnd *rand.Rand) *Channel {
	return &Channel{conn: conn, LossRate: lossRate, CorruptRate: corruptRate, rnd: rnd}
}

// SendTo conditionally corrupts, then conditionally drops, pkt before
// writing it to addr. pkt is never mutated in place; a copy is corrupted
// if corruption is sampled.
func (c *Channel) SendTo(pkt []byte, addr net.Addr) error {
	if c.rnd.Float64() < c.CorruptRate {
		pkt = corruptOneBit(pkt, c.rnd)
	}
	if c.rnd.Float64() < c.LossRate {
		return nil
	}
	_, err := c.conn.WriteTo(pkt, addr)
	return errors.Wrap(err, "gochannel: write")
}

// corruptOneBit returns a copy of pkt with exactly one uniformly-random
// bit flipped.
func corruptOneBit(pkt []byte, rnd *rand.Rand) []byte {
	if len(pkt) == 0 {
		return pkt
	}
	out := append([]byte(nil), pkt...)
	bitIdx := rnd.Intn(len(out) * 8)
	out[bitIdx/8] ^= 1 << (bitIdx % 8)
	return out
}
