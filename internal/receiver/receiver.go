// Package receiver implements the receiving side of a reliable transfer:
// cumulative delivery for Go-Back-N, buffered out-of-order delivery for
// Selective-Repeat, and the passive side of the shutdown handshake. The
// receiver is single-threaded and holds no lock: everything runs on the
// one goroutine driven by blocking, timeout-bounded socket reads.
package receiver

import (
	"context"
	"net"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/Invisiphantom/CN-Table/internal/progressx"
	"github.com/Invisiphantom/CN-Table/internal/shutdown"
	"github.com/Invisiphantom/CN-Table/internal/window"
	"github.com/Invisiphantom/CN-Table/internal/wire"
)

// File is the minimal write side of the output file the receiver needs.
type File interface {
	Write(p []byte) (int, error)
}

// readTimeout bounds each socket read, driving periodic maintenance (SR's
// opportunistic drain, and the shutdown-ack grace period) the way a
// purely blocking read could not.
const readTimeout = 500 * time.Millisecond

// srBufferSoftCap is the nominal soft limit on SR's out-of-order buffer.
// The receiver does not check the buffer against it: the contiguous
// prefix is drained after every packet and on every read timeout, and
// entries beyond a gap stay buffered however many there are.
const srBufferSoftCap = 2048

// recvBufSize is sized for the largest legal datagram: checksum+seq
// header plus MSS bytes of payload.
func recvBufSize(mss int) int {
	return wire.MinPacketLen + mss
}

// Conn is the subset of net.PacketConn the receiver needs, narrowed so
// tests can substitute an in-memory implementation.
type Conn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
}

// Receiver delivers data segments to file in order, mode-dependent.
type Receiver struct {
	mode window.Mode
	conn Conn
	mss  int
	file File

	progress progressx.Reporter

	// GBN state.
	expected uint32

	// SR state.
	base      uint32
	recvBuf   map[uint32][]byte
	recvAcked map[uint32]struct{}

	lastAck []byte
}

// New constructs a Receiver.
func New(mode window.Mode, conn Conn, mss int, file File, progress progressx.Reporter) *Receiver {
	if progress == nil {
		progress = progressx.Noop{}
	}
	return &Receiver{
		mode:      mode,
		conn:      conn,
		mss:       mss,
		file:      file,
		progress:  progress,
		recvBuf:   make(map[uint32][]byte),
		recvAcked: make(map[uint32]struct{}),
	}
}

// Run drives the receiver until the end-of-stream sentinel has been
// delivered and the shutdown-ack grace period has elapsed, or ctx is
// cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	buf := make([]byte, recvBufSize(r.mss))
	fileClosed := false
	graceDeadline := time.Time{}

	for {
		if err := r.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return errors.Wrap(err, "receiver: set read deadline")
		}
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !isTimeout(err) {
				return errors.Wrap(err, "receiver: read")
			}
			if fileClosed {
				if time.Now().After(graceDeadline) {
					dlog.Debugf(ctx, "RCV shutdown grace period elapsed, closing")
					return nil
				}
				continue
			}
			if r.mode == window.SR {
				r.drainContiguous()
			}
			continue
		}

		seq, payload, perr := wire.Parse(buf[:n])
		if perr != nil {
			continue // silently drop wire anomalies
		}
		if wire.IsAck(payload) {
			continue // stray ACK, e.g. a loopback artifact; never expected inbound
		}

		if fileClosed {
			// Post-close: keep answering with the last ACK so a lost
			// final ACK doesn't strand the sender retrying forever.
			if r.lastAck != nil {
				_, _ = r.conn.WriteTo(r.lastAck, addr)
			}
			graceDeadline = time.Now().Add(shutdown.GracePeriod)
			continue
		}

		done := r.handleDataPacket(ctx, seq, payload, addr)
		if done {
			fileClosed = true
			graceDeadline = time.Now().Add(shutdown.GracePeriod)
		}
	}
}

// handleDataPacket dispatches to the mode-specific delivery logic and
// reports whether the end-of-stream sentinel has just been delivered.
func (r *Receiver) handleDataPacket(ctx context.Context, seq uint32, payload []byte, addr net.Addr) bool {
	switch r.mode {
	case window.GBN:
		return r.handleGBN(ctx, seq, payload, addr)
	case window.SR:
		return r.handleSR(seq, payload, addr)
	}
	return false
}

// handleGBN implements cumulative, in-order delivery: a segment matching
// `expected` is ACKed and delivered; anything else gets a cumulative
// "NAK-equivalent" ACK for expected-1, re-prompting the sender's
// cumulative-ACK retransmission logic. Guarded against uint32 underflow
// when expected is still 0, i.e. the very first segment of the transfer
// arrives out of order.
func (r *Receiver) handleGBN(ctx context.Context, seq uint32, payload []byte, addr net.Addr) (done bool) {
	if seq != r.expected {
		if r.expected > 0 {
			r.sendAck(r.expected-1, addr)
		}
		return false
	}

	r.sendAck(seq, addr)
	r.expected++

	if len(payload) == 0 {
		dlog.Debugf(ctx, "RCV end-of-stream sentinel at seq %d", seq)
		return true
	}
	if _, err := r.file.Write(payload); err != nil {
		dlog.Errorf(ctx, "RCV write: %v", err)
	}
	r.progress.Add(len(payload))
	return false
}

// handleSR unconditionally ACKs every received segment's own seq,
// buffers it, and opportunistically drains the contiguous prefix
// starting at base.
func (r *Receiver) handleSR(seq uint32, payload []byte, addr net.Addr) (done bool) {
	r.sendAck(seq, addr)

	if seq >= r.base {
		if _, already := r.recvAcked[seq]; !already {
			r.recvAcked[seq] = struct{}{}
			// payload aliases the read buffer, which the next read reuses.
			r.recvBuf[seq] = append([]byte(nil), payload...)
		}
	}

	// Draining here also serves the soft cap on the out-of-order buffer:
	// a contiguous prefix is flushed on every packet, so the buffer only
	// grows across an actual gap, and the read-timeout maintenance pass
	// in Run drains again once the gap is filled.
	return r.drainContiguous()
}

// drainContiguous pops and writes every buffered segment starting at
// base while it is present, reporting whether the end-of-stream sentinel
// was delivered.
func (r *Receiver) drainContiguous() bool {
	done := false
	for {
		if _, ok := r.recvAcked[r.base]; !ok {
			break
		}
		payload := r.recvBuf[r.base]
		delete(r.recvAcked, r.base)
		delete(r.recvBuf, r.base)

		if len(payload) == 0 {
			done = true
			r.base++
			break
		}
		if _, err := r.file.Write(payload); err != nil {
			break
		}
		r.progress.Add(len(payload))
		r.base++
	}
	return done
}

func (r *Receiver) sendAck(seq uint32, addr net.Addr) {
	pkt := wire.BuildAck(seq)
	r.lastAck = pkt
	_, _ = r.conn.WriteTo(pkt, addr)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
