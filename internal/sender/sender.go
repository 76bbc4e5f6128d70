// Package sender drives the sending side of a reliable transfer: the
// file-feeding loop, the ACK dispatcher, and (through internal/timerwheel)
// the retransmission timers, all coordinated under a single mutex since
// the ACK dispatcher, timer callbacks, and feed loop run on distinct
// goroutines and share the window/RTT/congestion state.
package sender

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/Invisiphantom/CN-Table/internal/congestion"
	"github.com/Invisiphantom/CN-Table/internal/gochannel"
	"github.com/Invisiphantom/CN-Table/internal/progressx"
	"github.com/Invisiphantom/CN-Table/internal/rtt"
	"github.com/Invisiphantom/CN-Table/internal/shutdown"
	"github.com/Invisiphantom/CN-Table/internal/timerwheel"
	"github.com/Invisiphantom/CN-Table/internal/window"
	"github.com/Invisiphantom/CN-Table/internal/wire"
)

// File is the minimal read side of the input file the sender needs. It
// is satisfied by an *os.File or an afero.File opened read-only.
type File interface {
	Read(p []byte) (int, error)
}

// Channel is the outgoing-packet path a Sender transmits every segment
// and the sentinel through. *gochannel.Channel satisfies it for
// production use; tests inject their own implementation to engineer
// specific, reproducible drop/corruption sequences that a probabilistic
// source cannot reliably target (e.g. "lose exactly this seq's first
// transmission").
type Channel interface {
	SendTo(pkt []byte, addr net.Addr) error
}

// gbnTimerKey is the fixed key used for Go-Back-N's single shared timer.
const gbnTimerKey = ^uint64(0)

const (
	sendGateSpinInterval = time.Millisecond
	ackRecvBufSize       = 64
)

// Stats summarizes a completed transfer for CLI reporting.
type Stats struct {
	FileSize      int64
	BytesOnWire   int64
	Elapsed       time.Duration
	SentinelAcked bool
}

// Sender drives one file transfer to completion. All shared mutable
// state (window, RTT estimator, congestion controller) is owned by
// Sender and protected by its embedded mutex; the ACK dispatcher and
// timer callbacks reach it only through Sender's own locked methods.
type Sender struct {
	sync.Mutex

	id   uuid.UUID
	mode window.Mode
	mss  int

	conn    net.PacketConn
	channel Channel
	raddr   net.Addr

	file     File
	progress progressx.Reporter

	win    *window.Window
	rttEst *rtt.Estimator
	cc     *congestion.Controller
	timers *timerwheel.Service

	filesize      int64
	bytesOnWire   int64
	sentinelAcked chan struct{}
	sentinelOnce  sync.Once
}

// Config bundles the construction-time parameters of a Sender.
type Config struct {
	Mode        window.Mode
	MSS         int
	Conn        net.PacketConn
	RemoteAddr  net.Addr
	File        File
	FileSize    int64
	LossRate    float64
	CorruptRate float64
	Vegas       bool
	Progress    progressx.Reporter

	// Channel, if set, overrides the default *gochannel.Channel built
	// from LossRate/CorruptRate. A caller can set it to inject a channel
	// that drops or corrupts specific, chosen packets instead of ones
	// sampled at random.
	Channel Channel
}

// New builds a Sender ready to Run. totalSeq is derived from FileSize and
// MSS: ceil(filesize/MSS).
func New(cfg Config) *Sender {
	totalSeq := uint32((cfg.FileSize + int64(cfg.MSS) - 1) / int64(cfg.MSS))
	progress := cfg.Progress
	if progress == nil {
		progress = progressx.Noop{}
	}
	channel := cfg.Channel
	if channel == nil {
		channel = gochannel.New(cfg.Conn, cfg.LossRate, cfg.CorruptRate)
	}
	s := &Sender{
		id:            uuid.New(),
		mode:          cfg.Mode,
		mss:           cfg.MSS,
		conn:          cfg.Conn,
		channel:       channel,
		raddr:         cfg.RemoteAddr,
		file:          cfg.File,
		progress:      progress,
		win:           window.New(cfg.Mode, totalSeq),
		rttEst:        rtt.New(),
		cc:            congestion.New(cfg.Vegas),
		filesize:      cfg.FileSize,
		sentinelAcked: make(chan struct{}),
	}
	s.timers = timerwheel.NewService(s.onTimerFire)
	return s
}

// Run executes the full transfer: feed loop, drain wait, and shutdown
// handshake. It blocks until the transfer completes, the retry budget is
// exhausted, or ctx is cancelled.
func (s *Sender) Run(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dlog.Debugf(ctx, "XFR %s start, mode %s, mss %d, filesize %d, totalSeq %d",
		s.id, s.mode, s.mss, s.filesize, s.win.TotalSeq)

	go s.timers.Run(ctx)
	defer s.timers.Stop()

	var wg sync.WaitGroup
	ackErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ackErrCh <- s.ackLoop(ctx)
	}()

	start := time.Now()
	if err := s.feedLoop(ctx); err != nil {
		cancel()
		wg.Wait()
		return Stats{}, errors.Wrap(err, "sender: feed loop")
	}

	s.waitUntilWindowDrained(ctx)

	sentinelAcked := s.shutdownHandshake(ctx)
	elapsed := time.Since(start)

	cancel()
	var closeErrs *multierror.Error
	if err := s.conn.Close(); err != nil {
		closeErrs = multierror.Append(closeErrs, errors.Wrap(err, "close socket"))
	}
	wg.Wait()
	if err := s.progress.Close(); err != nil {
		closeErrs = multierror.Append(closeErrs, errors.Wrap(err, "close progress reporter"))
	}

	dlog.Debugf(ctx, "XFR %s done in %s, sentinel acked: %t", s.id, elapsed, sentinelAcked)

	stats := Stats{
		FileSize:      s.filesize,
		BytesOnWire:   s.bytesOnWire,
		Elapsed:       elapsed,
		SentinelAcked: sentinelAcked,
	}
	return stats, closeErrs.ErrorOrNil()
}

// feedLoop reads the file MSS bytes at a time and transmits each segment
// once the congestion send gate allows it. Cancellation of ctx ends the
// loop without an error, as it does for Run's other phases.
func (s *Sender) feedLoop(ctx context.Context) error {
	buf := make([]byte, s.mss)
	for {
		s.Lock()
		nextSeq, totalSeq := s.win.NextSeq, s.win.TotalSeq
		if nextSeq >= totalSeq {
			s.Unlock()
			return nil
		}
		gateOpen := s.cc.SendGate(s.win.Base, nextSeq, totalSeq)
		s.Unlock()

		if !gateOpen {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(sendGateSpinInterval):
			}
			continue
		}

		n, err := io.ReadFull(s.file, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return errors.Wrap(err, "sender: read input")
		}
		payload := append([]byte(nil), buf[:n]...)

		s.Lock()
		seq := s.win.ReserveSend(payload)
		s.transmitFirstLocked(ctx, seq, payload)
		s.Unlock()

		s.progress.Add(len(payload))
	}
}

// waitUntilWindowDrained blocks until every data segment has been
// acknowledged (Base == TotalSeq) or ctx is cancelled.
func (s *Sender) waitUntilWindowDrained(ctx context.Context) {
	for {
		s.Lock()
		done := s.win.Done()
		s.Unlock()
		if done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sendGateSpinInterval):
		}
	}
}

// shutdownHandshake repeatedly transmits the end-of-stream sentinel until
// it is acknowledged or the bounded retry budget is exhausted.
func (s *Sender) shutdownHandshake(ctx context.Context) bool {
	s.Lock()
	s.timers.CancelAll()
	s.Unlock()

	sentinel := wire.Build(s.win.TotalSeq, nil)
	for attempt := 0; attempt < shutdown.MaxSentinelAttempts; attempt++ {
		s.Lock()
		_ = s.channel.SendTo(sentinel, s.raddr)
		s.Unlock()

		select {
		case <-s.sentinelAcked:
			return true
		case <-ctx.Done():
			return false
		case <-time.After(shutdown.SentinelRetryInterval):
		}
	}
	dlog.Debugf(ctx, "XFR %s giving up on sentinel ack after %d attempts", s.id, shutdown.MaxSentinelAttempts)
	return false
}

// transmitFirstLocked sends seq for the first time. Caller must hold the
// lock.
func (s *Sender) transmitFirstLocked(ctx context.Context, seq uint32, payload []byte) {
	s.rttEst.OnSend(seq)
	s.sendLocked(ctx, seq, payload)

	switch s.mode {
	case window.GBN:
		if seq == s.win.Base {
			s.timers.Arm(gbnTimerKey, s.rttEst.WaitTime)
		}
	case window.SR:
		s.timers.Arm(uint64(seq), s.rttEst.WaitTime)
	}
}

// resendLocked retransmits a previously-sent seq. Per Karn's rule the RTT
// sampler is told to forget seq's original send time. Caller must hold
// the lock.
func (s *Sender) resendLocked(ctx context.Context, seq uint32, payload []byte) {
	s.rttEst.OnRetransmit(seq)
	s.sendLocked(ctx, seq, payload)
}

func (s *Sender) sendLocked(ctx context.Context, seq uint32, payload []byte) {
	pkt := wire.Build(seq, payload)
	s.bytesOnWire += int64(len(pkt))
	if err := s.channel.SendTo(pkt, s.raddr); err != nil {
		dlog.Errorf(ctx, "XFR %s, sq %d: %v", s.id, seq, err)
	}
}

// onTimerFire is the timerwheel.Callback for both GBN's single timer and
// SR's per-segment timers. It runs on the timer wheel's dispatch
// goroutine and acquires the sender's lock for the whole retransmission
// burst, so a burst never interleaves with new-segment sends.
func (s *Sender) onTimerFire(ctx context.Context, key uint64) {
	s.Lock()
	defer s.Unlock()

	s.rttEst.DoubleWaitTime()
	s.cc.OnTimeout()

	switch s.mode {
	case window.GBN:
		s.retransmitGBNBurstLocked(ctx)
	case window.SR:
		seq := uint32(key)
		if seq < s.win.Base {
			return // stale: seq was already acknowledged (and possibly GC'd) before its timer fired.
		}
		if payload, ok := s.win.Payload(seq); ok {
			s.resendLocked(ctx, seq, payload)
			s.timers.Arm(uint64(seq), s.rttEst.WaitTime)
		}
	}
}

// retransmitGBNBurstLocked resends every outstanding segment in
// [base, nextSeq). Caller must hold the lock for the entire burst so it
// cannot interleave with a new-segment send.
func (s *Sender) retransmitGBNBurstLocked(ctx context.Context) {
	maxSeq := s.win.NextSeq
	if maxSeq > s.win.TotalSeq {
		maxSeq = s.win.TotalSeq
	}
	for seq := s.win.Base; seq < maxSeq; seq++ {
		if payload, ok := s.win.Payload(seq); ok {
			s.resendLocked(ctx, seq, payload)
		}
	}
	s.timers.Arm(gbnTimerKey, s.rttEst.WaitTime)
}

// ackLoop is the dedicated ACK-receiving task: it parses every incoming
// datagram and, for a valid ACK, updates RTT/window/congestion state and
// retransmission timers through handleAck.
func (s *Sender) ackLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(derror.PanicToError(r), "sender: ack loop panic")
		}
	}()

	buf := make([]byte, ackRecvBufSize)
	for {
		n, _, readErr := s.conn.ReadFrom(buf)
		if readErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(readErr, "sender: ack recv")
		}
		seq, payload, parseErr := wire.Parse(buf[:n])
		if parseErr != nil || !wire.IsAck(payload) {
			continue // silently drop wire anomalies and non-ACK noise
		}
		s.handleAck(ctx, seq)
	}
}

// handleAck applies a single ACK to the window, RTT estimator, and
// congestion controller under the sender's lock.
func (s *Sender) handleAck(ctx context.Context, seq uint32) {
	s.Lock()
	defer s.Unlock()

	if seq == s.win.TotalSeq {
		s.sentinelOnce.Do(func() { close(s.sentinelAcked) })
	}

	if sample, sampled := s.rttEst.Sample(seq); sampled {
		s.cc.OnRTTSample(sample, s.rttEst.EstimatedRTT)
	}

	if seq < s.win.Base {
		if s.mode == window.GBN {
			if s.win.RecordDuplicateAck() {
				s.timers.Cancel(gbnTimerKey)
				dlog.Tracef(ctx, "XFR %s fast retransmit at base %d", s.id, s.win.Base)
				s.rttEst.DoubleWaitTime()
				s.cc.OnFastRetransmit()
				s.retransmitGBNBurstLocked(ctx)
			}
		}
		return
	}

	advanced, isNew := s.win.OnAck(seq)
	if isNew {
		s.cc.OnNewAck()
	}

	switch s.mode {
	case window.GBN:
		if advanced {
			if s.win.Done() {
				s.timers.Cancel(gbnTimerKey)
			} else {
				s.timers.Arm(gbnTimerKey, s.rttEst.WaitTime)
			}
		}
	case window.SR:
		s.timers.Cancel(uint64(seq))
	}

	s.win.GC(s.cc.Cwnd)
}
