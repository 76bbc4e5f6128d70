// Package window implements the sender-side sliding window: seq
// allocation, buffered payloads awaiting acknowledgement, and the
// base/nextSeq bookkeeping shared by both Go-Back-N and Selective-Repeat.
//
// Window is a plain data structure; it holds no lock of its own. The
// sender engine is the sole mutator and serializes every call with its
// own mutex, per the single-writer ownership model.
package window

// Mode selects which ACK/retransmit semantics a Window (and the sender
// and receiver engines built on top of it) use.
type Mode int

const (
	GBN Mode = iota
	SR
)

func (m Mode) String() string {
	if m == SR {
		return "SR"
	}
	return "GBN"
}

// Window tracks the sender's outstanding segments. Base and NextSeq are
// exported for read access by the timer and congestion logic; callers
// must not mutate them directly.
type Window struct {
	Mode Mode

	// Base is the smallest unacknowledged segment index.
	Base uint32

	// NextSeq is the smallest index not yet transmitted for the first time.
	NextSeq uint32

	// TotalSeq is the sentinel index (one past the last data segment).
	TotalSeq uint32

	// data holds the payload for every seq in [Base, NextSeq) still
	// needed for (re)transmission.
	data map[uint32][]byte

	// acked holds seqs >= Base acknowledged out of order (SR only).
	acked map[uint32]struct{}

	// DupAckCount counts consecutive duplicate ACKs below Base (GBN only),
	// used to trigger fast retransmit on the third duplicate.
	DupAckCount int
}

// New returns an empty Window for totalSeq segments (0..totalSeq-1 carry
// data, totalSeq itself is the empty end-of-stream sentinel).
func New(mode Mode, totalSeq uint32) *Window {
	return &Window{
		Mode:     mode,
		TotalSeq: totalSeq,
		data:     make(map[uint32][]byte),
		acked:    make(map[uint32]struct{}),
	}
}

// ReserveSend allocates NextSeq for payload, buffers it, and advances
// NextSeq. Callers must have already checked the congestion send gate.
func (w *Window) ReserveSend(payload []byte) uint32 {
	seq := w.NextSeq
	w.data[seq] = payload
	w.NextSeq++
	return seq
}

// Payload returns the buffered payload for seq, if still retained.
func (w *Window) Payload(seq uint32) ([]byte, bool) {
	p, ok := w.data[seq]
	return p, ok
}

// OnAck applies an acknowledgement for seq to the window. It returns
// whether Base advanced and whether this ack newly acknowledged data
// (i.e. wasn't a pure duplicate), which the caller uses to decide whether
// to grow the congestion window.
func (w *Window) OnAck(seq uint32) (advanced bool, isNew bool) {
	if seq < w.Base {
		return false, false
	}
	switch w.Mode {
	case GBN:
		if seq >= w.Base {
			oldBase := w.Base
			w.Base = seq + 1
			w.DupAckCount = 0
			return w.Base != oldBase, true
		}
		return false, false
	case SR:
		if _, already := w.acked[seq]; already {
			return false, false
		}
		w.acked[seq] = struct{}{}
		oldBase := w.Base
		for {
			if _, ok := w.acked[w.Base]; !ok {
				break
			}
			delete(w.acked, w.Base)
			w.Base++
		}
		return w.Base != oldBase, true
	}
	return false, false
}

// RecordDuplicateAck increments DupAckCount (GBN only) and reports
// whether it has just reached the fast-retransmit threshold of three.
func (w *Window) RecordDuplicateAck() (triggerFastRetransmit bool) {
	w.DupAckCount++
	return w.DupAckCount == 3
}

// Done reports whether every segment up to TotalSeq has been
// acknowledged (base has reached totalSeq).
func (w *Window) Done() bool {
	return w.Base >= w.TotalSeq
}

// Outstanding reports the number of segments sent but not yet
// acknowledged.
func (w *Window) Outstanding() uint32 {
	return w.NextSeq - w.Base
}

// gcThreshold is the floor below which GC never fires, even if cwnd is
// tiny: a small cwnd alone shouldn't force constant map rebuilding.
const gcThreshold = 1024

// GC evicts buffered entries for seq < Base once the data/acked maps grow
// past max(cwnd, 1024) entries, bounding memory on a long-running, lossy
// transfer.
func (w *Window) GC(cwnd float64) {
	limit := gcThreshold
	if int(cwnd) > limit {
		limit = int(cwnd)
	}
	if len(w.data) > limit {
		for seq := range w.data {
			if seq < w.Base {
				delete(w.data, seq)
			}
		}
	}
	if len(w.acked) > limit {
		for seq := range w.acked {
			if seq < w.Base {
				delete(w.acked, seq)
			}
		}
	}
}
