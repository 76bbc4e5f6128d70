// Package timerwheel backs the sender's retransmission timers (one
// shared timer in Go-Back-N mode, up to floor(cwnd) concurrent timers in
// Selective-Repeat mode) with a single priority queue keyed on expiry,
// rather than one OS timer per outstanding segment. Cancellation is a
// tombstone on the entry; a fired-but-already-cancelled entry is a no-op.
package timerwheel

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
)

// Callback is invoked when a timer for key fires. It runs on the wheel's
// own goroutine; callers that need to touch shared sender state must do
// their own locking inside the callback.
type Callback func(ctx context.Context, key uint64)

type entry struct {
	key     uint64
	expiry  time.Time
	version uint64
	index   int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Service is a single priority-queue timer wheel shared by every armed
// key. GBN uses one fixed key for its sole timer; SR uses the segment's
// seq as the key.
type Service struct {
	mu       sync.Mutex
	byKey    map[uint64]*entry
	versions map[uint64]uint64
	pq       entryHeap
	cb       Callback

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

// NewService constructs a Service. Run must be called to start firing
// callbacks.
func NewService(cb Callback) *Service {
	return &Service{
		byKey:    make(map[uint64]*entry),
		versions: make(map[uint64]uint64),
		cb:       cb,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Arm (re)schedules key to fire after d. Any previously armed timer for
// key is implicitly cancelled.
func (s *Service) Arm(key uint64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.versions[key]++
	if old, ok := s.byKey[key]; ok {
		heap.Remove(&s.pq, old.index)
		delete(s.byKey, key)
	}
	e := &entry{key: key, expiry: time.Now().Add(d), version: s.versions[key]}
	heap.Push(&s.pq, e)
	s.byKey[key] = e
	s.notify()
}

// Cancel tombstones key's timer, if any. A fired-but-already-cancelled
// entry observed by the dispatch loop is a no-op.
func (s *Service) Cancel(key uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[key]++
	if old, ok := s.byKey[key]; ok {
		heap.Remove(&s.pq, old.index)
		delete(s.byKey, key)
	}
}

// CancelAll tombstones every currently-armed timer, used when the window
// fully drains (base == nextSeq).
func (s *Service) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.byKey {
		s.versions[key]++
	}
	s.byKey = make(map[uint64]*entry)
	s.pq = s.pq[:0]
}

// Run drives the dispatch loop until ctx is cancelled or Stop is called.
func (s *Service) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			dlog.Errorf(ctx, "timerwheel: panic in dispatch loop: %v", r)
		}
	}()
	for {
		d, ok := s.nextDelay()
		var timer *time.Timer
		if ok {
			timer = time.NewTimer(d)
		} else {
			timer = time.NewTimer(time.Hour)
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

// Stop halts the dispatch loop started by Run.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Service) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) nextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pq) == 0 {
		return 0, false
	}
	d := time.Until(s.pq[0].expiry)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (s *Service) fireDue(ctx context.Context) {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.pq) == 0 || s.pq[0].expiry.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.pq).(*entry)
		delete(s.byKey, e.key)
		version := s.versions[e.key]
		s.mu.Unlock()

		if e.version != version {
			// Tombstoned: a Cancel or re-Arm happened after this entry
			// was scheduled. No-op.
			continue
		}
		s.cb(ctx, e.key)
	}
}
