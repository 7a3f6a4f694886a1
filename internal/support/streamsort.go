package support

import (
	"fmt"
	"sort"
	"sync"
)

// TimePoint is one (timestamp, context) sample instant, the unit the trace
// sink streams to disk (§4.4).
type TimePoint struct {
	TimestampNS uint64
	ContextID   uint32
}

// StreamSort is a bounded streaming-sort buffer: it holds at most `window`
// pending TimePoints, always emitting the oldest once the window is full, so
// a producer that is mostly-but-not-perfectly monotonic can still be
// streamed to disk in sorted order without buffering the whole trace in
// memory. Out-of-order arrivals that fall outside the window are reported,
// never silently dropped (§4.4, §9's "generators" contract: end-of-stream is
// a sentinel produced by Flush, never an exception).
type StreamSort struct {
	mu     sync.Mutex
	window int
	buf    []TimePoint
	emit   func(TimePoint) error

	hasEmitted        bool
	lastEmitted       uint64
	unboundedDisorder bool
}

func NewStreamSort(window int, emit func(TimePoint) error) *StreamSort {
	if window < 1 {
		window = 1
	}
	return &StreamSort{window: window, emit: emit}
}

// Push inserts tp into the sort window, emitting the oldest pending
// TimePoint(s) once the window is over capacity. If tp arrives older than
// the most recently emitted TimePoint (i.e. the reorder window was not wide
// enough), Push flags the stream's disorder, does not buffer tp, and
// returns a non-nil error naming it.
func (s *StreamSort) Push(tp TimePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasEmitted && tp.TimestampNS < s.lastEmitted {
		s.unboundedDisorder = true
		return fmt.Errorf("timepoint %d arrived after already-emitted %d (reorder window %d exceeded)",
			tp.TimestampNS, s.lastEmitted, s.window)
	}

	idx := sort.Search(len(s.buf), func(i int) bool { return s.buf[i].TimestampNS > tp.TimestampNS })
	s.buf = append(s.buf, TimePoint{})
	copy(s.buf[idx+1:], s.buf[idx:])
	s.buf[idx] = tp

	for len(s.buf) > s.window {
		head := s.buf[0]
		s.buf = s.buf[1:]
		if err := s.emit(head); err != nil {
			return err
		}
		s.lastEmitted, s.hasEmitted = head.TimestampNS, true
	}
	return nil
}

// Flush emits every remaining buffered TimePoint in order. Called once the
// producing source has no more timepoints (the lazy-sequence end-of-stream
// sentinel).
func (s *StreamSort) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tp := range s.buf {
		if err := s.emit(tp); err != nil {
			return err
		}
		s.lastEmitted, s.hasEmitted = tp.TimestampNS, true
	}
	s.buf = s.buf[:0]
	return nil
}

// UnboundedDisorder reports whether this stream ever saw a timepoint arrive
// outside the reorder window; the owning thread's trace directory entry
// must be flagged accordingly (§4.4).
func (s *StreamSort) UnboundedDisorder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unboundedDisorder
}
