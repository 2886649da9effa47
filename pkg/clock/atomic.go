package clock

import "sync/atomic"

// Sequence hands out gap-free sequence numbers starting from an initial value.
type Sequence struct {
	next atomic.Uint64
}

func NewSequence(init uint64) *Sequence {
	var s Sequence
	s.next.Store(init)
	return &s
}

// Val returns the next number to be assigned, which equals the count assigned so far.
func (s *Sequence) Val() uint64 {
	return s.next.Load()
}

// Next assigns and returns the current number.
func (s *Sequence) Next() uint64 {
	return s.next.Add(1) - 1
}
