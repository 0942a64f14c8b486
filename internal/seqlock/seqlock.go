// Package seqlock implements a single-writer sequence counter.
//
// The writer calls BeginWrite before touching the protected fields and
// EndWrite afterwards. A reader takes a snapshot with ReadBegin, copies the
// fields, and retries while ReadRetry reports that a write overlapped.
// Protected fields must themselves be atomics so that concurrent copies are
// well defined under the Go memory model.
package seqlock

import (
	"runtime"
	"sync/atomic"
)

// Seq is the sequence counter. The zero value is ready to use.
type Seq struct {
	n atomic.Uint32
}

// BeginWrite marks the start of an update. The counter becomes odd.
func (s *Seq) BeginWrite() {
	s.n.Add(1)
}

// EndWrite publishes an update. The counter becomes even again.
func (s *Seq) EndWrite() {
	s.n.Add(1)
}

// ReadBegin waits out an in-progress write and returns the even sequence
// observed before the read.
func (s *Seq) ReadBegin() uint32 {
	for spins := 0; ; spins++ {
		v := s.n.Load()
		if v&1 == 0 {
			return v
		}
		if spins > 64 {
			runtime.Gosched()
		}
	}
}

// ReadRetry reports whether a write happened since ReadBegin returned start.
func (s *Seq) ReadRetry(start uint32) bool {
	return s.n.Load() != start
}

// Version returns the current counter value.
func (s *Seq) Version() uint32 {
	return s.n.Load()
}
