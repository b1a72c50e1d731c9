package machine

import (
	"sync/atomic"

	"github.com/bobuhiro11/govmx/vmx"
)

// maxReason bounds the basic exit reasons counted individually.
const maxReason = 80

// Stats counts exits. It is safe to read while the dispatcher runs.
type Stats struct {
	reasons  [maxReason]atomic.Uint64
	other    atomic.Uint64
	unknown  atomic.Uint64
	launches atomic.Uint64
	resumes  atomic.Uint64
}

func (s *Stats) count(r vmx.ExitReason) {
	if int(r) < maxReason {
		s.reasons[r].Add(1)

		return
	}

	s.other.Add(1)
}

// Exits returns how many exits had reason r.
func (s *Stats) Exits(r vmx.ExitReason) uint64 {
	if int(r) < maxReason {
		return s.reasons[r].Load()
	}

	return s.other.Load()
}

// Unknown counts exits the dispatcher had no handler for.
func (s *Stats) Unknown() uint64 { return s.unknown.Load() }

func (s *Stats) Launches() uint64 { return s.launches.Load() }

func (s *Stats) Resumes() uint64 { return s.resumes.Load() }

// Total counts every exit.
func (s *Stats) Total() uint64 {
	n := s.other.Load()
	for i := range s.reasons {
		n += s.reasons[i].Load()
	}

	return n
}

// Snapshot returns the non-zero counters by reason.
func (s *Stats) Snapshot() map[vmx.ExitReason]uint64 {
	m := map[vmx.ExitReason]uint64{}

	for i := range s.reasons {
		if n := s.reasons[i].Load(); n != 0 {
			m[vmx.ExitReason(i)] = n
		}
	}

	return m
}
