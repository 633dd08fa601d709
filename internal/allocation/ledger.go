package allocation

import (
	"sync"
	"time"

	"github.com/sahyog/sahyog-backend/internal/models"
)

// slot is the capacity ledger entry of one resource. Every change to its
// counters happens under its own lock, so reservations against a resource are
// totally ordered. available + committed == total always holds.
type slot struct {
	mu        sync.Mutex
	res       models.Resource
	committed uint
	lastSeq   uint64
}

// reserve takes up to want units and returns how many it got.
func (s *slot) reserve(want uint) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := min(want, s.res.AvailableCapacity)
	s.res.AvailableCapacity -= q
	s.committed += q
	return q
}

// commit records units already allocated in the log. The total grows if the
// log holds more commitments than the recorded capacity; grew reports that.
func (s *slot) commit(q uint) (grew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed += q
	if s.committed > s.res.TotalCapacity {
		s.res.TotalCapacity = s.committed
		grew = true
	}
	s.res.AvailableCapacity = s.res.TotalCapacity - s.committed
	return grew
}

// release returns q units to the pool.
func (s *slot) release(q uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q = min(q, s.committed)
	s.committed -= q
	s.res.AvailableCapacity += q
}

// setTotal applies an absolute capacity report. A total below the committed
// amount is raised to it; the return value reports that case.
func (s *slot) setTotal(total uint, at time.Time) (clamped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if total < s.committed {
		total = s.committed
		clamped = true
	}
	s.res.TotalCapacity = total
	s.res.AvailableCapacity = total - s.committed
	s.res.UpdatedAt = at
	return clamped
}

func (s *slot) available() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res.AvailableCapacity
}

func (s *slot) snapshot() (models.Resource, uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res, s.committed
}
