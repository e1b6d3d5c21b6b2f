// Package scheduler implements the claim, eligibility, and count engines of
// the Reigh core: fair FIFO dispatch of queued tasks to workers under
// dependency, capacity, credit, capability, and execution-class constraints.
package scheduler

import (
	"time"

	"reigh/internal/store"
)

// DefaultMaxInProgressPerUser is the hard per-user concurrency cap.
const DefaultMaxInProgressPerUser = 5

// Scheduler coordinates claims and capacity-bounded counting over the entity
// store.
type Scheduler struct {
	store      *store.Store
	maxPerUser int
	now        func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxInProgressPerUser overrides the per-user concurrency cap.
func WithMaxInProgressPerUser(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxPerUser = n
		}
	}
}

// WithClock injects the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a Scheduler over the given store.
func New(st *store.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      st,
		maxPerUser: DefaultMaxInProgressPerUser,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// normalizeRunType validates a run-type filter; anything but gpu/api is
// silently treated as no filter.
func normalizeRunType(runType string) string {
	switch runType {
	case store.RunTypeGPU, store.RunTypeAPI:
		return runType
	default:
		return ""
	}
}
