package scheduler

import (
	"time"

	"reigh/internal/logging"
	"reigh/internal/store"
)

// Analysis is the structured breakdown of the service queue: totals,
// per-rejection-reason counts, and per-user statistics.
type Analysis struct {
	Total    int
	Eligible int
	Reasons  map[RejectionReason]int
	Users    []UserStat
}

// UserStat summarizes one user's scheduling state.
type UserStat struct {
	UserID      string
	Credits     float64
	Queued      int
	InProgress  int
	AllowsCloud bool
	AtLimit     bool
}

// Breakdown partitions queued tasks by what blocks them. Credit-less users
// are excluded entirely; bucket precedence is credits, then the cloud flag,
// then dependencies, then capacity.
type Breakdown struct {
	Total             int
	ClaimableNow      int
	BlockedByCapacity int
	BlockedByDeps     int
	BlockedBySettings int
}

// CountEligibleService returns the capacity-bounded claimable count across
// all eligible users. With includeActive false the result is how many new
// claims could immediately occur; with true it is total active + claimable up
// to the per-user cap, counting only cloud-claimed In Progress tasks so that
// local claims do not inflate cloud-scaler signals.
func (s *Scheduler) CountEligibleService(includeActive bool, runType string) (int, error) {
	timer := logging.StartTimer(logging.CategoryScheduler, "CountEligibleService")
	defer timer.Stop()

	runType = normalizeRunType(runType)
	userIDs, err := s.store.ListUserIDs()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, userID := range userIDs {
		n, err := s.countForUser(userID, includeActive, runType, true)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// CountEligibleUser is the single-user variant, gated on allows_local as
// user-mode claims are.
func (s *Scheduler) CountEligibleUser(userID string, includeActive bool, runType string) (int, error) {
	timer := logging.StartTimer(logging.CategoryScheduler, "CountEligibleUser")
	defer timer.Stop()

	return s.countForUser(userID, includeActive, normalizeRunType(runType), false)
}

// countForUser computes one user's capacity contribution:
//
//	includeActive == false: max(0, min(cap - I, Q))
//	includeActive == true:  min(cap, I + Q)
//
// where Q is the dependency-ready queued count and I the non-orchestrator
// In Progress count (cloud-claimed only for the service+active variant).
func (s *Scheduler) countForUser(userID string, includeActive bool, runType string, serviceMode bool) (int, error) {
	cloudOnly := serviceMode && includeActive
	st, err := s.loadUserState(userID, cloudOnly)
	if err != nil {
		return 0, err
	}

	if st.credits <= 0 {
		return 0, nil
	}
	if serviceMode && !st.allowsCloud {
		return 0, nil
	}
	if !serviceMode && !st.allowsLocal {
		return 0, nil
	}

	queued, err := s.readyQueuedCount(userID, runType)
	if err != nil {
		return 0, err
	}

	if includeActive {
		return min(s.maxPerUser, st.inProgress+queued), nil
	}
	n := s.maxPerUser - st.inProgress
	if n < 0 {
		n = 0
	}
	return min(n, queued), nil
}

// readyQueuedCount counts a user's dependency-ready Queued tasks under the
// run-type filter.
func (s *Scheduler) readyQueuedCount(userID, runType string) (int, error) {
	tasks, err := s.store.QueuedTasks(userID, runType)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		ready, err := s.DependenciesSatisfied(t)
		if err != nil {
			return 0, err
		}
		if ready {
			n++
		}
	}
	return n, nil
}

// AnalyzeService reports totals, eligibility, per-rejection-reason counts,
// and per-user statistics for the service queue.
func (s *Scheduler) AnalyzeService(includeActive bool, runType string) (Analysis, error) {
	timer := logging.StartTimer(logging.CategoryScheduler, "AnalyzeService")
	defer timer.Stop()

	runType = normalizeRunType(runType)
	userIDs, err := s.store.ListUserIDs()
	if err != nil {
		return Analysis{}, err
	}

	analysis := Analysis{Reasons: make(map[RejectionReason]int)}
	runTypes := make(map[string]string)

	for _, userID := range userIDs {
		st, err := s.loadUserState(userID, includeActive)
		if err != nil {
			return Analysis{}, err
		}
		// Run-type filtering is reported as a rejection reason, so the
		// task list here is unfiltered.
		tasks, err := s.store.QueuedTasks(userID, "")
		if err != nil {
			return Analysis{}, err
		}

		analysis.Users = append(analysis.Users, UserStat{
			UserID:      userID,
			Credits:     st.credits,
			Queued:      len(tasks),
			InProgress:  st.inProgress,
			AllowsCloud: st.allowsCloud,
			AtLimit:     st.inProgress >= s.maxPerUser,
		})

		userReason := s.userGate(st, true, false)
		budget := s.maxPerUser - st.inProgress

		for _, t := range tasks {
			analysis.Total++
			if userReason != ReasonNone {
				analysis.Reasons[userReason]++
				continue
			}
			taskReason, err := s.taskGate(t, runType, runTypes)
			if err != nil {
				return Analysis{}, err
			}
			if taskReason != ReasonNone {
				analysis.Reasons[taskReason]++
				continue
			}
			if budget <= 0 {
				analysis.Reasons[ReasonConcurrencyLimit]++
				continue
			}
			budget--
			analysis.Eligible++
		}
	}
	return analysis, nil
}

// CountBreakdownService partitions the queued tasks of credited users into
// claimable_now / blocked_by_capacity / blocked_by_deps /
// blocked_by_settings buckets.
func (s *Scheduler) CountBreakdownService(runType string) (Breakdown, error) {
	timer := logging.StartTimer(logging.CategoryScheduler, "CountBreakdownService")
	defer timer.Stop()

	runType = normalizeRunType(runType)
	userIDs, err := s.store.ListUserIDs()
	if err != nil {
		return Breakdown{}, err
	}

	var b Breakdown
	for _, userID := range userIDs {
		st, err := s.loadUserState(userID, false)
		if err != nil {
			return Breakdown{}, err
		}
		if st.credits <= 0 {
			continue // credit-less users excluded entirely
		}

		tasks, err := s.store.QueuedTasks(userID, runType)
		if err != nil {
			return Breakdown{}, err
		}
		if len(tasks) == 0 {
			continue
		}
		b.Total += len(tasks)

		if !st.allowsCloud {
			b.BlockedBySettings += len(tasks)
			continue
		}

		budget := s.maxPerUser - st.inProgress
		if budget < 0 {
			budget = 0
		}
		for _, t := range tasks {
			ready, err := s.DependenciesSatisfied(t)
			if err != nil {
				return Breakdown{}, err
			}
			if !ready {
				b.BlockedByDeps++
				continue
			}
			if budget == 0 {
				b.BlockedByCapacity++
				continue
			}
			budget--
			b.ClaimableNow++
		}
	}
	return b, nil
}

// StuckTasks reports In Progress tasks older than the threshold.
func (s *Scheduler) StuckTasks(olderThan time.Duration) ([]store.Task, error) {
	return s.store.StuckTasks(olderThan)
}
