package scheduler

import (
	"fmt"

	"reigh/internal/store"
)

// RejectionReason is the single reason a task is not claimable now, in
// precedence order: no_credits, then the capability flag, then the
// concurrency cap, then dependencies, then the run-type filter.
type RejectionReason string

const (
	ReasonNone              RejectionReason = ""
	ReasonNoCredits         RejectionReason = "no_credits"
	ReasonCloudDisabled     RejectionReason = "cloud_disabled"
	ReasonLocalDisabled     RejectionReason = "local_disabled"
	ReasonConcurrencyLimit  RejectionReason = "concurrency_limit"
	ReasonDependencyBlocked RejectionReason = "dependency_blocked"
	ReasonWrongRunType      RejectionReason = "wrong_run_type"
)

// userState is the per-user snapshot the gates evaluate.
type userState struct {
	userID      string
	credits     float64
	allowsCloud bool
	allowsLocal bool
	inProgress  int
}

// loadUserState gathers a user's credits, capability flags, and
// non-orchestrator In Progress count. cloudOnly restricts the count to
// cloud-claimed tasks (non-null worker binding).
func (s *Scheduler) loadUserState(userID string, cloudOnly bool) (userState, error) {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return userState{}, err
	}
	settings, err := s.store.GetUserSettings(userID)
	if err != nil {
		return userState{}, err
	}
	inProgress, err := s.store.InProgressCount(userID, cloudOnly)
	if err != nil {
		return userState{}, err
	}
	return userState{
		userID:      userID,
		credits:     user.Credits,
		allowsCloud: settings.AllowsCloud,
		allowsLocal: settings.AllowsLocal,
		inProgress:  inProgress,
	}, nil
}

// userGate applies the user-level eligibility conditions. serviceMode selects
// the allows_cloud flag, user mode allows_local. bypassCredit skips the
// credit gate (personal-access-token claims).
func (s *Scheduler) userGate(st userState, serviceMode, bypassCredit bool) RejectionReason {
	if !bypassCredit && st.credits <= 0 {
		return ReasonNoCredits
	}
	if serviceMode && !st.allowsCloud {
		return ReasonCloudDisabled
	}
	if !serviceMode && !st.allowsLocal {
		return ReasonLocalDisabled
	}
	if st.inProgress >= s.maxPerUser {
		return ReasonConcurrencyLimit
	}
	return ReasonNone
}

// taskGate applies the task-level conditions after the user gate passed.
// runTypes caches registry lookups across one evaluation pass.
func (s *Scheduler) taskGate(t store.Task, runTypeFilter string, runTypes map[string]string) (RejectionReason, error) {
	ready, err := s.DependenciesSatisfied(t)
	if err != nil {
		return ReasonNone, err
	}
	if !ready {
		return ReasonDependencyBlocked, nil
	}
	if runTypeFilter != "" {
		rt, err := s.taskRunType(t.TaskType, runTypes)
		if err != nil {
			return ReasonNone, err
		}
		if rt != runTypeFilter {
			return ReasonWrongRunType, nil
		}
	}
	return ReasonNone, nil
}

// taskRunType resolves a task type's run type through a per-pass cache.
// Unregistered types default to gpu.
func (s *Scheduler) taskRunType(taskType string, cache map[string]string) (string, error) {
	if rt, ok := cache[taskType]; ok {
		return rt, nil
	}
	tt, err := s.store.GetTaskType(taskType)
	if err != nil {
		if isNotFound(err) {
			cache[taskType] = store.RunTypeGPU
			return store.RunTypeGPU, nil
		}
		return "", fmt.Errorf("failed to resolve run type: %w", err)
	}
	cache[taskType] = tt.RunType
	return tt.RunType, nil
}
