package scheduler

import (
	"errors"
	"sort"

	"reigh/internal/logging"
	"reigh/internal/payload"
	"reigh/internal/store"
)

// ClaimOptions modify candidate selection. IncludeActive is a reporting
// convenience for the count surface; it never causes an In Progress task to
// be re-claimed.
type ClaimOptions struct {
	IncludeActive bool
	RunType       string
	SameModelOnly bool
}

// candidate pairs a queued task with its affinity rank.
type candidate struct {
	task store.Task
	rank int
}

// ClaimService selects one claimable task across all eligible users and
// atomically binds it to the worker. Returns nil when nothing is claimable;
// contention with another claimer is absorbed by moving to the next
// candidate.
func (s *Scheduler) ClaimService(workerID string, opts ClaimOptions) (*store.Task, error) {
	timer := logging.StartTimer(logging.CategoryScheduler, "ClaimService")
	defer timer.Stop()

	worker, err := s.store.EnsureWorker(workerID)
	if err != nil {
		return nil, err
	}

	candidates, err := s.eligibleCandidates("", normalizeRunType(opts.RunType), true, false)
	if err != nil {
		return nil, err
	}

	ordered := orderByAffinity(candidates, worker.CurrentModel)
	if opts.SameModelOnly && worker.CurrentModel != "" {
		ordered = filterRankZero(ordered)
	}

	return s.claimFirst(ordered, workerID)
}

// ClaimUser selects one claimable task for a single user. Local (user-mode)
// claims bind no worker, which is how the count surface tells local from
// cloud work. bypassCredit serves personal-access-token claims.
func (s *Scheduler) ClaimUser(userID string, opts ClaimOptions, bypassCredit bool) (*store.Task, error) {
	timer := logging.StartTimer(logging.CategoryScheduler, "ClaimUser")
	defer timer.Stop()

	candidates, err := s.eligibleCandidates(userID, normalizeRunType(opts.RunType), false, bypassCredit)
	if err != nil {
		return nil, err
	}

	// User-mode claims have no model affinity; candidates stay FIFO.
	return s.claimFirst(candidates, "")
}

// eligibleCandidates builds the claimable candidate list: queued tasks of
// eligible users, dependency-ready, run-type filtered, FIFO ordered.
func (s *Scheduler) eligibleCandidates(userID, runType string, serviceMode, bypassCredit bool) ([]candidate, error) {
	tasks, err := s.store.QueuedTasks(userID, runType)
	if err != nil {
		return nil, err
	}

	owners := make(map[string]string)         // project -> user
	gates := make(map[string]RejectionReason) // user -> gate result

	var candidates []candidate
	for _, t := range tasks {
		owner, ok := owners[t.ProjectID]
		if !ok {
			owner, err = s.store.UserIDForProject(t.ProjectID)
			if err != nil {
				return nil, err
			}
			owners[t.ProjectID] = owner
		}

		gate, ok := gates[owner]
		if !ok {
			st, err := s.loadUserState(owner, false)
			if err != nil {
				return nil, err
			}
			gate = s.userGate(st, serviceMode, bypassCredit)
			gates[owner] = gate
		}
		if gate != ReasonNone {
			continue
		}

		ready, err := s.DependenciesSatisfied(t)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}

		candidates = append(candidates, candidate{task: t})
	}
	return candidates, nil
}

// orderByAffinity ranks same-model tasks ahead of the rest, preserving FIFO
// order within each rank. Ties inside a rank are already broken by
// (created_at, id) from the store ordering.
func orderByAffinity(candidates []candidate, workerModel string) []candidate {
	if workerModel == "" {
		return candidates
	}
	for i := range candidates {
		model, ok := payload.Model(candidates[i].task.Params)
		if ok && model == workerModel {
			candidates[i].rank = 0
		} else {
			candidates[i].rank = 1
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].rank < candidates[j].rank
	})
	return candidates
}

func filterRankZero(candidates []candidate) []candidate {
	var out []candidate
	for _, c := range candidates {
		if c.rank == 0 {
			out = append(out, c)
		}
	}
	return out
}

// claimFirst walks the ordered candidates attempting the atomic claim.
// A lost race on one candidate falls through to the next.
func (s *Scheduler) claimFirst(candidates []candidate, workerID string) (*store.Task, error) {
	for _, c := range candidates {
		claimed, err := s.store.TryClaim(c.task.ID, workerID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			logging.SchedulerDebug("Lost claim race on task %s, trying next candidate", c.task.ID)
			continue
		}
		t, err := s.store.GetTask(c.task.ID)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	return nil, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
