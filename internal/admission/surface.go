// Package admission is the procedural surface consumed by workers and
// control-plane callers: claim, count, analyze, complete, fail,
// update-status, link, and reorder. Each operation is one short,
// non-blocking interaction with the store; a cancelled context aborts before
// any state effect.
package admission

import (
	"context"

	"reigh/internal/completion"
	"reigh/internal/logging"
	"reigh/internal/payload"
	"reigh/internal/scheduler"
	"reigh/internal/store"
	"reigh/internal/timeline"
)

// ClaimedTask is the record handed to a worker on a successful claim.
type ClaimedTask struct {
	ID        string
	TaskType  string
	Params    payload.Record
	ProjectID string
	UserID    string
}

// Surface ties the engines together behind the external interface.
type Surface struct {
	store      *store.Store
	scheduler  *scheduler.Scheduler
	completion *completion.Engine
	timeline   *timeline.Engine
}

// New builds the admission surface.
func New(st *store.Store, sched *scheduler.Scheduler, comp *completion.Engine, tl *timeline.Engine) *Surface {
	return &Surface{store: st, scheduler: sched, completion: comp, timeline: tl}
}

// ClaimService atomically claims one task across all eligible users for the
// worker. A nil result with nil error means nothing is claimable.
func (s *Surface) ClaimService(ctx context.Context, workerID string, opts scheduler.ClaimOptions) (*ClaimedTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logging.APIDebug("claim_service worker=%s run_type=%q same_model=%v", workerID, opts.RunType, opts.SameModelOnly)

	task, err := s.scheduler.ClaimService(workerID, opts)
	if err != nil || task == nil {
		return nil, err
	}
	return s.claimedRecord(task)
}

// ClaimUser atomically claims one task for a single user. Local claims bind
// no worker; bypassCredit serves personal-access-token callers.
func (s *Surface) ClaimUser(ctx context.Context, userID string, opts scheduler.ClaimOptions, bypassCredit bool) (*ClaimedTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logging.APIDebug("claim_user user=%s run_type=%q", userID, opts.RunType)

	task, err := s.scheduler.ClaimUser(userID, opts, bypassCredit)
	if err != nil || task == nil {
		return nil, err
	}
	return s.claimedRecord(task)
}

func (s *Surface) claimedRecord(task *store.Task) (*ClaimedTask, error) {
	userID, err := s.store.UserIDForProject(task.ProjectID)
	if err != nil {
		return nil, err
	}
	return &ClaimedTask{
		ID:        task.ID,
		TaskType:  task.TaskType,
		Params:    task.Params,
		ProjectID: task.ProjectID,
		UserID:    userID,
	}, nil
}

// CountEligibleService returns the capacity-bounded claimable count across
// all users.
func (s *Surface) CountEligibleService(ctx context.Context, includeActive bool, runType string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.scheduler.CountEligibleService(includeActive, runType)
}

// CountEligibleUser is the single-user count variant.
func (s *Surface) CountEligibleUser(ctx context.Context, userID string, includeActive bool, runType string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.scheduler.CountEligibleUser(userID, includeActive, runType)
}

// CountBreakdownService partitions queued tasks by blocking condition.
func (s *Surface) CountBreakdownService(ctx context.Context, runType string) (scheduler.Breakdown, error) {
	if err := ctx.Err(); err != nil {
		return scheduler.Breakdown{}, err
	}
	return s.scheduler.CountBreakdownService(runType)
}

// AnalyzeService reports the structured queue analysis.
func (s *Surface) AnalyzeService(ctx context.Context, includeActive bool, runType string) (scheduler.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return scheduler.Analysis{}, err
	}
	return s.scheduler.AnalyzeService(includeActive, runType)
}

// MarkComplete transitions a task In Progress -> Complete and fires the
// completion observer. The boolean reports whether the row was updated; a
// task in any other status yields false, not an error. Observer faults are
// logged and do not undo the transition.
func (s *Surface) MarkComplete(ctx context.Context, taskID, outputLocation string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	logging.API("mark_complete task=%s output=%s", taskID, outputLocation)

	updated, err := s.store.MarkComplete(taskID, outputLocation)
	if err != nil || !updated {
		return updated, err
	}

	if err := s.completion.OnTaskComplete(taskID); err != nil {
		// The transition stands; the latch stays unset so the
		// materialization can be replayed once the fault is fixed.
		logging.Get(logging.CategoryCompletion).Error("Materialization failed for task %s: %v", taskID, err)
	}
	return true, nil
}

// MarkFailed transitions a task In Progress -> Failed with an error message.
func (s *Surface) MarkFailed(ctx context.Context, taskID, errorMessage string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	logging.API("mark_failed task=%s", taskID)
	return s.store.MarkFailed(taskID, errorMessage)
}

// UpdateStatus is the general-purpose transition helper for admin flows.
// Transitions into Complete fire the completion observer like MarkComplete
// does.
func (s *Surface) UpdateStatus(ctx context.Context, taskID, status, outputLocation string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	logging.API("update_status task=%s status=%s", taskID, status)

	updated, err := s.store.UpdateTaskStatus(taskID, status, outputLocation)
	if err != nil || !updated {
		return updated, err
	}
	if status == store.StatusComplete {
		if err := s.completion.OnTaskComplete(taskID); err != nil {
			logging.Get(logging.CategoryCompletion).Error("Materialization failed for task %s: %v", taskID, err)
		}
	}
	return true, nil
}

// AddGenerationToShot appends a generation to a shot, optionally at the next
// timeline position. Always inserts a new link.
func (s *Surface) AddGenerationToShot(ctx context.Context, shotID, generationID string, withPosition bool) (store.ShotLink, error) {
	if err := ctx.Err(); err != nil {
		return store.ShotLink{}, err
	}
	return s.timeline.AddGenerationToShot(shotID, generationID, withPosition)
}

// ApplyTimelineFrames atomically applies a batch of frame assignments and
// returns the current ordered frame listing.
func (s *Surface) ApplyTimelineFrames(ctx context.Context, shotID string, changes []timeline.FrameChange, updatePositions bool) ([]timeline.FramePlacement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.timeline.ApplyTimelineFrames(shotID, changes, updatePositions)
}

// ExchangeTimelineFrames swaps two generations' frames in a shot.
func (s *Surface) ExchangeTimelineFrames(ctx context.Context, shotID, generationA, generationB string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.timeline.ExchangeTimelineFrames(shotID, generationA, generationB)
}

// InitializeTimelineFrames assigns frames to a shot's unpositioned links.
func (s *Surface) InitializeTimelineFrames(ctx context.Context, shotID string, spacing int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.timeline.InitializeTimelineFrames(shotID, spacing)
}

// PositionExistingGeneration promotes a generation's unpositioned link to
// the next frame slot.
func (s *Surface) PositionExistingGeneration(ctx context.Context, shotID, generationID string) (store.ShotLink, error) {
	if err := ctx.Err(); err != nil {
		return store.ShotLink{}, err
	}
	return s.timeline.PositionExistingGeneration(shotID, generationID)
}
