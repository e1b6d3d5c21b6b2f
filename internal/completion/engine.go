// Package completion materializes generations from completed tasks. It is
// the observer behind the admission surface's mark-complete path: when a
// task of a generation-category type transitions into Complete, exactly one
// generation row is produced, optionally linked into a shot.
package completion

import (
	"errors"
	"fmt"

	"reigh/internal/logging"
	"reigh/internal/payload"
	"reigh/internal/store"
	"reigh/internal/timeline"
)

var (
	// ErrMissingOutput aborts materialization when the task has no output
	// location. The latch stays unset so a corrected replay can succeed.
	ErrMissingOutput = errors.New("task has no output location")

	// ErrMissingProject aborts materialization when the owning project is
	// gone.
	ErrMissingProject = errors.New("task project missing")
)

// Normalizer rewrites image paths embedded in task params. It is injected
// and treated as a pure function.
type Normalizer func(payload.Record) payload.Record

// toolTypeAliases maps historical tool-type names onto their current
// spellings before the generation-type decision.
var toolTypeAliases = map[string]string{
	"travel_between_images": "travel-between-images",
	"edit_travel":           "edit-travel",
}

// videoToolTypes produce video generations; everything else is an image.
var videoToolTypes = map[string]bool{
	"travel-between-images": true,
	"edit-travel":           true,
}

// Engine materializes generations. Shot linking is delegated to the timeline
// engine, which owns the shot_data denormalization.
type Engine struct {
	store     *store.Store
	timeline  *timeline.Engine
	normalize Normalizer
}

// Option configures an Engine.
type Option func(*Engine)

// WithNormalizer injects the image path normalizer.
func WithNormalizer(n Normalizer) Option {
	return func(e *Engine) { e.normalize = n }
}

// New builds a completion Engine.
func New(st *store.Store, tl *timeline.Engine, opts ...Option) *Engine {
	e := &Engine{store: st, timeline: tl}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnTaskComplete runs the materialization for a task that has transitioned
// into Complete. It is idempotent: the status guard and the
// generation_created latch make a replay a no-op. Tasks whose type is not in
// the generation category (or is unregistered) are skipped silently.
func (e *Engine) OnTaskComplete(taskID string) error {
	timer := logging.StartTimer(logging.CategoryCompletion, "OnTaskComplete")
	defer timer.Stop()

	task, err := e.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Status != store.StatusComplete {
		logging.CompletionDebug("Task %s is %s, not Complete; skipping", taskID, task.Status)
		return nil
	}
	if task.GenerationCreated {
		logging.CompletionDebug("Task %s already materialized; skipping", taskID)
		return nil
	}

	taskType, err := e.store.GetTaskType(task.TaskType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logging.CompletionDebug("Task %s has unregistered type %s; skipping", taskID, task.TaskType)
			return nil
		}
		return err
	}
	if taskType.Category != store.CategoryGeneration {
		logging.CompletionDebug("Task %s type %s is category %s; skipping", taskID, task.TaskType, taskType.Category)
		return nil
	}

	params := task.Params
	if e.normalize != nil {
		params = e.normalize(params.Clone())
	}

	shotID, hasShot := payload.ShotID(params, task.TaskType)
	addInPosition := payload.AddInPosition(params, task.TaskType)
	thumbnailURL, hasThumbnail := payload.ThumbnailURL(params, task.TaskType)

	if task.OutputLocation == "" {
		return fmt.Errorf("task %s: %w", taskID, ErrMissingOutput)
	}
	if _, err := e.store.GetProject(task.ProjectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("task %s: %w", taskID, ErrMissingProject)
		}
		return err
	}

	generationType := generationTypeFor(taskType.ToolType)

	genParams := params.Clone()
	genParams.Set("tool_type", taskType.ToolType)
	genParams.Set("projectId", task.ProjectID)
	genParams.Set("outputLocation", task.OutputLocation)
	if hasShot {
		genParams.Set("shotId", shotID)
	}
	if hasThumbnail {
		genParams.Set("thumbnailUrl", thumbnailURL)
	}

	gen, err := e.store.CreateGeneration(store.Generation{
		ProjectID:    task.ProjectID,
		Type:         generationType,
		Location:     task.OutputLocation,
		ThumbnailURL: thumbnailURL,
		Params:       genParams,
		Tasks:        []string{taskID},
	})
	if err != nil {
		return err
	}
	logging.Completion("Generation %s materialized from task %s (type=%s shot=%q)",
		gen.ID, taskID, generationType, shotID)

	if hasShot {
		// Shot linking is a derivative update: a failure is logged, not
		// fatal, and the generation insert stands.
		if _, err := e.timeline.AddGenerationToShot(shotID, gen.ID, addInPosition); err != nil {
			logging.CompletionWarn("Failed to link generation %s into shot %s: %v", gen.ID, shotID, err)
		}
	}

	return e.store.SetGenerationCreated(taskID)
}

// generationTypeFor decides image vs video from the (alias-normalized) tool
// type.
func generationTypeFor(toolType string) string {
	if canonical, ok := toolTypeAliases[toolType]; ok {
		toolType = canonical
	}
	if videoToolTypes[toolType] {
		return "video"
	}
	return "image"
}
