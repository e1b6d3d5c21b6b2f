package payload

import (
	"strings"

	"github.com/google/uuid"
)

// The completion engine walks task params through a fixed precedence chain
// when looking for shot linkage fields:
//
//	originalParams.orchestrator_details -> orchestrator_details ->
//	full_orchestrator_payload (travel-stitch task types only) ->
//	top-level shot_id -> top-level shotId
//
// Orchestrated tasks carry their submitting payload under originalParams or
// orchestrator_details; stitch tasks bury it one level deeper.

// usesFullOrchestratorPayload reports whether the task type nests its
// orchestrator payload under full_orchestrator_payload.
func usesFullOrchestratorPayload(taskType string) bool {
	return strings.Contains(taskType, "travel_stitch") ||
		strings.Contains(taskType, "travel-stitch")
}

// chain returns the nested records to consult, outermost first.
func chain(params Record, taskType string) []Record {
	records := []Record{
		params.Child("originalParams").Child("orchestrator_details"),
		params.Child("orchestrator_details"),
	}
	if usesFullOrchestratorPayload(taskType) {
		records = append(records, params.Child("full_orchestrator_payload"))
	}
	return records
}

// ShotID extracts the shot identifier from task params. A malformed
// identifier is treated as absent and the walk continues.
func ShotID(params Record, taskType string) (string, bool) {
	for _, rec := range chain(params, taskType) {
		if id, ok := rec.String("shot_id"); ok {
			if _, err := uuid.Parse(id); err == nil {
				return id, true
			}
		}
	}
	if id, ok := params.String("shot_id", "shotId"); ok {
		if _, err := uuid.Parse(id); err == nil {
			return id, true
		}
	}
	return "", false
}

// AddInPosition extracts the add_in_position flag (default false) using the
// same precedence walk as ShotID.
func AddInPosition(params Record, taskType string) bool {
	for _, rec := range chain(params, taskType) {
		if v, ok := rec.Bool("add_in_position"); ok {
			return v
		}
	}
	if v, ok := params.Bool("add_in_position"); ok {
		return v
	}
	return false
}

// ThumbnailURL extracts the thumbnail URL using the same precedence walk,
// tolerating both the snake_case and camelCase spellings at each level.
func ThumbnailURL(params Record, taskType string) (string, bool) {
	for _, rec := range chain(params, taskType) {
		if u, ok := rec.String("thumbnail_url", "thumbnailUrl"); ok {
			return u, true
		}
	}
	return params.String("thumbnail_url", "thumbnailUrl")
}

// Model extracts the model selector used for worker affinity matching.
func Model(params Record) (string, bool) {
	if m, ok := params.String("model"); ok {
		return m, true
	}
	return params.Child("orchestrator_details").String("model")
}
