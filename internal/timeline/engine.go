// Package timeline implements the shot link engine: appending generations to
// shots, assigning and reassigning timeline frames, and maintaining the
// denormalized per-generation shot index.
//
// All frame updates for one shot are serialized by a shot-scoped mutex (the
// in-process equivalent of an advisory lock keyed by shot id). The partial
// uniqueness of (shot, timeline_frame) is honored by the store's two-stage
// batch rewrite and three-step swap.
package timeline

import (
	"errors"
	"fmt"
	"sync"

	"reigh/internal/logging"
	"reigh/internal/payload"
	"reigh/internal/store"
)

// DefaultFrameSpacing is the gap between auto-assigned timeline frames.
const DefaultFrameSpacing = 50

var (
	// ErrNotLinked reports a frame change for a generation that has no link
	// in the shot.
	ErrNotLinked = errors.New("generation not linked to shot")

	// ErrNegativeFrame reports a negative frame value in a batch.
	ErrNegativeFrame = errors.New("timeline frame must be non-negative")

	// ErrDuplicateFrame reports two changes targeting the same frame.
	ErrDuplicateFrame = errors.New("duplicate timeline frame in batch")

	// ErrDuplicateGeneration reports two changes targeting the same
	// generation.
	ErrDuplicateGeneration = errors.New("duplicate generation in batch")

	// ErrNoUnpositionedLink reports that a generation has no null-frame link
	// to promote.
	ErrNoUnpositionedLink = errors.New("no unpositioned link for generation")
)

// FrameChange assigns a generation a new timeline frame.
type FrameChange struct {
	GenerationID string
	Frame        int64
}

// FramePlacement is one row of the current frame listing for a shot.
type FramePlacement struct {
	LinkID       string
	GenerationID string
	Frame        *int64 // nil = unpositioned
}

// Engine serializes timeline mutations per shot and enforces the frame
// validation rules.
type Engine struct {
	store   *store.Store
	spacing int64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithFrameSpacing overrides the auto-positioning spacing.
func WithFrameSpacing(spacing int64) Option {
	return func(e *Engine) {
		if spacing > 0 {
			e.spacing = spacing
		}
	}
}

// New builds a timeline Engine over the given store.
func New(st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		spacing: DefaultFrameSpacing,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lockShot acquires the shot-scoped mutex and returns its release func.
func (e *Engine) lockShot(shotID string) func() {
	e.mu.Lock()
	l, ok := e.locks[shotID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[shotID] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// AddGenerationToShot always creates a new shot link; a generation may
// appear in a shot multiple times. With withPosition set, the link receives
// the next frame slot (max existing + spacing, 0 when the shot is empty) and
// its metadata records auto positioning. Otherwise the link is unpositioned
// with empty metadata.
func (e *Engine) AddGenerationToShot(shotID, generationID string, withPosition bool) (store.ShotLink, error) {
	unlock := e.lockShot(shotID)
	defer unlock()

	var (
		frame    *int64
		metadata payload.Record
	)
	if withPosition {
		next, err := e.nextFrame(shotID)
		if err != nil {
			return store.ShotLink{}, err
		}
		frame = &next
		metadata = payload.Record{"auto_positioned": true}
	}

	link, err := e.store.AddShotLink(shotID, generationID, frame, metadata)
	if err != nil {
		return store.ShotLink{}, err
	}
	logging.Timeline("Generation %s added to shot %s (frame=%v)", generationID, shotID, frame)
	return link, nil
}

// nextFrame computes the next auto-assigned frame for a shot.
func (e *Engine) nextFrame(shotID string) (int64, error) {
	max, ok, err := e.store.MaxTimelineFrame(shotID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return max + e.spacing, nil
}

// ApplyTimelineFrames atomically applies a batch of frame assignments and
// returns the full current frame listing in ascending frame order. Every
// generation in the batch must be linked to the shot; frames must be
// non-negative and pairwise distinct. updatePositions marks the affected
// links as user positioned.
func (e *Engine) ApplyTimelineFrames(shotID string, changes []FrameChange, updatePositions bool) ([]FramePlacement, error) {
	unlock := e.lockShot(shotID)
	defer unlock()

	links, err := e.store.ListShotLinks(shotID)
	if err != nil {
		return nil, err
	}

	if len(changes) > 0 {
		assignments, err := resolveAssignments(links, changes)
		if err != nil {
			return nil, err
		}
		if err := e.store.ApplyFrameAssignments(shotID, assignments, updatePositions); err != nil {
			return nil, err
		}
		logging.Timeline("Applied %d frame changes to shot %s", len(changes), shotID)
	}

	return e.listing(shotID)
}

// resolveAssignments validates a change batch against the shot's links and
// resolves each generation to its target link. A generation with several
// links resolves to the first in timeline order (its positioned link when
// one exists).
func resolveAssignments(links []store.ShotLink, changes []FrameChange) ([]store.LinkFrameAssignment, error) {
	byGeneration := make(map[string]string, len(links))
	for _, l := range links {
		if _, ok := byGeneration[l.GenerationID]; !ok {
			byGeneration[l.GenerationID] = l.ID
		}
	}

	seenFrames := make(map[int64]bool, len(changes))
	seenGenerations := make(map[string]bool, len(changes))
	assignments := make([]store.LinkFrameAssignment, 0, len(changes))

	for _, c := range changes {
		if c.Frame < 0 {
			return nil, fmt.Errorf("generation %s frame %d: %w", c.GenerationID, c.Frame, ErrNegativeFrame)
		}
		if seenFrames[c.Frame] {
			return nil, fmt.Errorf("frame %d: %w", c.Frame, ErrDuplicateFrame)
		}
		seenFrames[c.Frame] = true
		if seenGenerations[c.GenerationID] {
			return nil, fmt.Errorf("generation %s: %w", c.GenerationID, ErrDuplicateGeneration)
		}
		seenGenerations[c.GenerationID] = true

		linkID, ok := byGeneration[c.GenerationID]
		if !ok {
			return nil, fmt.Errorf("generation %s: %w", c.GenerationID, ErrNotLinked)
		}
		assignments = append(assignments, store.LinkFrameAssignment{LinkID: linkID, Frame: c.Frame})
	}
	return assignments, nil
}

// ExchangeTimelineFrames swaps the frames of two generations' links under
// the shot lock, using the store's three-step sentinel protocol.
func (e *Engine) ExchangeTimelineFrames(shotID, generationA, generationB string) error {
	unlock := e.lockShot(shotID)
	defer unlock()

	links, err := e.store.ListShotLinks(shotID)
	if err != nil {
		return err
	}

	linkA, err := firstLinkFor(links, generationA)
	if err != nil {
		return err
	}
	linkB, err := firstLinkFor(links, generationB)
	if err != nil {
		return err
	}

	if err := e.store.SwapLinkFrames(shotID, linkA.ID, linkB.ID); err != nil {
		return err
	}
	logging.Timeline("Exchanged frames of %s and %s in shot %s", generationA, generationB, shotID)
	return nil
}

func firstLinkFor(links []store.ShotLink, generationID string) (store.ShotLink, error) {
	for _, l := range links {
		if l.GenerationID == generationID {
			return l, nil
		}
	}
	return store.ShotLink{}, fmt.Errorf("generation %s: %w", generationID, ErrNotLinked)
}

// InitializeTimelineFrames assigns frames to a shot's unpositioned links in
// creation order, continuing after the highest existing frame. Returns how
// many links were positioned. A non-positive spacing falls back to the
// engine default.
func (e *Engine) InitializeTimelineFrames(shotID string, spacing int64) (int, error) {
	unlock := e.lockShot(shotID)
	defer unlock()

	if spacing <= 0 {
		spacing = e.spacing
	}

	links, err := e.store.ListShotLinks(shotID)
	if err != nil {
		return 0, err
	}

	next := int64(0)
	hasPositioned := false
	var unpositioned []store.ShotLink
	for _, l := range links {
		if l.TimelineFrame == nil {
			unpositioned = append(unpositioned, l)
			continue
		}
		hasPositioned = true
		if *l.TimelineFrame >= next {
			next = *l.TimelineFrame
		}
	}
	if hasPositioned {
		next += spacing
	}
	if len(unpositioned) == 0 {
		return 0, nil
	}

	assignments := make([]store.LinkFrameAssignment, 0, len(unpositioned))
	for _, l := range unpositioned {
		assignments = append(assignments, store.LinkFrameAssignment{LinkID: l.ID, Frame: next})
		next += spacing
	}
	if err := e.store.ApplyFrameAssignments(shotID, assignments, false); err != nil {
		return 0, err
	}
	logging.Timeline("Initialized %d frames in shot %s (spacing=%d)", len(assignments), shotID, spacing)
	return len(assignments), nil
}

// PositionExistingGeneration promotes the generation's null-frame link in
// the shot to the next frame position. Errors when no unpositioned link
// exists.
func (e *Engine) PositionExistingGeneration(shotID, generationID string) (store.ShotLink, error) {
	unlock := e.lockShot(shotID)
	defer unlock()

	links, err := e.store.ListShotLinks(shotID)
	if err != nil {
		return store.ShotLink{}, err
	}

	var target *store.ShotLink
	for i := range links {
		if links[i].GenerationID == generationID && links[i].TimelineFrame == nil {
			target = &links[i]
			break
		}
	}
	if target == nil {
		return store.ShotLink{}, fmt.Errorf("generation %s in shot %s: %w", generationID, shotID, ErrNoUnpositionedLink)
	}

	next, err := e.nextFrame(shotID)
	if err != nil {
		return store.ShotLink{}, err
	}
	if err := e.store.SetLinkFrame(shotID, target.ID, &next, nil); err != nil {
		return store.ShotLink{}, err
	}

	target.TimelineFrame = &next
	logging.Timeline("Positioned generation %s at frame %d in shot %s", generationID, next, shotID)
	return *target, nil
}

// Listing returns the shot's current frame listing in ascending frame order,
// unpositioned links last.
func (e *Engine) Listing(shotID string) ([]FramePlacement, error) {
	unlock := e.lockShot(shotID)
	defer unlock()
	return e.listing(shotID)
}

func (e *Engine) listing(shotID string) ([]FramePlacement, error) {
	links, err := e.store.ListShotLinks(shotID)
	if err != nil {
		return nil, err
	}
	placements := make([]FramePlacement, 0, len(links))
	for _, l := range links {
		placements = append(placements, FramePlacement{
			LinkID:       l.ID,
			GenerationID: l.GenerationID,
			Frame:        l.TimelineFrame,
		})
	}
	return placements, nil
}
