package timeline

import (
	"errors"
	"testing"

	"reigh/internal/store"
)

type env struct {
	store  *store.Store
	engine *Engine
	shot   store.Shot
	gens   []store.Generation
}

func newEnv(t *testing.T, generations int, opts ...Option) env {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	u, err := st.CreateUser(10)
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	p, err := st.CreateProject(u.ID, "project")
	if err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	shot, err := st.CreateShot(p.ID, "opening")
	if err != nil {
		t.Fatalf("failed to create shot: %v", err)
	}

	e := env{store: st, engine: New(st, opts...), shot: shot}
	for i := 0; i < generations; i++ {
		g, err := st.CreateGeneration(store.Generation{ProjectID: p.ID, Location: "s3://out"})
		if err != nil {
			t.Fatalf("failed to create generation: %v", err)
		}
		e.gens = append(e.gens, g)
	}
	return e
}

func TestAddGenerationUnpositioned(t *testing.T) {
	e := newEnv(t, 1)

	link, err := e.engine.AddGenerationToShot(e.shot.ID, e.gens[0].ID, false)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if link.TimelineFrame != nil {
		t.Fatalf("expected unpositioned link, got frame %v", *link.TimelineFrame)
	}
	if len(link.Metadata) != 0 {
		t.Fatalf("unpositioned links carry empty metadata: %v", link.Metadata)
	}
}

func TestAddGenerationWithPosition(t *testing.T) {
	e := newEnv(t, 3)

	first, err := e.engine.AddGenerationToShot(e.shot.ID, e.gens[0].ID, true)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if *first.TimelineFrame != 0 {
		t.Fatalf("empty shot starts at frame 0, got %d", *first.TimelineFrame)
	}
	if v, ok := first.Metadata.Bool("auto_positioned"); !ok || !v {
		t.Fatalf("auto_positioned not recorded: %v", first.Metadata)
	}

	second, _ := e.engine.AddGenerationToShot(e.shot.ID, e.gens[1].ID, true)
	if *second.TimelineFrame != DefaultFrameSpacing {
		t.Fatalf("expected frame %d, got %d", DefaultFrameSpacing, *second.TimelineFrame)
	}

	// Unpositioned links do not advance the cursor.
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[2].ID, false)
	again, _ := e.engine.AddGenerationToShot(e.shot.ID, e.gens[0].ID, true)
	if *again.TimelineFrame != 2*DefaultFrameSpacing {
		t.Fatalf("expected frame %d, got %d", 2*DefaultFrameSpacing, *again.TimelineFrame)
	}
}

func TestAddGenerationAllowsDuplicates(t *testing.T) {
	e := newEnv(t, 1)

	a, err := e.engine.AddGenerationToShot(e.shot.ID, e.gens[0].ID, true)
	if err != nil {
		t.Fatalf("first add failed: %v", err)
	}
	b, err := e.engine.AddGenerationToShot(e.shot.ID, e.gens[0].ID, true)
	if err != nil {
		t.Fatalf("second add failed: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("each add creates a distinct link")
	}
}

func TestApplyTimelineFramesValidation(t *testing.T) {
	e := newEnv(t, 2)
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[0].ID, true)

	cases := []struct {
		name    string
		changes []FrameChange
		want    error
	}{
		{"negative frame", []FrameChange{{e.gens[0].ID, -1}}, ErrNegativeFrame},
		{"duplicate frame", []FrameChange{{e.gens[0].ID, 10}, {e.gens[1].ID, 10}}, ErrDuplicateFrame},
		{"duplicate generation", []FrameChange{{e.gens[0].ID, 10}, {e.gens[0].ID, 20}}, ErrDuplicateGeneration},
		{"not linked", []FrameChange{{e.gens[1].ID, 10}}, ErrNotLinked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.engine.ApplyTimelineFrames(e.shot.ID, tc.changes, false); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	// A failed batch leaves frames untouched.
	listing, err := e.engine.Listing(e.shot.ID)
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	if len(listing) != 1 || *listing[0].Frame != 0 {
		t.Fatalf("rejected batches must not mutate: %+v", listing)
	}
}

func TestApplyTimelineFramesAtomicSwap(t *testing.T) {
	e := newEnv(t, 2)
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[0].ID, true) // frame 0
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[1].ID, true) // frame 50

	listing, err := e.engine.ApplyTimelineFrames(e.shot.ID, []FrameChange{
		{GenerationID: e.gens[0].ID, Frame: 50},
		{GenerationID: e.gens[1].ID, Frame: 0},
	}, false)
	if err != nil {
		t.Fatalf("swap batch failed: %v", err)
	}

	if len(listing) != 2 {
		t.Fatalf("expected 2 placements, got %d", len(listing))
	}
	if listing[0].GenerationID != e.gens[1].ID || *listing[0].Frame != 0 {
		t.Fatalf("unexpected first placement: %+v", listing[0])
	}
	if listing[1].GenerationID != e.gens[0].ID || *listing[1].Frame != 50 {
		t.Fatalf("unexpected second placement: %+v", listing[1])
	}
}

func TestApplyTimelineFramesEmptyBatchLists(t *testing.T) {
	e := newEnv(t, 1)
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[0].ID, true)

	listing, err := e.engine.ApplyTimelineFrames(e.shot.ID, nil, false)
	if err != nil {
		t.Fatalf("empty batch failed: %v", err)
	}
	if len(listing) != 1 {
		t.Fatalf("empty batch should still return the listing: %+v", listing)
	}
}

func TestApplyTimelineFramesResolvesFirstLink(t *testing.T) {
	e := newEnv(t, 1)
	// The generation appears twice: at frame 0 and at frame 50. A change
	// resolves to the first link in timeline order.
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[0].ID, true) // frame 0
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[0].ID, true) // frame 50

	listing, err := e.engine.ApplyTimelineFrames(e.shot.ID, []FrameChange{
		{GenerationID: e.gens[0].ID, Frame: 100},
	}, false)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	if *listing[0].Frame != 50 || *listing[1].Frame != 100 {
		t.Fatalf("expected frames [50 100], got [%d %d]", *listing[0].Frame, *listing[1].Frame)
	}
}

func TestExchangeTimelineFrames(t *testing.T) {
	e := newEnv(t, 2)
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[0].ID, true) // frame 0
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[1].ID, true) // frame 50

	if err := e.engine.ExchangeTimelineFrames(e.shot.ID, e.gens[0].ID, e.gens[1].ID); err != nil {
		t.Fatalf("exchange failed: %v", err)
	}

	listing, _ := e.engine.Listing(e.shot.ID)
	if listing[0].GenerationID != e.gens[1].ID || listing[1].GenerationID != e.gens[0].ID {
		t.Fatalf("exchange did not swap: %+v", listing)
	}

	if err := e.engine.ExchangeTimelineFrames(e.shot.ID, e.gens[0].ID, "not-linked"); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("expected ErrNotLinked, got %v", err)
	}
}

func TestInitializeTimelineFrames(t *testing.T) {
	e := newEnv(t, 3)
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[0].ID, true)  // frame 0
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[1].ID, false) // unpositioned
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[2].ID, false) // unpositioned

	n, err := e.engine.InitializeTimelineFrames(e.shot.ID, 10)
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 positioned, got %d", n)
	}

	listing, _ := e.engine.Listing(e.shot.ID)
	wantFrames := []int64{0, 10, 20}
	for i, want := range wantFrames {
		if listing[i].Frame == nil || *listing[i].Frame != want {
			t.Fatalf("frame %d: got %v want %d", i, listing[i].Frame, want)
		}
	}

	// Idempotent once everything is positioned.
	n, err = e.engine.InitializeTimelineFrames(e.shot.ID, 10)
	if err != nil || n != 0 {
		t.Fatalf("second pass should position nothing, got %d err=%v", n, err)
	}
}

func TestInitializeTimelineFramesEmptyShotStartsAtZero(t *testing.T) {
	e := newEnv(t, 2)
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[0].ID, false)
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[1].ID, false)

	n, err := e.engine.InitializeTimelineFrames(e.shot.ID, 0) // falls back to default spacing
	if err != nil || n != 2 {
		t.Fatalf("initialize failed: n=%d err=%v", n, err)
	}

	listing, _ := e.engine.Listing(e.shot.ID)
	if *listing[0].Frame != 0 || *listing[1].Frame != DefaultFrameSpacing {
		t.Fatalf("expected [0 %d], got [%d %d]",
			DefaultFrameSpacing, *listing[0].Frame, *listing[1].Frame)
	}
}

func TestPositionExistingGeneration(t *testing.T) {
	e := newEnv(t, 2)
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[0].ID, true)  // frame 0
	e.engine.AddGenerationToShot(e.shot.ID, e.gens[1].ID, false) // unpositioned

	link, err := e.engine.PositionExistingGeneration(e.shot.ID, e.gens[1].ID)
	if err != nil {
		t.Fatalf("position failed: %v", err)
	}
	if *link.TimelineFrame != DefaultFrameSpacing {
		t.Fatalf("expected frame %d, got %d", DefaultFrameSpacing, *link.TimelineFrame)
	}

	// No unpositioned link remains for this generation.
	if _, err := e.engine.PositionExistingGeneration(e.shot.ID, e.gens[1].ID); !errors.Is(err, ErrNoUnpositionedLink) {
		t.Fatalf("expected ErrNoUnpositionedLink, got %v", err)
	}
}

func TestShotDataTracksTimeline(t *testing.T) {
	e := newEnv(t, 1)
	gen := e.gens[0]

	e.engine.AddGenerationToShot(e.shot.ID, gen.ID, true)  // frame 0
	e.engine.AddGenerationToShot(e.shot.ID, gen.ID, false) // unpositioned

	g, err := e.store.GetGeneration(gen.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	frames := g.ShotData[e.shot.ID]
	if len(frames) != 2 || frames[0] == nil || *frames[0] != 0 || frames[1] != nil {
		t.Fatalf("unexpected shot_data: %v", frames)
	}

	// Positioning the null link updates the denormalized index too.
	if _, err := e.engine.PositionExistingGeneration(e.shot.ID, gen.ID); err != nil {
		t.Fatalf("position failed: %v", err)
	}
	g, _ = e.store.GetGeneration(gen.ID)
	frames = g.ShotData[e.shot.ID]
	if len(frames) != 2 || frames[1] == nil || *frames[1] != DefaultFrameSpacing {
		t.Fatalf("shot_data not rebuilt after positioning: %v", frames)
	}
}

func TestCustomFrameSpacing(t *testing.T) {
	e := newEnv(t, 2, WithFrameSpacing(100))

	e.engine.AddGenerationToShot(e.shot.ID, e.gens[0].ID, true)
	link, _ := e.engine.AddGenerationToShot(e.shot.ID, e.gens[1].ID, true)
	if *link.TimelineFrame != 100 {
		t.Fatalf("expected frame 100, got %d", *link.TimelineFrame)
	}
}
