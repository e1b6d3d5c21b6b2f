package admission

import (
	"context"
	"testing"

	"reigh/internal/completion"
	"reigh/internal/payload"
	"reigh/internal/scheduler"
	"reigh/internal/store"
	"reigh/internal/timeline"

	"github.com/stretchr/testify/require"
)

type env struct {
	store   *store.Store
	surface *Surface
	userID  string
	project store.Project
}

func newEnv(t *testing.T) env {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	u, err := st.CreateUser(10)
	require.NoError(t, err)
	p, err := st.CreateProject(u.ID, "project")
	require.NoError(t, err)

	sched := scheduler.New(st)
	tl := timeline.New(st)
	comp := completion.New(st, tl)
	return env{store: st, surface: New(st, sched, comp, tl), userID: u.ID, project: p}
}

func (e env) registerGenerationType(t *testing.T, name string) {
	t.Helper()
	err := e.store.UpsertTaskType(store.TaskType{
		Name: name, Category: store.CategoryGeneration, ToolType: "single-image", IsActive: true,
	})
	require.NoError(t, err)
}

func TestClaimServiceReturnsOwner(t *testing.T) {
	e := newEnv(t)
	task, err := e.store.CreateTask(e.project.ID, "single_image", payload.Record{"prompt": "a cat"}, nil)
	require.NoError(t, err)

	claimed, err := e.surface.ClaimService(context.Background(), "worker-1", scheduler.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, task.ID, claimed.ID)
	require.Equal(t, e.userID, claimed.UserID)
	require.Equal(t, e.project.ID, claimed.ProjectID)

	prompt, _ := claimed.Params.String("prompt")
	require.Equal(t, "a cat", prompt)

	// Nothing left: nil result, nil error.
	claimed, err = e.surface.ClaimService(context.Background(), "worker-1", scheduler.ClaimOptions{})
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestCancelledContextAborts(t *testing.T) {
	e := newEnv(t)
	_, err := e.store.CreateTask(e.project.ID, "single_image", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = e.surface.ClaimService(ctx, "worker-1", scheduler.ClaimOptions{})
	require.ErrorIs(t, err, context.Canceled)
	_, err = e.surface.CountEligibleService(ctx, false, "")
	require.ErrorIs(t, err, context.Canceled)

	// No state effect: the task is still claimable.
	claimed, err := e.surface.ClaimService(context.Background(), "worker-1", scheduler.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, claimed)
}

func TestMarkCompleteFiresMaterialization(t *testing.T) {
	e := newEnv(t)
	e.registerGenerationType(t, "single_image")

	task, err := e.store.CreateTask(e.project.ID, "single_image", nil, nil)
	require.NoError(t, err)
	ok, err := e.store.TryClaim(task.ID, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	updated, err := e.surface.MarkComplete(context.Background(), task.ID, "s3://out.png")
	require.NoError(t, err)
	require.True(t, updated)

	gens, err := e.store.ListGenerations(e.project.ID)
	require.NoError(t, err)
	require.Len(t, gens, 1, "completion observer should materialize exactly one generation")
	require.Equal(t, "s3://out.png", gens[0].Location)

	// Not In Progress anymore: false, no error, no second generation.
	updated, err = e.surface.MarkComplete(context.Background(), task.ID, "s3://other.png")
	require.NoError(t, err)
	require.False(t, updated)
	gens, _ = e.store.ListGenerations(e.project.ID)
	require.Len(t, gens, 1)
}

func TestMarkFailedStoresError(t *testing.T) {
	e := newEnv(t)
	task, err := e.store.CreateTask(e.project.ID, "single_image", nil, nil)
	require.NoError(t, err)
	_, err = e.store.TryClaim(task.ID, "worker-1")
	require.NoError(t, err)

	updated, err := e.surface.MarkFailed(context.Background(), task.ID, "oom on device")
	require.NoError(t, err)
	require.True(t, updated)

	got, err := e.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)
	require.Equal(t, "oom on device", got.ErrorMessage)
}

func TestUpdateStatusIntoCompleteFiresObserver(t *testing.T) {
	e := newEnv(t)
	e.registerGenerationType(t, "single_image")

	task, err := e.store.CreateTask(e.project.ID, "single_image", nil, nil)
	require.NoError(t, err)

	updated, err := e.surface.UpdateStatus(context.Background(), task.ID, store.StatusInProgress, "")
	require.NoError(t, err)
	require.True(t, updated)
	updated, err = e.surface.UpdateStatus(context.Background(), task.ID, store.StatusComplete, "s3://out.png")
	require.NoError(t, err)
	require.True(t, updated)

	gens, err := e.store.ListGenerations(e.project.ID)
	require.NoError(t, err)
	require.Len(t, gens, 1, "observer should fire on admin transitions into Complete")
}

func TestMaterializationFaultDoesNotUndoTransition(t *testing.T) {
	e := newEnv(t)
	e.registerGenerationType(t, "single_image")

	task, err := e.store.CreateTask(e.project.ID, "single_image", nil, nil)
	require.NoError(t, err)
	_, err = e.store.TryClaim(task.ID, "worker-1")
	require.NoError(t, err)

	// Complete with an empty output via the admin path: the observer aborts
	// but the transition stands and the latch stays unset for replay.
	updated, err := e.surface.UpdateStatus(context.Background(), task.ID, store.StatusComplete, "")
	require.NoError(t, err)
	require.True(t, updated)

	got, err := e.store.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusComplete, got.Status)
	require.False(t, got.GenerationCreated, "faulted materialization must not latch")
}

func TestTimelinePassthrough(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	shot, err := e.store.CreateShot(e.project.ID, "opening")
	require.NoError(t, err)
	gen, err := e.store.CreateGeneration(store.Generation{ProjectID: e.project.ID, Location: "s3://out"})
	require.NoError(t, err)

	link, err := e.surface.AddGenerationToShot(ctx, shot.ID, gen.ID, false)
	require.NoError(t, err)
	require.Nil(t, link.TimelineFrame)

	positioned, err := e.surface.PositionExistingGeneration(ctx, shot.ID, gen.ID)
	require.NoError(t, err)
	require.NotNil(t, positioned.TimelineFrame)

	listing, err := e.surface.ApplyTimelineFrames(ctx, shot.ID, []timeline.FrameChange{
		{GenerationID: gen.ID, Frame: 200},
	}, true)
	require.NoError(t, err)
	require.Len(t, listing, 1)
	require.EqualValues(t, 200, *listing[0].Frame)

	// A second, unpositioned appearance plus init fills the gap after 200.
	_, err = e.surface.AddGenerationToShot(ctx, shot.ID, gen.ID, false)
	require.NoError(t, err)
	n, err := e.surface.InitializeTimelineFrames(ctx, shot.ID, 50)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	listing, err = e.surface.ApplyTimelineFrames(ctx, shot.ID, nil, false)
	require.NoError(t, err)
	require.Len(t, listing, 2)
	require.EqualValues(t, 250, *listing[1].Frame)
}

func TestErrorClassification(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.surface.AddGenerationToShot(ctx, "no-such-shot", "no-such-generation", false)
	require.True(t, IsNotFound(err))
	require.False(t, IsInvalidInput(err))

	shot, err := e.store.CreateShot(e.project.ID, "opening")
	require.NoError(t, err)
	gen, err := e.store.CreateGeneration(store.Generation{ProjectID: e.project.ID})
	require.NoError(t, err)
	_, err = e.surface.AddGenerationToShot(ctx, shot.ID, gen.ID, false)
	require.NoError(t, err)

	_, err = e.surface.ApplyTimelineFrames(ctx, shot.ID, []timeline.FrameChange{
		{GenerationID: gen.ID, Frame: -5},
	}, false)
	require.True(t, IsInvalidInput(err))
}
