package scheduler

import (
	"sync"
	"testing"
	"time"

	"reigh/internal/payload"
	"reigh/internal/store"

	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type env struct {
	store *store.Store
	sched *Scheduler
}

func newEnv(t *testing.T, opts ...Option) env {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	st.SetClock(stepClock())
	return env{store: st, sched: New(st, opts...)}
}

// stepClock advances one second per call so created_at ordering is
// deterministic.
func stepClock() func() time.Time {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func (e env) user(t *testing.T, credits float64) (string, string) {
	t.Helper()
	u, err := e.store.CreateUser(credits)
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	p, err := e.store.CreateProject(u.ID, "project")
	if err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	return u.ID, p.ID
}

func (e env) task(t *testing.T, projectID, taskType string, params payload.Record, deps ...string) store.Task {
	t.Helper()
	task, err := e.store.CreateTask(projectID, taskType, params, deps)
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

func TestClaimServiceFIFO(t *testing.T) {
	e := newEnv(t)
	_, projectID := e.user(t, 10)

	first := e.task(t, projectID, "single_image", nil)
	second := e.task(t, projectID, "single_image", nil)
	third := e.task(t, projectID, "single_image", nil)

	for _, want := range []string{first.ID, second.ID, third.ID} {
		got, err := e.sched.ClaimService("worker-1", ClaimOptions{})
		if err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		if got == nil || got.ID != want {
			t.Fatalf("FIFO order broken: got %v want %s", got, want)
		}
		if got.Status != store.StatusInProgress || got.WorkerID != "worker-1" {
			t.Fatalf("claim did not bind: %+v", got)
		}
	}

	empty, err := e.sched.ClaimService("worker-1", ClaimOptions{})
	if err != nil || empty != nil {
		t.Fatalf("drained queue should yield nil, got %v err=%v", empty, err)
	}
}

func TestClaimServiceConcurrencyCap(t *testing.T) {
	e := newEnv(t, WithMaxInProgressPerUser(2))
	_, projectID := e.user(t, 10)

	for i := 0; i < 3; i++ {
		e.task(t, projectID, "single_image", nil)
	}

	for i := 0; i < 2; i++ {
		got, err := e.sched.ClaimService("worker-1", ClaimOptions{})
		if err != nil || got == nil {
			t.Fatalf("claim %d failed: %v err=%v", i, got, err)
		}
	}
	got, err := e.sched.ClaimService("worker-1", ClaimOptions{})
	if err != nil {
		t.Fatalf("claim errored: %v", err)
	}
	if got != nil {
		t.Fatal("cap of 2 should block the third claim")
	}
}

func TestOrchestratorsDoNotConsumeCapacity(t *testing.T) {
	e := newEnv(t, WithMaxInProgressPerUser(1))
	_, projectID := e.user(t, 10)

	orch := e.task(t, projectID, "travel_orchestrator", nil)
	e.task(t, projectID, "single_image", nil)

	got, err := e.sched.ClaimService("worker-1", ClaimOptions{})
	if err != nil || got == nil || got.ID != orch.ID {
		t.Fatalf("expected orchestrator claim first, got %v err=%v", got, err)
	}

	// The in-flight orchestrator does not count against the cap of 1.
	got, err = e.sched.ClaimService("worker-1", ClaimOptions{})
	if err != nil || got == nil {
		t.Fatalf("worker task should still be claimable, got %v err=%v", got, err)
	}
}

func TestClaimDependencyGate(t *testing.T) {
	e := newEnv(t)
	_, projectID := e.user(t, 10)

	dep := e.task(t, projectID, "single_image", nil)
	blocked := e.task(t, projectID, "upscale", nil, dep.ID)
	dangling := e.task(t, projectID, "upscale", nil, "no-such-task")

	got, err := e.sched.ClaimService("worker-1", ClaimOptions{})
	if err != nil || got == nil || got.ID != dep.ID {
		t.Fatalf("expected the dependency first, got %v err=%v", got, err)
	}

	// Its dependency is In Progress, not Complete: still blocked.
	got, err = e.sched.ClaimService("worker-1", ClaimOptions{})
	if err != nil || got != nil {
		t.Fatalf("dependent should be blocked, got %v err=%v", got, err)
	}

	if _, err := e.store.MarkComplete(dep.ID, "s3://out"); err != nil {
		t.Fatalf("mark complete failed: %v", err)
	}
	got, err = e.sched.ClaimService("worker-1", ClaimOptions{})
	if err != nil || got == nil || got.ID != blocked.ID {
		t.Fatalf("dependent should unblock on completion, got %v err=%v", got, err)
	}

	// Dangling references never satisfy.
	got, err = e.sched.ClaimService("worker-1", ClaimOptions{})
	if err != nil || got != nil {
		t.Fatalf("dangling dependency must stay blocked, got %v (task %s)", got, dangling.ID)
	}
}

func TestClaimModelAffinity(t *testing.T) {
	e := newEnv(t)
	_, projectID := e.user(t, 10)

	older := e.task(t, projectID, "single_image", payload.Record{"model": "wan-2.1"})
	matching := e.task(t, projectID, "single_image", payload.Record{"model": "ltxv"})
	if _, err := e.store.EnsureWorker("worker-1"); err != nil {
		t.Fatalf("failed to register worker: %v", err)
	}
	if err := e.store.SetWorkerModel("worker-1", "ltxv"); err != nil {
		t.Fatalf("failed to set model: %v", err)
	}

	got, err := e.sched.ClaimService("worker-1", ClaimOptions{})
	if err != nil || got == nil || got.ID != matching.ID {
		t.Fatalf("same-model task should rank ahead of FIFO, got %v err=%v", got, err)
	}

	// With the match gone, strict FIFO resumes.
	got, err = e.sched.ClaimService("worker-1", ClaimOptions{})
	if err != nil || got == nil || got.ID != older.ID {
		t.Fatalf("expected FIFO fallback, got %v err=%v", got, err)
	}
}

func TestClaimSameModelOnly(t *testing.T) {
	e := newEnv(t)
	_, projectID := e.user(t, 10)

	e.task(t, projectID, "single_image", payload.Record{"model": "wan-2.1"})
	if _, err := e.store.EnsureWorker("worker-1"); err != nil {
		t.Fatalf("failed to register worker: %v", err)
	}
	if err := e.store.SetWorkerModel("worker-1", "ltxv"); err != nil {
		t.Fatalf("failed to set model: %v", err)
	}

	got, err := e.sched.ClaimService("worker-1", ClaimOptions{SameModelOnly: true})
	if err != nil || got != nil {
		t.Fatalf("same-model-only should skip other models, got %v err=%v", got, err)
	}

	// A worker with no model loaded ignores the restriction.
	if err := e.store.SetWorkerModel("worker-1", ""); err != nil {
		t.Fatalf("failed to clear model: %v", err)
	}
	got, err = e.sched.ClaimService("worker-1", ClaimOptions{SameModelOnly: true})
	if err != nil || got == nil {
		t.Fatalf("modelless worker should claim anything, got %v err=%v", got, err)
	}
}

func TestClaimCreditGate(t *testing.T) {
	e := newEnv(t)
	userID, projectID := e.user(t, 0)
	e.task(t, projectID, "single_image", nil)

	got, err := e.sched.ClaimService("worker-1", ClaimOptions{})
	if err != nil || got != nil {
		t.Fatalf("creditless user must not be claimed from, got %v err=%v", got, err)
	}

	// Personal-access-token claims skip the gate.
	got, err = e.sched.ClaimUser(userID, ClaimOptions{}, true)
	if err != nil || got == nil {
		t.Fatalf("bypass-credit claim should succeed, got %v err=%v", got, err)
	}
}

func TestClaimCapabilityFlags(t *testing.T) {
	e := newEnv(t)
	userID, projectID := e.user(t, 10)
	e.task(t, projectID, "single_image", nil)

	if err := e.store.UpdateUserSettings(userID, false, true); err != nil {
		t.Fatalf("failed to update settings: %v", err)
	}

	got, err := e.sched.ClaimService("worker-1", ClaimOptions{})
	if err != nil || got != nil {
		t.Fatalf("cloud-disabled user must not serve service claims, got %v err=%v", got, err)
	}

	got, err = e.sched.ClaimUser(userID, ClaimOptions{}, false)
	if err != nil || got == nil {
		t.Fatalf("local claims should still work, got %v err=%v", got, err)
	}
	if got.WorkerID != "" {
		t.Fatalf("user-mode claims carry no worker binding: %q", got.WorkerID)
	}

	// Flip the flags: local off, cloud on.
	if err := e.store.UpdateUserSettings(userID, true, false); err != nil {
		t.Fatalf("failed to update settings: %v", err)
	}
	e.task(t, projectID, "single_image", nil)
	got, err = e.sched.ClaimUser(userID, ClaimOptions{}, false)
	if err != nil || got != nil {
		t.Fatalf("local-disabled user must not serve user claims, got %v err=%v", got, err)
	}
}

func TestClaimRunTypeFilter(t *testing.T) {
	e := newEnv(t)
	_, projectID := e.user(t, 10)

	e.store.UpsertTaskType(store.TaskType{Name: "single_image", RunType: store.RunTypeGPU, IsActive: true})
	e.store.UpsertTaskType(store.TaskType{Name: "upscale_api", RunType: store.RunTypeAPI, IsActive: true})

	e.task(t, projectID, "single_image", nil)
	apiTask := e.task(t, projectID, "upscale_api", nil)

	got, err := e.sched.ClaimService("worker-1", ClaimOptions{RunType: store.RunTypeAPI})
	if err != nil || got == nil || got.ID != apiTask.ID {
		t.Fatalf("api filter should skip gpu tasks, got %v err=%v", got, err)
	}

	// An unknown filter value means no filter.
	got, err = e.sched.ClaimService("worker-1", ClaimOptions{RunType: "quantum"})
	if err != nil || got == nil {
		t.Fatalf("invalid run type should be ignored, got %v err=%v", got, err)
	}
}

func TestRacingClaimsAtMostOne(t *testing.T) {
	e := newEnv(t)
	_, projectID := e.user(t, 10)
	task := e.task(t, projectID, "single_image", nil)

	const workers = 8
	var (
		mu      sync.Mutex
		claimed []string
	)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		workerID := string(rune('a' + i))
		g.Go(func() error {
			got, err := e.sched.ClaimService("worker-"+workerID, ClaimOptions{})
			if err != nil {
				return err
			}
			if got != nil {
				mu.Lock()
				claimed = append(claimed, got.WorkerID)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("racing claims errored: %v", err)
	}

	if len(claimed) != 1 {
		t.Fatalf("exactly one worker must win, got %d", len(claimed))
	}
	got, _ := e.store.GetTask(task.ID)
	if got.WorkerID != claimed[0] {
		t.Fatalf("winner mismatch: bound=%q reported=%q", got.WorkerID, claimed[0])
	}
}
