package store

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stepClock returns a clock that advances one second per call, pinning
// created_at ordering for FIFO assertions.
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

func mustUser(t *testing.T, s *Store, credits float64) User {
	t.Helper()
	u, err := s.CreateUser(credits)
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return u
}

func mustProject(t *testing.T, s *Store, userID string) Project {
	t.Helper()
	p, err := s.CreateProject(userID, "test project")
	if err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	return p
}

func TestCreateUserDefaultSettings(t *testing.T) {
	s := newTestStore(t)

	u := mustUser(t, s, 10)
	settings, err := s.GetUserSettings(u.ID)
	if err != nil {
		t.Fatalf("failed to get settings: %v", err)
	}
	if !settings.AllowsCloud || !settings.AllowsLocal {
		t.Fatalf("new users should allow both execution modes, got cloud=%v local=%v",
			settings.AllowsCloud, settings.AllowsLocal)
	}
}

func TestUpdateUserSettings(t *testing.T) {
	s := newTestStore(t)
	u := mustUser(t, s, 10)

	if err := s.UpdateUserSettings(u.ID, false, true); err != nil {
		t.Fatalf("failed to update settings: %v", err)
	}
	settings, err := s.GetUserSettings(u.ID)
	if err != nil {
		t.Fatalf("failed to get settings: %v", err)
	}
	if settings.AllowsCloud || !settings.AllowsLocal {
		t.Fatalf("unexpected settings: cloud=%v local=%v", settings.AllowsCloud, settings.AllowsLocal)
	}

	if err := s.UpdateUserSettings("nonexistent", true, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetUserCredits(t *testing.T) {
	s := newTestStore(t)
	u := mustUser(t, s, 0)

	if err := s.SetUserCredits(u.ID, 42.5); err != nil {
		t.Fatalf("failed to set credits: %v", err)
	}
	got, err := s.GetUser(u.ID)
	if err != nil {
		t.Fatalf("failed to get user: %v", err)
	}
	if got.Credits != 42.5 {
		t.Fatalf("expected 42.5 credits, got %v", got.Credits)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	s := newTestStore(t)
	u := mustUser(t, s, 10)
	p := mustProject(t, s, u.ID)

	task, err := s.CreateTask(p.ID, "single_image", nil, nil)
	if err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	if err := s.DeleteProject(p.ID); err != nil {
		t.Fatalf("failed to delete project: %v", err)
	}
	if _, err := s.GetTask(task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("task should cascade with its project, got %v", err)
	}
}

func TestUpsertTaskTypeDefaults(t *testing.T) {
	s := newTestStore(t)

	if err := s.UpsertTaskType(TaskType{Name: "single_image", IsActive: true}); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}
	tt, err := s.GetTaskType("single_image")
	if err != nil {
		t.Fatalf("failed to get task type: %v", err)
	}
	if tt.RunType != RunTypeGPU || tt.Category != CategoryGeneration || tt.BillingType != "per_second" {
		t.Fatalf("defaults not applied: %+v", tt)
	}

	// Upsert replaces in place.
	if err := s.UpsertTaskType(TaskType{Name: "single_image", RunType: RunTypeAPI, Category: CategoryUtility, IsActive: true}); err != nil {
		t.Fatalf("failed to re-upsert: %v", err)
	}
	tt, _ = s.GetTaskType("single_image")
	if tt.RunType != RunTypeAPI || tt.Category != CategoryUtility {
		t.Fatalf("upsert did not replace: %+v", tt)
	}
}

func TestEnsureWorkerAutoRegisters(t *testing.T) {
	s := newTestStore(t)

	w, err := s.EnsureWorker("worker-1")
	if err != nil {
		t.Fatalf("failed to ensure worker: %v", err)
	}
	if w.InstanceClass != "external" || w.Status != WorkerActive {
		t.Fatalf("unexpected auto-registration: %+v", w)
	}
	if w.LastHeartbeat.IsZero() {
		t.Fatal("auto-registered worker should carry a heartbeat")
	}

	if err := s.SetWorkerModel("worker-1", "wan-2.1"); err != nil {
		t.Fatalf("failed to set model: %v", err)
	}
	w, err = s.EnsureWorker("worker-1")
	if err != nil {
		t.Fatalf("failed to re-ensure worker: %v", err)
	}
	if w.CurrentModel != "wan-2.1" {
		t.Fatalf("re-ensure should not clobber the worker, model=%q", w.CurrentModel)
	}
}

func TestSetWorkerStatusValidation(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.EnsureWorker("worker-1"); err != nil {
		t.Fatalf("failed to ensure worker: %v", err)
	}

	if err := s.SetWorkerStatus("worker-1", "sleeping"); err == nil {
		t.Fatal("invalid status should be rejected")
	}
	if err := s.SetWorkerStatus("worker-1", WorkerTerminated); err != nil {
		t.Fatalf("failed to terminate worker: %v", err)
	}
	w, _ := s.GetWorker("worker-1")
	if w.Status != WorkerTerminated {
		t.Fatalf("expected terminated, got %s", w.Status)
	}
}
