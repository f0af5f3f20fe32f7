package dispatch

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rgordey/fleetcore/internal/audit"
	"github.com/rgordey/fleetcore/internal/models"
	"github.com/rgordey/fleetcore/internal/store"
)

type stubRaiser struct {
	mu     sync.Mutex
	events []models.CrisisEvent
}

func (r *stubRaiser) Raise(ev models.CrisisEvent) (*models.CrisisEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return &ev, nil
}

func (r *stubRaiser) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type frozenAll struct{}

func (frozenAll) IsFrozen(resources []string) bool { return len(resources) > 0 }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func newTestDistributor(t *testing.T, s *store.Store, raiser *stubRaiser, cfg *Config) *Distributor {
	t.Helper()
	return New(s, raiser, audit.NewWriter(s), cfg, zerolog.Nop())
}

func TestDispatchHighestPriorityFirst(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, err := s.CreateAgent([]string{"build"}, models.AgentStatusIdle); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	low, _ := s.CreateTask("build", 5, "", nil, nil)
	high, _ := s.CreateTask("build", 9, "", nil, nil)

	d := newTestDistributor(t, s, &stubRaiser{}, nil)
	d.DispatchOnce()

	gotHigh, _ := s.GetTask(high.ID)
	if gotHigh.Status != models.TaskStatusAssigned {
		t.Errorf("High-priority task should be assigned, got %s", gotHigh.Status)
	}
	gotLow, _ := s.GetTask(low.ID)
	if gotLow.Status != models.TaskStatusQueued {
		t.Errorf("Low-priority task should still be queued, got %s", gotLow.Status)
	}
}

func TestDispatchCapabilityMatch(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, err := s.CreateAgent([]string{"deploy"}, models.AgentStatusIdle); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	task, _ := s.CreateTask("build", 5, "", nil, nil)

	d := newTestDistributor(t, s, &stubRaiser{}, nil)
	d.DispatchOnce()

	got, _ := s.GetTask(task.ID)
	if got.Status != models.TaskStatusQueued {
		t.Errorf("Task without matching agent should stay queued, got %s", got.Status)
	}
	agents, _ := s.ListAgents(store.AgentFilter{Status: models.AgentStatusIdle})
	if len(agents) != 1 {
		t.Errorf("Mismatched agent should remain idle, got %d idle", len(agents))
	}
}

func TestDispatchRetryBudgetExhausted(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	agent, _ := s.CreateAgent([]string{"build"}, models.AgentStatusIdle)
	task, _ := s.CreateTask("build", 5, "", nil, nil)

	// One failed delivery attempt.
	if err := s.AssignTaskTx(task.ID, agent.ID); err != nil {
		t.Fatalf("AssignTaskTx failed: %v", err)
	}
	if err := s.RequeueTaskTx(task.ID, models.TaskStatusAssigned); err != nil {
		t.Fatalf("RequeueTaskTx failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.MaxAttempts = 0
	d := newTestDistributor(t, s, &stubRaiser{}, cfg)
	d.DispatchOnce()

	got, _ := s.GetTask(task.ID)
	if got.Status != models.TaskStatusFailed {
		t.Errorf("Task past its retry budget should fail, got %s", got.Status)
	}
}

func TestDispatchBackpressureEvent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, err := s.CreateTask("build", 5, "", nil, nil); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.QueueDepthThreshold = 1
	cfg.CapacityEventWindow = time.Hour
	raiser := &stubRaiser{}
	d := newTestDistributor(t, s, raiser, cfg)

	d.DispatchOnce()
	if raiser.count() != 1 {
		t.Fatalf("Expected 1 capacity event, got %d", raiser.count())
	}
	if raiser.events[0].Severity != models.SeverityYellow || raiser.events[0].Category != models.CategoryCapacity {
		t.Errorf("Expected YELLOW capacity event, got %s/%s", raiser.events[0].Severity, raiser.events[0].Category)
	}

	// A second pass inside the dedup window stays quiet.
	d.DispatchOnce()
	if raiser.count() != 1 {
		t.Errorf("Expected capacity event to be deduplicated, got %d", raiser.count())
	}
}

func TestDispatchSkipsFrozenResources(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, err := s.CreateAgent([]string{"build"}, models.AgentStatusIdle); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	task, _ := s.CreateTask("build", 5, "", []string{"svc/api"}, nil)

	d := newTestDistributor(t, s, &stubRaiser{}, nil)
	d.SetFreezer(frozenAll{})
	d.DispatchOnce()

	got, _ := s.GetTask(task.ID)
	if got.Status != models.TaskStatusQueued {
		t.Errorf("Task scoped to frozen resources should stay queued, got %s", got.Status)
	}
}

func TestCancelSemantics(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	d := newTestDistributor(t, s, &stubRaiser{}, nil)

	queued, _ := s.CreateTask("build", 5, "", nil, nil)
	if err := d.Cancel(queued.ID); err != nil {
		t.Fatalf("Cancel queued failed: %v", err)
	}
	got, _ := s.GetTask(queued.ID)
	if got.Status != models.TaskStatusFailed {
		t.Errorf("Cancelled queued task should be failed, got %s", got.Status)
	}

	// In-progress cancellation only records intent.
	agent, _ := s.CreateAgent([]string{"build"}, models.AgentStatusIdle)
	running, _ := s.CreateTask("build", 5, "", nil, nil)
	if err := s.AssignTaskTx(running.ID, agent.ID); err != nil {
		t.Fatalf("AssignTaskTx failed: %v", err)
	}
	if err := s.TransitionTask(running.ID, models.TaskStatusAssigned, models.TaskStatusInProgress); err != nil {
		t.Fatalf("TransitionTask failed: %v", err)
	}
	if err := d.Cancel(running.ID); err != nil {
		t.Fatalf("Cancel in_progress failed: %v", err)
	}
	got, _ = s.GetTask(running.ID)
	if got.Status != models.TaskStatusInProgress {
		t.Errorf("In-progress task should keep running, got %s", got.Status)
	}
	if !got.CancelWanted {
		t.Error("Expected cancel_wanted set")
	}

	// Terminal tasks cannot be cancelled.
	if err := s.FinishTaskTx(running.ID, agent.ID, models.TaskStatusCompleted); err != nil {
		t.Fatalf("FinishTaskTx failed: %v", err)
	}
	if err := d.Cancel(running.ID); err == nil {
		t.Error("Cancel of a terminal task should fail")
	}

	if err := d.Cancel("nope"); err == nil {
		t.Error("Cancel of unknown task should fail")
	}
}
