package pool

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rgordey/fleetcore/internal/audit"
	"github.com/rgordey/fleetcore/internal/models"
	"github.com/rgordey/fleetcore/internal/store"
)

type fakeHandle struct {
	mu      sync.Mutex
	stopped bool
}

func (h *fakeHandle) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	return nil
}

func (h *fakeHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

type fakeRunner struct {
	mu      sync.Mutex
	failing bool
	handles map[string]*fakeHandle
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{handles: make(map[string]*fakeHandle)}
}

func (r *fakeRunner) Name() string { return "fake" }

func (r *fakeRunner) Start(ctx context.Context, agent models.Agent) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return nil, errors.New("exec failed")
	}
	h := &fakeHandle{}
	r.handles[agent.ID] = h
	return h, nil
}

func (r *fakeRunner) started() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

type stubRaiser struct {
	mu           sync.Mutex
	remediations []string
}

func (r *stubRaiser) Raise(ev models.CrisisEvent) (*models.CrisisEvent, error) {
	return &ev, nil
}

func (r *stubRaiser) RecordRemediation(subjectID, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remediations = append(r.remediations, action)
}

func (r *stubRaiser) remediationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.remediations)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func newTestManager(t *testing.T, s *store.Store, runner Runner, cfg *Config) (*Manager, *stubRaiser) {
	t.Helper()
	raiser := &stubRaiser{}
	m := New(s, runner, raiser, audit.NewWriter(s), cfg, zerolog.Nop())
	return m, raiser
}

func TestSpawnTwoPhase(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	runner := newFakeRunner()
	m, _ := newTestManager(t, s, runner, nil)

	agent, err := m.Spawn([]string{"build"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if agent.Status != models.AgentStatusIdle {
		t.Errorf("Expected idle after activation, got %s", agent.Status)
	}
	if runner.started() != 1 {
		t.Errorf("Expected 1 started process, got %d", runner.started())
	}

	stored, err := s.GetAgent(agent.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if stored.Status != models.AgentStatusIdle {
		t.Errorf("Stored status = %s, want idle", stored.Status)
	}
}

func TestSpawnRunnerFailureLeavesRecord(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	runner := newFakeRunner()
	runner.failing = true
	m, _ := newTestManager(t, s, runner, nil)

	if _, err := m.Spawn([]string{"build"}); err == nil {
		t.Fatal("Expected spawn error when runner fails")
	}

	spawning, err := s.ListAgents(store.AgentFilter{Status: models.AgentStatusSpawning})
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(spawning) != 1 {
		t.Errorf("Failed spawn should leave a spawning record for the sweep, got %d", len(spawning))
	}
}

func TestSpawnPoolExhausted(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	cfg := DefaultConfig()
	cfg.MaxPoolSize = 1
	m, _ := newTestManager(t, s, newFakeRunner(), cfg)

	if _, err := m.Spawn([]string{"build"}); err != nil {
		t.Fatalf("First spawn failed: %v", err)
	}
	_, err := m.Spawn([]string{"build"})
	if !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Expected ErrPoolExhausted, got %v", err)
	}
}

func TestRetireStopsHandle(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	runner := newFakeRunner()
	m, _ := newTestManager(t, s, runner, nil)

	agent, err := m.Spawn([]string{"build"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := m.Retire(agent.ID, models.AgentStatusIdle); err != nil {
		t.Fatalf("Retire failed: %v", err)
	}

	stored, _ := s.GetAgent(agent.ID)
	if stored.Status != models.AgentStatusRetired {
		t.Errorf("Expected retired, got %s", stored.Status)
	}
	if !runner.handles[agent.ID].isStopped() {
		t.Error("Retire should stop the process handle")
	}
}

func TestReplaceUnresponsive(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	dead, err := s.CreateAgent([]string{"deploy"}, models.AgentStatusUnresponsive)
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	runner := newFakeRunner()
	m, raiser := newTestManager(t, s, runner, nil)
	m.ReplaceUnresponsive()

	stored, _ := s.GetAgent(dead.ID)
	if stored.Status != models.AgentStatusRetired {
		t.Errorf("Dead agent should be retired, got %s", stored.Status)
	}

	idle, _ := s.ListAgents(store.AgentFilter{Status: models.AgentStatusIdle})
	if len(idle) != 1 {
		t.Fatalf("Expected 1 replacement, got %d", len(idle))
	}
	if idle[0].ID == dead.ID {
		t.Error("Replacement must be a fresh identity")
	}
	if len(idle[0].Capabilities) != 1 || idle[0].Capabilities[0] != "deploy" {
		t.Errorf("Replacement should inherit capabilities, got %v", idle[0].Capabilities)
	}
	if raiser.remediationCount() != 1 {
		t.Errorf("Expected 1 remediation note, got %d", raiser.remediationCount())
	}
}

func TestReapStuckSpawning(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, err := s.CreateAgent([]string{"build"}, models.AgentStatusSpawning); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.SpawnTimeout = 0
	m, _ := newTestManager(t, s, newFakeRunner(), cfg)

	time.Sleep(5 * time.Millisecond)
	m.ReapStuckSpawning()

	spawning, _ := s.ListAgents(store.AgentFilter{Status: models.AgentStatusSpawning})
	if len(spawning) != 0 {
		t.Errorf("Stuck spawning record should be reaped, %d remain", len(spawning))
	}
	retired, _ := s.ListAgents(store.AgentFilter{Status: models.AgentStatusRetired})
	if len(retired) != 1 {
		t.Errorf("Expected 1 retired record, got %d", len(retired))
	}
}

func TestReapLeavesFreshSpawning(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, err := s.CreateAgent([]string{"build"}, models.AgentStatusSpawning); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	m, _ := newTestManager(t, s, newFakeRunner(), nil)
	m.ReapStuckSpawning()

	spawning, _ := s.ListAgents(store.AgentFilter{Status: models.AgentStatusSpawning})
	if len(spawning) != 1 {
		t.Errorf("Fresh spawning record must survive the sweep, got %d", len(spawning))
	}
}

func TestScaleUpUnderBacklogPressure(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	for i := 0; i < 3; i++ {
		if _, err := s.CreateTask("build", 5, "", nil, nil); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	cfg := DefaultConfig()
	cfg.MinPoolSize = 0
	cfg.ScaleUpWindow = 0
	runner := newFakeRunner()
	m, _ := newTestManager(t, s, runner, cfg)

	m.EvaluateScale()

	idle, _ := s.ListAgents(store.AgentFilter{Status: models.AgentStatusIdle})
	if len(idle) != 1 {
		t.Fatalf("Expected 1 scale-up spawn, got %d", len(idle))
	}
	if len(idle[0].Capabilities) != 1 || idle[0].Capabilities[0] != "build" {
		t.Errorf("Scale-up should target queued capability, got %v", idle[0].Capabilities)
	}
}

func TestScaleUpRespectsMax(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, err := s.CreateTask("build", 5, "", nil, nil); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.MinPoolSize = 0
	cfg.MaxPoolSize = 1
	cfg.ScaleUpWindow = 0
	m, _ := newTestManager(t, s, newFakeRunner(), cfg)

	m.EvaluateScale()
	m.EvaluateScale()

	idle, _ := s.ListAgents(store.AgentFilter{Status: models.AgentStatusIdle})
	if len(idle) != 1 {
		t.Errorf("Pool must not grow past max, got %d", len(idle))
	}
}

func TestScaleDownQuiescentIdle(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	cfg := DefaultConfig()
	cfg.MinPoolSize = 1
	cfg.QuiescenceWindow = 0
	runner := newFakeRunner()
	m, _ := newTestManager(t, s, runner, cfg)

	if _, err := m.Spawn([]string{"build"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if _, err := m.Spawn([]string{"build"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	m.EvaluateScale()

	idle, _ := s.ListAgents(store.AgentFilter{Status: models.AgentStatusIdle})
	if len(idle) != 1 {
		t.Errorf("Expected scale-down to min pool size, got %d idle", len(idle))
	}
	retired, _ := s.ListAgents(store.AgentFilter{Status: models.AgentStatusRetired})
	if len(retired) != 1 {
		t.Errorf("Expected 1 retired agent, got %d", len(retired))
	}
}

func TestScaleDownHeldWhileQueued(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	cfg := DefaultConfig()
	cfg.MinPoolSize = 0
	cfg.QuiescenceWindow = 0
	m, _ := newTestManager(t, s, newFakeRunner(), cfg)

	if _, err := m.Spawn([]string{"build"}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if _, err := s.CreateTask("build", 5, "", nil, nil); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	m.EvaluateScale()

	idle, _ := s.ListAgents(store.AgentFilter{Status: models.AgentStatusIdle})
	if len(idle) != 1 {
		t.Errorf("Idle agents must be held while work is queued, got %d", len(idle))
	}
}
