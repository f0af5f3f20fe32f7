package health

import (
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

type stubRaiser struct {
	mu           sync.Mutex
	events       []models.CrisisEvent
	remediations map[string][]string
}

func newStubRaiser() *stubRaiser {
	return &stubRaiser{remediations: make(map[string][]string)}
}

func (r *stubRaiser) Raise(ev models.CrisisEvent) (*models.CrisisEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return &ev, nil
}

func (r *stubRaiser) RecordRemediation(subjectID, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remediations[subjectID] = append(r.remediations[subjectID], action)
}

func (r *stubRaiser) severities() []models.Severity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Severity, len(r.events))
	for i := range r.events {
		out[i] = r.events[i].Severity
	}
	return out
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func newTestMonitor(t *testing.T, s *store.Store, raiser *stubRaiser) *Monitor {
	t.Helper()
	m, err := New(s, raiser, audit.NewWriter(s), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create monitor: %v", err)
	}
	return m
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	m := newTestMonitor(t, s, newStubRaiser())
	err := m.Heartbeat("nope", "", time.Now())
	if !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("Expected ErrUnknownAgent, got %v", err)
	}
}

func TestSilenceDegradesThenUnresponsive(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	raiser := newStubRaiser()
	m := newTestMonitor(t, s, raiser)

	agent, _ := s.CreateAgent([]string{"build"}, models.AgentStatusIdle)
	task, _ := s.CreateTask("build", 5, "", nil, nil)
	if err := s.AssignTaskTx(task.ID, agent.ID); err != nil {
		t.Fatalf("AssignTaskTx failed: %v", err)
	}
	if err := s.TransitionTask(task.ID, models.TaskStatusAssigned, models.TaskStatusInProgress); err != nil {
		t.Fatalf("TransitionTask failed: %v", err)
	}

	// The agent was last heard from ten minutes ago.
	if _, err := s.RecordHeartbeat(agent.ID, time.Now().UTC().Add(-10*time.Minute)); err != nil {
		t.Fatalf("RecordHeartbeat failed: %v", err)
	}

	m.classify()
	got, _ := s.GetAgent(agent.ID)
	if got.Status != models.AgentStatusDegraded {
		t.Fatalf("Expected degraded after first pass, got %s", got.Status)
	}

	m.classify()
	got, _ = s.GetAgent(agent.ID)
	if got.Status != models.AgentStatusUnresponsive {
		t.Fatalf("Expected unresponsive after second pass, got %s", got.Status)
	}

	sev := raiser.severities()
	if len(sev) != 2 || sev[0] != models.SeverityYellow || sev[1] != models.SeverityRed {
		t.Errorf("Expected YELLOW then RED, got %v", sev)
	}

	// The held task is requeued for reassignment with an attempt recorded.
	gotTask, _ := s.GetTask(task.ID)
	if gotTask.Status != models.TaskStatusQueued {
		t.Errorf("Held task should be requeued, got %s", gotTask.Status)
	}
	if gotTask.Attempts != 1 {
		t.Errorf("Expected attempts 1, got %d", gotTask.Attempts)
	}
	if len(raiser.remediations[agent.ID]) != 1 {
		t.Errorf("Expected 1 remediation recorded, got %d", len(raiser.remediations[agent.ID]))
	}
}

func TestHeartbeatRestoresDegradedAgent(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	m := newTestMonitor(t, s, newStubRaiser())

	agent, _ := s.CreateAgent([]string{"build"}, models.AgentStatusIdle)
	if _, err := s.RecordHeartbeat(agent.ID, time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("RecordHeartbeat failed: %v", err)
	}

	m.classify()
	got, _ := s.GetAgent(agent.ID)
	if got.Status != models.AgentStatusDegraded {
		t.Fatalf("Expected degraded, got %s", got.Status)
	}

	if err := m.Heartbeat(agent.ID, "", time.Now().UTC()); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	got, _ = s.GetAgent(agent.ID)
	if got.Status != models.AgentStatusIdle {
		t.Errorf("Fresh heartbeat should restore idle, got %s", got.Status)
	}
}

func TestHeartbeatRestoresBusyWhenHoldingTask(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	m := newTestMonitor(t, s, newStubRaiser())

	agent, _ := s.CreateAgent([]string{"build"}, models.AgentStatusIdle)
	task, _ := s.CreateTask("build", 5, "", nil, nil)
	if err := s.AssignTaskTx(task.ID, agent.ID); err != nil {
		t.Fatalf("AssignTaskTx failed: %v", err)
	}
	if _, err := s.RecordHeartbeat(agent.ID, time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("RecordHeartbeat failed: %v", err)
	}

	m.classify()
	got, _ := s.GetAgent(agent.ID)
	if got.Status != models.AgentStatusDegraded {
		t.Fatalf("Expected degraded, got %s", got.Status)
	}

	if err := m.Heartbeat(agent.ID, "", time.Now().UTC()); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	got, _ = s.GetAgent(agent.ID)
	if got.Status != models.AgentStatusBusy {
		t.Errorf("Agent holding a task should restore to busy, got %s", got.Status)
	}
}

func TestOutOfOrderHeartbeatIgnored(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	m := newTestMonitor(t, s, newStubRaiser())

	agent, _ := s.CreateAgent([]string{"build"}, models.AgentStatusIdle)
	now := time.Now().UTC()
	if err := m.Heartbeat(agent.ID, "", now); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if err := m.Heartbeat(agent.ID, "", now.Add(-time.Hour)); err != nil {
		t.Fatalf("Stale heartbeat should not error: %v", err)
	}

	got, _ := s.GetAgent(agent.ID)
	if got.LastHeartbeat == nil || !got.LastHeartbeat.Equal(now) {
		t.Error("Stale heartbeat must not move the recorded timestamp backwards")
	}
}

func TestDeadlineRiskRaisedOnce(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	raiser := newStubRaiser()
	m := newTestMonitor(t, s, raiser)

	deadline := time.Now().UTC().Add(time.Second)
	task, err := s.CreateTask("build", 5, "", nil, &deadline)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	// Burn most of the budget so the remaining fraction is below threshold.
	time.Sleep(850 * time.Millisecond)

	m.checkDeadlines()
	m.checkDeadlines()

	count := 0
	for _, ev := range raiser.events {
		if ev.Category == models.CategoryDeadlineRisk && ev.SubjectID == task.ID {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected exactly 1 deadline-risk event, got %d", count)
	}
	if count == 1 && raiser.events[0].Severity != models.SeverityOrange {
		t.Errorf("Expected ORANGE severity, got %s", raiser.events[0].Severity)
	}
}
