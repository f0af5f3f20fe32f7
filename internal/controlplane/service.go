// Package controlplane provides the HTTP API and service layer for fleetcore.
package controlplane

import (
	"fmt"
	"time"

	"github.com/rgordey/fleetcore/internal/audit"
	"github.com/rgordey/fleetcore/internal/consensus"
	"github.com/rgordey/fleetcore/internal/crisis"
	"github.com/rgordey/fleetcore/internal/dispatch"
	"github.com/rgordey/fleetcore/internal/health"
	"github.com/rgordey/fleetcore/internal/models"
	"github.com/rgordey/fleetcore/internal/pool"
	"github.com/rgordey/fleetcore/internal/store"
)

// Service provides the control plane business logic. All mutations are gated
// on leadership; reads are served by any node and flagged stale off-leader.
type Service struct {
	store       *store.Store
	dispatcher  *dispatch.Distributor
	health      *health.Monitor
	crisis      *crisis.Pipeline
	pool        *pool.Manager
	node        *consensus.Node
	audit       *audit.Writer
	defaultCaps []string
}

// NewService creates a new control plane service. defaultCaps is the
// capability roster accepted for task submission in addition to whatever the
// live agents advertise.
func NewService(s *store.Store, d *dispatch.Distributor, h *health.Monitor, c *crisis.Pipeline, p *pool.Manager, n *consensus.Node, a *audit.Writer, defaultCaps []string) *Service {
	return &Service{
		store:       s,
		dispatcher:  d,
		health:      h,
		crisis:      c,
		pool:        p,
		node:        n,
		audit:       a,
		defaultCaps: defaultCaps,
	}
}

// Stale reports whether reads from this node may lag the leader.
func (s *Service) Stale() bool {
	return !s.node.IsLeader()
}

// LeaderHint returns the current leader id, or "" when unknown.
func (s *Service) LeaderHint() string {
	id, err := s.node.Leader()
	if err != nil {
		return ""
	}
	return id
}

func (s *Service) requireLeader() error {
	if !s.node.IsLeader() {
		return ErrNotLeader
	}
	return nil
}

// --- Task Operations ---

// SubmitTask validates and enqueues a new task.
func (s *Service) SubmitTask(capability string, priority int, payload string, resourceScope []string, deadline *time.Time) (*models.Task, error) {
	if err := s.requireLeader(); err != nil {
		return nil, err
	}
	known, err := s.knownCapabilities()
	if err != nil {
		return nil, err
	}
	if !known[capability] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}

	task, err := s.store.CreateTask(capability, priority, payload, resourceScope, deadline)
	if err != nil {
		return nil, err
	}

	if _, err := s.audit.Record("task.submit",
		map[string]interface{}{"capability": capability, "priority": priority},
		"success", task.ID, ""); err != nil {
		return task, err
	}
	return task, nil
}

// GetTask retrieves a task by id.
func (s *Service) GetTask(id string) (*models.Task, error) {
	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, store.ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns tasks, optionally filtered by status and capability.
func (s *Service) ListTasks(status, capability string) ([]models.Task, error) {
	return s.store.ListTasks(store.TaskFilter{
		Status:     models.TaskStatus(status),
		Capability: capability,
	})
}

// CancelTask cancels a task on the submitter's behalf.
func (s *Service) CancelTask(id string) error {
	if err := s.requireLeader(); err != nil {
		return err
	}
	return s.dispatcher.Cancel(id)
}

// CompleteTask records a task outcome reported by its assigned agent and
// frees the agent in the same transaction.
func (s *Service) CompleteTask(taskID, agentID string, success bool, detail string) error {
	if err := s.requireLeader(); err != nil {
		return err
	}

	final := models.TaskStatusCompleted
	outcome := "success"
	if !success {
		final = models.TaskStatusFailed
		outcome = "failed"
	}
	if err := s.store.FinishTaskTx(taskID, agentID, final); err != nil {
		return err
	}

	if _, err := s.audit.Record("task.finish",
		map[string]string{"task_id": taskID, "agent_id": agentID},
		outcome, taskID, detail); err != nil {
		return err
	}
	return nil
}

// StartTask moves an assigned task to in_progress when its agent picks it up.
func (s *Service) StartTask(taskID string) error {
	if err := s.requireLeader(); err != nil {
		return err
	}
	return s.store.TransitionTask(taskID, models.TaskStatusAssigned, models.TaskStatusInProgress)
}

// --- Agent Operations ---

// GetAgent retrieves an agent by id.
func (s *Service) GetAgent(id string) (*models.Agent, error) {
	agent, err := s.store.GetAgent(id)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, store.ErrAgentNotFound
	}
	return agent, nil
}

// AgentDetail is an agent together with its most recent heartbeat, when one
// is still in the monitor's cache.
type AgentDetail struct {
	models.Agent
	LastHeartbeat *models.HeartbeatRecord `json:"last_heartbeat,omitempty"`
}

// GetAgentDetail retrieves an agent along with its cached last heartbeat.
func (s *Service) GetAgentDetail(id string) (*AgentDetail, error) {
	agent, err := s.GetAgent(id)
	if err != nil {
		return nil, err
	}
	detail := &AgentDetail{Agent: *agent}
	if rec, ok := s.health.Recent(id); ok {
		detail.LastHeartbeat = &rec
	}
	return detail, nil
}

// ListAgents returns agents, optionally filtered by status.
func (s *Service) ListAgents(status string) ([]models.Agent, error) {
	return s.store.ListAgents(store.AgentFilter{Status: models.AgentStatus(status)})
}

// SpawnAgent manually brings up an agent with the given capabilities.
func (s *Service) SpawnAgent(capabilities []string) (*models.Agent, error) {
	if err := s.requireLeader(); err != nil {
		return nil, err
	}
	if len(capabilities) == 0 {
		capabilities = s.defaultCaps
	}
	return s.pool.Spawn(capabilities)
}

// RetireAgent manually takes an agent out of service.
func (s *Service) RetireAgent(id string) error {
	if err := s.requireLeader(); err != nil {
		return err
	}
	agent, err := s.GetAgent(id)
	if err != nil {
		return err
	}
	return s.pool.Retire(id, agent.Status)
}

// Heartbeat ingests an agent liveness report.
func (s *Service) Heartbeat(agentID, payload string) error {
	if err := s.requireLeader(); err != nil {
		return err
	}
	return s.health.Heartbeat(agentID, payload, time.Now().UTC())
}

// --- Crisis Operations ---

// ListCrises returns crisis events, optionally only unacknowledged ones.
func (s *Service) ListCrises(unackedOnly bool) ([]models.CrisisEvent, error) {
	return s.store.ListCrisisEvents(unackedOnly)
}

// AckCrisis acknowledges an event, stopping its escalation timer.
func (s *Service) AckCrisis(eventID, operatorID string) error {
	if err := s.requireLeader(); err != nil {
		return err
	}
	return s.crisis.Acknowledge(eventID, operatorID)
}

// --- Conflict Operations ---

// ListConflicts returns conflict cases, optionally filtered by resolution.
func (s *Service) ListConflicts(resolution string) ([]models.ConflictCase, error) {
	return s.store.ListConflictCases(models.ConflictResolution(resolution))
}

// GetConflict retrieves a conflict case by id.
func (s *Service) GetConflict(id string) (*models.ConflictCase, error) {
	kase, err := s.store.GetConflictCase(id)
	if err != nil {
		return nil, err
	}
	if kase == nil {
		return nil, store.ErrCaseNotFound
	}
	return kase, nil
}

// --- Cluster Status ---

// ClusterStatus summarizes this node's view of the fleet.
type ClusterStatus struct {
	NodeID   string `json:"node_id"`
	IsLeader bool   `json:"is_leader"`
	LeaderID string `json:"leader_id,omitempty"`
	Term     uint64 `json:"term"`
	Queued   int    `json:"queued_tasks"`
	Agents   int    `json:"agents"`
}

// Status returns the cluster status summary.
func (s *Service) Status() (*ClusterStatus, error) {
	queued, err := s.store.CountTasks(models.TaskStatusQueued)
	if err != nil {
		return nil, err
	}
	agents, err := s.store.ListAgents(store.AgentFilter{})
	if err != nil {
		return nil, err
	}

	st := &ClusterStatus{
		NodeID:   s.node.ID(),
		IsLeader: s.node.IsLeader(),
		LeaderID: s.LeaderHint(),
		Term:     s.node.Term(),
		Queued:   queued,
		Agents:   len(agents),
	}
	return st, nil
}

// knownCapabilities is the union of the configured roster and whatever the
// non-retired agents advertise.
func (s *Service) knownCapabilities() (map[string]bool, error) {
	known := make(map[string]bool, len(s.defaultCaps))
	for _, c := range s.defaultCaps {
		known[c] = true
	}
	agents, err := s.store.ListAgents(store.AgentFilter{})
	if err != nil {
		return nil, err
	}
	for i := range agents {
		if agents[i].Status == models.AgentStatusRetired {
			continue
		}
		for _, c := range agents[i].Capabilities {
			known[c] = true
		}
	}
	return known, nil
}
