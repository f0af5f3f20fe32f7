// Package health classifies agent liveness from heartbeats and drives
// recovery when agents fall silent.
package health

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/rgordey/fleetcore/internal/audit"
	"github.com/rgordey/fleetcore/internal/models"
	"github.com/rgordey/fleetcore/internal/store"
)

// ErrUnknownAgent is returned for heartbeats from ids the store has never seen.
var ErrUnknownAgent = errors.New("unknown agent")

// Raiser is the subset of the crisis pipeline the monitor emits into.
type Raiser interface {
	Raise(ev models.CrisisEvent) (*models.CrisisEvent, error)
	RecordRemediation(subjectID, action string)
}

// Config defines the health monitor configuration. Silence windows are
// deadline-based rather than missed-beat counts so variable heartbeat
// intervals are tolerated.
type Config struct {
	// CheckInterval is how often agents are classified.
	CheckInterval time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	// DegradedAfter is the silence window before idle/busy becomes degraded.
	DegradedAfter time.Duration `yaml:"degraded_after" mapstructure:"degraded_after"`
	// UnresponsiveAfter is the longer silence window before degraded becomes
	// unresponsive. Unresponsive is terminal for that agent incarnation.
	UnresponsiveAfter time.Duration `yaml:"unresponsive_after" mapstructure:"unresponsive_after"`
	// DeadlineRiskFraction of a task's total budget remaining at which an
	// ORANGE deadline-risk event is raised.
	DeadlineRiskFraction float64 `yaml:"deadline_risk_fraction" mapstructure:"deadline_risk_fraction"`
	// RecentCacheSize bounds the rolling heartbeat record cache.
	RecentCacheSize int `yaml:"recent_cache_size" mapstructure:"recent_cache_size"`
}

// DefaultConfig returns the default health monitor configuration.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval:        5 * time.Second,
		DegradedAfter:        30 * time.Second,
		UnresponsiveAfter:    90 * time.Second,
		DeadlineRiskFraction: 0.2,
		RecentCacheSize:      1024,
	}
}

// Monitor ingests heartbeats and runs the per-agent health state machine.
// It is the single writer for health status transitions.
type Monitor struct {
	store  *store.Store
	crisis Raiser
	audit  *audit.Writer
	cfg    *Config
	log    zerolog.Logger
	gate   func() bool

	// recent holds the latest heartbeat record per agent; ephemeral, only
	// for computing rolling health between store refreshes.
	recent *lru.Cache[string, models.HeartbeatRecord]

	// deadlineWarned dedupes deadline-risk events per task.
	mu             sync.Mutex
	deadlineWarned map[string]bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a new health monitor.
func New(s *store.Store, crisisPipeline Raiser, auditor *audit.Writer, cfg *Config, log zerolog.Logger) (*Monitor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	cache, err := lru.New[string, models.HeartbeatRecord](cfg.RecentCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create heartbeat cache: %w", err)
	}

	return &Monitor{
		store:          s,
		crisis:         crisisPipeline,
		audit:          auditor,
		cfg:            cfg,
		log:            log,
		recent:         cache,
		deadlineWarned: make(map[string]bool),
		stop:           make(chan struct{}),
	}, nil
}

// SetGate installs a leadership check; while it reports false the
// classification loop idles. Nil means always active.
func (m *Monitor) SetGate(gate func() bool) {
	m.gate = gate
}

// Start begins the classification loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
	m.log.Info().Dur("check_interval", m.cfg.CheckInterval).Msg("health monitor started")
}

// Stop gracefully stops the monitor.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
	m.log.Info().Msg("health monitor stopped")
}

// Heartbeat ingests a liveness signal from an agent. Idempotent; heartbeats
// older than the last recorded one are dropped. A heartbeat from a degraded
// agent restores it to busy or idle.
func (m *Monitor) Heartbeat(agentID, payload string, ts time.Time) error {
	agent, err := m.store.GetAgent(agentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return ErrUnknownAgent
	}

	applied, err := m.store.RecordHeartbeat(agentID, ts)
	if err != nil {
		return err
	}
	if !applied {
		// Out of order or duplicate; drop silently.
		return nil
	}

	m.recent.Add(agentID, models.HeartbeatRecord{AgentID: agentID, Timestamp: ts, Payload: payload})

	if agent.Status == models.AgentStatusDegraded {
		restored := models.AgentStatusIdle
		if agent.CurrentTaskID != "" {
			restored = models.AgentStatusBusy
		}
		err := m.store.TransitionAgent(agentID, models.AgentStatusDegraded, restored)
		if err != nil && !store.IsStale(err) {
			return err
		}
		if err == nil {
			m.log.Info().Str("agent", agentID).Str("status", string(restored)).Msg("agent recovered from degraded")
		}
	}
	return nil
}

// Recent returns the last heartbeat record seen for an agent, if any.
func (m *Monitor) Recent(agentID string) (models.HeartbeatRecord, bool) {
	return m.recent.Get(agentID)
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if m.gate != nil && !m.gate() {
				continue
			}
			m.classify()
			m.checkDeadlines()
		}
	}
}

// classify walks the live roster and applies the silence-window state
// machine: idle/busy -> degraded -> unresponsive.
func (m *Monitor) classify() {
	agents, err := m.store.ListAgents(store.AgentFilter{})
	if err != nil {
		m.log.Error().Err(err).Msg("list agents failed")
		return
	}

	now := time.Now().UTC()
	for i := range agents {
		agent := &agents[i]
		switch agent.Status {
		case models.AgentStatusIdle, models.AgentStatusBusy:
			if m.silence(agent, now) > m.cfg.DegradedAfter {
				m.degrade(agent)
			}
		case models.AgentStatusDegraded:
			if m.silence(agent, now) > m.cfg.UnresponsiveAfter {
				m.declareUnresponsive(agent)
			}
		}
	}
}

// silence is the time since the agent was last heard from. Agents that have
// never heartbeated are measured from their last status change.
func (m *Monitor) silence(agent *models.Agent, now time.Time) time.Duration {
	if agent.LastHeartbeat != nil {
		return now.Sub(*agent.LastHeartbeat)
	}
	return now.Sub(agent.UpdatedAt)
}

func (m *Monitor) degrade(agent *models.Agent) {
	err := m.store.TransitionAgent(agent.ID, agent.Status, models.AgentStatusDegraded)
	if err != nil {
		if !store.IsStale(err) {
			m.log.Error().Err(err).Str("agent", agent.ID).Msg("degrade transition failed")
		}
		return
	}

	m.log.Warn().Str("agent", agent.ID).Msg("agent degraded")
	if _, err := m.crisis.Raise(models.CrisisEvent{
		Severity:    models.SeverityYellow,
		Category:    models.CategoryUnresponsiveAgent,
		SubjectID:   agent.ID,
		SubjectKind: "agent",
		Detail:      "heartbeat silence past degraded window",
	}); err != nil {
		m.log.Error().Err(err).Str("agent", agent.ID).Msg("raise degraded event failed")
	}
}

// declareUnresponsive marks the agent unresponsive, raises RED and requeues
// its held task. The requeue is CAS-guarded, so a heartbeat race that already
// moved the task elsewhere makes this a no-op rather than an undo problem.
func (m *Monitor) declareUnresponsive(agent *models.Agent) {
	err := m.store.TransitionAgent(agent.ID, models.AgentStatusDegraded, models.AgentStatusUnresponsive)
	if err != nil {
		if !store.IsStale(err) {
			m.log.Error().Err(err).Str("agent", agent.ID).Msg("unresponsive transition failed")
		}
		return
	}

	m.log.Error().Str("agent", agent.ID).Msg("agent unresponsive")
	if _, err := m.crisis.Raise(models.CrisisEvent{
		Severity:    models.SeverityRed,
		Category:    models.CategoryUnresponsiveAgent,
		SubjectID:   agent.ID,
		SubjectKind: "agent",
		Detail:      "heartbeat silence past unresponsive window",
	}); err != nil {
		m.log.Error().Err(err).Str("agent", agent.ID).Msg("raise unresponsive event failed")
	}

	if agent.CurrentTaskID != "" {
		m.requeueHeldTask(agent)
	}
}

func (m *Monitor) requeueHeldTask(agent *models.Agent) {
	task, err := m.store.GetTask(agent.CurrentTaskID)
	if err != nil {
		m.log.Error().Err(err).Str("task", agent.CurrentTaskID).Msg("fetch held task failed")
		return
	}
	if task == nil {
		return
	}

	switch task.Status {
	case models.TaskStatusAssigned, models.TaskStatusInProgress:
		if err := m.store.RequeueTaskTx(task.ID, task.Status); err != nil {
			if store.IsStale(err) {
				// Someone else already moved it; reassignment not needed.
				return
			}
			m.log.Error().Err(err).Str("task", task.ID).Msg("requeue failed")
			return
		}
	default:
		return
	}

	m.crisis.RecordRemediation(agent.ID, fmt.Sprintf("task %s requeued for reassignment", task.ID))
	if _, err := m.audit.Record("task.requeue",
		map[string]string{"task_id": task.ID, "agent_id": agent.ID},
		"success", task.ID, "agent unresponsive"); err != nil {
		m.log.Error().Err(err).Msg("audit write failed")
	}
	m.log.Warn().Str("task", task.ID).Str("agent", agent.ID).Msg("task requeued after agent loss")
}

// checkDeadlines raises ORANGE deadline-risk events for tasks running low on
// budget. One event per task.
func (m *Monitor) checkDeadlines() {
	tasks, err := m.store.ListTasks(store.TaskFilter{})
	if err != nil {
		m.log.Error().Err(err).Msg("list tasks failed")
		return
	}

	now := time.Now().UTC()
	for i := range tasks {
		task := &tasks[i]
		if task.Deadline == nil {
			continue
		}
		switch task.Status {
		case models.TaskStatusCompleted, models.TaskStatusFailed:
			continue
		}

		total := task.Deadline.Sub(task.EnqueuedAt)
		remaining := task.Deadline.Sub(now)
		if total <= 0 || remaining < 0 {
			continue
		}
		if float64(remaining) > float64(total)*m.cfg.DeadlineRiskFraction {
			continue
		}

		m.mu.Lock()
		warned := m.deadlineWarned[task.ID]
		m.deadlineWarned[task.ID] = true
		m.mu.Unlock()
		if warned {
			continue
		}

		if _, err := m.crisis.Raise(models.CrisisEvent{
			Severity:    models.SeverityOrange,
			Category:    models.CategoryDeadlineRisk,
			SubjectID:   task.ID,
			SubjectKind: "task",
			Detail:      fmt.Sprintf("%.0f%% of deadline budget remaining", 100*float64(remaining)/float64(total)),
		}); err != nil {
			m.log.Error().Err(err).Str("task", task.ID).Msg("raise deadline-risk failed")
		}
	}
}
