package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rgordey/fleetcore/internal/audit"
	"github.com/rgordey/fleetcore/internal/models"
	"github.com/rgordey/fleetcore/internal/store"
)

// ErrPoolExhausted is returned by Spawn when the pool is at MaxPoolSize.
var ErrPoolExhausted = errors.New("agent pool at maximum size")

// Raiser is the subset of the crisis pipeline the pool manager emits into.
type Raiser interface {
	Raise(ev models.CrisisEvent) (*models.CrisisEvent, error)
	RecordRemediation(subjectID, action string)
}

// Config defines the pool policy.
type Config struct {
	// MinPoolSize is never scaled below.
	MinPoolSize int `yaml:"min_pool_size" mapstructure:"min_pool_size"`
	// MaxPoolSize bounds scale-up.
	MaxPoolSize int `yaml:"max_pool_size" mapstructure:"max_pool_size"`
	// LoadFactor: scale up when queued tasks exceed idle agents x factor.
	LoadFactor float64 `yaml:"load_factor" mapstructure:"load_factor"`
	// ScaleUpWindow is how long backlog pressure must be sustained before a
	// spawn is triggered.
	ScaleUpWindow time.Duration `yaml:"scale_up_window" mapstructure:"scale_up_window"`
	// QuiescenceWindow: an idle agent unused this long is a scale-down
	// candidate.
	QuiescenceWindow time.Duration `yaml:"quiescence_window" mapstructure:"quiescence_window"`
	// SpawnTimeout: a spawning record older than this is considered a
	// crashed spawn and reaped by the sweep.
	SpawnTimeout time.Duration `yaml:"spawn_timeout" mapstructure:"spawn_timeout"`
	// RetiredRetention: retired records older than this are purged.
	RetiredRetention time.Duration `yaml:"retired_retention" mapstructure:"retired_retention"`
	// PollInterval is how often the policy loop runs.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	// Capabilities is the default capability set for spawned agents.
	Capabilities []string `yaml:"capabilities" mapstructure:"capabilities"`
}

// DefaultConfig returns the default pool policy.
func DefaultConfig() *Config {
	return &Config{
		MinPoolSize:      1,
		MaxPoolSize:      10,
		LoadFactor:       2.0,
		ScaleUpWindow:    15 * time.Second,
		QuiescenceWindow: 5 * time.Minute,
		SpawnTimeout:     2 * time.Minute,
		RetiredRetention: 24 * time.Hour,
		PollInterval:     5 * time.Second,
		Capabilities:     []string{"general"},
	}
}

// Manager enforces the pool-size policy and owns every process handle.
type Manager struct {
	store  *store.Store
	runner Runner
	crisis Raiser
	audit  *audit.Writer
	cfg    *Config
	log    zerolog.Logger
	gate   func() bool

	mu            sync.Mutex
	handles       map[string]Handle
	pressureSince time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new pool manager.
func New(s *store.Store, runner Runner, crisisPipeline Raiser, auditor *audit.Writer, cfg *Config, log zerolog.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		store:   s,
		runner:  runner,
		crisis:  crisisPipeline,
		audit:   auditor,
		cfg:     cfg,
		log:     log,
		handles: make(map[string]Handle),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetGate installs a leadership check; while it reports false the policy
// loop idles. Nil means always active.
func (m *Manager) SetGate(gate func() bool) {
	m.gate = gate
}

// Start begins the policy loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
	m.log.Info().
		Int("min", m.cfg.MinPoolSize).
		Int("max", m.cfg.MaxPoolSize).
		Float64("load_factor", m.cfg.LoadFactor).
		Msg("pool manager started")
}

// Stop stops the loop and terminates every owned process handle.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	handles := make(map[string]Handle, len(m.handles))
	for id, h := range m.handles {
		handles[id] = h
	}
	m.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for id, h := range handles {
		if err := h.Stop(stopCtx); err != nil {
			m.log.Error().Err(err).Str("agent", id).Msg("handle stop failed")
		}
	}
	m.log.Info().Msg("pool manager stopped")
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.gate != nil && !m.gate() {
				continue
			}
			m.ReplaceUnresponsive()
			m.ReapStuckSpawning()
			m.EvaluateScale()
			m.purgeRetired()
		}
	}
}

// Spawn reserves a slot and brings up a fresh agent. Two-phase: the spawning
// record exists before the process does, so a crash mid-spawn shows up as a
// stuck spawning row for the sweep instead of a silent leak.
func (m *Manager) Spawn(capabilities []string) (*models.Agent, error) {
	if m.aliveCount() >= m.cfg.MaxPoolSize {
		return nil, ErrPoolExhausted
	}

	agent, err := m.store.CreateAgent(capabilities, models.AgentStatusSpawning)
	if err != nil {
		return nil, fmt.Errorf("reserve slot: %w", err)
	}

	handle, err := m.runner.Start(m.ctx, *agent)
	if err != nil {
		// Leave the record for the sweep: keeps spawn failures observable.
		m.log.Error().Err(err).Str("agent", agent.ID).Msg("runner start failed")
		return nil, fmt.Errorf("start agent: %w", err)
	}

	if err := m.store.TransitionAgent(agent.ID, models.AgentStatusSpawning, models.AgentStatusIdle); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = handle.Stop(stopCtx)
		return nil, fmt.Errorf("activate agent: %w", err)
	}

	m.mu.Lock()
	m.handles[agent.ID] = handle
	m.mu.Unlock()

	if _, err := m.audit.Record("agent.spawn",
		map[string]interface{}{"agent_id": agent.ID, "capabilities": capabilities},
		"success", agent.ID, m.runner.Name()); err != nil {
		m.log.Error().Err(err).Msg("audit write failed")
	}
	m.log.Info().Str("agent", agent.ID).Strs("capabilities", capabilities).Msg("agent spawned")

	agent.Status = models.AgentStatusIdle
	return agent, nil
}

// Retire moves an agent out of service via CAS from its current status and
// stops its process handle.
func (m *Manager) Retire(agentID string, from models.AgentStatus) error {
	if err := m.store.TransitionAgent(agentID, from, models.AgentStatusRetired); err != nil {
		return err
	}
	m.stopHandle(agentID)

	if _, err := m.audit.Record("agent.retire",
		map[string]string{"agent_id": agentID, "from": string(from)},
		"success", agentID, ""); err != nil {
		m.log.Error().Err(err).Msg("audit write failed")
	}
	m.log.Info().Str("agent", agentID).Str("from", string(from)).Msg("agent retired")
	return nil
}

// ReplaceUnresponsive retires every unresponsive agent and spawns a fresh
// one with the same capability set. The dead identity is never reused.
func (m *Manager) ReplaceUnresponsive() {
	agents, err := m.store.ListAgents(store.AgentFilter{Status: models.AgentStatusUnresponsive})
	if err != nil {
		m.log.Error().Err(err).Msg("list unresponsive agents failed")
		return
	}

	for i := range agents {
		dead := &agents[i]
		if err := m.Retire(dead.ID, models.AgentStatusUnresponsive); err != nil {
			if !store.IsStale(err) {
				m.log.Error().Err(err).Str("agent", dead.ID).Msg("retire failed")
			}
			continue
		}

		replacement, err := m.Spawn(dead.Capabilities)
		if err != nil {
			m.log.Error().Err(err).Str("agent", dead.ID).Msg("replacement spawn failed")
			continue
		}
		m.crisis.RecordRemediation(dead.ID, fmt.Sprintf("replaced by agent %s", replacement.ID))
	}
}

// ReapStuckSpawning retires spawning records whose process never came up
// within the spawn timeout.
func (m *Manager) ReapStuckSpawning() {
	agents, err := m.store.ListAgents(store.AgentFilter{Status: models.AgentStatusSpawning})
	if err != nil {
		m.log.Error().Err(err).Msg("list spawning agents failed")
		return
	}

	cutoff := time.Now().UTC().Add(-m.cfg.SpawnTimeout)
	for i := range agents {
		stuck := &agents[i]
		if stuck.UpdatedAt.After(cutoff) {
			continue
		}
		if err := m.Retire(stuck.ID, models.AgentStatusSpawning); err != nil {
			if !store.IsStale(err) {
				m.log.Error().Err(err).Str("agent", stuck.ID).Msg("reap failed")
			}
			continue
		}
		m.log.Warn().Str("agent", stuck.ID).Msg("stuck spawning record reaped")
	}
}

// EvaluateScale applies the scale-up/scale-down policy for one cycle.
func (m *Manager) EvaluateScale() {
	queued, err := m.store.CountTasks(models.TaskStatusQueued)
	if err != nil {
		m.log.Error().Err(err).Msg("count queued tasks failed")
		return
	}
	idle, err := m.store.ListAgents(store.AgentFilter{Status: models.AgentStatusIdle})
	if err != nil {
		m.log.Error().Err(err).Msg("list idle agents failed")
		return
	}

	alive := m.aliveCount()

	// Scale up under sustained backlog pressure.
	pressured := float64(queued) > float64(len(idle))*m.cfg.LoadFactor
	if alive < m.cfg.MinPoolSize {
		pressured = true
	}

	m.mu.Lock()
	if pressured && m.pressureSince.IsZero() {
		m.pressureSince = time.Now()
	}
	if !pressured {
		m.pressureSince = time.Time{}
	}
	sustained := !m.pressureSince.IsZero() && time.Since(m.pressureSince) >= m.cfg.ScaleUpWindow
	m.mu.Unlock()

	if (sustained || alive < m.cfg.MinPoolSize) && alive < m.cfg.MaxPoolSize {
		caps := m.neededCapabilities()
		if _, err := m.Spawn(caps); err != nil {
			m.log.Error().Err(err).Msg("scale-up spawn failed")
		}
		m.mu.Lock()
		m.pressureSince = time.Time{}
		m.mu.Unlock()
		return
	}

	// Scale down idle agents past the quiescence window.
	if alive <= m.cfg.MinPoolSize || queued > 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-m.cfg.QuiescenceWindow)
	for i := range idle {
		if alive <= m.cfg.MinPoolSize {
			break
		}
		candidate := &idle[i]
		if candidate.UpdatedAt.After(cutoff) {
			continue
		}
		if err := m.Retire(candidate.ID, models.AgentStatusIdle); err != nil {
			if !store.IsStale(err) {
				m.log.Error().Err(err).Str("agent", candidate.ID).Msg("scale-down retire failed")
			}
			continue
		}
		alive--
	}
}

// neededCapabilities picks capability tags for a scale-up spawn: the tags of
// currently queued tasks, falling back to the configured default set.
func (m *Manager) neededCapabilities() []string {
	queued, err := m.store.ListTasks(store.TaskFilter{Status: models.TaskStatusQueued})
	if err != nil || len(queued) == 0 {
		return m.cfg.Capabilities
	}

	seen := make(map[string]bool)
	var caps []string
	for i := range queued {
		tag := queued[i].Capability
		if !seen[tag] {
			seen[tag] = true
			caps = append(caps, tag)
		}
	}
	return caps
}

func (m *Manager) aliveCount() int {
	n := 0
	for _, status := range []models.AgentStatus{
		models.AgentStatusSpawning,
		models.AgentStatusIdle,
		models.AgentStatusBusy,
		models.AgentStatusDegraded,
	} {
		agents, err := m.store.ListAgents(store.AgentFilter{Status: status})
		if err != nil {
			m.log.Error().Err(err).Msg("list agents failed")
			continue
		}
		n += len(agents)
	}
	return n
}

func (m *Manager) purgeRetired() {
	cutoff := time.Now().UTC().Add(-m.cfg.RetiredRetention)
	n, err := m.store.PurgeRetiredAgents(cutoff)
	if err != nil {
		m.log.Error().Err(err).Msg("purge retired agents failed")
		return
	}
	if n > 0 {
		m.log.Info().Int64("purged", n).Msg("retired agents purged")
	}
}

func (m *Manager) stopHandle(agentID string) {
	m.mu.Lock()
	handle, ok := m.handles[agentID]
	delete(m.handles, agentID)
	m.mu.Unlock()
	if !ok {
		return
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := handle.Stop(stopCtx); err != nil {
		m.log.Error().Err(err).Str("agent", agentID).Msg("handle stop failed")
	}
}
