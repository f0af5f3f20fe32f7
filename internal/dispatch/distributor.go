// Package dispatch assigns queued tasks to eligible idle agents.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rgordey/fleetcore/internal/audit"
	"github.com/rgordey/fleetcore/internal/models"
	"github.com/rgordey/fleetcore/internal/store"
)

// Raiser is the subset of the crisis pipeline the distributor emits into.
type Raiser interface {
	Raise(ev models.CrisisEvent) (*models.CrisisEvent, error)
}

// Freezer reports resources held by an escalated conflict. Tasks scoped to a
// frozen resource are skipped until an operator acknowledges the conflict.
type Freezer interface {
	IsFrozen(resources []string) bool
}

// Config defines the distributor configuration.
type Config struct {
	// PollInterval is how often the backlog is scanned.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	// MaxAttempts is the retry budget; a queued task beyond it is failed.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
	// QueueDepthThreshold is the backlog depth past which a capacity event
	// is raised when no idle agent matches.
	QueueDepthThreshold int `yaml:"queue_depth_threshold" mapstructure:"queue_depth_threshold"`
	// WaitThreshold is the oldest-task wait past which a capacity event is
	// raised when no idle agent matches.
	WaitThreshold time.Duration `yaml:"wait_threshold" mapstructure:"wait_threshold"`
	// CapacityEventWindow dedupes capacity events.
	CapacityEventWindow time.Duration `yaml:"capacity_event_window" mapstructure:"capacity_event_window"`
}

// DefaultConfig returns the default distributor configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:        1 * time.Second,
		MaxAttempts:         3,
		QueueDepthThreshold: 10,
		WaitThreshold:       2 * time.Minute,
		CapacityEventWindow: 1 * time.Minute,
	}
}

// Distributor pops the highest-priority queued task whose capability matches
// an idle agent and assigns it transactionally. Races between distributor
// instances are resolved by the store's CAS: the loser abandons the attempt
// and moves to the next candidate.
type Distributor struct {
	store   *store.Store
	crisis  Raiser
	freezer Freezer
	audit   *audit.Writer
	cfg     *Config
	log     zerolog.Logger
	metrics *Metrics
	gate    func() bool

	mu               sync.Mutex
	lastCapacityWarn time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a new distributor.
func New(s *store.Store, crisisPipeline Raiser, auditor *audit.Writer, cfg *Config, log zerolog.Logger) *Distributor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Distributor{
		store:   s,
		crisis:  crisisPipeline,
		audit:   auditor,
		cfg:     cfg,
		log:     log,
		metrics: defaultMetrics(),
		stop:    make(chan struct{}),
	}
}

// SetFreezer installs the conflict freeze check. Optional; without it all
// queued tasks are eligible.
func (d *Distributor) SetFreezer(f Freezer) {
	d.freezer = f
}

// SetGate installs a leadership check; while it reports false the dispatch
// loop idles. Nil means always active.
func (d *Distributor) SetGate(gate func() bool) {
	d.gate = gate
}

// Start begins the dispatch loop.
func (d *Distributor) Start() {
	d.wg.Add(1)
	go d.loop()
	d.log.Info().Dur("poll_interval", d.cfg.PollInterval).Msg("distributor started")
}

// Stop gracefully stops the distributor.
func (d *Distributor) Stop() {
	close(d.stop)
	d.wg.Wait()
	d.log.Info().Msg("distributor stopped")
}

func (d *Distributor) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			if d.gate != nil && !d.gate() {
				continue
			}
			d.DispatchOnce()
		}
	}
}

// DispatchOnce runs a single backlog pass. Exported so tests and the
// coordinator can drive assignment without the timer.
func (d *Distributor) DispatchOnce() {
	queued, err := d.store.ListTasks(store.TaskFilter{Status: models.TaskStatusQueued})
	if err != nil {
		d.log.Error().Err(err).Msg("list queued tasks failed")
		return
	}
	d.metrics.SetQueueDepth(len(queued))
	if len(queued) == 0 {
		return
	}

	starved := 0
	for i := range queued {
		task := &queued[i]

		if task.Attempts > d.cfg.MaxAttempts {
			d.failExhausted(task)
			continue
		}

		if d.freezer != nil && d.freezer.IsFrozen(task.ResourceScope) {
			d.log.Debug().Str("task", task.ID).Msg("resource frozen by conflict, skipping")
			continue
		}

		if !d.assign(task) {
			starved++
		}
	}

	if starved > 0 {
		d.checkBackpressure(queued)
	}
}

// assign tries each matching idle agent in turn until the paired CAS lands.
// Returns false when no idle agent matches the task's capability.
func (d *Distributor) assign(task *models.Task) bool {
	candidates, err := d.store.ListAgents(store.AgentFilter{
		Status:     models.AgentStatusIdle,
		Capability: task.Capability,
	})
	if err != nil {
		d.log.Error().Err(err).Msg("list idle agents failed")
		return true
	}
	if len(candidates) == 0 {
		return false
	}

	for i := range candidates {
		agent := &candidates[i]
		err := d.store.AssignTaskTx(task.ID, agent.ID)
		if err != nil {
			if store.IsStale(err) {
				// Another distributor instance raced us; abandon and try
				// the next candidate.
				d.metrics.IncRace()
				continue
			}
			d.log.Error().Err(err).Str("task", task.ID).Str("agent", agent.ID).Msg("assign failed")
			continue
		}

		d.metrics.IncAssigned()
		d.metrics.ObserveAssignLatency(time.Since(task.EnqueuedAt))
		if _, err := d.audit.Record("task.assign",
			map[string]string{"task_id": task.ID, "agent_id": agent.ID},
			"success", task.ID, ""); err != nil {
			d.log.Error().Err(err).Msg("audit write failed")
		}
		d.log.Info().
			Str("task", task.ID).
			Str("agent", agent.ID).
			Int("priority", task.Priority).
			Str("capability", task.Capability).
			Msg("task assigned")
		return true
	}
	return true
}

// failExhausted moves a task past its retry budget to failed.
func (d *Distributor) failExhausted(task *models.Task) {
	err := d.store.TransitionTask(task.ID, models.TaskStatusQueued, models.TaskStatusFailed)
	if err != nil {
		if !store.IsStale(err) {
			d.log.Error().Err(err).Str("task", task.ID).Msg("fail transition failed")
		}
		return
	}
	d.log.Warn().Str("task", task.ID).Int("attempts", task.Attempts).Msg("retry budget exhausted")
	if _, err := d.audit.Record("task.fail",
		map[string]interface{}{"task_id": task.ID, "attempts": task.Attempts},
		"retry_budget_exhausted", task.ID, ""); err != nil {
		d.log.Error().Err(err).Msg("audit write failed")
	}
}

// checkBackpressure raises a YELLOW capacity event once queue depth or wait
// time crosses its threshold, deduplicated per window. The pool manager
// consumes it as a scale-up signal.
func (d *Distributor) checkBackpressure(queued []models.Task) {
	depth := len(queued)
	oldestWait := time.Duration(0)
	for i := range queued {
		if w := time.Since(queued[i].EnqueuedAt); w > oldestWait {
			oldestWait = w
		}
	}

	if depth < d.cfg.QueueDepthThreshold && oldestWait < d.cfg.WaitThreshold {
		return
	}

	d.mu.Lock()
	if time.Since(d.lastCapacityWarn) < d.cfg.CapacityEventWindow {
		d.mu.Unlock()
		return
	}
	d.lastCapacityWarn = time.Now()
	d.mu.Unlock()

	if _, err := d.crisis.Raise(models.CrisisEvent{
		Severity:    models.SeverityYellow,
		Category:    models.CategoryCapacity,
		SubjectID:   queued[0].ID,
		SubjectKind: "task",
		Detail:      fmt.Sprintf("queue depth %d, oldest wait %s, no matching idle agent", depth, oldestWait.Round(time.Second)),
	}); err != nil {
		d.log.Error().Err(err).Msg("raise capacity event failed")
	}
}

// Cancel cancels a task on behalf of its submitter. Queued and assigned
// tasks fail immediately via CAS; in_progress tasks only record advisory
// intent, relying on the agent's cooperative check.
func (d *Distributor) Cancel(taskID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		task, err := d.store.GetTask(taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return store.ErrTaskNotFound
		}

		switch task.Status {
		case models.TaskStatusQueued, models.TaskStatusAssigned:
			err := d.store.CancelTaskTx(taskID, task.Status)
			if store.IsStale(err) {
				continue
			}
			if err == nil {
				if _, aerr := d.audit.Record("task.cancel",
					map[string]string{"task_id": taskID}, "success", taskID, ""); aerr != nil {
					d.log.Error().Err(aerr).Msg("audit write failed")
				}
			}
			return err
		case models.TaskStatusInProgress:
			return d.store.SetCancelWanted(taskID)
		case models.TaskStatusCompleted, models.TaskStatusFailed:
			return fmt.Errorf("task %s already terminal (%s)", taskID, task.Status)
		default:
			continue
		}
	}
	return fmt.Errorf("cancel %s: state kept moving, giving up", taskID)
}
