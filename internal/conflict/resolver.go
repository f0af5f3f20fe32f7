// Package conflict detects overlapping changes produced by concurrent tasks
// and applies a deterministic resolution or escalates.
package conflict

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rgordey/fleetcore/internal/audit"
	"github.com/rgordey/fleetcore/internal/models"
	"github.com/rgordey/fleetcore/internal/store"
)

// Raiser is the subset of the crisis pipeline the resolver emits into.
type Raiser interface {
	Raise(ev models.CrisisEvent) (*models.CrisisEvent, error)
}

// Config defines the resolver configuration.
type Config struct {
	// ScanInterval is how often task resource scopes are checked for overlap.
	ScanInterval time.Duration `yaml:"scan_interval" mapstructure:"scan_interval"`
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() *Config {
	return &Config{ScanInterval: 10 * time.Second}
}

// Resolver watches in-progress and completed tasks for declared resource
// overlap. Resolution never guesses semantic intent: anything that cannot be
// proven safe escalates.
type Resolver struct {
	store  *store.Store
	crisis Raiser
	audit  *audit.Writer
	cfg    *Config
	log    zerolog.Logger
	gate   func() bool

	mu     sync.RWMutex
	frozen map[string]bool // resources held against further auto-assignment

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a new resolver.
func New(s *store.Store, crisisPipeline Raiser, auditor *audit.Writer, cfg *Config, log zerolog.Logger) *Resolver {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Resolver{
		store:  s,
		crisis: crisisPipeline,
		audit:  auditor,
		cfg:    cfg,
		log:    log,
		frozen: make(map[string]bool),
		stop:   make(chan struct{}),
	}
}

// SetGate installs a leadership check; while it reports false the scan loop
// idles. Nil means always active.
func (r *Resolver) SetGate(gate func() bool) {
	r.gate = gate
}

// Start begins the scan loop.
func (r *Resolver) Start() {
	r.wg.Add(1)
	go r.loop()
	r.log.Info().Dur("scan_interval", r.cfg.ScanInterval).Msg("conflict resolver started")
}

// Stop gracefully stops the resolver.
func (r *Resolver) Stop() {
	close(r.stop)
	r.wg.Wait()
	r.log.Info().Msg("conflict resolver stopped")
}

// IsFrozen reports whether any of the given resources is currently held by
// an escalated, unacknowledged conflict. The distributor consults this
// before assigning follow-up work.
func (r *Resolver) IsFrozen(resources []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, res := range resources {
		if r.frozen[res] {
			return true
		}
	}
	return false
}

func (r *Resolver) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if r.gate != nil && !r.gate() {
				continue
			}
			r.ScanOnce()
		}
	}
}

// ScanOnce runs one detection pass. Exported so tests can drive it without
// the timer.
func (r *Resolver) ScanOnce() {
	candidates, err := r.scopedTasks()
	if err != nil {
		r.log.Error().Err(err).Msg("list tasks failed")
		return
	}

	known, err := r.knownPairs()
	if err != nil {
		r.log.Error().Err(err).Msg("list conflict cases failed")
		return
	}

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := &candidates[i], &candidates[j]
			if !overlaps(a.ResourceScope, b.ResourceScope) {
				continue
			}
			if known[pairKey(a.ID, b.ID)] {
				continue
			}
			r.open(a, b)
		}
	}

	r.refreshFrozen()
}

// scopedTasks returns in-progress and completed tasks that declare scope.
func (r *Resolver) scopedTasks() ([]models.Task, error) {
	var out []models.Task
	for _, status := range []models.TaskStatus{models.TaskStatusInProgress, models.TaskStatusCompleted} {
		tasks, err := r.store.ListTasks(store.TaskFilter{Status: status})
		if err != nil {
			return nil, err
		}
		for i := range tasks {
			if len(tasks[i].ResourceScope) > 0 {
				out = append(out, tasks[i])
			}
		}
	}
	return out, nil
}

func (r *Resolver) knownPairs() (map[string]bool, error) {
	cases, err := r.store.ListConflictCases("")
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(cases))
	for i := range cases {
		ids := cases[i].TaskIDs
		if len(ids) == 2 {
			known[pairKey(ids[0], ids[1])] = true
		}
	}
	return known, nil
}

// open records a new conflict case for the pair and applies resolution.
func (r *Resolver) open(a, b *models.Task) {
	changeA := models.ChangeDescriptor{TaskID: a.ID, Resources: a.ResourceScope}
	changeB := models.ChangeDescriptor{TaskID: b.ID, Resources: b.ResourceScope}
	outcome := Evaluate(changeA, changeB)

	kase := &models.ConflictCase{
		TaskIDs:    sortedPair(a.ID, b.ID),
		Changes:    []models.ChangeDescriptor{changeA, changeB},
		Resolution: models.ResolutionPending,
	}
	kase, err := r.store.CreateConflictCase(kase)
	if err != nil {
		r.log.Error().Err(err).Msg("create conflict case failed")
		return
	}

	if err := r.store.ResolveConflictCase(kase.ID, outcome.Resolution, outcome.Detail); err != nil {
		r.log.Error().Err(err).Str("case", kase.ID).Msg("resolve conflict case failed")
		return
	}

	if _, err := r.audit.Record("conflict.resolve",
		map[string]interface{}{"case_id": kase.ID, "task_ids": kase.TaskIDs},
		string(outcome.Resolution), kase.ID, outcome.Detail); err != nil {
		r.log.Error().Err(err).Msg("audit write failed")
	}

	if outcome.Resolution == models.ResolutionEscalated {
		r.escalate(kase, a, b, outcome)
		return
	}

	r.log.Info().
		Str("case", kase.ID).
		Str("task_a", a.ID).
		Str("task_b", b.ID).
		Str("detail", outcome.Detail).
		Msg("conflict auto-resolved")
}

// escalate freezes both tasks' resources and raises RED. Frozen tasks stay
// in_progress; nothing further is auto-assigned against the same resources
// until an operator acknowledges.
func (r *Resolver) escalate(kase *models.ConflictCase, a, b *models.Task, outcome Outcome) {
	r.mu.Lock()
	for _, ch := range kase.Changes {
		for _, res := range ch.Resources {
			r.frozen[res] = true
		}
	}
	r.mu.Unlock()

	detail := fmt.Sprintf("tasks %s and %s produced overlapping changes that cannot be merged safely; review and merge or drop manually (%s)",
		a.ID, b.ID, outcome.Detail)
	if _, err := r.crisis.Raise(models.CrisisEvent{
		Severity:    models.SeverityRed,
		Category:    models.CategoryConflict,
		SubjectID:   kase.ID,
		SubjectKind: "task",
		Detail:      detail,
	}); err != nil {
		r.log.Error().Err(err).Str("case", kase.ID).Msg("raise conflict event failed")
	}
	r.log.Error().Str("case", kase.ID).Str("task_a", a.ID).Str("task_b", b.ID).Msg("conflict escalated")
}

// refreshFrozen recomputes the frozen resource set: resources of escalated
// cases whose RED event is still unacknowledged. Acknowledgement thaws.
func (r *Resolver) refreshFrozen() {
	cases, err := r.store.ListConflictCases(models.ResolutionEscalated)
	if err != nil {
		r.log.Error().Err(err).Msg("list escalated cases failed")
		return
	}
	events, err := r.store.ListCrisisEvents(true)
	if err != nil {
		r.log.Error().Err(err).Msg("list crisis events failed")
		return
	}

	unacked := make(map[string]bool)
	for i := range events {
		if events[i].Category == models.CategoryConflict {
			unacked[events[i].SubjectID] = true
		}
	}

	frozen := make(map[string]bool)
	for i := range cases {
		if !unacked[cases[i].ID] {
			continue
		}
		for _, ch := range cases[i].Changes {
			for _, res := range ch.Resources {
				frozen[res] = true
			}
		}
	}

	r.mu.Lock()
	r.frozen = frozen
	r.mu.Unlock()
}

// Outcome is the result of evaluating one pair of competing changes.
type Outcome struct {
	Resolution models.ConflictResolution
	Detail     string
	// KeptTaskID/DroppedTaskID are set for a superset resolution.
	KeptTaskID    string
	DroppedTaskID string
}

// Evaluate applies the resolution policy to a pair of change descriptors.
// Deterministic: inputs are normalized by task id before comparison, so the
// same pair always produces the same outcome regardless of argument order.
//
// Policy, in order: a strict superset keeps the superset and drops the
// subset; changes disjoint within the declared overlap merge; anything else
// escalates.
func Evaluate(a, b models.ChangeDescriptor) Outcome {
	if b.TaskID < a.TaskID {
		a, b = b, a
	}

	setA := toSet(a.Resources)
	setB := toSet(b.Resources)

	switch {
	case strictSuperset(setA, setB):
		return Outcome{
			Resolution:    models.ResolutionAutoResolved,
			Detail:        fmt.Sprintf("change %s is a strict superset; %s dropped", a.TaskID, b.TaskID),
			KeptTaskID:    a.TaskID,
			DroppedTaskID: b.TaskID,
		}
	case strictSuperset(setB, setA):
		return Outcome{
			Resolution:    models.ResolutionAutoResolved,
			Detail:        fmt.Sprintf("change %s is a strict superset; %s dropped", b.TaskID, a.TaskID),
			KeptTaskID:    b.TaskID,
			DroppedTaskID: a.TaskID,
		}
	case disjoint(setA, setB):
		return Outcome{
			Resolution: models.ResolutionAutoResolved,
			Detail:     "changes disjoint within declared overlap; both merged",
		}
	default:
		shared := intersection(setA, setB)
		return Outcome{
			Resolution: models.ResolutionEscalated,
			Detail:     fmt.Sprintf("partial overlap on %s; automatic merge cannot be proven safe", strings.Join(shared, ", ")),
		}
	}
}

func toSet(resources []string) map[string]bool {
	set := make(map[string]bool, len(resources))
	for _, r := range resources {
		set[r] = true
	}
	return set
}

// strictSuperset reports a ⊃ b.
func strictSuperset(a, b map[string]bool) bool {
	if len(a) <= len(b) {
		return false
	}
	for r := range b {
		if !a[r] {
			return false
		}
	}
	return true
}

func disjoint(a, b map[string]bool) bool {
	for r := range b {
		if a[r] {
			return false
		}
	}
	return true
}

func intersection(a, b map[string]bool) []string {
	var shared []string
	for r := range b {
		if a[r] {
			shared = append(shared, r)
		}
	}
	sort.Strings(shared)
	return shared
}

func overlaps(a, b []string) bool {
	return !disjoint(toSet(a), toSet(b))
}

func sortedPair(a, b string) []string {
	if b < a {
		return []string{b, a}
	}
	return []string{a, b}
}

func pairKey(a, b string) string {
	p := sortedPair(a, b)
	return p[0] + "|" + p[1]
}
