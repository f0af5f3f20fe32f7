// Package crisis aggregates anomaly signals into prioritized alerts with
// automatic and human escalation paths.
package crisis

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rgordey/fleetcore/internal/models"
	"github.com/rgordey/fleetcore/internal/store"
)

// Notifier is the hand-off point to the external collaborator responsible
// for human notification. The pipeline never formats operator-facing text
// beyond the escalation record payload.
type Notifier interface {
	Notify(ctx context.Context, rec models.EscalationRecord) error
}

// LogNotifier writes escalation records to the log. It is the default when
// no external channel is wired.
type LogNotifier struct {
	Log zerolog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, rec models.EscalationRecord) error {
	n.Log.Error().
		Str("event_id", rec.EventID).
		Str("subject_id", rec.SubjectID).
		Str("subject_kind", rec.SubjectKind).
		Str("recommendation", rec.Recommendation).
		Int("history", len(rec.History)).
		Msg("human escalation required")
	return nil
}

// Config defines the escalation pipeline configuration.
type Config struct {
	// CycleInterval is how often the pipeline drains its queue.
	CycleInterval time.Duration `yaml:"cycle_interval" mapstructure:"cycle_interval"`
	// SliceBudget caps events processed per cycle so a flood of low-severity
	// events is bounded; ordering within the slice is strictly by severity.
	SliceBudget int `yaml:"slice_budget" mapstructure:"slice_budget"`
	// AckBudget is the response-time budget for RED events. A RED event
	// unacknowledged past one budget is re-emitted at higher urgency; past a
	// second budget it becomes a human-escalation record.
	AckBudget time.Duration `yaml:"ack_budget" mapstructure:"ack_budget"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() *Config {
	return &Config{
		CycleInterval: 2 * time.Second,
		SliceBudget:   32,
		AckBudget:     5 * time.Minute,
	}
}

// Pipeline is the severity-ordered crisis event processor.
type Pipeline struct {
	store    *store.Store
	notifier Notifier
	cfg      *Config
	log      zerolog.Logger
	metrics  *Metrics
	gate     func() bool

	mu           sync.Mutex
	queue        eventHeap
	watch        map[string]*watchEntry // RED events awaiting acknowledgement
	clones       map[string]bool        // re-emitted copies; timed via their original's watch entry
	remediations map[string][]string    // subject id -> attempted automatic remediations

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type watchEntry struct {
	event    models.CrisisEvent
	deadline time.Time
	misses   int
}

// New creates a new pipeline. A nil notifier falls back to LogNotifier.
func New(s *store.Store, notifier Notifier, cfg *Config, log zerolog.Logger) *Pipeline {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pipeline{
		store:        s,
		notifier:     notifier,
		cfg:          cfg,
		log:          log,
		metrics:      defaultMetrics(),
		watch:        make(map[string]*watchEntry),
		clones:       make(map[string]bool),
		remediations: make(map[string][]string),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetGate installs a leadership check; while it reports false the processing
// loop idles. Nil means always active.
func (p *Pipeline) SetGate(gate func() bool) {
	p.gate = gate
}

// Start begins the processing loop.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.loop()
	p.log.Info().Msg("crisis pipeline started")
}

// Stop gracefully stops the pipeline.
func (p *Pipeline) Stop() {
	p.cancel()
	p.wg.Wait()
	p.log.Info().Msg("crisis pipeline stopped")
}

// Raise persists a crisis event and enqueues it for processing. Safe to call
// from any goroutine.
func (p *Pipeline) Raise(ev models.CrisisEvent) (*models.CrisisEvent, error) {
	stored, err := p.store.AppendCrisisEvent(&ev)
	if err != nil {
		return nil, fmt.Errorf("append crisis event: %w", err)
	}

	p.mu.Lock()
	heap.Push(&p.queue, *stored)
	depth := p.queue.Len()
	p.mu.Unlock()

	p.metrics.IncRaised(string(stored.Severity), string(stored.Category))
	p.metrics.SetQueueDepth(depth)
	return stored, nil
}

// RecordRemediation notes an automatic remediation attempted against a
// subject. It is included in any later human-escalation record.
func (p *Pipeline) RecordRemediation(subjectID, action string) {
	p.mu.Lock()
	p.remediations[subjectID] = append(p.remediations[subjectID], action)
	p.mu.Unlock()
}

// Acknowledge marks an event acknowledged and clears the escalation timers
// for its subject. Acking any event in a re-emission chain stops the chain.
func (p *Pipeline) Acknowledge(eventID, operatorID string) error {
	if err := p.store.AcknowledgeCrisisEvent(eventID, operatorID); err != nil {
		return err
	}
	acked, err := p.store.GetCrisisEvent(eventID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.watch, eventID)
	if acked != nil {
		for id, entry := range p.watch {
			if entry.event.SubjectID == acked.SubjectID {
				delete(p.watch, id)
			}
		}
	}
	p.mu.Unlock()

	p.log.Info().Str("event_id", eventID).Str("operator", operatorID).Msg("crisis acknowledged")
	return nil
}

func (p *Pipeline) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.gate != nil && !p.gate() {
				continue
			}
			p.drainSlice()
			p.checkWatch()
		}
	}
}

// drainSlice processes up to SliceBudget queued events in strict severity
// order. The fixed slice bounds latency for urgent events under a flood of
// low-severity ones.
func (p *Pipeline) drainSlice() {
	for i := 0; i < p.cfg.SliceBudget; i++ {
		p.mu.Lock()
		if p.queue.Len() == 0 {
			p.mu.Unlock()
			break
		}
		ev := heap.Pop(&p.queue).(models.CrisisEvent)
		if ev.Severity == models.SeverityRed {
			if p.clones[ev.ID] {
				// Re-emitted copy; the original's watch entry owns the timer.
				delete(p.clones, ev.ID)
			} else {
				p.watch[ev.ID] = &watchEntry{event: ev, deadline: time.Now().Add(p.cfg.AckBudget)}
			}
		}
		depth := p.queue.Len()
		p.mu.Unlock()

		p.metrics.SetQueueDepth(depth)
		p.log.Warn().
			Str("event_id", ev.ID).
			Str("severity", string(ev.Severity)).
			Str("category", string(ev.Category)).
			Str("subject", ev.SubjectID).
			Int("urgency", ev.Urgency).
			Msg("crisis event")
	}
}

// checkWatch walks RED events awaiting acknowledgement. One missed budget
// re-emits at increased urgency; a second miss hands off to the notifier.
func (p *Pipeline) checkWatch() {
	now := time.Now()

	p.mu.Lock()
	var due []*watchEntry
	for _, entry := range p.watch {
		if now.After(entry.deadline) {
			due = append(due, entry)
		}
	}
	p.mu.Unlock()

	for _, entry := range due {
		// The operator may have acknowledged since the deadline passed.
		current, err := p.store.GetCrisisEvent(entry.event.ID)
		if err != nil {
			p.log.Error().Err(err).Str("event_id", entry.event.ID).Msg("watch check failed")
			continue
		}
		if current == nil || current.Acknowledged {
			p.mu.Lock()
			delete(p.watch, entry.event.ID)
			p.mu.Unlock()
			continue
		}

		entry.misses++
		if entry.misses == 1 {
			p.reemit(entry)
			continue
		}
		p.escalate(entry)
	}
}

func (p *Pipeline) reemit(entry *watchEntry) {
	ev := entry.event
	ev.ID = ""
	ev.Urgency = entry.event.Urgency + 1
	ev.Detail = fmt.Sprintf("re-emitted: %s unacknowledged past response budget", entry.event.ID)
	ev.CreatedAt = time.Time{}

	clone, err := p.Raise(ev)
	if err != nil {
		p.log.Error().Err(err).Str("event_id", entry.event.ID).Msg("re-emit failed")
	}

	p.mu.Lock()
	if clone != nil {
		p.clones[clone.ID] = true
	}
	entry.deadline = time.Now().Add(p.cfg.AckBudget)
	p.mu.Unlock()
	p.metrics.IncReemitted()
}

func (p *Pipeline) escalate(entry *watchEntry) {
	ev := entry.event

	history, err := p.store.ListCrisisEventsForSubject(ev.SubjectID)
	if err != nil {
		p.log.Error().Err(err).Str("subject", ev.SubjectID).Msg("escalation history fetch failed")
	}

	p.mu.Lock()
	remediations := append([]string(nil), p.remediations[ev.SubjectID]...)
	delete(p.watch, ev.ID)
	p.mu.Unlock()

	rec := models.EscalationRecord{
		EventID:        ev.ID,
		History:        history,
		SubjectID:      ev.SubjectID,
		SubjectKind:    ev.SubjectKind,
		Remediations:   remediations,
		Recommendation: recommend(ev),
		CreatedAt:      time.Now().UTC(),
	}

	if err := p.notifier.Notify(p.ctx, rec); err != nil {
		p.log.Error().Err(err).Str("event_id", ev.ID).Msg("escalation hand-off failed")
		return
	}
	p.metrics.IncEscalated()
}

// recommend maps an event category to a manual action for the escalation
// record. Operator-facing wording is the notification channel's concern.
func recommend(ev models.CrisisEvent) string {
	switch ev.Category {
	case models.CategoryUnresponsiveAgent:
		return "inspect agent process and confirm replacement completed"
	case models.CategoryConflict:
		return "review frozen tasks and merge or drop the contended changes manually"
	case models.CategoryDeadlineRisk:
		return "raise task priority or add matching capacity"
	case models.CategoryCapacity:
		return "raise pool limits or reduce submission rate"
	}
	return "inspect subject state"
}

// eventHeap orders events by severity rank, then oldest first.
type eventHeap []models.CrisisEvent

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].Severity.Rank() != h[j].Severity.Rank() {
		return h[i].Severity.Rank() > h[j].Severity.Rank()
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) {
	*h = append(*h, x.(models.CrisisEvent))
}

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ev := old[n-1]
	*h = old[:n-1]
	return ev
}
