package conflict

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/rgordey/fleetcore/internal/audit"
	"github.com/rgordey/fleetcore/internal/models"
	"github.com/rgordey/fleetcore/internal/store"
)

// storeRaiser persists raised events so the resolver's freeze bookkeeping
// sees them, without running the full pipeline.
type storeRaiser struct {
	s *store.Store
}

func (r storeRaiser) Raise(ev models.CrisisEvent) (*models.CrisisEvent, error) {
	return r.s.AppendCrisisEvent(&ev)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

func newTestResolver(t *testing.T, s *store.Store) *Resolver {
	t.Helper()
	return New(s, storeRaiser{s}, audit.NewWriter(s), nil, zerolog.Nop())
}

func inProgressTask(t *testing.T, s *store.Store, scope []string) *models.Task {
	t.Helper()
	task, err := s.CreateTask("build", 5, "", scope, nil)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := s.TransitionTask(task.ID, models.TaskStatusQueued, models.TaskStatusInProgress); err != nil {
		t.Fatalf("TransitionTask failed: %v", err)
	}
	return task
}

func TestEvaluateStrictSuperset(t *testing.T) {
	a := models.ChangeDescriptor{TaskID: "t1", Resources: []string{"svc/api", "svc/db"}}
	b := models.ChangeDescriptor{TaskID: "t2", Resources: []string{"svc/api"}}

	outcome := Evaluate(a, b)
	if outcome.Resolution != models.ResolutionAutoResolved {
		t.Fatalf("Expected auto-resolved, got %s", outcome.Resolution)
	}
	if outcome.KeptTaskID != "t1" || outcome.DroppedTaskID != "t2" {
		t.Errorf("Superset should be kept: kept=%s dropped=%s", outcome.KeptTaskID, outcome.DroppedTaskID)
	}
}

func TestEvaluateDisjointMerges(t *testing.T) {
	a := models.ChangeDescriptor{TaskID: "t1", Resources: []string{"svc/api"}}
	b := models.ChangeDescriptor{TaskID: "t2", Resources: []string{"svc/db"}}

	outcome := Evaluate(a, b)
	if outcome.Resolution != models.ResolutionAutoResolved {
		t.Fatalf("Expected auto-resolved, got %s", outcome.Resolution)
	}
	if outcome.KeptTaskID != "" || outcome.DroppedTaskID != "" {
		t.Error("Merged changes keep both tasks")
	}
}

func TestEvaluatePartialOverlapEscalates(t *testing.T) {
	a := models.ChangeDescriptor{TaskID: "t1", Resources: []string{"svc/api", "svc/db"}}
	b := models.ChangeDescriptor{TaskID: "t2", Resources: []string{"svc/db", "svc/cache"}}

	outcome := Evaluate(a, b)
	if outcome.Resolution != models.ResolutionEscalated {
		t.Fatalf("Expected escalated, got %s", outcome.Resolution)
	}
	if !strings.Contains(outcome.Detail, "svc/db") {
		t.Errorf("Detail should name the contended resource, got %q", outcome.Detail)
	}
}

func TestEvaluateEqualSetsEscalate(t *testing.T) {
	a := models.ChangeDescriptor{TaskID: "t1", Resources: []string{"svc/api"}}
	b := models.ChangeDescriptor{TaskID: "t2", Resources: []string{"svc/api"}}

	outcome := Evaluate(a, b)
	if outcome.Resolution != models.ResolutionEscalated {
		t.Errorf("Identical scopes cannot be proven mergeable, got %s", outcome.Resolution)
	}
}

func TestEvaluateDeterministicUnderArgOrder(t *testing.T) {
	a := models.ChangeDescriptor{TaskID: "t1", Resources: []string{"svc/api", "svc/db"}}
	b := models.ChangeDescriptor{TaskID: "t2", Resources: []string{"svc/api"}}

	first := Evaluate(a, b)
	second := Evaluate(b, a)
	if first != second {
		t.Errorf("Outcome must not depend on argument order: %+v vs %+v", first, second)
	}
}

func TestScanOnceAutoResolvesSuperset(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	inProgressTask(t, s, []string{"svc/api", "svc/db"})
	inProgressTask(t, s, []string{"svc/api"})

	r := newTestResolver(t, s)
	r.ScanOnce()

	cases, err := s.ListConflictCases("")
	if err != nil {
		t.Fatalf("ListConflictCases failed: %v", err)
	}
	if len(cases) != 1 {
		t.Fatalf("Expected 1 case, got %d", len(cases))
	}
	if cases[0].Resolution != models.ResolutionAutoResolved {
		t.Errorf("Expected auto-resolved, got %s", cases[0].Resolution)
	}

	events, _ := s.ListCrisisEvents(false)
	if len(events) != 0 {
		t.Errorf("Auto-resolved conflicts must not raise events, got %d", len(events))
	}
}

func TestScanOnceEscalatesAndFreezes(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	t1 := inProgressTask(t, s, []string{"svc/api", "svc/db"})
	t2 := inProgressTask(t, s, []string{"svc/db", "svc/cache"})

	r := newTestResolver(t, s)
	r.ScanOnce()

	cases, _ := s.ListConflictCases(models.ResolutionEscalated)
	if len(cases) != 1 {
		t.Fatalf("Expected 1 escalated case, got %d", len(cases))
	}

	events, _ := s.ListCrisisEvents(true)
	if len(events) != 1 {
		t.Fatalf("Expected 1 RED event, got %d", len(events))
	}
	if events[0].Severity != models.SeverityRed {
		t.Errorf("Expected RED, got %s", events[0].Severity)
	}
	if !strings.Contains(events[0].Detail, t1.ID) || !strings.Contains(events[0].Detail, t2.ID) {
		t.Error("Event detail should name both task ids")
	}

	if !r.IsFrozen([]string{"svc/db"}) {
		t.Error("Contended resources should be frozen")
	}
	if !r.IsFrozen([]string{"svc/cache"}) {
		t.Error("All resources of the escalated changes are held")
	}
	if r.IsFrozen([]string{"svc/other"}) {
		t.Error("Unrelated resources must not be frozen")
	}
}

func TestScanOnceDoesNotReopenKnownPairs(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	inProgressTask(t, s, []string{"svc/api"})
	inProgressTask(t, s, []string{"svc/api", "svc/db"})

	r := newTestResolver(t, s)
	r.ScanOnce()
	r.ScanOnce()

	cases, _ := s.ListConflictCases("")
	if len(cases) != 1 {
		t.Errorf("Expected pair to be detected once, got %d cases", len(cases))
	}
}

func TestAcknowledgeThawsFrozenResources(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	inProgressTask(t, s, []string{"svc/api", "svc/db"})
	inProgressTask(t, s, []string{"svc/db", "svc/cache"})

	r := newTestResolver(t, s)
	r.ScanOnce()
	if !r.IsFrozen([]string{"svc/db"}) {
		t.Fatal("Expected freeze after escalation")
	}

	events, _ := s.ListCrisisEvents(true)
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if err := s.AcknowledgeCrisisEvent(events[0].ID, "op1"); err != nil {
		t.Fatalf("AcknowledgeCrisisEvent failed: %v", err)
	}

	r.ScanOnce()
	if r.IsFrozen([]string{"svc/db"}) {
		t.Error("Acknowledgement should thaw the frozen resources")
	}
}
