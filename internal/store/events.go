package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rgordey/fleetcore/internal/models"
)

// AppendCrisisEvent inserts a crisis event. Events are append-only; the only
// later mutation permitted is acknowledgement.
func (s *Store) AppendCrisisEvent(ev *models.CrisisEvent) (*models.CrisisEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO crisis_events (id, severity, category, subject_id, subject_kind, detail, urgency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Severity, ev.Category, ev.SubjectID, ev.SubjectKind, ev.Detail, ev.Urgency, ev.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert crisis event: %w", err)
	}
	return ev, nil
}

// GetCrisisEvent retrieves a crisis event by ID. Returns (nil, nil) when absent.
func (s *Store) GetCrisisEvent(id string) (*models.CrisisEvent, error) {
	row := s.db.QueryRow(crisisSelect+` WHERE id = ?`, id)
	ev, err := scanCrisisEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query crisis event: %w", err)
	}
	return ev, nil
}

// ListCrisisEvents returns events ordered most urgent first, then newest.
// With unackedOnly set, acknowledged events are excluded.
func (s *Store) ListCrisisEvents(unackedOnly bool) ([]models.CrisisEvent, error) {
	query := crisisSelect
	if unackedOnly {
		query += ` WHERE acknowledged = 0`
	}
	query += ` ORDER BY CASE severity WHEN 'RED' THEN 3 WHEN 'ORANGE' THEN 2 ELSE 1 END DESC, created_at DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query crisis events: %w", err)
	}
	defer rows.Close()

	var events []models.CrisisEvent
	for rows.Next() {
		ev, err := scanCrisisEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crisis event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// ListCrisisEventsForSubject returns all events referencing the subject,
// oldest first. Used to assemble escalation history.
func (s *Store) ListCrisisEventsForSubject(subjectID string) ([]models.CrisisEvent, error) {
	rows, err := s.db.Query(crisisSelect+` WHERE subject_id = ? ORDER BY created_at ASC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query crisis events: %w", err)
	}
	defer rows.Close()

	var events []models.CrisisEvent
	for rows.Next() {
		ev, err := scanCrisisEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crisis event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// AcknowledgeCrisisEvent marks an event acknowledged by an operator, which
// clears its auto-escalation timer. Idempotent: acknowledging twice keeps the
// first operator.
func (s *Store) AcknowledgeCrisisEvent(id, operatorID string) error {
	result, err := s.db.Exec(
		`UPDATE crisis_events SET acknowledged = 1, acked_by = ?, acked_at = ? WHERE id = ? AND acknowledged = 0`,
		operatorID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("acknowledge crisis event: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		ev, err := s.GetCrisisEvent(id)
		if err != nil {
			return err
		}
		if ev == nil {
			return ErrEventNotFound
		}
		// Already acknowledged.
	}
	return nil
}

const crisisSelect = `SELECT id, severity, category, subject_id, subject_kind, detail, urgency, created_at, acknowledged, acked_by, acked_at FROM crisis_events`

func scanCrisisEvent(sc scanner) (*models.CrisisEvent, error) {
	ev := &models.CrisisEvent{}
	var detail, ackedBy sql.NullString
	var ackedAt sql.NullTime
	var acknowledged int

	err := sc.Scan(&ev.ID, &ev.Severity, &ev.Category, &ev.SubjectID, &ev.SubjectKind,
		&detail, &ev.Urgency, &ev.CreatedAt, &acknowledged, &ackedBy, &ackedAt)
	if err != nil {
		return nil, err
	}
	if detail.Valid {
		ev.Detail = detail.String
	}
	ev.Acknowledged = acknowledged != 0
	if ackedBy.Valid {
		ev.AckedBy = ackedBy.String
	}
	if ackedAt.Valid {
		t := ackedAt.Time
		ev.AckedAt = &t
	}
	return ev, nil
}

// --- Conflict Cases ---

// CreateConflictCase records a detected overlap between concurrent changes.
func (s *Store) CreateConflictCase(c *models.ConflictCase) (*models.ConflictCase, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	if c.Resolution == "" {
		c.Resolution = models.ResolutionPending
	}

	taskIDs, err := json.Marshal(c.TaskIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal task ids: %w", err)
	}
	changes, err := json.Marshal(c.Changes)
	if err != nil {
		return nil, fmt.Errorf("marshal changes: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO conflict_cases (id, task_ids, changes, detected_at, resolution, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, string(taskIDs), string(changes), c.DetectedAt, c.Resolution, c.Detail,
	)
	if err != nil {
		return nil, fmt.Errorf("insert conflict case: %w", err)
	}
	return c, nil
}

// GetConflictCase retrieves a conflict case by ID. Returns (nil, nil) when absent.
func (s *Store) GetConflictCase(id string) (*models.ConflictCase, error) {
	row := s.db.QueryRow(conflictSelect+` WHERE id = ?`, id)
	c, err := scanConflictCase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query conflict case: %w", err)
	}
	return c, nil
}

// ListConflictCases returns cases with the given resolution, newest first.
// An empty resolution returns all cases.
func (s *Store) ListConflictCases(resolution models.ConflictResolution) ([]models.ConflictCase, error) {
	query := conflictSelect
	var args []interface{}
	if resolution != "" {
		query += ` WHERE resolution = ?`
		args = append(args, resolution)
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflict cases: %w", err)
	}
	defer rows.Close()

	var cases []models.ConflictCase
	for rows.Next() {
		c, err := scanConflictCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict case: %w", err)
		}
		cases = append(cases, *c)
	}
	return cases, rows.Err()
}

// ResolveConflictCase records the resolution outcome of a pending case.
func (s *Store) ResolveConflictCase(id string, resolution models.ConflictResolution, detail string) error {
	result, err := s.db.Exec(
		`UPDATE conflict_cases SET resolution = ?, detail = ? WHERE id = ? AND resolution = ?`,
		resolution, detail, id, models.ResolutionPending,
	)
	if err != nil {
		return fmt.Errorf("resolve conflict case: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		c, err := s.GetConflictCase(id)
		if err != nil {
			return err
		}
		if c == nil {
			return ErrCaseNotFound
		}
		return &StaleStateError{Entity: "conflict_case", ID: id, Expected: string(models.ResolutionPending), Actual: string(c.Resolution)}
	}
	return nil
}

const conflictSelect = `SELECT id, task_ids, changes, detected_at, resolution, detail FROM conflict_cases`

func scanConflictCase(sc scanner) (*models.ConflictCase, error) {
	c := &models.ConflictCase{}
	var taskIDs, changes string
	var detail sql.NullString

	err := sc.Scan(&c.ID, &taskIDs, &changes, &c.DetectedAt, &c.Resolution, &detail)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(taskIDs), &c.TaskIDs); err != nil {
		return nil, fmt.Errorf("unmarshal task ids: %w", err)
	}
	if err := json.Unmarshal([]byte(changes), &c.Changes); err != nil {
		return nil, fmt.Errorf("unmarshal changes: %w", err)
	}
	if detail.Valid {
		c.Detail = detail.String
	}
	return c, nil
}
