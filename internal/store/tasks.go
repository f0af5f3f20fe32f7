package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rgordey/fleetcore/internal/models"
)

// TaskFilter narrows ListTasks results. Zero values mean "any".
type TaskFilter struct {
	Status     models.TaskStatus
	Capability string
}

// CreateTask inserts a new queued task.
func (s *Store) CreateTask(capability string, priority int, payload string, resourceScope []string, deadline *time.Time) (*models.Task, error) {
	now := time.Now().UTC()
	task := &models.Task{
		ID:            uuid.New().String(),
		Capability:    capability,
		Priority:      priority,
		Payload:       payload,
		Status:        models.TaskStatusQueued,
		ResourceScope: resourceScope,
		Deadline:      deadline,
		Revision:      1,
		EnqueuedAt:    now,
		UpdatedAt:     now,
	}

	scope, err := json.Marshal(resourceScope)
	if err != nil {
		return nil, fmt.Errorf("marshal resource scope: %w", err)
	}

	var dl interface{}
	if deadline != nil {
		dl = deadline.UTC()
	}

	_, err = s.db.Exec(
		`INSERT INTO tasks (id, capability, priority, payload, status, resource_scope, deadline, rev, enqueued_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Capability, task.Priority, task.Payload, task.Status, string(scope), dl,
		task.Revision, task.EnqueuedAt, task.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// GetTask retrieves a task by ID. Returns (nil, nil) when absent.
func (s *Store) GetTask(id string) (*models.Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, highest priority first and
// FIFO within a priority band.
func (s *Store) ListTasks(filter TaskFilter) ([]models.Task, error) {
	query := taskSelect
	var args []interface{}
	var where []string

	if filter.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, filter.Status)
	}
	if filter.Capability != "" {
		where = append(where, `capability = ?`)
		args = append(args, filter.Capability)
	}
	for i, cond := range where {
		if i == 0 {
			query += ` WHERE ` + cond
		} else {
			query += ` AND ` + cond
		}
	}
	query += ` ORDER BY priority DESC, enqueued_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// CountTasks returns the number of tasks in the given status.
func (s *Store) CountTasks(status models.TaskStatus) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// TransitionTask compare-and-swaps a task's status. It fails with
// StaleStateError if the persisted status does not match from.
func (s *Store) TransitionTask(id string, from, to models.TaskStatus) error {
	result, err := s.db.Exec(
		`UPDATE tasks SET status = ?, rev = rev + 1, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, from,
	)
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return s.staleTask(id, from)
	}
	return nil
}

// AssignTaskTx atomically assigns a queued task to an idle agent: the task is
// compare-and-swapped queued -> assigned and the agent idle -> busy in a
// single transaction. Either CAS failing rolls back the whole assignment, so
// no task is ever double-assigned and no record is left dangling.
func (s *Store) AssignTaskTx(taskID, agentID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	result, err := tx.Exec(
		`UPDATE tasks SET status = ?, assigned_agent = ?, rev = rev + 1, updated_at = ? WHERE id = ? AND status = ?`,
		models.TaskStatusAssigned, agentID, now, taskID, models.TaskStatusQueued,
	)
	if err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.staleTaskTx(tx, taskID, models.TaskStatusQueued)
	}

	result, err = tx.Exec(
		`UPDATE agents SET status = ?, current_task_id = ?, rev = rev + 1, updated_at = ? WHERE id = ? AND status = ?`,
		models.AgentStatusBusy, taskID, now, agentID, models.AgentStatusIdle,
	)
	if err != nil {
		return fmt.Errorf("assign agent: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.staleAgentTx(tx, agentID, models.AgentStatusIdle)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RequeueTaskTx compare-and-swaps a task from the given status back to
// queued, incrementing its attempt count and clearing the prior holder. The
// holding agent's task reference is cleared in the same transaction. Used on
// reassignment after an agent goes unresponsive.
func (s *Store) RequeueTaskTx(taskID string, from models.TaskStatus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	result, err := tx.Exec(
		`UPDATE tasks SET status = ?, assigned_agent = NULL, attempts = attempts + 1, rev = rev + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		models.TaskStatusQueued, now, taskID, from,
	)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.staleTaskTx(tx, taskID, from)
	}

	_, err = tx.Exec(
		`UPDATE agents SET current_task_id = NULL, rev = rev + 1, updated_at = ? WHERE current_task_id = ?`,
		now, taskID,
	)
	if err != nil {
		return fmt.Errorf("clear agent task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// FinishTaskTx moves a task from in_progress to a terminal status and returns
// its agent to idle in a single transaction.
func (s *Store) FinishTaskTx(taskID, agentID string, to models.TaskStatus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	result, err := tx.Exec(
		`UPDATE tasks SET status = ?, rev = rev + 1, updated_at = ? WHERE id = ? AND status = ?`,
		to, now, taskID, models.TaskStatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.staleTaskTx(tx, taskID, models.TaskStatusInProgress)
	}

	result, err = tx.Exec(
		`UPDATE agents SET status = ?, current_task_id = NULL, rev = rev + 1, updated_at = ? WHERE id = ? AND status = ?`,
		models.AgentStatusIdle, now, agentID, models.AgentStatusBusy,
	)
	if err != nil {
		return fmt.Errorf("release agent: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.staleAgentTx(tx, agentID, models.AgentStatusBusy)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CancelTaskTx cancels a task via CAS to failed. Permitted only from queued
// or assigned; an assigned task's agent is returned to idle. For in_progress
// tasks cancellation is advisory: use SetCancelWanted instead.
func (s *Store) CancelTaskTx(taskID string, from models.TaskStatus) error {
	if from != models.TaskStatusQueued && from != models.TaskStatusAssigned {
		return fmt.Errorf("cancel not permitted from status %q", from)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	result, err := tx.Exec(
		`UPDATE tasks SET status = ?, assigned_agent = NULL, rev = rev + 1, updated_at = ? WHERE id = ? AND status = ?`,
		models.TaskStatusFailed, now, taskID, from,
	)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return s.staleTaskTx(tx, taskID, from)
	}

	if from == models.TaskStatusAssigned {
		_, err = tx.Exec(
			`UPDATE agents SET status = ?, current_task_id = NULL, rev = rev + 1, updated_at = ?
			 WHERE current_task_id = ? AND status = ?`,
			models.AgentStatusIdle, now, taskID, models.AgentStatusBusy,
		)
		if err != nil {
			return fmt.Errorf("release agent: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SetCancelWanted marks advisory cancellation intent on an in_progress task.
// The agent is expected to check cooperatively; the core never forces it.
func (s *Store) SetCancelWanted(taskID string) error {
	result, err := s.db.Exec(
		`UPDATE tasks SET cancel_wanted = 1, rev = rev + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), taskID,
	)
	if err != nil {
		return fmt.Errorf("set cancel wanted: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

const taskSelect = `SELECT id, capability, priority, payload, status, assigned_agent, attempts, resource_scope, deadline, cancel_wanted, rev, enqueued_at, updated_at FROM tasks`

func (s *Store) staleTask(id string, expected models.TaskStatus) error {
	current, err := s.GetTask(id)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrTaskNotFound
	}
	return &StaleStateError{Entity: "task", ID: id, Expected: string(expected), Actual: string(current.Status)}
}

// staleTaskTx reads the current status inside the transaction so the error
// reflects the state the CAS actually raced against.
func (s *Store) staleTaskTx(tx *sql.Tx, id string, expected models.TaskStatus) error {
	var actual string
	err := tx.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&actual)
	if err == sql.ErrNoRows {
		return ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("query task status: %w", err)
	}
	return &StaleStateError{Entity: "task", ID: id, Expected: string(expected), Actual: actual}
}

func (s *Store) staleAgentTx(tx *sql.Tx, id string, expected models.AgentStatus) error {
	var actual string
	err := tx.QueryRow(`SELECT status FROM agents WHERE id = ?`, id).Scan(&actual)
	if err == sql.ErrNoRows {
		return ErrAgentNotFound
	}
	if err != nil {
		return fmt.Errorf("query agent status: %w", err)
	}
	return &StaleStateError{Entity: "agent", ID: id, Expected: string(expected), Actual: actual}
}

func scanTask(sc scanner) (*models.Task, error) {
	task := &models.Task{}
	var payload, scope, assignedAgent sql.NullString
	var deadline sql.NullTime
	var cancelWanted int

	err := sc.Scan(&task.ID, &task.Capability, &task.Priority, &payload, &task.Status,
		&assignedAgent, &task.Attempts, &scope, &deadline, &cancelWanted,
		&task.Revision, &task.EnqueuedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		task.Payload = payload.String
	}
	if assignedAgent.Valid {
		task.AssignedAgent = assignedAgent.String
	}
	if scope.Valid && scope.String != "" {
		if err := json.Unmarshal([]byte(scope.String), &task.ResourceScope); err != nil {
			return nil, fmt.Errorf("unmarshal resource scope: %w", err)
		}
	}
	if deadline.Valid {
		dl := deadline.Time
		task.Deadline = &dl
	}
	task.CancelWanted = cancelWanted != 0
	return task, nil
}
