package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rgordey/fleetcore/internal/models"
)

// AgentFilter narrows ListAgents results. Zero values mean "any".
type AgentFilter struct {
	Status     models.AgentStatus
	Capability string
}

// CreateAgent inserts a new agent record in the given status.
func (s *Store) CreateAgent(capabilities []string, status models.AgentStatus) (*models.Agent, error) {
	now := time.Now().UTC()
	agent := &models.Agent{
		ID:           uuid.New().String(),
		Capabilities: capabilities,
		Status:       status,
		Revision:     1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	caps, err := json.Marshal(capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO agents (id, capabilities, status, rev, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		agent.ID, string(caps), agent.Status, agent.Revision, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by ID. Returns (nil, nil) when absent.
func (s *Store) GetAgent(id string) (*models.Agent, error) {
	row := s.db.QueryRow(
		`SELECT id, capabilities, status, current_task_id, last_heartbeat, rev, created_at, updated_at FROM agents WHERE id = ?`,
		id,
	)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns agents matching the filter, oldest first.
func (s *Store) ListAgents(filter AgentFilter) ([]models.Agent, error) {
	query := `SELECT id, capabilities, status, current_task_id, last_heartbeat, rev, created_at, updated_at FROM agents`
	var args []interface{}

	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if filter.Capability != "" && !agent.HasCapability(filter.Capability) {
			continue
		}
		agents = append(agents, *agent)
	}
	return agents, rows.Err()
}

// TransitionAgent compare-and-swaps an agent's status. It fails with
// StaleStateError if the persisted status does not match from.
func (s *Store) TransitionAgent(id string, from, to models.AgentStatus) error {
	result, err := s.db.Exec(
		`UPDATE agents SET status = ?, rev = rev + 1, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, from,
	)
	if err != nil {
		return fmt.Errorf("transition agent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return s.staleAgent(id, from)
	}
	return nil
}

// RecordHeartbeat stores an agent's latest heartbeat timestamp. Out-of-order
// heartbeats (older than the last recorded one) are dropped; the return value
// reports whether the record was applied.
func (s *Store) RecordHeartbeat(id string, ts time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE agents SET last_heartbeat = ? WHERE id = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		ts.UTC(), id, ts.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record heartbeat: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return affected > 0, nil
}

// PurgeRetiredAgents deletes retired agents whose last update is older than
// cutoff. Returns the number of rows purged.
func (s *Store) PurgeRetiredAgents(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM agents WHERE status = ? AND updated_at < ?`,
		models.AgentStatusRetired, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge retired agents: %w", err)
	}
	return result.RowsAffected()
}

// staleAgent builds the StaleStateError (or ErrAgentNotFound) for a failed CAS.
func (s *Store) staleAgent(id string, expected models.AgentStatus) error {
	current, err := s.GetAgent(id)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrAgentNotFound
	}
	return &StaleStateError{Entity: "agent", ID: id, Expected: string(expected), Actual: string(current.Status)}
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(sc scanner) (*models.Agent, error) {
	agent := &models.Agent{}
	var caps string
	var currentTask sql.NullString
	var lastHeartbeat sql.NullTime

	err := sc.Scan(&agent.ID, &caps, &agent.Status, &currentTask, &lastHeartbeat,
		&agent.Revision, &agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &agent.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	if currentTask.Valid {
		agent.CurrentTaskID = currentTask.String
	}
	if lastHeartbeat.Valid {
		hb := lastHeartbeat.Time
		agent.LastHeartbeat = &hb
	}
	return agent, nil
}
