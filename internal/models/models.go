// Package models defines the core domain types for fleetcore.
package models

import "time"

// AgentStatus represents the current lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusSpawning     AgentStatus = "spawning"
	AgentStatusIdle         AgentStatus = "idle"
	AgentStatusBusy         AgentStatus = "busy"
	AgentStatusDegraded     AgentStatus = "degraded"
	AgentStatusUnresponsive AgentStatus = "unresponsive"
	AgentStatusRetired      AgentStatus = "retired"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusReassigned TaskStatus = "reassigned"
)

// Agent represents a worker process managed by the pool.
// Status transitions are the only permitted mutation path; the process
// handle itself is owned exclusively by the pool manager.
type Agent struct {
	ID            string      `json:"id"`
	Capabilities  []string    `json:"capabilities"`
	Status        AgentStatus `json:"status"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	LastHeartbeat *time.Time  `json:"last_heartbeat,omitempty"`
	Revision      int64       `json:"revision"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// HasCapability reports whether the agent can serve the given capability tag.
func (a *Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Task represents a unit of work distributed to agents.
// At most one agent holds a task in assigned/in_progress at any time.
type Task struct {
	ID            string     `json:"id"`
	Capability    string     `json:"capability"`
	Priority      int        `json:"priority"`
	Payload       string     `json:"payload,omitempty"`
	Status        TaskStatus `json:"status"`
	AssignedAgent string     `json:"assigned_agent,omitempty"`
	Attempts      int        `json:"attempts"`
	ResourceScope []string   `json:"resource_scope,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	CancelWanted  bool       `json:"cancel_wanted,omitempty"`
	Revision      int64      `json:"revision"`
	EnqueuedAt    time.Time  `json:"enqueued_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HeartbeatRecord is the latest liveness signal received from an agent.
// Ephemeral; retained only long enough to compute rolling health.
type HeartbeatRecord struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload,omitempty"`
}

// ConflictResolution is the outcome recorded on a ConflictCase.
type ConflictResolution string

const (
	ResolutionPending      ConflictResolution = "pending"
	ResolutionAutoResolved ConflictResolution = "auto-resolved"
	ResolutionEscalated    ConflictResolution = "escalated"
)

// ChangeDescriptor describes one side of a contended change: the task that
// produced it and the resource paths it touched, as declared by the submitter.
type ChangeDescriptor struct {
	TaskID    string   `json:"task_id"`
	Resources []string `json:"resources"`
}

// ConflictCase records overlapping changes produced by concurrent tasks.
type ConflictCase struct {
	ID         string             `json:"id"`
	TaskIDs    []string           `json:"task_ids"`
	Changes    []ChangeDescriptor `json:"changes"`
	DetectedAt time.Time          `json:"detected_at"`
	Resolution ConflictResolution `json:"resolution"`
	Detail     string             `json:"detail,omitempty"`
}

// Severity orders crisis events; RED outranks ORANGE outranks YELLOW.
type Severity string

const (
	SeverityRed    Severity = "RED"
	SeverityOrange Severity = "ORANGE"
	SeverityYellow Severity = "YELLOW"
)

// Rank returns a numeric rank for priority ordering (higher = more urgent).
func (s Severity) Rank() int {
	switch s {
	case SeverityRed:
		return 3
	case SeverityOrange:
		return 2
	case SeverityYellow:
		return 1
	}
	return 0
}

// CrisisCategory classifies what kind of anomaly a crisis event describes.
type CrisisCategory string

const (
	CategoryUnresponsiveAgent CrisisCategory = "unresponsive-agent"
	CategoryConflict          CrisisCategory = "conflict"
	CategoryDeadlineRisk      CrisisCategory = "deadline-risk"
	CategoryCapacity          CrisisCategory = "capacity"
)

// CrisisEvent is a prioritized alert describing an anomaly. Append-only;
// never mutated after creation except to mark acknowledgement.
type CrisisEvent struct {
	ID           string         `json:"id"`
	Severity     Severity       `json:"severity"`
	Category     CrisisCategory `json:"category"`
	SubjectID    string         `json:"subject_id"`
	SubjectKind  string         `json:"subject_kind"` // "agent" or "task"
	Detail       string         `json:"detail,omitempty"`
	Urgency      int            `json:"urgency"`
	CreatedAt    time.Time      `json:"created_at"`
	Acknowledged bool           `json:"acknowledged"`
	AckedBy      string         `json:"acked_by,omitempty"`
	AckedAt      *time.Time     `json:"acked_at,omitempty"`
}

// EscalationRecord is handed to the external human-notification channel when
// a RED event misses its acknowledgement budget twice.
type EscalationRecord struct {
	EventID        string        `json:"event_id"`
	History        []CrisisEvent `json:"history"`
	SubjectID      string        `json:"subject_id"`
	SubjectKind    string        `json:"subject_kind"`
	Remediations   []string      `json:"remediations"`
	Recommendation string        `json:"recommendation"`
	CreatedAt      time.Time     `json:"created_at"`
}
