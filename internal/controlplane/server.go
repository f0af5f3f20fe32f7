package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rgordey/fleetcore/internal/consensus"
	"github.com/rgordey/fleetcore/internal/health"
	"github.com/rgordey/fleetcore/internal/models"
	"github.com/rgordey/fleetcore/internal/pool"
	"github.com/rgordey/fleetcore/internal/store"
)

// Server provides the HTTP API for fleetcore.
type Server struct {
	service *Service
	node    *consensus.Node
	addr    string
	log     zerolog.Logger
	server  *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, node *consensus.Node, addr string, log zerolog.Logger) *Server {
	return &Server{
		service: service,
		node:    node,
		addr:    addr,
		log:     log,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)

	mux.HandleFunc("/agents", s.handleAgents)
	mux.HandleFunc("/agents/", s.handleAgentByID)

	mux.HandleFunc("/crises", s.handleCrises)
	mux.HandleFunc("/crises/", s.handleCrisisByID)

	mux.HandleFunc("/conflicts", s.handleConflicts)
	mux.HandleFunc("/conflicts/", s.handleConflictByID)

	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/consensus/", consensus.Handler(s.node))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.log.Info().Str("addr", s.addr).Msg("control plane listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// writeJSON emits a JSON body. Reads served off-leader carry a staleness
// marker so clients know the view may lag.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if s.service.Stale() {
		w.Header().Set("X-Fleetcore-Stale", "true")
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto HTTP statuses. Non-leader rejections
// carry a leader hint so callers can redirect.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrAgentNotFound),
		errors.Is(err, store.ErrEventNotFound),
		errors.Is(err, store.ErrCaseNotFound),
		errors.Is(err, health.ErrUnknownAgent):
		status = http.StatusNotFound
	case store.IsStale(err):
		status = http.StatusConflict
	case errors.Is(err, ErrNotLeader), errors.Is(err, consensus.ErrNoLeader):
		status = http.StatusServiceUnavailable
		if hint := s.service.LeaderHint(); hint != "" {
			w.Header().Set("X-Fleetcore-Leader", hint)
		}
	case errors.Is(err, pool.ErrPoolExhausted):
		status = http.StatusTooManyRequests
	case errors.Is(err, ErrUnknownCapability):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

// --- Task Handlers ---

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	taskID, action := splitIDAction(r.URL.Path, "/tasks/")
	if taskID == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, r, taskID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelTask(w, r, taskID)
	case action == "start" && r.Method == http.MethodPost:
		s.startTask(w, r, taskID)
	case action == "complete" && r.Method == http.MethodPost:
		s.completeTask(w, r, taskID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

type submitTaskRequest struct {
	Capability    string     `json:"capability"`
	Priority      int        `json:"priority"`
	Payload       string     `json:"payload"`
	ResourceScope []string   `json:"resource_scope,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	task, err := s.service.SubmitTask(req.Capability, req.Priority, req.Payload, req.ResourceScope, req.Deadline)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.service.ListTasks(r.URL.Query().Get("status"), r.URL.Query().Get("capability"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.service.GetTask(taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := s.service.CancelTask(taskID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if err := s.service.StartTask(taskID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "in_progress"})
}

type completeTaskRequest struct {
	AgentID string `json:"agent_id"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request, taskID string) {
	var req completeTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if err := s.service.CompleteTask(taskID, req.AgentID, req.Success, req.Detail); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// --- Agent Handlers ---

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.spawnAgent(w, r)
	case http.MethodGet:
		s.listAgents(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	agentID, action := splitIDAction(r.URL.Path, "/agents/")
	if agentID == "" {
		http.Error(w, "agent id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getAgent(w, r, agentID)
	case action == "heartbeat" && r.Method == http.MethodPost:
		s.heartbeat(w, r, agentID)
	case action == "retire" && r.Method == http.MethodPost:
		s.retireAgent(w, r, agentID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

type spawnAgentRequest struct {
	Capabilities []string `json:"capabilities"`
}

func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var req spawnAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	agent, err := s.service.SpawnAgent(req.Capabilities)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.service.ListAgents(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	s.writeJSON(w, http.StatusOK, agents)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	detail, err := s.service.GetAgentDetail(agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

type heartbeatRequest struct {
	Payload string `json:"payload,omitempty"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, agentID string) {
	var req heartbeatRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	if err := s.service.Heartbeat(agentID, req.Payload); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) retireAgent(w http.ResponseWriter, r *http.Request, agentID string) {
	if err := s.service.RetireAgent(agentID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "retired"})
}

// --- Crisis Handlers ---

func (s *Server) handleCrises(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	events, err := s.service.ListCrises(r.URL.Query().Get("unacked") == "true")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []models.CrisisEvent{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

type ackRequest struct {
	OperatorID string `json:"operator_id"`
}

func (s *Server) handleCrisisByID(w http.ResponseWriter, r *http.Request) {
	eventID, action := splitIDAction(r.URL.Path, "/crises/")
	if eventID == "" {
		http.Error(w, "event id required", http.StatusBadRequest)
		return
	}
	if action != "ack" || r.Method != http.MethodPost {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.OperatorID == "" {
		http.Error(w, "operator_id required", http.StatusBadRequest)
		return
	}

	if err := s.service.AckCrisis(eventID, req.OperatorID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// --- Conflict Handlers ---

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cases, err := s.service.ListConflicts(r.URL.Query().Get("resolution"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cases == nil {
		cases = []models.ConflictCase{}
	}
	s.writeJSON(w, http.StatusOK, cases)
}

func (s *Server) handleConflictByID(w http.ResponseWriter, r *http.Request) {
	caseID, action := splitIDAction(r.URL.Path, "/conflicts/")
	if caseID == "" || action != "" || r.Method != http.MethodGet {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	kase, err := s.service.GetConflict(caseID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, kase)
}

// --- Status ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := s.service.Status()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// splitIDAction splits "/tasks/{id}/{action}" style paths.
func splitIDAction(path, prefix string) (id, action string) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) > 0 {
		id = parts[0]
	}
	if len(parts) > 1 {
		action = strings.TrimSuffix(parts[1], "/")
	}
	return id, action
}
