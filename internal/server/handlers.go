package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/backup"
	"github.com/ShayCichocki/relay/internal/circuit"
	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/internal/oversight"
	"github.com/ShayCichocki/relay/internal/state"
	"github.com/ShayCichocki/relay/pkg/models"
)

// TaskRequest is the POST /v1/tasks body.
type TaskRequest struct {
	AgentType       string          `json:"agent_type"`
	Description     string          `json:"description"`
	Priority        models.Priority `json:"priority,omitempty"`
	CriticalPath    bool            `json:"critical_path,omitempty"`
	Context         map[string]any  `json:"context,omitempty"`
	ParentTaskID    string          `json:"parent_task_id,omitempty"`
	EstimateSeconds int             `json:"estimate_seconds,omitempty"`
}

// DecisionRequest is the POST /v1/oversight/{id}/decision body.
type DecisionRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// CircuitView pairs a circuit with its agent type's policy.
type CircuitView struct {
	circuit.Circuit
	Config circuit.AgentConfig `json:"config"`
}

// DeploymentsView lists active and finished backup deployments.
type DeploymentsView struct {
	Active  []backup.Deployment `json:"active"`
	History []backup.Deployment `json:"history"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.WorkflowStatus())
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := s.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		AgentType:    req.AgentType,
		Description:  req.Description,
		Priority:     req.Priority,
		CriticalPath: req.CriticalPath,
		Context:      req.Context,
		ParentTaskID: req.ParentTaskID,
		Estimate:     time.Duration(req.EstimateSeconds) * time.Second,
	})
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, orchestrator.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	code := http.StatusAccepted
	if sub.Status.IsTerminal() {
		code = http.StatusOK
	}
	s.writeJSON(w, code, sub)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := state.TaskFilter{
		Status:    models.TaskStatus(q.Get("status")),
		AgentType: q.Get("agent_type"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	if s.tasks != nil {
		tasks, err := s.tasks.ListTasks(filter)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, tasks)
		return
	}

	history := s.orch.History()
	out := make([]models.Task, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.AgentType != "" && t.AgentType != filter.AgentType {
			continue
		}
		out = append(out, t)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if t, ok := s.orch.Task(id); ok {
		s.writeJSON(w, http.StatusOK, t)
		return
	}
	if s.tasks != nil {
		t, err := s.tasks.GetTask(id)
		if err == nil {
			s.writeJSON(w, http.StatusOK, t)
			return
		}
		if !errors.Is(err, state.ErrNotFound) {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "task not found")
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.orch.Cancel(id)
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrNotQueued):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		t, _ := s.orch.Task(id)
		s.writeJSON(w, http.StatusOK, t)
	}
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Broker().Pending())
}

func (s *Server) oversightHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Broker().History())
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.orch.Broker().Decide(id, req.Approved, req.Reason)
	if errors.Is(err, oversight.ErrUnknownRequest) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listCircuits(w http.ResponseWriter, r *http.Request) {
	reg := s.orch.Circuits()
	names := map[string]struct{}{}
	for name := range reg.Configs() {
		names[name] = struct{}{}
	}
	for _, c := range reg.Circuits() {
		names[c.AgentType] = struct{}{}
	}

	out := make([]CircuitView, 0, len(names))
	for name := range names {
		out = append(out, CircuitView{Circuit: reg.Snapshot(name), Config: reg.Config(name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentType < out[j].AgentType })
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) resetCircuit(w http.ResponseWriter, r *http.Request) {
	agentType := chi.URLParam(r, "agentType")
	reg := s.orch.Circuits()
	reg.Reset(agentType)
	s.writeJSON(w, http.StatusOK, CircuitView{Circuit: reg.Snapshot(agentType), Config: reg.Config(agentType)})
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	res := s.orch.Resolver()
	s.writeJSON(w, http.StatusOK, DeploymentsView{Active: res.Active(), History: res.History()})
}

func (s *Server) deploymentStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Resolver().Statistics())
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, errorBody{Error: msg})
}
