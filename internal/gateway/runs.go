package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/agentrunner/internal/checkpoint"
	"github.com/dohr-michael/agentrunner/internal/dispatch"
	"github.com/dohr-michael/agentrunner/internal/runs"
)

// runDetail is a run with its decoded checkpoint.
type runDetail struct {
	*runs.Run
	PlanState  json.RawMessage        `json:"plan_state,omitempty"`
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := runs.Filter{Limit: queryInt(r, "limit", 50)}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := runs.Status(strings.TrimSpace(part))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "unknown status: "+string(st))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	list, err := s.runs.List(r.Context(), filter)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if list == nil {
		list = []*runs.Run{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req dispatch.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	run, err := s.control.Enqueue(r.Context(), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	detail := runDetail{Run: run}
	if cp, err := checkpoint.Decode(run.PlanState); err == nil {
		detail.Checkpoint = cp
	} else {
		detail.PlanState = run.PlanState
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleRunAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not available")
		return
	}
	entries, err := s.audit.List(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 200))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.runOp(w, r, s.control.CancelRun, runs.StatusCanceled)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.runOp(w, r, s.control.StopRun, runs.StatusStopped)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.runOp(w, r, s.control.ResumeRun, runs.StatusQueued)
}

// runOp applies a single-run control operation and reports the resulting status.
func (s *Server) runOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error, to runs.Status) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(to)})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StepID string `json:"step_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	id := chi.URLParam(r, "id")
	step, err := s.control.ApproveRun(r.Context(), id, body.StepID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "step_id": step})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.control.DeleteRun(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePurge bulk-deletes runs: ?scope=terminal&older_than=72h.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		writeError(w, http.StatusBadRequest, "scope is required")
		return
	}
	var cutoff time.Time
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid older_than: "+err.Error())
			return
		}
		cutoff = time.Now().Add(-d)
	}
	if _, err := runs.DeletableStatuses(scope); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := s.control.DeleteTerminal(r.Context(), scope, cutoff)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": ids})
}

// writeFailure maps domain errors onto status codes.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrNotDeletable), errors.Is(err, dispatch.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
