package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/regentlabs/regent/internal/autonomy"
	"github.com/regentlabs/regent/internal/gate"
	"github.com/regentlabs/regent/internal/model"
	"github.com/regentlabs/regent/internal/storage"
	"github.com/regentlabs/regent/internal/tower"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func pageParams(r *http.Request) (limit, offset int) {
	limit = queryInt(r, "limit", defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return limit, queryInt(r, "offset", 0)
}

// respondStoreErr maps storage sentinels onto HTTP statuses. Anything
// unrecognized is a 500 with the detail kept server-side.
func (s *Server) respondStoreErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, storage.ErrConcurrentModification),
		errors.Is(err, storage.ErrDuplicateJob),
		errors.Is(err, storage.ErrPendingTicketExists):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	default:
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.DB.Ping(ctx); err != nil {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]any{
			"status":  "degraded",
			"version": s.deps.Version,
		})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.deps.Version,
	})
}

// --- jobs ---

func (s *Server) handleRegisterJob(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	def := model.JobDefinition{
		ID:          req.ID,
		Schedule:    req.Schedule,
		Handler:     req.Handler,
		MaxAttempts: req.MaxAttempts,
		Enabled:     true,
	}
	if err := s.deps.Scheduler.RegisterJob(r.Context(), def); err != nil {
		if errors.Is(err, storage.ErrDuplicateJob) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	created, err := s.deps.Scheduler.Job(r.Context(), def.ID)
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Scheduler.ListJobs(r.Context())
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleEnableJob(w http.ResponseWriter, r *http.Request) {
	s.setJobEnabled(w, r, true)
}

func (s *Server) handleDisableJob(w http.ResponseWriter, r *http.Request) {
	s.setJobEnabled(w, r, false)
}

func (s *Server) setJobEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	jobID := r.PathValue("job_id")
	if err := model.ValidateJobID(jobID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := s.deps.Scheduler.SetEnabled(r.Context(), jobID, enabled); err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"id": jobID, "enabled": enabled})
}

// --- dead-letter queue ---

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Scheduler.ListDLQ(r.Context())
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleReplayDLQ(w http.ResponseWriter, r *http.Request) {
	entryID, err := model.ParseUUID("entry_id", r.PathValue("entry_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	exec, err := s.deps.Scheduler.Replay(r.Context(), entryID)
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, exec)
}

func (s *Server) handlePurgeDLQ(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Scheduler.PurgeDLQ(r.Context())
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"purged": n})
}

// --- runs ---

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req model.StartRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := model.ValidateWorkflowName(req.Workflow); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := s.deps.Engine.StartRun(r.Context(), model.TriggerOperator, req.Workflow, req.Input)
	if err != nil {
		if errors.Is(err, tower.ErrUnknownWorkflow) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	status, err := parseRunStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit, offset := pageParams(r)

	runs, err := s.deps.Engine.ListRuns(r.Context(), status, limit, offset)
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := model.ParseUUID("run_id", r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	detail, err := s.deps.Engine.GetRun(r.Context(), runID)
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := model.ParseUUID("run_id", r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.CancelRunRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if len(req.Reason) > model.MaxReasonLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason too long")
		return
	}

	if err := s.deps.Engine.Cancel(r.Context(), runID, req.Reason); err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	detail, err := s.deps.Engine.GetRun(r.Context(), runID)
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail.Run)
}

// --- tickets ---

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	status, err := parseTicketStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit, offset := pageParams(r)

	tickets, err := s.deps.Engine.ListTickets(r.Context(), status, limit, offset)
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"tickets": tickets})
}

func (s *Server) handleDecideTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, err := model.ParseUUID("ticket_id", r.PathValue("ticket_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.DecideTicketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.DecidedBy == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "decided_by is required")
		return
	}

	ticket, err := s.deps.Engine.Decide(r.Context(), ticketID, req.Approve, req.DecidedBy, req.Payload)
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ticket)
}

// --- gate ---

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req model.EvaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return
	}

	decision, err := s.deps.Gate.Evaluate(r.Context(), req.Subject, req.SubjectType, gate.ContextFromMap(req.Context))
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, decision)
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	decisions, err := s.deps.Gate.ListRecent(r.Context(), limit, offset)
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"decisions": decisions})
}

// --- autonomy ---

func (s *Server) handleAutonomyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.deps.Loop.Status(r.Context()))
}

func (s *Server) handleAutonomyPause(w http.ResponseWriter, r *http.Request) {
	var req model.PauseRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	reason, err := parsePauseReason(req.Reason)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	s.deps.Loop.Pause(r.Context(), reason)
	writeJSON(w, r, http.StatusOK, s.deps.Loop.Status(r.Context()))
}

func (s *Server) handleAutonomyResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Loop.Resume(r.Context())
	writeJSON(w, r, http.StatusOK, s.deps.Loop.Status(r.Context()))
}

func (s *Server) handleAutonomyEnqueue(w http.ResponseWriter, r *http.Request) {
	var item autonomy.WorkItem
	if err := decodeJSON(r, &item); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if item.Workflow == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "workflow is required")
		return
	}
	if item.Subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return
	}

	if err := s.deps.Loop.Enqueue(r.Context(), item); err != nil {
		if errors.Is(err, autonomy.ErrNoQueue) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
			return
		}
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, s.deps.Loop.Status(r.Context()))
}

func (s *Server) handleAutonomyClearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Loop.ClearQueue(r.Context())
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"dropped": n})
}

func (s *Server) handleAutonomyAudit(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	entries, err := s.deps.Loop.Audit(r.Context(), limit, offset)
	if err != nil {
		s.respondStoreErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"entries": entries})
}

// --- breakers ---

func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"breakers": s.deps.Breakers.Snapshots()})
}

// --- query parsing ---

func parseRunStatus(raw string) (model.RunStatus, error) {
	switch model.RunStatus(raw) {
	case "", model.RunStatusQueued, model.RunStatusRunning, model.RunStatusWaitingOnTicket,
		model.RunStatusSucceeded, model.RunStatusFailed, model.RunStatusCancelled:
		return model.RunStatus(raw), nil
	}
	return "", fmt.Errorf("invalid run status %q", raw)
}

func parseTicketStatus(raw string) (model.TicketStatus, error) {
	switch model.TicketStatus(raw) {
	case "", model.TicketPending, model.TicketApproved, model.TicketRejected, model.TicketExpired:
		return model.TicketStatus(raw), nil
	}
	return "", fmt.Errorf("invalid ticket status %q", raw)
}

func parsePauseReason(raw string) (model.PauseReason, error) {
	switch model.PauseReason(raw) {
	case "", model.PauseManual, model.PauseCreditExhausted, model.PauseErrorThreshold:
		return model.PauseReason(raw), nil
	}
	return "", fmt.Errorf("invalid pause reason %q", raw)
}
