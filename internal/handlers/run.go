package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dres-dev/DRES-sub000/internal/auth"
	"github.com/dres-dev/DRES-sub000/internal/errors"
	"github.com/dres-dev/DRES-sub000/internal/models"
	"github.com/dres-dev/DRES-sub000/internal/run"
)

// caller extracts the authenticated caller; routes behind the auth
// middleware always have one.
func caller(r *http.Request) run.Caller {
	c, _ := auth.CallerFromContext(r.Context())
	return c
}

func (h *Handlers) orchestrator(w http.ResponseWriter, r *http.Request) (*run.Orchestrator, bool) {
	orc, err := h.Registry.Get(chi.URLParam(r, "runID"))
	if err != nil {
		h.respondError(w, err)
		return nil, false
	}
	return orc, true
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	token, ok := h.Auth.Login(req.Username, req.Password)
	if !ok {
		respondJSON(w, http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid credentials"})
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	respondJSON(w, http.StatusOK, LoginResponse{Token: token})
}

// handleCreateRun schedules a new evaluation run from a stored template
func (h *Handlers) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	template, err := h.Repo.LoadTemplate(r.Context(), req.TemplateID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	name := req.Name
	if name == "" {
		name = template.Name
	}
	evalRun := &models.EvaluationRun{
		ID:       uuid.NewString(),
		Name:     name,
		Kind:     models.RunKind(req.Kind),
		Template: *template,
		Status:   models.RunCreated,
	}
	if evalRun.Kind == "" {
		evalRun.Kind = models.KindSynchronous
	}
	orc := run.NewOrchestrator(h.Log, evalRun, h.Repo, h.Audit, h.Hub, h.LoopOpts)
	// save before the loop starts so this request never serializes a
	// run another goroutine is driving
	if err := h.Repo.Save(r.Context(), evalRun); err != nil {
		h.Log.Warn("initial run save failed", "run", evalRun.ID, "error", err)
	}
	// the loop outlives this request
	if err := h.Registry.Schedule(context.Background(), orc); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, CreateRunResponse{RunID: evalRun.ID})
}

func (h *Handlers) handleListRuns(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": h.Registry.ActiveRuns()})
}

func (h *Handlers) handleStartRun(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	if err := orc.Start(r.Context(), caller(r)); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "started"})
}

func (h *Handlers) handleEndRun(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	if err := orc.End(r.Context(), caller(r)); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "terminated"})
}

func (h *Handlers) handleReactivateRun(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	if err := orc.Reactivate(r.Context(), caller(r)); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "reactivated"})
}

func (h *Handlers) handleNext(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	if err := orc.Next(r.Context(), caller(r)); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "moved"})
}

func (h *Handlers) handlePrevious(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	if err := orc.Previous(r.Context(), caller(r)); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "moved"})
}

func (h *Handlers) handleGoTo(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	var req GoToRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	if err := orc.GoTo(r.Context(), caller(r), req.Index); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "moved"})
}

func (h *Handlers) handleStartTask(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	taskID, err := orc.StartTask(r.Context(), caller(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"task_run_id": taskID})
}

func (h *Handlers) handleAbortTask(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	if err := orc.AbortTask(r.Context(), caller(r)); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "aborted"})
}

func (h *Handlers) handleReactivateTask(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	if err := orc.ReactivateTask(r.Context(), caller(r), chi.URLParam(r, "taskRunID")); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "reactivated"})
}

func (h *Handlers) handleAdjustDuration(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	var req AdjustDurationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	delta := time.Duration(req.DeltaSeconds) * time.Second
	if err := orc.AdjustDuration(r.Context(), caller(r), delta); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "adjusted"})
}

func (h *Handlers) handleOverrideReady(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	if err := orc.OverrideReadyState(r.Context(), caller(r), chi.URLParam(r, "clientID")); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "ready"})
}

func (h *Handlers) handlePostSubmission(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	var req SubmissionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	target := models.SubmissionTarget{
		ItemID:  req.ItemID,
		StartMs: req.StartMs,
		EndMs:   req.EndMs,
		Text:    req.Text,
	}
	status, err := orc.PostSubmission(r.Context(), caller(r), target)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, SubmissionResponse{Status: status})
}

func (h *Handlers) handleUpdateSubmission(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	var req VerdictRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	err := orc.UpdateSubmissionStatus(r.Context(), caller(r), chi.URLParam(r, "submissionID"), models.SubmissionStatus(req.Verdict))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "updated"})
}

func (h *Handlers) handleNextJudgement(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	token, sub, err := orc.NextJudgement(r.Context(), caller(r))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, JudgementResponse{Token: token, Submission: sub})
}

func (h *Handlers) handlePostJudgement(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	var req VerdictRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	if req.Token == "" {
		h.respondError(w, errors.InvalidArgument("judgement token is required"))
		return
	}
	if err := orc.PostJudgement(r.Context(), caller(r), req.Token, models.SubmissionStatus(req.Verdict)); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "judged"})
}

func (h *Handlers) handlePostVote(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	var req VerdictRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	if err := orc.PostVote(r.Context(), caller(r), models.SubmissionStatus(req.Verdict)); err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "voted"})
}

func (h *Handlers) handleRunState(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	resp := RunStateResponse{
		RunID:     orc.ID(),
		Status:    orc.Status(),
		Readiness: orc.Readiness(),
	}
	if info, err := orc.CurrentTaskInfo(); err == nil {
		resp.Task = &info
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	subs, err := orc.Submissions(caller(r), chi.URLParam(r, "taskRunID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"submissions": subs})
}

func (h *Handlers) handleScoreboards(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, orc.Scoreboards())
}

func (h *Handlers) handleScoreSeries(w http.ResponseWriter, r *http.Request) {
	orc, ok := h.orchestrator(w, r)
	if !ok {
		return
	}
	series, err := orc.ScoreSeries(chi.URLParam(r, "board"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"series": series})
}
