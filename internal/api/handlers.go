package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/finsec/kyt/internal/auth"
	"github.com/finsec/kyt/internal/ingest"
	"github.com/finsec/kyt/internal/models"
	"github.com/finsec/kyt/internal/queue"
	"github.com/finsec/kyt/internal/report"
	"github.com/finsec/kyt/internal/scheduler"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	tokens, err := s.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	tokens, err := s.authService.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired refresh token")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.GetUserFromContext(r.Context())

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.RefreshToken != "" {
		_ = s.authService.Logout(r.Context(), claims.UserID, req.RefreshToken)
	} else {
		_ = s.authService.LogoutAll(r.Context(), claims.UserID)
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) getCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	user, err := s.userStore.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "User not found")
		return
	}

	respondJSON(w, http.StatusOK, user)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.userStore.ListUsers(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to list users")
		return
	}
	respondJSON(w, http.StatusOK, users)
}

type createUserRequest struct {
	Email    string    `json:"email"`
	Name     string    `json:"name"`
	Password string    `json:"password"`
	Role     auth.Role `json:"role"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "Email and password are required")
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleAuditor
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to hash password")
		return
	}

	user := &auth.User{
		Email:    req.Email,
		Name:     req.Name,
		Password: hash,
		Role:     req.Role,
	}
	if err := s.userStore.CreateUser(r.Context(), user); err != nil {
		respondError(w, http.StatusConflict, "conflict", "Failed to create user")
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

// submitRun accepts a CSV transaction batch, creates a run, and queues it
// for a worker. Per-row rejections come back in the response; the batch
// itself is only rejected when nothing in it is usable.
func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	body := io.Reader(r.Body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid multipart body")
			return
		}
		file, _, err := r.FormFile("batch")
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Missing batch file")
			return
		}
		defer file.Close()
		body = file
	}

	batch, rowErrs, err := ingest.ParseBatch(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "malformed_batch", err.Error())
		return
	}

	claims, _ := auth.GetUserFromContext(r.Context())
	triggeredBy := "api"
	if claims != nil {
		triggeredBy = claims.Email
	}

	run := &models.Run{TriggeredBy: triggeredBy}
	if err := s.store.CreateRun(r.Context(), run, batch.Transactions); err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to create run")
		return
	}

	// Progress is keyed by job id; using the run id makes it addressable
	// from the run resource.
	job := &queue.Job{ID: run.ID, RunID: run.ID, TriggeredBy: triggeredBy}
	if err := s.queue.EnqueueRun(r.Context(), job); err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to enqueue run")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id":        run.ID,
		"transactions":  len(batch.Transactions),
		"rejected_rows": rowErrs,
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	var status *models.RunStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.RunStatus(v)
		status = &st
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, err := s.store.ListRuns(r.Context(), status, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to list runs")
		return
	}
	respondJSON(w, http.StatusOK, runs)
}

func (s *Server) runIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid run id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runIDParam(w, r)
	if !ok {
		return
	}

	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to get run")
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "not_found", "Run not found")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) getRunProgress(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runIDParam(w, r)
	if !ok {
		return
	}

	progress, err := s.queue.GetProgress(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to get progress")
		return
	}
	if progress == nil {
		respondError(w, http.StatusNotFound, "not_found", "No progress recorded for run")
		return
	}
	respondJSON(w, http.StatusOK, progress)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runIDParam(w, r)
	if !ok {
		return
	}

	result, err := s.store.GetResult(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to get result")
		return
	}
	if result == nil {
		respondError(w, http.StatusNotFound, "not_found", "No result for run")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// getAuditTrail returns the full append-only trail for a run, in sequence
// order, for regulatory replay.
func (s *Server) getAuditTrail(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runIDParam(w, r)
	if !ok {
		return
	}

	trail, err := s.store.GetAuditTrail(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to get audit trail")
		return
	}
	if len(trail) == 0 {
		respondError(w, http.StatusNotFound, "not_found", "No audit trail for run")
		return
	}
	respondJSON(w, http.StatusOK, trail)
}

func (s *Server) exportReportPDF(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runIDParam(w, r)
	if !ok {
		return
	}

	result, err := s.store.GetResult(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to get result")
		return
	}
	if result == nil || result.Report == nil {
		respondError(w, http.StatusNotFound, "not_found", "No report for run")
		return
	}

	data, err := report.RenderPDF(runID.String(), result.Report)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to render report")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-%s.pdf"`, runID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) reaudit(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runIDParam(w, r)
	if !ok {
		return
	}

	if err := s.enqueueReaudit(r.Context(), runID); err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// enqueueReaudit queues a fresh run over an existing run's batch.
func (s *Server) enqueueReaudit(ctx context.Context, sourceID uuid.UUID) error {
	txns, err := s.store.GetBatch(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("loading batch: %w", err)
	}
	if len(txns) == 0 {
		return fmt.Errorf("run %s has no stored batch", sourceID)
	}

	run := &models.Run{TriggeredBy: "reaudit:" + sourceID.String()}
	if err := s.store.CreateRun(ctx, run, txns); err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	job := &queue.Job{ID: run.ID, RunID: run.ID, TriggeredBy: run.TriggeredBy}
	if err := s.queue.EnqueueRun(ctx, job); err != nil {
		return fmt.Errorf("enqueueing run: %w", err)
	}
	return nil
}

func (s *Server) getQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetQueueStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to get queue stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) getActiveWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.queue.GetActiveWorkers(r.Context(), time.Minute)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to get workers")
		return
	}
	respondJSON(w, http.StatusOK, workers)
}

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.schedulerStore.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to list jobs")
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	var job scheduler.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if err := s.scheduler.AddJob(r.Context(), &job); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getScheduledJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.schedulerStore.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, scheduler.ErrJobNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to get job")
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	var job scheduler.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	job.ID = chi.URLParam(r, "jobID")

	if err := s.scheduler.UpdateJob(r.Context(), &job); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Job not found")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.DeleteJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to delete job")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.RunJobNow(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}

	execs, err := s.schedulerStore.GetJobExecutions(r.Context(), chi.URLParam(r, "jobID"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to get executions")
		return
	}
	respondJSON(w, http.StatusOK, execs)
}
