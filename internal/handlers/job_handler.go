// -----------------------------------------------------------------------
// Job Handler - client job surface: submit, status, cancel, rerun, artifacts
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/interfaces"
	"github.com/ternarybob/atelier/internal/models"
)

// Per-kind base estimates; queue depth scales them for the
// estimated_time_s hint returned at submission.
var baseEstimateSeconds = map[models.JobKind]int{
	models.KindTextToImage:  30,
	models.KindImageToVideo: 300,
}

// JobHandler serves the client job endpoints.
type JobHandler struct {
	jobs     interfaces.JobStorage
	queueMgr interfaces.QueueManager
	pool     interfaces.WorkerPool
	files    interfaces.FileService
	registry interfaces.TemplateRegistry
	logger   arbor.ILogger
}

// NewJobHandler creates a job handler.
func NewJobHandler(jobs interfaces.JobStorage, queueMgr interfaces.QueueManager, pool interfaces.WorkerPool, files interfaces.FileService, registry interfaces.TemplateRegistry, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobs:     jobs,
		queueMgr: queueMgr,
		pool:     pool,
		files:    files,
		registry: registry,
		logger:   logger,
	}
}

type submitResponse struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	EstimatedTimeS int    `json:"estimated_time_s"`
}

// SubmitTextToImage handles POST /jobs/text-to-image
func (h *JobHandler) SubmitTextToImage(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, models.KindTextToImage)
}

// SubmitImageToVideo handles POST /jobs/image-to-video
func (h *JobHandler) SubmitImageToVideo(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, models.KindImageToVideo)
}

func (h *JobHandler) submit(w http.ResponseWriter, r *http.Request, kind models.JobKind) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	// The body is a flat map: workflow_name and priority ride alongside
	// the generation parameters, which are everything else.
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, models.ErrKindValidation, "invalid request body")
		return
	}
	workflowName, _ := body["workflow_name"].(string)
	if workflowName == "" {
		WriteError(w, http.StatusBadRequest, models.ErrKindValidation, "workflow_name is required")
		return
	}
	priority := 0
	if p, ok := body["priority"].(float64); ok {
		priority = int(p)
	}
	delete(body, "workflow_name")
	delete(body, "priority")

	// Fail fast on an unknown template; parameter binding errors surface
	// at execution time.
	if _, err := h.registry.Get(workflowName); err != nil {
		WriteJobError(w, err)
		return
	}

	job := models.NewJob(kind, ClientID(r), workflowName, body, priority)
	if err := h.jobs.CreateJob(r.Context(), job); err != nil {
		WriteJobError(w, err)
		return
	}

	if err := h.queueMgr.Enqueue(r.Context(), models.NewJobMessage(job)); err != nil {
		// The job row exists but will never run; fail it so the client
		// sees a consistent state.
		h.failUnqueued(job.ID, err)
		WriteJobError(w, err)
		return
	}

	h.logger.Info().
		Str("job_id", job.ID).
		Str("kind", string(kind)).
		Str("workflow", workflowName).
		Str("client_id", job.ClientID).
		Msg("Job accepted")

	WriteJSON(w, http.StatusOK, &submitResponse{
		JobID:          job.ID,
		Status:         string(models.JobStatusQueued),
		EstimatedTimeS: h.estimate(r.Context(), kind),
	})
}

func (h *JobHandler) failUnqueued(jobID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status := models.JobStatusFailed
	now := time.Now()
	_, err := h.jobs.UpdateJob(ctx, jobID, &models.JobUpdate{
		Status:      &status,
		Error:       models.NewJobError(models.ErrKindInternal, "enqueue failed: %v", cause),
		CompletedAt: &now,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mark unqueued job failed")
	}
}

func (h *JobHandler) estimate(ctx context.Context, kind models.JobKind) int {
	base := baseEstimateSeconds[kind]
	depth, err := h.queueMgr.Length(ctx, kind)
	if err != nil {
		return base
	}
	return base * (depth + 1)
}

// HandleJobRoutes dispatches /jobs/{id}, /jobs/{id}/rerun and
// /jobs/{id}/artifacts.
func (h *JobHandler) HandleJobRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	jobID := parts[0]
	if jobID == "" {
		WriteError(w, http.StatusNotFound, models.ErrKindNotFound, "job id is required")
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "rerun":
			h.rerun(w, r, jobID)
		case "artifacts":
			h.artifacts(w, r, jobID)
		default:
			WriteError(w, http.StatusNotFound, models.ErrKindNotFound, "unknown job operation")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, jobID)
	case http.MethodDelete:
		h.cancel(w, r, jobID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type jobResponse struct {
	JobID      string           `json:"job_id"`
	Kind       models.JobKind   `json:"kind"`
	Workflow   string           `json:"workflow_name"`
	Status     models.JobStatus `json:"status"`
	Progress   float64          `json:"progress"`
	Message    string           `json:"message,omitempty"`
	NodeID     string           `json:"node_id,omitempty"`
	Error      *models.JobError `json:"error,omitempty"`
	ResultURLs []string         `json:"result_urls,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

func (h *JobHandler) get(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.jobs.GetClientJob(r.Context(), ClientID(r), jobID)
	if err != nil {
		WriteJobError(w, err)
		return
	}

	resp := &jobResponse{
		JobID:     job.ID,
		Kind:      job.Kind,
		Workflow:  job.WorkflowName,
		Status:    job.Status,
		Progress:  job.Progress,
		Message:   job.Message,
		NodeID:    job.NodeID,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
	}
	for i := range job.Results {
		resp.ResultURLs = append(resp.ResultURLs, fmt.Sprintf("/jobs/%s/artifacts?index=%d", job.ID, i))
	}
	WriteJSON(w, http.StatusOK, resp)
}

// cancel handles DELETE /jobs/{id}. Idempotent on terminal jobs.
func (h *JobHandler) cancel(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.jobs.GetClientJob(r.Context(), ClientID(r), jobID)
	if err != nil {
		WriteJobError(w, err)
		return
	}

	if job.Status.IsTerminal() {
		WriteJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(job.Status)})
		return
	}

	if job.Status == models.JobStatusProcessing && h.pool.Cancel(jobID) {
		// The worker writes the terminal cancelled status.
		WriteJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancelling"})
		return
	}

	// Still queued (or processing on a lost worker): mark cancelled now;
	// the dequeue path skips non-queued jobs.
	status := models.JobStatusCancelled
	now := time.Now()
	if _, err := h.jobs.UpdateJob(r.Context(), jobID, &models.JobUpdate{
		Status:      &status,
		CompletedAt: &now,
	}); err != nil {
		WriteJobError(w, err)
		return
	}
	h.logger.Info().Str("job_id", jobID).Msg("Job cancelled while queued")
	WriteJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(status)})
}

// rerun handles POST /jobs/{id}/rerun: reset stored state and enqueue a
// fresh run with the original parameters.
func (h *JobHandler) rerun(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	// Ownership check through the client scope before mutating.
	if _, err := h.jobs.GetClientJob(r.Context(), ClientID(r), jobID); err != nil {
		WriteJobError(w, err)
		return
	}

	job, err := h.jobs.ResetJobForRerun(r.Context(), jobID)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	if err := h.queueMgr.Enqueue(r.Context(), models.NewJobMessage(job)); err != nil {
		h.failUnqueued(job.ID, err)
		WriteJobError(w, err)
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job rerun enqueued")
	WriteJSON(w, http.StatusOK, &submitResponse{
		JobID:          job.ID,
		Status:         string(models.JobStatusQueued),
		EstimatedTimeS: h.estimate(r.Context(), job.Kind),
	})
}

// artifacts handles GET /jobs/{id}/artifacts[?index=N].
func (h *JobHandler) artifacts(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := h.jobs.GetClientJob(r.Context(), ClientID(r), jobID)
	if err != nil {
		WriteJobError(w, err)
		return
	}

	index := 0
	if s := r.URL.Query().Get("index"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			index = n
		}
	}
	if index >= len(job.Results) {
		WriteError(w, http.StatusNotFound, models.ErrKindNotFound,
			fmt.Sprintf("job %s has no artifact %d", jobID, index))
		return
	}

	loc := job.Results[index]
	rc, contentType, err := h.files.OpenArtifact(r.Context(), loc)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	defer rc.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	setArtifactCacheHeaders(w, contentType)

	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Debug().Err(err).Str("job_id", jobID).Msg("Artifact stream interrupted")
	}
}

// setArtifactCacheHeaders applies the per-media cache policy: an hour for
// images, two hours plus range support for videos.
func setArtifactCacheHeaders(w http.ResponseWriter, contentType string) {
	switch {
	case strings.HasPrefix(contentType, "video/"):
		w.Header().Set("Cache-Control", "public, max-age=7200")
		w.Header().Set("Accept-Ranges", "bytes")
	case strings.HasPrefix(contentType, "image/"):
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}
}

// ListJobs handles GET /api/jobs with status/kind/client filters.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit, offset := GetPaginationParams(r)
	opts := &models.JobListOptions{
		ClientID: r.URL.Query().Get("client_id"),
		Status:   models.JobStatus(r.URL.Query().Get("status")),
		Kind:     models.JobKind(r.URL.Query().Get("kind")),
		Limit:    limit,
		Offset:   offset,
	}

	jobs, err := h.jobs.ListJobs(r.Context(), opts)
	if err != nil {
		WriteJobError(w, err)
		return
	}
	total, err := h.jobs.CountJobs(r.Context(), opts)
	if err != nil {
		WriteJobError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetJobStats handles GET /api/jobs/stats.
func (h *JobHandler) GetJobStats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := h.jobs.GetStats(r.Context())
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
