package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"frame-extractor/internal/auth"
	"frame-extractor/internal/extractor"
	"frame-extractor/internal/models"
	"frame-extractor/internal/storage"
)

const (
	defaultJobListLimit = 50
	maxJobListLimit     = 200
)

// jobView is the API representation of a job. Filesystem paths stay
// server-side.
type jobView struct {
	ID               string                  `json:"id"`
	Status           models.JobStatus        `json:"status"`
	Progress         int                     `json:"progress"`
	SourceName       string                  `json:"sourceName"`
	Params           models.ExtractionParams `json:"params"`
	FrameCount       int                     `json:"frameCount"`
	ArchiveSizeBytes int64                   `json:"archiveSizeBytes"`
	Error            string                  `json:"error,omitempty"`
	CreatedAt        time.Time               `json:"createdAt"`
	UpdatedAt        time.Time               `json:"updatedAt"`
	CompletedAt      *time.Time              `json:"completedAt,omitempty"`
	ExpiresAt        *time.Time              `json:"expiresAt,omitempty"`
}

func newJobView(job models.Job) jobView {
	return jobView{
		ID:               job.ID,
		Status:           job.Status,
		Progress:         job.Progress,
		SourceName:       job.SourceName,
		Params:           job.Params,
		FrameCount:       job.FrameCount,
		ArchiveSizeBytes: job.ArchiveSizeBytes,
		Error:            job.Error,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
		CompletedAt:      job.CompletedAt,
		ExpiresAt:        job.ExpiresAt,
	}
}

// Jobs routes the /api/jobs collection endpoint.
func (h *Handler) Jobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createJob(w, r)
	case http.MethodGet:
		h.listJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// JobByID routes /api/jobs/{id} and /api/jobs/{id}/archive.
func (h *Handler) JobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}

	switch {
	case sub == "" && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		h.getJob(w, r, id)
	case sub == "" && r.Method == http.MethodDelete:
		h.deleteJob(w, r, id)
	case sub == "archive" && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		h.downloadJobArchive(w, r, id)
	case sub != "" && sub != "archive":
		writeError(w, http.StatusNotFound, errors.New("job not found"))
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// createJob accepts the same multipart form as the synchronous endpoint but
// queues the work and returns immediately with 202.
func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	if h.Processor == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("background processing disabled"))
		return
	}

	form, err := h.parseUploadForm(r)
	if err != nil {
		h.writeRequestError(w, err)
		return
	}

	job, err := h.Store.CreateJob(storage.CreateJobParams{
		SourceName: form.sourceName,
		SourcePath: form.sourcePath,
		Params:     form.params,
	})
	if err != nil {
		_ = os.Remove(form.sourcePath)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("create job: %w", err))
		return
	}

	if !h.Processor.Enqueue(job.ID) {
		_ = os.Remove(form.sourcePath)
		if delErr := h.Store.DeleteJob(job.ID); delErr != nil {
			h.logger().Warn("failed to remove unqueued job", "job_id", job.ID, "error", delErr)
		}
		writeError(w, http.StatusServiceUnavailable, errors.New("job queue is full, retry later"))
		return
	}

	h.logger().Info("extraction job queued", "job_id", job.ID, "source", job.SourceName)
	writeJSON(w, http.StatusAccepted, newJobView(job))
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := storage.JobFilter{Limit: defaultJobListLimit}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseJobStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		if limit > maxJobListLimit {
			limit = maxJobListLimit
		}
		filter.Limit = limit
	}

	jobs := h.Store.ListJobs(filter)
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request, id string) {
	job, ok := h.Store.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (h *Handler) downloadJobArchive(w http.ResponseWriter, r *http.Request, id string) {
	job, ok := h.Store.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	if job.Status != models.JobStatusReady {
		writeError(w, http.StatusConflict, fmt.Errorf("job is %s, archive not available", job.Status))
		return
	}
	if job.ArchivePath == "" {
		writeError(w, http.StatusGone, errors.New("archive expired"))
		return
	}
	if _, err := os.Stat(job.ArchivePath); err != nil {
		writeError(w, http.StatusGone, errors.New("archive expired"))
		return
	}
	h.serveArchive(w, r, job.ArchivePath, extractor.SanitizeArchiveName(job.Params.ZipName))
}

// deleteJob removes a job record and its artifacts. Requires the API key when
// one is configured; in-flight jobs cannot be deleted.
func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request, id string) {
	if h.APIKeyHash != "" {
		token := ExtractBearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, errors.New("authorization required"))
			return
		}
		if err := auth.VerifyAPIKey(h.APIKeyHash, token); err != nil {
			writeError(w, http.StatusUnauthorized, errors.New("invalid API key"))
			return
		}
	}

	job, ok := h.Store.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	if job.Status == models.JobStatusProcessing {
		writeError(w, http.StatusConflict, errors.New("job is processing, retry after it completes"))
		return
	}

	if err := h.Store.DeleteJob(id); err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, errors.New("job not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Errorf("delete job: %w", err))
		return
	}
	h.removeJobArtifacts(job)
	h.logger().Info("extraction job deleted", "job_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeJobArtifacts(job models.Job) {
	for _, path := range []string{job.SourcePath, job.ArchivePath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.logger().Warn("failed to remove job artifact", "job_id", job.ID, "path", path, "error", err)
		}
	}
}
