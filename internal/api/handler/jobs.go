package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tmorrisey/formflow/internal/api/response"
	"github.com/tmorrisey/formflow/internal/cache"
	"github.com/tmorrisey/formflow/internal/metrics"
	"github.com/tmorrisey/formflow/pkg/models"
)

const (
	runningSnapshotTTL  = 5 * time.Second
	terminalSnapshotTTL = 30 * time.Minute
)

// StatusReader reads job state from the extraction backend.
type StatusReader interface {
	GetJobStatus(ctx context.Context, jobID string) (*models.Job, error)
	GetJobResults(ctx context.Context, jobID string) (json.RawMessage, error)
	ListJobFiles(ctx context.Context, jobID string) ([]models.SplitFile, error)
}

type jobResponse struct {
	ID              string           `json:"id"`
	Status          models.JobStatus `json:"status"`
	TotalFiles      int              `json:"total_files"`
	ProcessedFiles  int              `json:"processed_files"`
	CurrentFile     string           `json:"current_file,omitempty"`
	ProgressPercent float64          `json:"progress_percent"`
	CreatedAt       *time.Time       `json:"created_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// NewJobStatusHandler returns the handler for GET /api/v1/jobs/{jobID}.
// A short-lived Redis snapshot absorbs poll bursts from multiple clients
// watching the same job; terminal snapshots are kept longer since they
// can never change.
func NewJobStatusHandler(backend StatusReader, ca cache.Cache, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if jobID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job id is required", nil)
			return
		}

		if raw, found, err := ca.Get(r.Context(), cache.JobSnapshotKey(jobID)); err == nil && found {
			var job models.Job
			if json.Unmarshal(raw, &job) == nil {
				m.RecordJobStatus("formflow", string(job.Status))
				response.JSON(w, toJobResponse(&job))
				return
			}
		}

		job, err := backend.GetJobStatus(r.Context(), jobID)
		if err != nil {
			writeUpstreamError(w, err)
			return
		}

		ttl := runningSnapshotTTL
		if job.Status.Terminal() {
			ttl = terminalSnapshotTTL
		}
		if raw, err := json.Marshal(job); err == nil {
			_ = ca.Set(r.Context(), cache.JobSnapshotKey(jobID), raw, ttl)
		}
		_ = ca.SetJobStatus(r.Context(), jobID, string(job.Status), ttl)

		m.RecordJobStatus("formflow", string(job.Status))
		response.JSON(w, toJobResponse(job))
	}
}

// NewJobResultsHandler returns the handler for GET /api/v1/jobs/{jobID}/results.
func NewJobResultsHandler(backend StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if jobID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job id is required", nil)
			return
		}

		results, err := backend.GetJobResults(r.Context(), jobID)
		if err != nil {
			writeUpstreamError(w, err)
			return
		}
		response.JSON(w, map[string]any{
			"job_id":  jobID,
			"results": results,
		})
	}
}

// NewJobFilesHandler returns the handler for GET /api/v1/jobs/{jobID}/files.
func NewJobFilesHandler(backend StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if jobID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job id is required", nil)
			return
		}

		files, err := backend.ListJobFiles(r.Context(), jobID)
		if err != nil {
			writeUpstreamError(w, err)
			return
		}
		response.JSON(w, map[string]any{
			"job_id": jobID,
			"files":  files,
		})
	}
}

func toJobResponse(job *models.Job) jobResponse {
	return jobResponse{
		ID:              job.ID,
		Status:          job.Status,
		TotalFiles:      job.TotalFiles,
		ProcessedFiles:  job.ProcessedFiles,
		CurrentFile:     job.CurrentFile,
		ProgressPercent: job.ProgressPercent(),
		CreatedAt:       job.CreatedAt,
		CompletedAt:     job.CompletedAt,
		Error:           job.Error,
	}
}
