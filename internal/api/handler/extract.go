package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	mw "github.com/tmorrisey/formflow/internal/api/middleware"
	"github.com/tmorrisey/formflow/internal/api/response"
	"github.com/tmorrisey/formflow/internal/metrics"
	"github.com/tmorrisey/formflow/internal/upstream"
	"github.com/tmorrisey/formflow/pkg/models"
)

const maxUploadBytes = 128 << 20

// JobSubmitter submits a batch of PDFs to the extraction backend.
type JobSubmitter interface {
	SubmitBulk(ctx context.Context, files []upstream.UploadFile, mode string) (string, error)
}

// HistoryRecorder records submissions and watches their jobs to completion.
type HistoryRecorder interface {
	Add(ctx context.Context, entry *models.HistoryEntry) error
	TrackJob(userID, jobID string)
}

// NewBulkExtractHandler returns the handler for POST /api/v1/extract/bulk.
// On success it records an optimistic processing history entry, starts a
// background watcher for the job, and answers 202 with the job id.
func NewBulkExtractHandler(backend JobSubmitter, hist HistoryRecorder, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := mw.GetCallerID(r)

		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"Request must be multipart form data", nil)
			return
		}

		fileHeaders := r.MultipartForm.File["files"]
		if len(fileHeaders) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"At least one file is required", map[string][]string{
					"files": {"at least one file is required"},
				})
			return
		}

		mode := r.FormValue("extract_mode")
		if mode == "" {
			mode = models.ExtractModeBulk
		}
		if mode != models.ExtractModeSingle && mode != models.ExtractModeBulk {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"extract_mode must be single or bulk", nil)
			return
		}

		files := make([]upstream.UploadFile, 0, len(fileHeaders))
		for _, fh := range fileHeaders {
			f, err := fh.Open()
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"Could not read uploaded file "+fh.Filename, nil)
				return
			}
			defer f.Close()
			files = append(files, upstream.UploadFile{Filename: fh.Filename, Content: f})
		}

		jobID, err := backend.SubmitBulk(r.Context(), files, mode)
		if err != nil {
			writeUpstreamError(w, err)
			return
		}

		entry := &models.HistoryEntry{
			ID:        jobID,
			UserID:    caller,
			Mode:      mode,
			FileCount: len(files),
			Status:    models.HistoryStatusProcessing,
			CreatedAt: time.Now().UTC(),
		}
		if err := hist.Add(r.Context(), entry); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Could not record submission", nil)
			return
		}
		hist.TrackJob(caller, jobID)
		m.RecordJobSubmitted()

		response.Accepted(w, map[string]any{
			"job_id":     jobID,
			"status":     models.JobStatusQueued,
			"file_count": len(files),
		})
	}
}

// writeUpstreamError maps backend client sentinels onto gateway responses.
func writeUpstreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, upstream.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND",
			"No job with that id", nil)
	case errors.Is(err, upstream.ErrTimeout):
		response.Error(w, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT",
			"The extraction backend took too long to respond", nil)
	case errors.Is(err, upstream.ErrUnreachable):
		response.Error(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE",
			"The extraction backend is not reachable", nil)
	case errors.Is(err, upstream.ErrBackend):
		response.Error(w, http.StatusBadGateway, "UPSTREAM_ERROR",
			"The extraction backend rejected the request", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
