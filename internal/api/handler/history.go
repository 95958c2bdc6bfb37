package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tmorrisey/formflow/internal/api/response"
	"github.com/tmorrisey/formflow/internal/store"
	"github.com/tmorrisey/formflow/pkg/models"
)

// HistoryService is the slice of the history service the handlers need.
type HistoryService interface {
	Add(ctx context.Context, entry *models.HistoryEntry) error
	LoadUserHistory(ctx context.Context, userID string) ([]*models.HistoryEntry, error)
	LoadHistoryItem(ctx context.Context, userID, jobID string) (*models.HistoryEntry, error)
	ClearAll(ctx context.Context, userID string) error
}

// NewHistoryListHandler returns the handler for GET /api/v1/history/{userID}.
func NewHistoryListHandler(svc HistoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if userID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user id is required", nil)
			return
		}

		entries, err := svc.LoadUserHistory(r.Context(), userID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Could not load history", nil)
			return
		}
		if entries == nil {
			entries = []*models.HistoryEntry{}
		}
		response.JSON(w, map[string]any{
			"user_id": userID,
			"entries": entries,
		})
	}
}

// NewHistoryItemHandler returns the handler for
// GET /api/v1/history/{userID}/{jobID}. The entry is reconciled against live
// backend state before being served.
func NewHistoryItemHandler(svc HistoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		jobID := chi.URLParam(r, "jobID")

		entry, err := svc.LoadHistoryItem(r.Context(), userID, jobID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "HISTORY_NOT_FOUND",
				"No history entry with that id", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Could not load history entry", nil)
			return
		}
		response.JSON(w, entry)
	}
}

// NewHistorySaveHandler returns the handler for POST /api/v1/history/{userID}.
// Saving an entry whose job id already exists is a no-op success.
func NewHistorySaveHandler(svc HistoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")

		var req struct {
			JobID     string `json:"job_id"`
			Mode      string `json:"mode"`
			FileCount int    `json:"file_count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.JobID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job_id is required", nil)
			return
		}
		mode := req.Mode
		if mode == "" {
			mode = models.ExtractModeBulk
		}
		if mode != models.ExtractModeSingle && mode != models.ExtractModeBulk {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"mode must be single or bulk", nil)
			return
		}

		entry := &models.HistoryEntry{
			ID:        req.JobID,
			UserID:    userID,
			Mode:      mode,
			FileCount: req.FileCount,
			Status:    models.HistoryStatusProcessing,
			CreatedAt: time.Now().UTC(),
		}
		if err := svc.Add(r.Context(), entry); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Could not save history entry", nil)
			return
		}
		response.Created(w, entry)
	}
}

// NewHistoryClearHandler returns the handler for DELETE /api/v1/history/{userID}.
func NewHistoryClearHandler(svc HistoryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if userID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "user id is required", nil)
			return
		}

		if err := svc.ClearAll(r.Context(), userID); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Could not clear history", nil)
			return
		}
		response.NoContent(w)
	}
}
