package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	mw "github.com/tmorrisey/formflow/internal/api/middleware"
	"github.com/tmorrisey/formflow/internal/api/response"
	"github.com/tmorrisey/formflow/internal/metrics"
	"github.com/tmorrisey/formflow/internal/tracker"
	"github.com/tmorrisey/formflow/pkg/models"
)

// BatchRunner runs extraction phases over a set of selected forms.
type BatchRunner interface {
	RunExtraction(ctx context.Context, forms []string, resolve tracker.Resolver) tracker.Summary
	RunCorrection(ctx context.Context, forms []string, resolve tracker.Resolver) tracker.Summary
	Statuses() *tracker.StatusStore
	Deselect(formID string)
}

const (
	phaseExtract = "extract"
	phaseCorrect = "correct"
)

// NewFormExtractHandler returns the handler for POST /api/v1/forms/extract.
// It runs the requested phases over the selected forms and reports per-form
// statuses along with an aggregate summary of the batch.
func NewFormExtractHandler(batches BatchRunner, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := mw.GetCallerID(r)

		var req struct {
			Company string   `json:"company_name"`
			PDFName string   `json:"pdf_name"`
			Forms   []string `json:"forms"`
			Phases  []string `json:"phases"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Company == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "company_name is required", nil)
			return
		}
		if req.PDFName == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "pdf_name is required", nil)
			return
		}
		if len(req.Forms) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "at least one form is required", nil)
			return
		}

		phases := req.Phases
		if len(phases) == 0 {
			phases = []string{phaseExtract, phaseCorrect}
		}
		for _, p := range phases {
			if p != phaseExtract && p != phaseCorrect {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"phases may only contain extract and correct", nil)
				return
			}
		}

		resolve := func(formID string) (models.FormRef, error) {
			return models.FormRef{
				Company:       req.Company,
				PDFName:       req.PDFName,
				SplitFilename: formID,
				UserID:        caller,
			}, nil
		}

		start := time.Now()
		summaries := make(map[string]tracker.Summary, len(phases))
		for _, p := range phases {
			switch p {
			case phaseExtract:
				summaries[p] = batches.RunExtraction(r.Context(), req.Forms, resolve)
			case phaseCorrect:
				summaries[p] = batches.RunCorrection(r.Context(), req.Forms, resolve)
			}
			m.RecordBatch("formflow", summaries[p].Succeeded, summaries[p].Failed,
				summaries[p].Skipped, time.Since(start))
		}

		statuses := make(map[string]models.FormStatus, len(req.Forms))
		for _, formID := range req.Forms {
			if st, ok := batches.Statuses().Get(formID); ok {
				statuses[formID] = st
			}
		}

		messages := make(map[string]string, len(summaries))
		for p, s := range summaries {
			messages[p] = s.Message()
		}

		response.JSON(w, map[string]any{
			"statuses":  statuses,
			"summaries": summaries,
			"messages":  messages,
		})
	}
}

// NewFormDeselectHandler returns the handler for DELETE /api/v1/forms/{formID}.
// Deselecting clears that form's tracked status and nothing else.
func NewFormDeselectHandler(batches BatchRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		formID := chi.URLParam(r, "formID")
		if formID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "form id is required", nil)
			return
		}
		batches.Deselect(formID)
		response.NoContent(w)
	}
}
