// Package tracker drives a set of selected forms through the two-phase
// extraction pipeline, tracking each form's status independently so one
// failure never halts the rest of the batch.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tmorrisey/formflow/internal/upstream"
	"github.com/tmorrisey/formflow/pkg/models"
)

// Backend is the slice of the upstream client the tracker needs.
type Backend interface {
	ExtractForm(ctx context.Context, ref models.FormRef, phase upstream.ExtractPhase) (*upstream.ExtractFormResult, error)
	GetExtractedData(ctx context.Context, ref models.FormRef) (*upstream.ExtractFormResult, error)
}

// Resolver maps a form identifier to the parameters the backend needs.
type Resolver func(formID string) (models.FormRef, error)

// Outcome classifies how one form fared in a phase run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Summary aggregates a phase run across the whole batch. It reports real
// counts rather than an unconditional success message, so partial failure
// is visible at a glance.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func (s Summary) record(o Outcome) Summary {
	s.Total++
	switch o {
	case OutcomeSucceeded:
		s.Succeeded++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	}
	return s
}

// Message renders a human-readable batch result.
func (s Summary) Message() string {
	if s.Failed == 0 && s.Skipped == 0 {
		return fmt.Sprintf("completed for all %d forms", s.Total)
	}
	return fmt.Sprintf("%d of %d forms succeeded (%d failed, %d skipped)",
		s.Succeeded, s.Total, s.Failed, s.Skipped)
}

// Tracker runs extraction and correction batches against the backend.
// Concurrency defaults to 1: each form's round-trip completes before the
// next begins, which bounds load on the extraction backend.
type Tracker struct {
	backend     Backend
	statuses    *StatusStore
	concurrency int
}

// New creates a Tracker with its own status store.
func New(backend Backend, concurrency int) *Tracker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Tracker{
		backend:     backend,
		statuses:    NewStatusStore(),
		concurrency: concurrency,
	}
}

// Statuses exposes the per-form status store.
func (t *Tracker) Statuses() *StatusStore { return t.statuses }

// Deselect clears tracking for one form without touching the rest.
func (t *Tracker) Deselect(formID string) { t.statuses.Clear(formID) }

// RunExtraction runs phase one (table extraction) over the selected forms.
// Each form's status moves extracting -> done or error independently of
// the others' outcomes.
func (t *Tracker) RunExtraction(ctx context.Context, forms []string, resolve Resolver) Summary {
	return t.runBatch(ctx, forms, func(ctx context.Context, formID string) Outcome {
		ref, err := resolve(formID)
		if err != nil {
			t.markExtractionError(formID, fmt.Sprintf("resolving form: %v", err))
			return OutcomeFailed
		}

		t.statuses.Update(formID, func(st *models.FormStatus) {
			st.Extracting = true
			st.Extraction = models.PhaseExtracting
			st.Error = ""
		})

		result, err := t.backend.ExtractForm(ctx, ref, upstream.PhaseTableExtract)
		if err != nil {
			t.markExtractionError(formID, err.Error())
			slog.Warn("form extraction failed", "form", formID, "error", err)
			return OutcomeFailed
		}

		t.statuses.Update(formID, func(st *models.FormStatus) {
			st.Extracting = false
			st.Extraction = models.PhaseDone
			st.Data = result.Data
		})
		return OutcomeSucceeded
	})
}

// RunCorrection runs phase two (AI correction) over the selected forms.
// Forms whose extraction has not completed are skipped with no status
// change. Forms the backend already marked corrected short-circuit to
// done without invoking the correction endpoint again.
func (t *Tracker) RunCorrection(ctx context.Context, forms []string, resolve Resolver) Summary {
	return t.runBatch(ctx, forms, func(ctx context.Context, formID string) Outcome {
		st, ok := t.statuses.Get(formID)
		if !ok || st.Extraction != models.PhaseDone {
			return OutcomeSkipped
		}

		ref, err := resolve(formID)
		if err != nil {
			t.markCorrectionError(formID, fmt.Sprintf("resolving form: %v", err))
			return OutcomeFailed
		}

		t.statuses.Update(formID, func(st *models.FormStatus) {
			st.Correcting = true
			st.Correction = models.PhaseChecking
			st.Error = ""
		})

		// Idempotency check: a form the backend already corrected is done.
		existing, err := t.backend.GetExtractedData(ctx, ref)
		if err == nil && existing.Success && existing.Metadata.Corrected {
			t.statuses.Update(formID, func(st *models.FormStatus) {
				st.Correcting = false
				st.Correction = models.PhaseDone
				st.Data = existing.Data
			})
			return OutcomeSucceeded
		}

		t.statuses.Update(formID, func(st *models.FormStatus) {
			st.Correction = models.PhaseCorrecting
		})

		result, err := t.backend.ExtractForm(ctx, ref, upstream.PhaseAICorrect)
		if err != nil {
			t.markCorrectionError(formID, err.Error())
			slog.Warn("form correction failed", "form", formID, "error", err)
			return OutcomeFailed
		}

		t.statuses.Update(formID, func(st *models.FormStatus) {
			st.Correcting = false
			st.Correction = models.PhaseDone
			st.Data = result.Data
		})
		return OutcomeSucceeded
	})
}

// runBatch applies fn to every form with at most t.concurrency in flight.
// At concurrency 1 this degenerates to a strictly sequential loop.
func (t *Tracker) runBatch(ctx context.Context, forms []string, fn func(ctx context.Context, formID string) Outcome) Summary {
	if t.concurrency == 1 {
		var summary Summary
		for _, formID := range forms {
			summary = summary.record(fn(ctx, formID))
		}
		return summary
	}

	var (
		mu      sync.Mutex
		summary Summary
		wg      sync.WaitGroup
		sem     = make(chan struct{}, t.concurrency)
	)
	for _, formID := range forms {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := fn(ctx, id)
			mu.Lock()
			summary = summary.record(outcome)
			mu.Unlock()
		}(formID)
	}
	wg.Wait()
	return summary
}

func (t *Tracker) markExtractionError(formID, msg string) {
	t.statuses.Update(formID, func(st *models.FormStatus) {
		st.Extracting = false
		st.Extraction = models.PhaseError
		st.Error = msg
	})
}

func (t *Tracker) markCorrectionError(formID, msg string) {
	t.statuses.Update(formID, func(st *models.FormStatus) {
		st.Correcting = false
		st.Correction = models.PhaseError
		st.Error = msg
	})
}
