// Package poller turns a backend job id into a live status stream by
// polling until a terminal state is reached.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/tmorrisey/formflow/pkg/models"
)

const (
	// DefaultInterval matches the cadence the extraction backend is sized for.
	DefaultInterval = 2 * time.Second

	// DefaultMaxAttempts bounds a stuck job to ~30 minutes of watching at
	// the default interval.
	DefaultMaxAttempts = 900

	// FallbackErrorMessage is reported when a failed job carries no error text.
	FallbackErrorMessage = "extraction job failed"
)

// StatusFetcher is the single upstream call the watcher needs.
type StatusFetcher interface {
	GetJobStatus(ctx context.Context, jobID string) (*models.Job, error)
}

// Events receives terminal and progress notifications for one watched job.
// Exactly one of OnComplete, OnError, or OnTimeout fires per Watch call,
// and none fire after context cancellation.
type Events struct {
	OnComplete func(job *models.Job)
	OnError    func(jobID, message string)
	OnTimeout  func(jobID string, attempts int)
	OnProgress func(job *models.Job)
}

// Config bounds the polling loop.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

// Watcher polls job status at a fixed interval. Polls for a given job are
// strictly sequential; a watcher instance never has two requests in flight.
type Watcher struct {
	fetch       StatusFetcher
	interval    time.Duration
	maxAttempts int
}

// New creates a Watcher. Zero config fields fall back to defaults.
func New(fetch StatusFetcher, cfg Config) *Watcher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Watcher{fetch: fetch, interval: interval, maxAttempts: maxAttempts}
}

// Watch blocks, polling jobID until a terminal status, a poll failure, the
// attempt bound, or context cancellation. The first fetch is immediate.
//
// A transport failure on any poll is treated as terminal: polling stops and
// the error is surfaced through OnError with no retry. Exhausting the
// attempt bound fires OnTimeout, kept distinct from OnError so callers can
// tell "the backend said failed" from "we gave up waiting".
func (w *Watcher) Watch(ctx context.Context, jobID string, ev Events) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		job, err := w.fetch.GetJobStatus(ctx, jobID)
		if ctx.Err() != nil {
			// Torn down mid-poll: no callback.
			return
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.emitError(ev, jobID, err.Error())
			return
		}

		switch job.Status {
		case models.JobStatusCompleted:
			if ev.OnComplete != nil {
				ev.OnComplete(job)
			}
			return
		case models.JobStatusFailed:
			msg := job.Error
			if msg == "" {
				msg = FallbackErrorMessage
			}
			w.emitError(ev, jobID, msg)
			return
		}

		if ev.OnProgress != nil {
			ev.OnProgress(job)
		}

		if attempt >= w.maxAttempts {
			if ev.OnTimeout != nil {
				ev.OnTimeout(jobID, attempt)
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) emitError(ev Events, jobID, msg string) {
	if ev.OnError != nil {
		ev.OnError(jobID, msg)
	}
}
