// Package history keeps the per-user submission log consistent with the
// extraction backend. Entries are written optimistically at submission time
// and reconciled against live job status when read back.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tmorrisey/formflow/internal/cache"
	"github.com/tmorrisey/formflow/internal/poller"
	"github.com/tmorrisey/formflow/internal/store"
	"github.com/tmorrisey/formflow/internal/upstream"
	"github.com/tmorrisey/formflow/pkg/models"
)

// ErrJobExpired marks an entry whose job the backend no longer knows about.
// Its message is persisted verbatim so a re-read never re-polls the job.
var ErrJobExpired = errors.New("job no longer exists")

const statusTTL = 30 * time.Minute

// Service reconciles stored history entries with live backend job state.
type Service struct {
	store   store.Store
	cache   cache.Cache
	backend upstream.Client
	watcher *poller.Watcher

	mu       sync.Mutex
	watching map[string]struct{}
}

// NewService creates a history Service.
func NewService(st store.Store, ca cache.Cache, backend upstream.Client, watcher *poller.Watcher) *Service {
	return &Service{
		store:    st,
		cache:    ca,
		backend:  backend,
		watcher:  watcher,
		watching: make(map[string]struct{}),
	}
}

// Add persists a new entry. Duplicate job ids are a no-op: the first write
// wins and the stored entry is left untouched.
func (s *Service) Add(ctx context.Context, entry *models.HistoryEntry) error {
	err := s.store.CreateHistoryEntry(ctx, entry)
	if errors.Is(err, store.ErrDuplicateEntry) {
		slog.Debug("duplicate history entry ignored", "job_id", entry.ID, "user_id", entry.UserID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("adding history entry: %w", err)
	}
	_ = s.cache.Delete(ctx, cache.HistoryListKey(entry.UserID))
	return nil
}

// LoadUserHistory returns all entries for a user, newest first. Should the
// loaded sequence ever carry duplicate ids, only the first occurrence is kept.
func (s *Service) LoadUserHistory(ctx context.Context, userID string) ([]*models.HistoryEntry, error) {
	entries, err := s.store.ListHistory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	seen := make(map[string]struct{}, len(entries))
	deduped := entries[:0]
	for _, e := range entries {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		deduped = append(deduped, e)
	}
	return deduped, nil
}

// LoadHistoryItem returns one entry reconciled against the backend:
//
//   - completed entries are served from the store; missing results are
//     backfilled from the backend best-effort, without rewriting the entry
//   - failed entries surface their stored error verbatim, expired jobs
//     included
//   - processing entries trigger a live status query: a terminal answer is
//     patched in place, a 404 marks the entry irreversibly failed with the
//     expiry message, and a still-running job resumes background watching
//
// Transport failures on the live query leave the stored entry untouched.
func (s *Service) LoadHistoryItem(ctx context.Context, userID, jobID string) (*models.HistoryEntry, error) {
	entry, err := s.store.GetHistoryEntry(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	switch entry.Status {
	case models.HistoryStatusCompleted:
		if entry.Results == nil {
			if results, rerr := s.backend.GetJobResults(ctx, jobID); rerr == nil {
				entry.Results = results
			} else {
				slog.Warn("could not backfill results", "job_id", jobID, "error", rerr)
			}
		}
		return entry, nil

	case models.HistoryStatusFailed:
		return entry, nil
	}

	job, err := s.backend.GetJobStatus(ctx, jobID)
	if errors.Is(err, upstream.ErrJobNotFound) {
		return s.expireEntry(ctx, entry), nil
	}
	if err != nil {
		slog.Warn("live status query failed, serving stored entry", "job_id", jobID, "error", err)
		return entry, nil
	}

	switch job.Status {
	case models.JobStatusCompleted:
		return s.completeEntry(ctx, entry, job), nil
	case models.JobStatusFailed:
		msg := job.Error
		if msg == "" {
			msg = poller.FallbackErrorMessage
		}
		return s.failEntry(ctx, entry, msg), nil
	}

	// Still running: pick the job back up in the background.
	s.TrackJob(entry.UserID, jobID)
	return entry, nil
}

// ClearAll removes a user's history. The cached view is always dropped, even
// when the store delete fails.
func (s *Service) ClearAll(ctx context.Context, userID string) error {
	if err := s.cache.Delete(ctx, cache.HistoryListKey(userID)); err != nil {
		slog.Warn("could not drop cached history list", "user_id", userID, "error", err)
	}
	if err := s.store.DeleteUserHistory(ctx, userID); err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	return nil
}

// TrackJob watches a job in a background goroutine and patches the entry and
// status cache when the job reaches a terminal state. Watching the same job
// twice is a no-op.
func (s *Service) TrackJob(userID, jobID string) {
	s.mu.Lock()
	if _, ok := s.watching[jobID]; ok {
		s.mu.Unlock()
		return
	}
	s.watching[jobID] = struct{}{}
	s.mu.Unlock()

	go s.watch(userID, jobID)
}

// watch runs the polling loop for one job. It recovers from panics and always
// releases the per-job watch slot.
func (s *Service) watch(userID, jobID string) {
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while watching job", "job_id", jobID, "error", r)
			_ = s.store.UpdateHistoryStatus(ctx, jobID, models.HistoryStatusFailed,
				store.WithErrorMessage(fmt.Sprintf("panic: %v", r)))
		}
		s.mu.Lock()
		delete(s.watching, jobID)
		s.mu.Unlock()
	}()

	s.watcher.Watch(ctx, jobID, poller.Events{
		OnComplete: func(job *models.Job) {
			entry := &models.HistoryEntry{ID: jobID, UserID: userID}
			s.completeEntry(ctx, entry, job)
		},
		OnError: func(jobID, message string) {
			entry := &models.HistoryEntry{ID: jobID, UserID: userID}
			s.failEntry(ctx, entry, message)
		},
		OnTimeout: func(jobID string, attempts int) {
			entry := &models.HistoryEntry{ID: jobID, UserID: userID}
			s.failEntry(ctx, entry, fmt.Sprintf("no terminal status after %d polls", attempts))
		},
		OnProgress: func(job *models.Job) {
			_ = s.cache.SetJobStatus(ctx, jobID, string(job.Status), statusTTL)
		},
	})
}

// completeEntry patches an entry to completed, backfilling results from the
// backend best-effort.
func (s *Service) completeEntry(ctx context.Context, entry *models.HistoryEntry, job *models.Job) *models.HistoryEntry {
	opts := []store.HistoryUpdateOption{}
	if results, err := s.backend.GetJobResults(ctx, entry.ID); err == nil {
		entry.Results = results
		opts = append(opts, store.WithResults(results))
	} else {
		slog.Warn("could not fetch job results", "job_id", entry.ID, "error", err)
	}
	if job.CompletedAt != nil {
		entry.CompletedAt = job.CompletedAt
		opts = append(opts, store.WithCompletedAt(*job.CompletedAt))
	}

	if err := s.store.UpdateHistoryStatus(ctx, entry.ID, models.HistoryStatusCompleted, opts...); err != nil {
		slog.Warn("could not patch history entry", "job_id", entry.ID, "error", err)
	}
	_ = s.cache.SetJobStatus(ctx, entry.ID, string(models.JobStatusCompleted), statusTTL)
	_ = s.cache.Delete(ctx, cache.HistoryListKey(entry.UserID))

	entry.Status = models.HistoryStatusCompleted
	return entry
}

// failEntry patches an entry to failed with the given message.
func (s *Service) failEntry(ctx context.Context, entry *models.HistoryEntry, message string) *models.HistoryEntry {
	if err := s.store.UpdateHistoryStatus(ctx, entry.ID, models.HistoryStatusFailed,
		store.WithErrorMessage(message)); err != nil {
		slog.Warn("could not patch history entry", "job_id", entry.ID, "error", err)
	}
	_ = s.cache.SetJobStatus(ctx, entry.ID, string(models.JobStatusFailed), statusTTL)
	_ = s.cache.Delete(ctx, cache.HistoryListKey(entry.UserID))

	entry.Status = models.HistoryStatusFailed
	entry.ErrorMessage = &message
	return entry
}

// expireEntry marks an entry for a job the backend has forgotten. The expiry
// message is stored so subsequent reads serve it without another live query.
func (s *Service) expireEntry(ctx context.Context, entry *models.HistoryEntry) *models.HistoryEntry {
	return s.failEntry(ctx, entry, ErrJobExpired.Error())
}
