package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tmorrisey/formflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateEntry = errors.New("history entry already exists")

// Store is the data access interface for persisted job history.
type Store interface {
	Ping(ctx context.Context) error

	// CreateHistoryEntry inserts a new entry. Inserting an id that already
	// exists returns ErrDuplicateEntry and leaves the stored entry
	// untouched (first write wins).
	CreateHistoryEntry(ctx context.Context, entry *models.HistoryEntry) error

	GetHistoryEntry(ctx context.Context, userID, id string) (*models.HistoryEntry, error)
	ListHistory(ctx context.Context, userID string) ([]*models.HistoryEntry, error)

	// UpdateHistoryStatus patches an entry in place. Only the
	// processing -> completed and processing -> failed transitions are
	// allowed; terminal entries are immutable.
	UpdateHistoryStatus(ctx context.Context, id, status string, opts ...HistoryUpdateOption) error

	DeleteUserHistory(ctx context.Context, userID string) error
}

type historyUpdateParams struct {
	ErrorMessage *string
	Results      json.RawMessage
	CompletedAt  *time.Time
}

type HistoryUpdateOption func(*historyUpdateParams)

func WithErrorMessage(msg string) HistoryUpdateOption {
	return func(p *historyUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithResults(results json.RawMessage) HistoryUpdateOption {
	return func(p *historyUpdateParams) {
		p.Results = results
	}
}

func WithCompletedAt(t time.Time) HistoryUpdateOption {
	return func(p *historyUpdateParams) {
		p.CompletedAt = &t
	}
}
