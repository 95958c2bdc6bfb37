package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tmorrisey/formflow/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateHistoryEntry(ctx context.Context, entry *models.HistoryEntry) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO history_entries (id, user_id, mode, file_count, status, results, error_message, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.UserID, entry.Mode, entry.FileCount, entry.Status,
		entry.Results, entry.ErrorMessage, entry.CreatedAt, entry.CompletedAt)
	if err != nil {
		return fmt.Errorf("create history entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEntry
	}
	return nil
}

func (s *PostgresStore) GetHistoryEntry(ctx context.Context, userID, id string) (*models.HistoryEntry, error) {
	var e models.HistoryEntry
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, mode, file_count, status, results, error_message, created_at, completed_at
		 FROM history_entries WHERE id = $1 AND user_id = $2`, id, userID,
	).Scan(&e.ID, &e.UserID, &e.Mode, &e.FileCount, &e.Status,
		&e.Results, &e.ErrorMessage, &e.CreatedAt, &e.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get history entry: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, userID string) ([]*models.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, mode, file_count, status, results, error_message, created_at, completed_at
		 FROM history_entries WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []*models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Mode, &e.FileCount, &e.Status,
			&e.Results, &e.ErrorMessage, &e.CreatedAt, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

var validTransitions = map[string][]string{
	models.HistoryStatusProcessing: {models.HistoryStatusCompleted, models.HistoryStatusFailed},
}

func (s *PostgresStore) UpdateHistoryStatus(ctx context.Context, id, status string, opts ...HistoryUpdateOption) error {
	params := &historyUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM history_entries WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get history status: %w", err)
	}

	allowed := validTransitions[currentStatus]
	valid := false
	for _, a := range allowed {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid history status transition: %s -> %s", currentStatus, status)
	}

	query := `UPDATE history_entries SET status = $2`
	args := []any{id, status}
	argIdx := 3

	completedAt := params.CompletedAt
	if completedAt == nil {
		now := time.Now().UTC()
		completedAt = &now
	}
	query += fmt.Sprintf(", completed_at = $%d", argIdx)
	args = append(args, *completedAt)
	argIdx++

	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.Results != nil {
		query += fmt.Sprintf(", results = $%d", argIdx)
		args = append(args, params.Results)
		argIdx++
	}

	query += " WHERE id = $1"

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update history status: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUserHistory(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM history_entries WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete user history: %w", err)
	}
	return nil
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
