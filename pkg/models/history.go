package models

import (
	"encoding/json"
	"time"
)

const (
	HistoryStatusProcessing = "processing"
	HistoryStatusCompleted  = "completed"
	HistoryStatusFailed     = "failed"
)

const (
	ExtractModeSingle = "single"
	ExtractModeBulk   = "bulk"
)

// HistoryEntry is one record of a past job submission, keyed by job ID.
// Entries are created optimistically at submission time with status
// processing and patched in place (never re-inserted) once the job
// resolves. Only one entry per job ID is ever retained.
type HistoryEntry struct {
	ID           string          `db:"id"            json:"id"`
	UserID       string          `db:"user_id"       json:"user_id"`
	Mode         string          `db:"mode"          json:"mode"`
	FileCount    int             `db:"file_count"    json:"file_count"`
	Status       string          `db:"status"        json:"status"`
	Results      json.RawMessage `db:"results"       json:"results,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"timestamp"`
	CompletedAt  *time.Time      `db:"completed_at"  json:"completed_at,omitempty"`
}
