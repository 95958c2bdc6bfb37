package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the closed set of states an extraction job can be in.
// The upstream backend reports status as a bare string; anything outside
// this set is rejected at decode time rather than treated as non-terminal.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// ParseJobStatus validates a raw status string against the known set.
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return JobStatus(s), nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// Terminal reports whether no further status transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// UnmarshalJSON enforces the closed status set on upstream payloads.
func (s *JobStatus) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decoding job status: %w", err)
	}
	parsed, err := ParseJobStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Job is one backend extraction job. The upstream backend is the sole
// writer; this service only reads status and reacts. Once Status reaches
// a terminal value the record is immutable.
type Job struct {
	ID             string          `json:"id"`
	Status         JobStatus       `json:"status"`
	TotalFiles     int             `json:"total_files"`
	ProcessedFiles int             `json:"processed_files"`
	CurrentFile    string          `json:"current_file,omitempty"`
	CreatedAt      *time.Time      `json:"created_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Error          string          `json:"error,omitempty"`
	Results        json.RawMessage `json:"results,omitempty"`
}

// ProgressPercent derives completion progress from file counts.
// A job with no files reports 0; the result is clamped to [0, 100]
// so a backend reporting processed > total can't push it past 100.
func (j *Job) ProgressPercent() float64 {
	if j.TotalFiles <= 0 {
		return 0
	}
	pct := float64(j.ProcessedFiles) / float64(j.TotalFiles) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
