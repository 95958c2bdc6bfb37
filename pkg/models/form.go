package models

import "encoding/json"

// PhaseState is the per-phase progress marker for a tracked form.
// The zero value means the phase has not been attempted.
type PhaseState string

const (
	PhaseUnset      PhaseState = ""
	PhaseExtracting PhaseState = "extracting"
	PhaseChecking   PhaseState = "checking"
	PhaseCorrecting PhaseState = "correcting"
	PhaseDone       PhaseState = "done"
	PhaseError      PhaseState = "error"
)

// FormStatus tracks one selected form through the two-phase pipeline:
// table extraction first, then AI correction. Correction may only move
// toward done once extraction is done.
type FormStatus struct {
	Extracting bool            `json:"extracting"`
	Extraction PhaseState      `json:"extraction,omitempty"`
	Correcting bool            `json:"correcting"`
	Correction PhaseState      `json:"correction,omitempty"`
	Error      string          `json:"error,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// FormRef identifies one split form and the parameters the upstream
// extract-form endpoint needs to locate it.
type FormRef struct {
	Company       string `json:"company_name"`
	PDFName       string `json:"pdf_name"`
	SplitFilename string `json:"split_filename"`
	UserID        string `json:"user_id"`
}

// SplitFile is one entry from the upstream split-file listing.
type SplitFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
}
