package tracker

import (
	"sync"

	"github.com/tmorrisey/formflow/pkg/models"
)

// StatusStore holds per-form pipeline status keyed by split filename.
// Every mutation goes through Update, which applies a transition function
// under the lock, so concurrent phase runners can never lose writes to
// the same record.
type StatusStore struct {
	mu       sync.RWMutex
	statuses map[string]models.FormStatus
}

func NewStatusStore() *StatusStore {
	return &StatusStore{statuses: make(map[string]models.FormStatus)}
}

// Get returns the tracked status for one form.
func (s *StatusStore) Get(formID string) (models.FormStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[formID]
	return st, ok
}

// Update applies fn to the form's status record atomically and returns
// the resulting record. Missing records start from the zero value.
func (s *StatusStore) Update(formID string, fn func(*models.FormStatus)) models.FormStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statuses[formID]
	fn(&st)
	s.statuses[formID] = st
	return st
}

// Clear removes tracking for a single form, leaving the rest of the
// batch untouched. Used when a form is deselected so a re-run starts
// that one item fresh.
func (s *StatusStore) Clear(formID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, formID)
}

// Snapshot returns a copy of all tracked statuses.
func (s *StatusStore) Snapshot() map[string]models.FormStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.FormStatus, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out
}
