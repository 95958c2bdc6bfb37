package tracker_test

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmorrisey/formflow/internal/tracker"
	"github.com/tmorrisey/formflow/pkg/models"
)

func TestStatusStore_UpdateCreatesRecord(t *testing.T) {
	s := tracker.NewStatusStore()

	st := s.Update("form_001.pdf", func(st *models.FormStatus) {
		st.Extracting = true
		st.Extraction = models.PhaseExtracting
	})

	assert.True(t, st.Extracting)
	got, ok := s.Get("form_001.pdf")
	require.True(t, ok)
	assert.Equal(t, models.PhaseExtracting, got.Extraction)
}

func TestStatusStore_UpdatePreservesOtherFields(t *testing.T) {
	s := tracker.NewStatusStore()

	s.Update("f1", func(st *models.FormStatus) { st.Extraction = models.PhaseDone })
	s.Update("f1", func(st *models.FormStatus) { st.Correction = models.PhaseChecking })

	got, _ := s.Get("f1")
	assert.Equal(t, models.PhaseDone, got.Extraction)
	assert.Equal(t, models.PhaseChecking, got.Correction)
}

// Interleaved writers updating disjoint fields of the same record must not
// lose updates. This is the failure mode of read-copy-write on a shared
// map without per-key atomicity.
func TestStatusStore_ConcurrentUpdatesNotLost(t *testing.T) {
	s := tracker.NewStatusStore()

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			formID := "f" + strconv.Itoa(n%5)
			s.Update(formID, func(st *models.FormStatus) {
				st.Error = st.Error + "x"
			})
		}(i)
	}
	wg.Wait()

	total := 0
	for _, st := range s.Snapshot() {
		total += len(st.Error)
	}
	assert.Equal(t, writers, total)
}

func TestStatusStore_ClearIsScopedToOneKey(t *testing.T) {
	s := tracker.NewStatusStore()
	s.Update("f1", func(st *models.FormStatus) { st.Extraction = models.PhaseDone })
	s.Update("f2", func(st *models.FormStatus) { st.Extraction = models.PhaseDone })

	s.Clear("f1")

	_, ok := s.Get("f1")
	assert.False(t, ok)
	_, ok = s.Get("f2")
	assert.True(t, ok)
}

func TestStatusStore_SnapshotIsCopy(t *testing.T) {
	s := tracker.NewStatusStore()
	s.Update("f1", func(st *models.FormStatus) { st.Extraction = models.PhaseDone })

	snap := s.Snapshot()
	snap["f1"] = models.FormStatus{Extraction: models.PhaseError}

	got, _ := s.Get("f1")
	assert.Equal(t, models.PhaseDone, got.Extraction)
}
