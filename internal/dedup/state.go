// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package dedup

import (
	"github.com/pdiddy/refmirror/internal/merge"
	"github.com/pdiddy/refmirror/pkg/types"
)

// State is run-scoped. It holds the fingerprints known to be in the store
// and, for every looked-up key, the row the store holds once committed
// writes are merged in. A record that changes nothing against that view is
// not written again, however many units contain it.
type State struct {
	fingerprints map[scoped]string
	existing     map[scoped]types.Fields
	looked       map[scoped]struct{}

	totals Totals
}

// Totals accumulates counters across batches.
type Totals struct {
	In                int
	Kept              int
	DroppedByID       int
	DroppedByContent  int
	DroppedCrossBatch int
	Conflicts         int
}

// Dropped returns the total number of dropped records.
func (t Totals) Dropped() int {
	return t.DroppedByID + t.DroppedByContent + t.DroppedCrossBatch
}

// Add accumulates o into t.
func (t *Totals) Add(o Totals) {
	t.In += o.In
	t.Kept += o.Kept
	t.DroppedByID += o.DroppedByID
	t.DroppedByContent += o.DroppedByContent
	t.DroppedCrossBatch += o.DroppedCrossBatch
	t.Conflicts += o.Conflicts
}

// Rate returns the percentage of input records dropped.
func (t Totals) Rate() float64 {
	if t.In == 0 {
		return 0
	}
	return float64(t.Dropped()) / float64(t.In) * 100
}

type scoped struct {
	entity types.EntityType
	value  string
}

// NewState returns empty run state.
func NewState() *State {
	return &State{
		fingerprints: map[scoped]string{},
		existing:     map[scoped]types.Fields{},
		looked:       map[scoped]struct{}{},
	}
}

// Totals returns the counters accumulated so far.
func (s *State) Totals() Totals { return s.totals }

func (s *State) seenFingerprint(e types.EntityType, fp string) (string, bool) {
	k, ok := s.fingerprints[scoped{e, fp}]
	return k, ok
}

// markSeen records a record whose content is in the store.
func (s *State) markSeen(rec types.CleanRecord) {
	s.fingerprints[scoped{rec.Entity, rec.Fingerprint}] = rec.Key
}

// commit folds written records into the run's view of the store.
func (s *State) commit(recs []types.CleanRecord) {
	for _, rec := range recs {
		s.markSeen(rec)
		k := scoped{rec.Entity, rec.Key}
		s.looked[k] = struct{}{}
		if stored, ok := s.existing[k]; ok {
			s.existing[k], _ = merge.Preserve(stored, rec.Fields)
			continue
		}
		s.existing[k] = rec.Fields.Clone()
	}
}

func (s *State) cached(e types.EntityType, key string) bool {
	_, ok := s.looked[scoped{e, key}]
	return ok
}

func (s *State) cache(e types.EntityType, keys []string, found map[string]types.Fields) {
	for _, key := range keys {
		k := scoped{e, key}
		s.looked[k] = struct{}{}
		if f, ok := found[key]; ok {
			s.existing[k] = f
		}
	}
}

// stored returns the cached store row for key, if the store had one.
func (s *State) stored(e types.EntityType, key string) (types.Fields, bool) {
	f, ok := s.existing[scoped{e, key}]
	return f, ok
}

func (s *State) observe(in int, r Result) {
	s.totals.In += in
	s.totals.Kept += len(r.Kept)
	s.totals.DroppedByID += r.DroppedByID
	s.totals.DroppedByContent += r.DroppedByContent
	s.totals.DroppedCrossBatch += r.DroppedCrossBatch
	s.totals.Conflicts += len(r.Conflicts)
}
