// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package progress tracks a run's completion and duplication statistics.
// Completion is counted in units; record counts only feed the dedup rate.
package progress

import (
	"sync"
	"time"

	"github.com/VividCortex/ewma"

	"github.com/pdiddy/refmirror/pkg/types"
)

// Tracker is safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	start time.Time
	now   func() time.Time

	unitsTotal int
	unitsDone  int

	recordsIn      int
	recordsKept    int
	recordsWritten int

	// rate smooths the per-batch dedup rate, in percent.
	rate ewma.MovingAverage
}

// New returns a tracker whose clock starts now.
func New() *Tracker {
	return NewWithClock(time.Now)
}

// NewWithClock returns a tracker using now as its clock.
func NewWithClock(now func() time.Time) *Tracker {
	return &Tracker{
		start: now(),
		now:   now,
		rate:  ewma.NewMovingAverage(),
	}
}

// SetUnitsTotal sets the number of units the run will handle.
func (t *Tracker) SetUnitsTotal(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unitsTotal = n
}

// UnitDone records one finished unit, whatever its outcome.
func (t *Tracker) UnitDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unitsDone++
}

// ObserveBatch records a dedup batch: in records entered, kept survived.
func (t *Tracker) ObserveBatch(in, kept int) {
	if in <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordsIn += in
	t.recordsKept += kept
	t.rate.Add(float64(in-kept) / float64(in) * 100)
}

// ObserveWrite records rows written to the store by one write batch.
func (t *Tracker) ObserveWrite(rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordsWritten += rows
}

// Snapshot returns the current progress.
func (t *Tracker) Snapshot() types.BatchProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := types.BatchProgress{
		UnitsTotal:     t.unitsTotal,
		UnitsDone:      t.unitsDone,
		RecordsIn:      t.recordsIn,
		RecordsKept:    t.recordsKept,
		RecordsWritten: t.recordsWritten,
		Elapsed:        t.now().Sub(t.start),
	}
	if t.recordsIn > 0 {
		p.DedupRate = float64(t.recordsIn-t.recordsKept) / float64(t.recordsIn) * 100
		p.SmoothedDedupRate = t.rate.Value()
	}

	remaining := t.unitsTotal - t.unitsDone
	if t.unitsDone > 0 && remaining > 0 {
		p.ProjectedRemaining = p.Elapsed / time.Duration(t.unitsDone) * time.Duration(remaining)

		perUnitIn := float64(t.recordsIn) / float64(t.unitsDone)
		p.ProjectedKept = int(perUnitIn * float64(remaining) * (100 - p.SmoothedDedupRate) / 100)
	}
	return p
}
