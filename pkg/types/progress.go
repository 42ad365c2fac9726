// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// BatchProgress is a point-in-time view of a run's progress. Completion is
// measured in units; record counts are duplication statistics only.
type BatchProgress struct {
	UnitsTotal  int `json:"units_total" yaml:"units_total"`
	UnitsDone   int `json:"units_done" yaml:"units_done"`
	RecordsIn   int `json:"records_in" yaml:"records_in"`
	RecordsKept int `json:"records_kept" yaml:"records_kept"`

	// RecordsWritten counts rows inserted or updated in the store.
	RecordsWritten int `json:"records_written" yaml:"records_written"`

	// DedupRate is the cumulative percentage of input records dropped.
	DedupRate float64 `json:"dedup_rate" yaml:"dedup_rate"`

	// SmoothedDedupRate is the exponentially weighted per-batch rate used
	// for projections.
	SmoothedDedupRate float64 `json:"smoothed_dedup_rate" yaml:"smoothed_dedup_rate"`

	Elapsed            time.Duration `json:"elapsed" yaml:"elapsed"`
	ProjectedRemaining time.Duration `json:"projected_remaining" yaml:"projected_remaining"`

	// ProjectedKept estimates how many more records will survive dedup.
	ProjectedKept int `json:"projected_kept" yaml:"projected_kept"`
}

// PercentComplete returns the unit-based completion percentage.
func (p BatchProgress) PercentComplete() float64 {
	if p.UnitsTotal == 0 {
		return 0
	}
	return float64(p.UnitsDone) / float64(p.UnitsTotal) * 100
}
