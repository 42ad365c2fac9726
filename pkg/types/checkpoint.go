// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"fmt"
	"time"
)

// UnitStatus is the download state of one source unit.
type UnitStatus string

const (
	StatusPending           UnitStatus = "pending"
	StatusInProgress        UnitStatus = "in_progress"
	StatusDownloaded        UnitStatus = "downloaded"
	StatusFailed            UnitStatus = "failed"
	StatusRateLimited       UnitStatus = "rate_limited"
	StatusPermanentlyFailed UnitStatus = "permanently_failed"
)

// DownloadCheckpoint is the persisted state of one unit of one source.
type DownloadCheckpoint struct {
	Source        string     `json:"source"`
	UnitID        string     `json:"unit_id"`
	Status        UnitStatus `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	LastAttemptAt time.Time  `json:"last_attempt_at,omitempty"`
	NextRetryAt   time.Time  `json:"next_retry_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`

	// ContentPath and ContentHash describe the persisted raw content of a
	// downloaded unit.
	ContentPath  string    `json:"content_path,omitempty"`
	ContentHash  string    `json:"content_hash,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at,omitempty"`

	// ProcessedAt is set once the unit's records went through validation,
	// dedup, and the store. A downloaded unit with a zero ProcessedAt is
	// reprocessed from disk on the next run.
	ProcessedAt time.Time `json:"processed_at,omitempty"`
}

// Due reports whether a failed or rate-limited unit may be retried at now.
func (c DownloadCheckpoint) Due(now time.Time) bool {
	return !now.Before(c.NextRetryAt)
}

// RunMode selects how a run treats existing checkpoints.
type RunMode string

const (
	// ModeIncremental skips downloaded units unless they are stale.
	ModeIncremental RunMode = "incremental"

	// ModeForceFresh ignores checkpoints and downloads every unit.
	ModeForceFresh RunMode = "force_fresh"

	// ModeCompleteDataset is incremental plus registration of units
	// newly published upstream.
	ModeCompleteDataset RunMode = "complete_dataset"
)

// ParseRunMode validates a run mode string.
func ParseRunMode(s string) (RunMode, error) {
	switch RunMode(s) {
	case ModeIncremental, ModeForceFresh, ModeCompleteDataset:
		return RunMode(s), nil
	case "":
		return ModeIncremental, nil
	}
	return "", fmt.Errorf("unknown run mode %q (want incremental, force_fresh, or complete_dataset)", s)
}

// UnitFailure describes a unit that did not download successfully.
type UnitFailure struct {
	UnitID   string     `json:"unit_id" yaml:"unit_id"`
	Status   UnitStatus `json:"status" yaml:"status"`
	Attempts int        `json:"attempts" yaml:"attempts"`
	Error    string     `json:"error" yaml:"error"`
}

// RunSummary holds the outcome of one orchestrator run.
type RunSummary struct {
	Source string  `json:"source" yaml:"source"`
	RunID  string  `json:"run_id" yaml:"run_id"`
	Mode   RunMode `json:"mode" yaml:"mode"`

	TotalUnits        int `json:"total_units" yaml:"total_units"`
	Succeeded         int `json:"succeeded" yaml:"succeeded"`
	Skipped           int `json:"skipped" yaml:"skipped"`
	Deferred          int `json:"deferred" yaml:"deferred"`
	Failed            int `json:"failed" yaml:"failed"`
	RateLimited       int `json:"rate_limited" yaml:"rate_limited"`
	PermanentlyFailed int `json:"permanently_failed" yaml:"permanently_failed"`
	Cancelled         int `json:"cancelled" yaml:"cancelled"`

	// Resumed counts downloaded units reprocessed from disk.
	Resumed int `json:"resumed" yaml:"resumed"`

	// ProcessFailed counts downloaded units whose records could not be
	// processed. They are marked failed and downloaded again once their
	// backoff elapses.
	ProcessFailed int `json:"process_failed" yaml:"process_failed"`

	Failures []UnitFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Attempted returns the number of units a download was attempted for.
func (s RunSummary) Attempted() int {
	return s.Succeeded + s.Failed + s.RateLimited + s.PermanentlyFailed
}

// SuccessRate returns the percentage of attempted units that downloaded.
// A run that attempted nothing reports 100.
func (s RunSummary) SuccessRate() float64 {
	attempted := s.Attempted()
	if attempted == 0 {
		return 100
	}
	return float64(s.Succeeded) / float64(attempted) * 100
}

// RunMetadata records one run of one source. It replaces implicit
// "last update" marker files.
type RunMetadata struct {
	RunID      string     `json:"run_id"`
	Source     string     `json:"source"`
	Mode       RunMode    `json:"mode"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
	Summary    RunSummary `json:"summary"`
}
