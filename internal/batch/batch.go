// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package batch writes deduplicated records to the store in batches whose
// size adapts to a target wall-clock duration.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/pdiddy/refmirror/internal/store"
	"github.com/pdiddy/refmirror/pkg/types"
)

// Sizing defaults.
const (
	DefaultTarget  = 30 * time.Second
	DefaultInitial = 1000
	DefaultMin     = 50
	DefaultMax     = 20000

	GrowFactor   = 2.0
	ShrinkFactor = 0.5
)

// Sizer holds the current batch size. A batch faster than half the target
// doubles the size; one slower than 1.5x the target halves it.
type Sizer struct {
	size   int
	min    int
	max    int
	target time.Duration
	grow   float64
	shrink float64
}

// NewSizer builds a Sizer from cfg, filling zero values with defaults.
func NewSizer(cfg types.BatchConfig) *Sizer {
	s := &Sizer{
		size:   cfg.InitialSize,
		min:    cfg.MinSize,
		max:    cfg.MaxSize,
		target: cfg.TargetDuration,
		grow:   GrowFactor,
		shrink: ShrinkFactor,
	}
	if s.target <= 0 {
		s.target = DefaultTarget
	}
	if s.min <= 0 {
		s.min = DefaultMin
	}
	if s.max <= 0 {
		s.max = DefaultMax
	}
	if s.max < s.min {
		s.max = s.min
	}
	if s.size <= 0 {
		s.size = DefaultInitial
	}
	s.clamp()
	return s
}

// Size returns the current batch size.
func (s *Sizer) Size() int { return s.size }

// Observe adjusts the size after a batch took d and returns the new size.
func (s *Sizer) Observe(d time.Duration) int {
	switch {
	case d < s.target/2:
		s.size = int(float64(s.size) * s.grow)
	case d > s.target*3/2:
		s.size = int(float64(s.size) * s.shrink)
	}
	s.clamp()
	return s.size
}

func (s *Sizer) clamp() {
	if s.size < s.min {
		s.size = s.min
	}
	if s.size > s.max {
		s.size = s.max
	}
}

// Writer persists one batch.
type Writer interface {
	BulkUpsert(ctx context.Context, e types.EntityType, recs []types.CleanRecord) (store.UpsertResult, error)
}

// Reporter receives the number of rows each batch wrote.
type Reporter interface {
	ObserveWrite(rows int)
}

// Summary totals one Process call.
type Summary struct {
	store.UpsertResult

	Records       int   `json:"records" yaml:"records"`
	Batches       int   `json:"batches" yaml:"batches"`
	FailedBatches int   `json:"failed_batches" yaml:"failed_batches"`
	FailedRecords int   `json:"failed_records" yaml:"failed_records"`
	Sizes         []int `json:"sizes,omitempty" yaml:"sizes,omitempty"`
}

// Add accumulates o into s.
func (s *Summary) Add(o Summary) {
	s.UpsertResult.Add(o.UpsertResult)
	s.Records += o.Records
	s.Batches += o.Batches
	s.FailedBatches += o.FailedBatches
	s.FailedRecords += o.FailedRecords
	s.Sizes = append(s.Sizes, o.Sizes...)
}

// Processor slices records into batches and writes them. The Sizer carries
// over between calls, so later units start from the last tuned size.
type Processor struct {
	w     Writer
	sizer *Sizer
	rep   Reporter
	log   zerolog.Logger
	now   func() time.Time
}

// NewProcessor returns a Processor. rep may be nil.
func NewProcessor(w Writer, sizer *Sizer, rep Reporter, log zerolog.Logger) *Processor {
	return &Processor{w: w, sizer: sizer, rep: rep, log: log, now: time.Now}
}

// SetClock replaces the clock used to time batches.
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// Process writes recs in order. A failed batch is recorded and the next
// batch is attempted; only cancellation stops the loop early. The returned
// error aggregates every batch failure.
func (p *Processor) Process(ctx context.Context, e types.EntityType, recs []types.CleanRecord) (Summary, error) {
	var (
		sum  Summary
		errs *multierror.Error
	)
	for start := 0; start < len(recs); {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}

		end := min(start+p.sizer.Size(), len(recs))
		batch := recs[start:end]
		start = end

		began := p.now()
		res, err := p.w.BulkUpsert(ctx, e, batch)
		took := p.now().Sub(began)

		sum.Batches++
		sum.Records += len(batch)
		sum.Sizes = append(sum.Sizes, len(batch))

		if err != nil {
			sum.FailedBatches++
			sum.FailedRecords += len(batch)
			errs = multierror.Append(errs, fmt.Errorf("writing %s batch %d (%d records): %w", e, sum.Batches, len(batch), err))
			p.log.Warn().Err(err).Str("entity", string(e)).Int("batch_size", len(batch)).Msg("batch write failed")
			if ctx.Err() != nil {
				break
			}
			continue
		}

		sum.UpsertResult.Add(res)
		if p.rep != nil {
			p.rep.ObserveWrite(res.Written())
		}
		next := p.sizer.Observe(took)
		p.log.Debug().
			Str("entity", string(e)).
			Int("batch_size", len(batch)).
			Dur("duration", took).
			Int("inserted", res.Inserted).
			Int("updated", res.Updated).
			Int("unchanged", res.Unchanged).
			Int("next_size", next).
			Msg("batch written")
	}
	return sum, errs.ErrorOrNil()
}
