// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pipeline turns downloaded unit content into store rows: decode,
// validate, deduplicate, then write in adaptive batches. A Runner is the
// orchestrator's unit handler for one run; its dedup state lives as long
// as the Runner.
package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/pdiddy/refmirror/internal/batch"
	"github.com/pdiddy/refmirror/internal/dedup"
	"github.com/pdiddy/refmirror/internal/source"
	"github.com/pdiddy/refmirror/internal/store"
	"github.com/pdiddy/refmirror/internal/validate"
	"github.com/pdiddy/refmirror/pkg/types"
)

// Stats totals the units a Runner handled.
type Stats struct {
	Units    int `json:"units" yaml:"units"`
	Records  int `json:"records" yaml:"records"`
	Rejected int `json:"rejected" yaml:"rejected"`

	// Rejections counts rejected records by reason.
	Rejections map[string]int `json:"rejections,omitempty" yaml:"rejections,omitempty"`

	Dedup dedup.Totals  `json:"dedup" yaml:"dedup"`
	Write batch.Summary `json:"write" yaml:"write"`
}

// Tracker receives dedup and write statistics. *progress.Tracker
// implements it.
type Tracker interface {
	ObserveBatch(in, kept int)
	ObserveWrite(rows int)
}

// Runner processes units of any entity type into one store.
type Runner struct {
	store   store.Store
	proc    *batch.Processor
	tracker Tracker
	out     io.Writer
	log     zerolog.Logger

	validators map[types.EntityType]*validate.Validator
	engines    map[types.EntityType]*dedup.Engine
	stats      Stats
}

// New returns a Runner writing to st. tracker and out may be nil.
func New(st store.Store, cfg types.BatchConfig, tracker Tracker, out io.Writer, log zerolog.Logger) *Runner {
	if out == nil {
		out = io.Discard
	}
	var rep batch.Reporter
	if tracker != nil {
		rep = tracker
	}
	return &Runner{
		store:      st,
		proc:       batch.NewProcessor(st, batch.NewSizer(cfg), rep, log),
		tracker:    tracker,
		out:        out,
		log:        log,
		validators: map[types.EntityType]*validate.Validator{},
		engines:    map[types.EntityType]*dedup.Engine{},
		stats:      Stats{Rejections: map[string]int{}},
	}
}

// Stats returns the totals so far. It must not be called concurrently
// with HandleUnit.
func (r *Runner) Stats() Stats {
	s := r.stats
	s.Dedup = dedup.Totals{}
	for _, e := range r.engines {
		s.Dedup.Add(e.State().Totals())
	}
	return s
}

// HandleUnit decodes, validates, deduplicates, and writes one unit. A
// non-nil error leaves the unit unprocessed; rows already written stay,
// and writing them again later is a no-op.
func (r *Runner) HandleUnit(ctx context.Context, a source.Adapter, unitID string, content []byte) error {
	e := a.Entity()
	log := r.log.With().Str("source", a.Name()).Str("unit", unitID).Str("entity", string(e)).Logger()

	raws, err := a.Decode(unitID, content)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", unitID, err)
	}

	v, err := r.validator(e)
	if err != nil {
		return err
	}
	clean, report := v.ValidateAll(raws)
	r.stats.Records += len(raws)
	r.stats.Rejected += report.Rejected
	for reason, n := range report.ByReason {
		r.stats.Rejections[reason] += n
	}
	if report.Rejected > 0 {
		log.Warn().Int("rejected", report.Rejected).Interface("reasons", report.ByReason).Msg("records rejected")
		for _, s := range report.Samples {
			log.Debug().Err(s.Err).Int("ordinal", s.Ordinal).Msg("rejected record")
		}
	}

	eng := r.engine(e)
	res, err := eng.Process(ctx, clean)
	if err != nil {
		return fmt.Errorf("deduplicating %s: %w", unitID, err)
	}
	if r.tracker != nil {
		r.tracker.ObserveBatch(len(clean), len(res.Kept))
	}

	sum, err := r.proc.Process(ctx, e, res.Kept)
	r.stats.Write.Add(sum)
	if err != nil {
		return fmt.Errorf("writing %s: %w", unitID, err)
	}
	eng.Commit(res.Kept)
	r.stats.Units++

	log.Info().
		Int("records", len(raws)).
		Int("rejected", report.Rejected).
		Int("kept", len(res.Kept)).
		Int("dropped_by_id", res.DroppedByID).
		Int("dropped_by_content", res.DroppedByContent).
		Int("dropped_cross_batch", res.DroppedCrossBatch).
		Int("inserted", sum.Inserted).
		Int("updated", sum.Updated).
		Msg("unit processed")
	fmt.Fprintf(r.out, "processed: %s (%d records, %d rejected, %d kept, %d written)\n",
		unitID, len(raws), report.Rejected, len(res.Kept), sum.Written())
	return nil
}

func (r *Runner) validator(e types.EntityType) (*validate.Validator, error) {
	if v, ok := r.validators[e]; ok {
		return v, nil
	}
	v, err := validate.New(e)
	if err != nil {
		return nil, err
	}
	r.validators[e] = v
	return v, nil
}

func (r *Runner) engine(e types.EntityType) *dedup.Engine {
	if eng, ok := r.engines[e]; ok {
		return eng
	}
	eng := dedup.NewEngine(r.store, r.log)
	r.engines[e] = eng
	return eng
}
