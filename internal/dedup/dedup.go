// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package dedup removes duplicate records before they reach the store. Three
// ordered filters run on every batch: identity (same natural key within the
// batch), content (same fingerprint under different or synthetic keys), and
// cross-batch (already stored, or written earlier in the run, and adding
// nothing new). Each dropped record is counted by exactly one filter.
//
// Records returned as kept are only known to the run once the caller
// reports them written with Commit.
package dedup

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pdiddy/refmirror/internal/merge"
	"github.com/pdiddy/refmirror/internal/mirrorerr"
	"github.com/pdiddy/refmirror/pkg/types"
)

// ExistingLookup returns the stored fields of whichever keys already exist.
// The engine calls it once per batch.
type ExistingLookup interface {
	Existing(ctx context.Context, e types.EntityType, keys []string) (map[string]types.Fields, error)
}

// Result is the outcome of one batch.
type Result struct {
	Kept []types.CleanRecord

	DroppedByID       int
	DroppedByContent  int
	DroppedCrossBatch int

	Conflicts []*mirrorerr.ContentConflictError

	// ContentAudit maps the key of each content duplicate to the key that
	// was kept in its place.
	ContentAudit map[string]string
}

// Dropped returns the total number of dropped records.
func (r Result) Dropped() int {
	return r.DroppedByID + r.DroppedByContent + r.DroppedCrossBatch
}

// Engine applies the filters with run-scoped state. An Engine is used by a
// single goroutine.
type Engine struct {
	lookup ExistingLookup
	state  *State
	log    zerolog.Logger
}

// NewEngine returns an Engine with fresh state. lookup may be nil, which
// disables the cross-batch filter.
func NewEngine(lookup ExistingLookup, log zerolog.Logger) *Engine {
	return &Engine{lookup: lookup, state: NewState(), log: log}
}

// State exposes the run-scoped dedup state.
func (e *Engine) State() *State { return e.state }

// Commit records that kept, a Result.Kept slice, is now in the store.
// Later batches compare against the merged rows, so a key written once is
// written again only when a later record adds or changes a field.
func (e *Engine) Commit(kept []types.CleanRecord) { e.state.commit(kept) }

// Process runs the three filters over batch. Records must be in arrival
// order (unit order, then ordinal); ties are broken by that order.
func (e *Engine) Process(ctx context.Context, batch []types.CleanRecord) (Result, error) {
	res := Result{ContentAudit: map[string]string{}}
	if len(batch) == 0 {
		return res, nil
	}

	survivors := e.byIdentity(batch, &res)
	survivors = e.byContent(survivors, &res)

	kept, err := e.crossBatch(ctx, survivors, &res)
	if err != nil {
		return res, err
	}
	res.Kept = kept

	e.state.observe(len(batch), res)
	if len(res.Conflicts) > 0 {
		e.log.Warn().Int("conflicts", len(res.Conflicts)).Str("entity", string(batch[0].Entity)).
			Msg("duplicate records disagree on field values; representative values kept")
	}
	return res, nil
}

// byIdentity keeps one representative per natural key within the batch.
// Keys seen in earlier batches are left to the cross-batch filter.
func (e *Engine) byIdentity(batch []types.CleanRecord, res *Result) []types.CleanRecord {
	groups := map[string][]int{}
	var order []string
	for i, rec := range batch {
		if rec.SyntheticKey {
			continue
		}
		if _, ok := groups[rec.Key]; !ok {
			order = append(order, rec.Key)
		}
		groups[rec.Key] = append(groups[rec.Key], i)
	}

	keep := make([]bool, len(batch))
	for i, rec := range batch {
		keep[i] = rec.SyntheticKey
	}

	for _, key := range order {
		members := groups[key]
		rep := members[0]
		for _, m := range members[1:] {
			if better(batch[m], batch[rep]) {
				rep = m
			}
		}
		keep[rep] = true
		res.DroppedByID += len(members) - 1
		for _, m := range members {
			if m != rep {
				res.Conflicts = append(res.Conflicts, e.conflicts(batch[rep], batch[m])...)
			}
		}
	}

	out := make([]types.CleanRecord, 0, len(order))
	for i, rec := range batch {
		if keep[i] {
			out = append(out, rec)
		}
	}
	return out
}

// byContent keeps one representative per fingerprint, preferring records
// with a real natural key.
func (e *Engine) byContent(recs []types.CleanRecord, res *Result) []types.CleanRecord {
	groups := map[string][]int{}
	var order []string
	for i, rec := range recs {
		if _, ok := groups[rec.Fingerprint]; !ok {
			order = append(order, rec.Fingerprint)
		}
		groups[rec.Fingerprint] = append(groups[rec.Fingerprint], i)
	}

	keep := make([]bool, len(recs))
	for _, fp := range order {
		members := groups[fp]
		entity := recs[members[0]].Entity
		if keptKey, ok := e.state.seenFingerprint(entity, fp); ok {
			for _, m := range members {
				if recs[m].Key == keptKey {
					keep[m] = true
					continue
				}
				res.DroppedByContent++
				res.ContentAudit[recs[m].Key] = keptKey
			}
			continue
		}
		rep := members[0]
		for _, m := range members[1:] {
			if betterContent(recs[m], recs[rep]) {
				rep = m
			}
		}
		keep[rep] = true
		for _, m := range members {
			if m == rep {
				continue
			}
			res.DroppedByContent++
			if recs[m].Key != recs[rep].Key {
				res.ContentAudit[recs[m].Key] = recs[rep].Key
			}
		}
	}

	out := make([]types.CleanRecord, 0, len(order))
	for i, rec := range recs {
		if keep[i] {
			out = append(out, rec)
		}
	}
	return out
}

// crossBatch drops candidates whose stored row, including writes committed
// earlier in the run, would not change. The store is queried once for every
// key not already cached.
func (e *Engine) crossBatch(ctx context.Context, recs []types.CleanRecord, res *Result) ([]types.CleanRecord, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	entity := recs[0].Entity
	if e.lookup != nil {
		var missing []string
		for _, rec := range recs {
			if !e.state.cached(entity, rec.Key) {
				missing = append(missing, rec.Key)
			}
		}
		if len(missing) > 0 {
			found, err := e.lookup.Existing(ctx, entity, missing)
			if err != nil {
				return nil, fmt.Errorf("checking existing %s keys: %w", entity, err)
			}
			e.state.cache(entity, missing, found)
		}
	}

	kept := make([]types.CleanRecord, 0, len(recs))
	for _, rec := range recs {
		stored, exists := e.state.stored(entity, rec.Key)
		if exists && merge.AddsNothing(stored, rec.Fields) {
			e.state.markSeen(rec)
			res.DroppedCrossBatch++
			continue
		}
		kept = append(kept, rec)
	}
	return kept, nil
}

func (e *Engine) conflicts(kept, other types.CleanRecord) []*mirrorerr.ContentConflictError {
	var out []*mirrorerr.ContentConflictError
	for _, field := range merge.Conflicts(kept.Fields, other.Fields) {
		c := &mirrorerr.ContentConflictError{
			Entity:   string(kept.Entity),
			Key:      kept.Key,
			Field:    field,
			Kept:     kept.Fields[field],
			Rejected: other.Fields[field],
		}
		e.log.Debug().Err(c).Str("unit", other.UnitID).Int("ordinal", other.Ordinal).Msg("content conflict")
		out = append(out, c)
	}
	return out
}

// better reports whether a should replace b as an identity representative:
// more non-empty fields, then more content. Equal records keep the earlier
// one.
func better(a, b types.CleanRecord) bool {
	an, as := merge.Completeness(a.Fields)
	bn, bs := merge.Completeness(b.Fields)
	if an != bn {
		return an > bn
	}
	return as > bs
}

// betterContent prefers a real natural key over a synthetic one, then
// applies the identity policy.
func betterContent(a, b types.CleanRecord) bool {
	if a.SyntheticKey != b.SyntheticKey {
		return !a.SyntheticKey
	}
	return better(a, b)
}
