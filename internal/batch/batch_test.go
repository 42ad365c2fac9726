// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/refmirror/internal/store"
	"github.com/pdiddy/refmirror/pkg/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

// fakeWriter advances the clock by took per batch and fails the batches
// listed in failOn (1-based).
type fakeWriter struct {
	clock  *fakeClock
	took   time.Duration
	failOn map[int]bool
	sizes  []int
	onCall func(n int)
}

func (w *fakeWriter) BulkUpsert(_ context.Context, _ types.EntityType, recs []types.CleanRecord) (store.UpsertResult, error) {
	w.sizes = append(w.sizes, len(recs))
	w.clock.t = w.clock.t.Add(w.took)
	n := len(w.sizes)
	if w.onCall != nil {
		w.onCall(n)
	}
	if w.failOn[n] {
		return store.UpsertResult{}, fmt.Errorf("disk full on call %d", n)
	}
	return store.UpsertResult{Inserted: len(recs)}, nil
}

type countingReporter struct{ rows int }

func (r *countingReporter) ObserveWrite(n int) { r.rows += n }

func records(n int) []types.CleanRecord {
	out := make([]types.CleanRecord, n)
	for i := range out {
		out[i] = types.CleanRecord{Entity: types.EntityArticle, Key: fmt.Sprint(i + 1)}
	}
	return out
}

func newProcessor(w *fakeWriter, initial, min, max int, rep Reporter) *Processor {
	s := NewSizer(types.BatchConfig{TargetDuration: 30 * time.Second, InitialSize: initial, MinSize: min, MaxSize: max})
	p := NewProcessor(w, s, rep, zerolog.Nop())
	p.SetClock(w.clock.now)
	return p
}

func TestSizer_Observe(t *testing.T) {
	s := NewSizer(types.BatchConfig{TargetDuration: 30 * time.Second, InitialSize: 100, MinSize: 50, MaxSize: 300})

	assert.Equal(t, 200, s.Observe(10*time.Second), "under half the target grows")
	assert.Equal(t, 200, s.Observe(30*time.Second), "within band holds")
	assert.Equal(t, 200, s.Observe(45*time.Second), "exactly 1.5x holds")
	assert.Equal(t, 300, s.Observe(time.Second), "growth is capped at max")
	assert.Equal(t, 150, s.Observe(time.Minute))
	assert.Equal(t, 75, s.Observe(time.Minute))
	assert.Equal(t, 50, s.Observe(time.Minute), "shrink is floored at min")
	assert.Equal(t, 50, s.Observe(time.Minute))
}

func TestNewSizer_Defaults(t *testing.T) {
	s := NewSizer(types.BatchConfig{})
	assert.Equal(t, DefaultInitial, s.Size())
	assert.Equal(t, DefaultTarget, s.target)
	assert.Equal(t, DefaultMin, s.min)
	assert.Equal(t, DefaultMax, s.max)

	s = NewSizer(types.BatchConfig{InitialSize: 5, MinSize: 10, MaxSize: 20})
	assert.Equal(t, 10, s.Size(), "initial size is clamped")
}

func TestProcess_GrowsOnFastBatches(t *testing.T) {
	w := &fakeWriter{clock: &fakeClock{}, took: time.Second}
	rep := &countingReporter{}
	p := newProcessor(w, 100, 50, 400, rep)

	sum, err := p.Process(context.Background(), types.EntityArticle, records(1000))
	require.NoError(t, err)

	assert.Equal(t, []int{100, 200, 400, 300}, w.sizes)
	assert.Equal(t, w.sizes, sum.Sizes)
	assert.Equal(t, 4, sum.Batches)
	assert.Equal(t, 1000, sum.Records)
	assert.Equal(t, 1000, sum.Inserted)
	assert.Equal(t, 1000, rep.rows)
}

func TestProcess_ShrinksOnSlowBatches(t *testing.T) {
	w := &fakeWriter{clock: &fakeClock{}, took: time.Minute}
	p := newProcessor(w, 100, 50, 400, nil)

	sum, err := p.Process(context.Background(), types.EntityArticle, records(300))
	require.NoError(t, err)
	assert.Equal(t, []int{100, 50, 50, 50, 50}, w.sizes)
	assert.Equal(t, 300, sum.Inserted)
}

func TestProcess_SizeCarriesOverBetweenCalls(t *testing.T) {
	w := &fakeWriter{clock: &fakeClock{}, took: time.Second}
	p := newProcessor(w, 100, 50, 400, nil)

	_, err := p.Process(context.Background(), types.EntityArticle, records(100))
	require.NoError(t, err)
	_, err = p.Process(context.Background(), types.EntityArticle, records(500))
	require.NoError(t, err)
	assert.Equal(t, []int{100, 200, 300}, w.sizes)
}

func TestProcess_FailuresAggregated(t *testing.T) {
	w := &fakeWriter{clock: &fakeClock{}, took: 20 * time.Second, failOn: map[int]bool{2: true, 3: true}}
	p := newProcessor(w, 100, 50, 400, nil)

	sum, err := p.Process(context.Background(), types.EntityArticle, records(500))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full on call 2")
	assert.Contains(t, err.Error(), "disk full on call 3")

	assert.Equal(t, 5, sum.Batches, "failed batches do not abort the rest")
	assert.Equal(t, 2, sum.FailedBatches)
	assert.Equal(t, 200, sum.FailedRecords)
	assert.Equal(t, 300, sum.Inserted)
}

func TestProcess_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &fakeWriter{clock: &fakeClock{}, took: 20 * time.Second}
	w.onCall = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	p := newProcessor(w, 100, 50, 400, nil)

	sum, err := p.Process(ctx, types.EntityArticle, records(1000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 2, sum.Batches)
	assert.Equal(t, 200, sum.Inserted)
}

func TestProcess_Empty(t *testing.T) {
	w := &fakeWriter{clock: &fakeClock{}}
	sum, err := newProcessor(w, 100, 50, 400, nil).Process(context.Background(), types.EntityArticle, nil)
	require.NoError(t, err)
	assert.Zero(t, sum.Batches)
	assert.Empty(t, w.sizes)
}
