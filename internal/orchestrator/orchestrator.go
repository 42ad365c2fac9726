// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package orchestrator downloads the units of a source with bounded
// concurrency, records every outcome in the checkpoint store, and hands
// downloaded content to a single consumer for processing. A run can be
// interrupted at any point and resumed by the next one.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pdiddy/refmirror/internal/checkpoint"
	"github.com/pdiddy/refmirror/internal/mirrorerr"
	"github.com/pdiddy/refmirror/internal/source"
	"github.com/pdiddy/refmirror/pkg/types"
)

// DefaultWorkers is used when neither the source nor Options set a count.
const DefaultWorkers = 4

// UnitHandler processes the content of one downloaded unit. It is called
// from a single goroutine, in the order downloads complete.
type UnitHandler interface {
	HandleUnit(ctx context.Context, a source.Adapter, unitID string, content []byte) error
}

// HandlerFunc adapts a function to UnitHandler.
type HandlerFunc func(ctx context.Context, a source.Adapter, unitID string, content []byte) error

func (f HandlerFunc) HandleUnit(ctx context.Context, a source.Adapter, unitID string, content []byte) error {
	return f(ctx, a, unitID, content)
}

// Progress receives unit completions. *progress.Tracker implements it.
type Progress interface {
	SetUnitsTotal(n int)
	UnitDone()
}

// Configured is implemented by adapters that expose their source
// configuration; the orchestrator reads rate limits and worker counts
// from it.
type Configured interface {
	Config() types.SourceConfig
}

// Options configures an Orchestrator.
type Options struct {
	// RawDir receives unit content under RawDir/<source>/<unit>.
	RawDir string

	// Workers is the default download concurrency per source.
	Workers int

	// Out receives one status line per unit and a run summary. Nil
	// discards them.
	Out io.Writer

	Progress Progress

	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator runs sources against one checkpoint store.
type Orchestrator struct {
	cps     *checkpoint.Store
	handler UnitHandler
	opts    Options
	log     zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New returns an Orchestrator. A nil handler accepts every unit as
// processed once downloaded.
func New(cps *checkpoint.Store, handler UnitHandler, opts Options, log zerolog.Logger) *Orchestrator {
	if handler == nil {
		handler = HandlerFunc(func(context.Context, source.Adapter, string, []byte) error { return nil })
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Orchestrator{
		cps:      cps,
		handler:  handler,
		opts:     opts,
		log:      log,
		limiters: map[string]*rate.Limiter{},
	}
}

// work is one unit handed to the consumer. A nil content means the unit
// is reprocessed from its persisted file.
type work struct {
	cp      types.DownloadCheckpoint
	content []byte
}

// run holds the state of one Run call.
type run struct {
	o       *Orchestrator
	a       source.Adapter
	name    string
	log     zerolog.Logger
	limiter *rate.Limiter
	ready   chan work

	mu   sync.Mutex
	sum  types.RunSummary
	errs *multierror.Error
}

// Run downloads and processes the units of a in the given mode. Unit
// failures are recorded in the summary and checkpoints, not returned; the
// error reports cancellation, a failed unit listing, or checkpoint store
// failures.
func (o *Orchestrator) Run(ctx context.Context, a source.Adapter, mode types.RunMode) (types.RunSummary, error) {
	name := a.Name()
	meta := types.RunMetadata{
		RunID:     uuid.NewString(),
		Source:    name,
		Mode:      mode,
		StartedAt: o.opts.Now(),
	}
	r := &run{
		o:       o,
		a:       a,
		name:    name,
		log:     o.log.With().Str("source", name).Str("run_id", meta.RunID).Logger(),
		limiter: o.limiter(a),
		ready:   make(chan work),
		sum:     types.RunSummary{Source: name, RunID: meta.RunID, Mode: mode},
	}
	if err := o.cps.SaveRun(meta); err != nil {
		return r.sum, fmt.Errorf("recording run start: %w", err)
	}

	err := r.execute(ctx, mode)

	meta.FinishedAt = o.opts.Now()
	meta.Summary = r.sum
	if serr := o.cps.SaveRun(meta); serr != nil {
		err = multierror.Append(err, fmt.Errorf("recording run end: %w", serr)).ErrorOrNil()
	}
	runsTotal.WithLabelValues(name, string(mode)).Inc()

	r.log.Info().
		Str("mode", string(mode)).
		Int("total_units", r.sum.TotalUnits).
		Int("succeeded", r.sum.Succeeded).
		Int("skipped", r.sum.Skipped).
		Int("deferred", r.sum.Deferred).
		Int("failed", r.sum.Failed).
		Int("rate_limited", r.sum.RateLimited).
		Int("permanently_failed", r.sum.PermanentlyFailed).
		Int("resumed", r.sum.Resumed).
		Int("cancelled", r.sum.Cancelled).
		Float64("success_rate", r.sum.SuccessRate()).
		Dur("duration", meta.FinishedAt.Sub(meta.StartedAt)).
		Msg("run finished")
	fmt.Fprintf(o.opts.Out, "\nRun summary (%s): %d downloaded, %d skipped, %d deferred, %d failed, %d rate limited, %d permanently failed, %d resumed (total: %d, success rate %.1f%%)\n",
		name, r.sum.Succeeded, r.sum.Skipped, r.sum.Deferred, r.sum.Failed, r.sum.RateLimited,
		r.sum.PermanentlyFailed, r.sum.Resumed, r.sum.TotalUnits, r.sum.SuccessRate())

	return r.sum, err
}

func (r *run) execute(ctx context.Context, mode types.RunMode) error {
	recovered, err := r.o.cps.RecoverInProgress(r.name)
	if err != nil {
		return err
	}
	if recovered > 0 {
		r.log.Warn().Int("units", recovered).Msg("recovered units left in progress by an interrupted run")
	}

	units, err := r.a.ListUnits(ctx)
	if err != nil {
		return fmt.Errorf("listing units of %s: %w", r.name, err)
	}
	if err := r.register(units, mode); err != nil {
		return err
	}
	if n, err := r.o.cps.PromoteDue(r.name); err != nil {
		return err
	} else if n > 0 {
		r.log.Debug().Int("units", n).Msg("units due for retry")
	}

	downloads, resumes, err := r.plan(units)
	if err != nil {
		return err
	}
	if p := r.o.opts.Progress; p != nil {
		p.SetUnitsTotal(len(downloads) + len(resumes))
	}

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for w := range r.ready {
			r.process(ctx, w)
		}
	}()

	for _, cp := range resumes {
		r.ready <- work{cp: cp}
	}

	var g errgroup.Group
	g.SetLimit(r.workers())
	for i, u := range downloads {
		if ctx.Err() != nil {
			r.add(func(s *types.RunSummary) { s.Cancelled += len(downloads) - i })
			break
		}
		g.Go(func() error {
			r.download(ctx, u)
			return nil
		})
	}
	g.Wait()
	close(r.ready)
	<-consumed

	if err := ctx.Err(); err != nil {
		r.addErr(err)
	}
	return r.errs.ErrorOrNil()
}

// register adds listed units to the checkpoint store as the mode allows.
func (r *run) register(units []source.Unit, mode types.RunMode) error {
	ids := make([]string, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}

	switch mode {
	case types.ModeIncremental:
		known, err := r.o.cps.Count(r.name)
		if err != nil {
			return fmt.Errorf("counting checkpoints of %s: %w", r.name, err)
		}
		if known > 0 {
			return nil
		}
	case types.ModeForceFresh:
		if _, err := r.o.cps.Register(r.name, ids); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := r.o.cps.Reset(r.name, id); err != nil {
				return err
			}
		}
		return nil
	}

	added, err := r.o.cps.Register(r.name, ids)
	if err != nil {
		return err
	}
	if added > 0 {
		r.log.Info().Int("units", added).Msg("registered new units")
	}
	return nil
}

// plan sorts the listed units into downloads and reprocessing from disk,
// counting skipped and deferred ones.
func (r *run) plan(units []source.Unit) ([]source.Unit, []types.DownloadCheckpoint, error) {
	var (
		downloads []source.Unit
		resumes   []types.DownloadCheckpoint
		now       = r.o.opts.Now()
		refresh   = r.a.RefreshInterval()
	)
	for _, u := range units {
		cp, err := r.o.cps.Get(r.name, u.ID)
		if errors.Is(err, checkpoint.ErrNotFound) {
			r.log.Debug().Str("unit", u.ID).Msg("unit not registered, ignored")
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		r.sum.TotalUnits++

		switch cp.Status {
		case types.StatusPending:
			downloads = append(downloads, u)
		case types.StatusDownloaded:
			switch {
			case refresh > 0 && !now.Before(cp.DownloadedAt.Add(refresh)):
				if _, err := r.o.cps.Reset(r.name, u.ID); err != nil {
					return nil, nil, err
				}
				r.log.Debug().Str("unit", u.ID).Time("downloaded_at", cp.DownloadedAt).Msg("unit stale")
				downloads = append(downloads, u)
			case cp.ProcessedAt.IsZero():
				resumes = append(resumes, cp)
			default:
				r.sum.Skipped++
			}
		case types.StatusFailed, types.StatusRateLimited:
			r.sum.Deferred++
			fmt.Fprintf(r.o.opts.Out, "deferred: %s (retry after %s)\n", u.ID, cp.NextRetryAt.Format(time.RFC3339))
		default:
			r.sum.Skipped++
		}
	}
	return downloads, resumes, nil
}

func (r *run) workers() int { return r.o.Workers(r.a) }

// Workers returns the download concurrency for a: the source's own worker
// count when set, otherwise Options.Workers.
func (o *Orchestrator) Workers(a source.Adapter) int {
	if c, ok := a.(Configured); ok && c.Config().Workers > 0 {
		return c.Config().Workers
	}
	return o.opts.Workers
}

// limiter returns the shared token bucket of a's source, or nil when the
// source is unlimited.
func (o *Orchestrator) limiter(a source.Adapter) *rate.Limiter {
	c, ok := a.(Configured)
	if !ok || c.Config().RateLimit <= 0 {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := o.limiters[a.Name()]; ok {
		return l
	}
	burst := c.Config().Burst
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(c.Config().RateLimit), burst)
	o.limiters[a.Name()] = l
	return l
}

// download fetches one pending unit and records the outcome.
func (r *run) download(ctx context.Context, u source.Unit) {
	if _, err := r.o.cps.MarkInProgress(r.name, u.ID); err != nil {
		r.addErr(err)
		r.unitDone()
		return
	}

	began := r.o.opts.Now()
	content, err := r.fetch(ctx, u)
	if err == nil {
		var path, hash string
		path, hash, err = r.persist(u.ID, content)
		if err == nil {
			var cp types.DownloadCheckpoint
			cp, err = r.o.cps.MarkDownloaded(r.name, u.ID, path, hash)
			if err != nil {
				r.addErr(err)
				r.unitDone()
				return
			}
			downloadDuration.WithLabelValues(r.name).Observe(r.o.opts.Now().Sub(began).Seconds())
			downloadBytes.WithLabelValues(r.name).Add(float64(len(content)))
			unitsTotal.WithLabelValues(r.name, "downloaded").Inc()
			r.add(func(s *types.RunSummary) { s.Succeeded++ })
			fmt.Fprintf(r.o.opts.Out, "downloaded: %s (%d bytes)\n", u.ID, len(content))
			r.log.Debug().Str("unit", u.ID).Int("bytes", len(content)).Str("hash", hash).Msg("unit downloaded")

			r.ready <- work{cp: cp, content: content}
			return
		}
	}
	r.fail(ctx, u.ID, err)
	r.unitDone()
}

func (r *run) fetch(ctx context.Context, u source.Unit) ([]byte, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
	}
	return r.a.FetchUnit(ctx, u)
}

// fail records a failed attempt. Cancellation releases the unit without
// counting the attempt.
func (r *run) fail(ctx context.Context, unitID string, cause error) {
	var (
		cp  types.DownloadCheckpoint
		err error
	)
	retryAfter, limited := mirrorerr.IsRateLimited(cause)
	switch {
	case ctx.Err() != nil:
		if _, err := r.o.cps.Release(r.name, unitID); err != nil {
			r.addErr(err)
		}
		unitsTotal.WithLabelValues(r.name, "cancelled").Inc()
		r.add(func(s *types.RunSummary) { s.Cancelled++ })
		fmt.Fprintf(r.o.opts.Out, "cancelled: %s\n", unitID)
		return
	case limited:
		cp, err = r.o.cps.MarkRateLimited(r.name, unitID, retryAfter, cause)
	case !mirrorerr.IsRetryable(cause):
		cp, err = r.o.cps.MarkPermanent(r.name, unitID, cause)
	default:
		cp, err = r.o.cps.MarkFailed(r.name, unitID, cause)
	}
	if err != nil {
		r.addErr(err)
		return
	}

	outcome := string(cp.Status)
	failure := types.UnitFailure{UnitID: unitID, Status: cp.Status, Attempts: cp.AttemptCount, Error: cause.Error()}
	r.add(func(s *types.RunSummary) {
		switch cp.Status {
		case types.StatusRateLimited:
			s.RateLimited++
		case types.StatusPermanentlyFailed:
			s.PermanentlyFailed++
		default:
			s.Failed++
		}
		s.Failures = append(s.Failures, failure)
	})
	unitsTotal.WithLabelValues(r.name, outcome).Inc()

	if cp.Status == types.StatusPermanentlyFailed {
		perm := &mirrorerr.PermanentUnitFailure{Source: r.name, UnitID: unitID, Attempts: cp.AttemptCount, Err: cause}
		r.log.Error().Err(perm).Str("unit", unitID).Int("attempts", cp.AttemptCount).Msg("unit permanently failed")
	} else {
		r.log.Warn().Err(cause).
			Str("unit", unitID).
			Int("attempts", cp.AttemptCount).
			Str("status", outcome).
			Time("next_retry_at", cp.NextRetryAt).
			Msg("unit download failed")
	}
	fmt.Fprintf(r.o.opts.Out, "failed:  %s (%s, attempt %d: %v)\n", unitID, outcome, cp.AttemptCount, cause)
}

// process runs the handler on one unit. A unit left unprocessed because
// of cancellation is picked up from disk by the next run.
func (r *run) process(ctx context.Context, w work) {
	defer r.unitDone()
	unitID := w.cp.UnitID

	content := w.content
	if content == nil {
		data, err := os.ReadFile(w.cp.ContentPath)
		if err != nil {
			r.log.Warn().Err(err).Str("unit", unitID).Msg("persisted content unreadable, unit reset for download")
			if _, err := r.o.cps.Reset(r.name, unitID); err != nil {
				r.addErr(err)
			}
			r.add(func(s *types.RunSummary) { s.ProcessFailed++ })
			return
		}
		content = data
		r.add(func(s *types.RunSummary) { s.Resumed++ })
		fmt.Fprintf(r.o.opts.Out, "resumed: %s\n", unitID)
	}

	if ctx.Err() != nil {
		return
	}
	if err := r.o.handler.HandleUnit(ctx, r.a, unitID, content); err != nil {
		if ctx.Err() != nil {
			return
		}
		unitsTotal.WithLabelValues(r.name, "process_failed").Inc()
		r.add(func(s *types.RunSummary) {
			s.ProcessFailed++
			s.Failures = append(s.Failures, types.UnitFailure{UnitID: unitID, Status: types.StatusFailed, Attempts: w.cp.AttemptCount, Error: err.Error()})
		})
		r.log.Error().Err(err).Str("unit", unitID).Msg("unit processing failed")
		fmt.Fprintf(r.o.opts.Out, "failed:  %s (processing: %v)\n", unitID, err)
		if _, merr := r.o.cps.MarkFailed(r.name, unitID, err); merr != nil {
			r.addErr(merr)
		}
		return
	}
	if _, err := r.o.cps.MarkProcessed(r.name, unitID); err != nil {
		r.addErr(err)
		return
	}
	unitsTotal.WithLabelValues(r.name, "processed").Inc()
}

// persist writes content to RawDir/<source>/<unit> through a temporary
// file and returns the path and SHA-256 of the content.
func (r *run) persist(unitID string, content []byte) (string, string, error) {
	dir := filepath.Join(r.o.opts.RawDir, r.name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	dest := filepath.Join(dir, FileName(unitID))

	tmp, err := os.CreateTemp(dir, ".unit-*.tmp")
	if err != nil {
		return "", "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(content)
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("writing unit %s: %w", unitID, writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("closing temp file: %w", closeErr)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", "", fmt.Errorf("renaming temp file: %w", err)
	}

	sum := sha256.Sum256(content)
	return dest, hex.EncodeToString(sum[:]), nil
}

// FileName maps a unit id to a file name within the source directory.
func FileName(unitID string) string {
	return strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(unitID)
}

func (r *run) add(fn func(s *types.RunSummary)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.sum)
}

func (r *run) addErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = multierror.Append(r.errs, err)
}

func (r *run) unitDone() {
	if p := r.o.opts.Progress; p != nil {
		p.UnitDone()
	}
}
