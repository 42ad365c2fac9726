// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pdiddy/refmirror/internal/logging"
	"github.com/pdiddy/refmirror/internal/orchestrator"
	"github.com/pdiddy/refmirror/internal/pipeline"
	"github.com/pdiddy/refmirror/internal/progress"
	"github.com/pdiddy/refmirror/pkg/types"
)

var syncCmd = &cobra.Command{
	Use:   "sync [sources...]",
	Short: "Download and ingest configured sources",
	Long: `Sync lists each source's units, downloads the ones its checkpoints say
are due, and runs their records through validation, deduplication, and
batched merge-upserts into the mirror store.

Modes:
  incremental       skip units already downloaded unless they are stale
  force_fresh       ignore checkpoints and reprocess every unit
  complete_dataset  incremental, plus register units new since the first run

Interrupting a sync leaves checkpoints consistent; the next run resumes.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().String("mode", string(types.ModeIncremental), "run mode: incremental, force_fresh, complete_dataset")
	syncCmd.Flags().Bool("all", false, "sync every configured source")
	syncCmd.Flags().Int("workers", 0, "concurrent downloads per source (0 = config)")
	syncCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address during the run (e.g. :9102)")

	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	modeName, _ := cmd.Flags().GetString("mode")
	mode, err := types.ParseRunMode(modeName)
	if err != nil {
		return err
	}
	all, _ := cmd.Flags().GetBool("all")
	flagWorkers, _ := cmd.Flags().GetInt("workers")
	workers := syncWorkers(flagWorkers)

	sources, err := selectSources(args, all)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		shutdown := serveMetrics(addr)
		defer shutdown()
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	cps, err := openCheckpoints()
	if err != nil {
		return err
	}
	defer cps.Close()

	var failed int
	for _, sc := range sources {
		if ctx.Err() != nil {
			break
		}
		adapter, err := newAdapter(sc)
		if err != nil {
			return err
		}

		tracker := progress.New()
		runner := pipeline.New(st, app.cfg.Batch, tracker, os.Stdout, logging.NewLogger("pipeline"))
		orch := orchestrator.New(cps, runner, orchestrator.Options{
			RawDir:   app.cfg.Download.RawDir,
			Workers:  workers,
			Out:      os.Stdout,
			Progress: tracker,
		}, logging.NewLogger("orchestrator"))

		fmt.Fprintf(os.Stdout, "Syncing %s (%s, %s)\n", sc.Name, sc.Entity, mode)
		sum, runErr := orch.Run(ctx, adapter, mode)
		printRunStats(sum, runner.Stats(), tracker.Snapshot())

		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			app.log.Error().Err(runErr).Str("source", sc.Name).Msg("sync failed")
			failed++
			continue
		}
		failed += sum.Failed + sum.PermanentlyFailed + sum.ProcessFailed
	}

	if ctx.Err() != nil {
		return fmt.Errorf("sync interrupted: %w", ctx.Err())
	}
	if failed > 0 {
		return fmt.Errorf("%d unit(s) or source(s) failed", failed)
	}
	return nil
}

// syncWorkers returns the default download concurrency of a sync: the
// --workers flag when set, else download.workers. A source's own workers
// setting still takes precedence inside the orchestrator.
func syncWorkers(flag int) int {
	if flag > 0 {
		return flag
	}
	return app.cfg.Download.Workers
}

func selectSources(names []string, all bool) ([]types.SourceConfig, error) {
	if all {
		if len(app.cfg.Sources) == 0 {
			return nil, errors.New("no sources configured")
		}
		return app.cfg.Sources, nil
	}
	if len(names) == 0 {
		return nil, errors.New("name one or more sources, or pass --all")
	}
	out := make([]types.SourceConfig, 0, len(names))
	for _, n := range names {
		sc, ok := app.cfg.Source(n)
		if !ok {
			return nil, fmt.Errorf("unknown source %q", n)
		}
		out = append(out, sc)
	}
	return out, nil
}

func printRunStats(sum types.RunSummary, stats pipeline.Stats, p types.BatchProgress) {
	fmt.Fprintf(os.Stdout, "Records: %d read, %d rejected, %d kept, %d written (%d inserted, %d updated, %d unchanged)\n",
		stats.Records, stats.Rejected, stats.Dedup.Kept,
		stats.Write.Written(), stats.Write.Inserted, stats.Write.Updated, stats.Write.Unchanged)
	fmt.Fprintf(os.Stdout, "Dedup:   %.1f%% dropped (%d by id, %d by content, %d already stored)\n",
		stats.Dedup.Rate(), stats.Dedup.DroppedByID, stats.Dedup.DroppedByContent, stats.Dedup.DroppedCrossBatch)
	reasons := make([]string, 0, len(stats.Rejections))
	for reason := range stats.Rejections {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(os.Stdout, "  rejected %-28s %d\n", reason+":", stats.Rejections[reason])
	}
	fmt.Fprintf(os.Stdout, "Units:   %d/%d processed in %s, success rate %.1f%%\n\n",
		p.UnitsDone, p.UnitsTotal, p.Elapsed.Round(time.Second), sum.SuccessRate())
}

// serveMetrics exposes the default Prometheus registry until the returned
// func is called.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
