// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdiddy/refmirror/internal/checkpoint"
	"github.com/pdiddy/refmirror/pkg/types"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <source>",
	Short: "Show download checkpoints and run history of a source",
	Long: `Checkpoints lists the per-unit download state of a source: status,
attempts, the next retry time of failed units, and the last error. With
--runs it lists the source's recent runs instead.

Use --reset to return units to pending so the next sync downloads them
again.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpoints,
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured sources with their checkpoint totals",
	RunE:  runSources,
}

func init() {
	checkpointsCmd.Flags().String("status", "", "only show units with this status (pending, in_progress, downloaded, failed, rate_limited, permanently_failed)")
	checkpointsCmd.Flags().Bool("runs", false, "list recent runs instead of units")
	checkpointsCmd.Flags().Int("limit", 10, "number of runs to list")
	checkpointsCmd.Flags().StringSlice("reset", nil, "unit IDs to return to pending (\"all\" for every non-pending unit)")
	checkpointsCmd.Flags().Bool("json", false, "output as JSON")

	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(sourcesCmd)
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	cps, err := openCheckpoints()
	if err != nil {
		return err
	}
	defer cps.Close()

	source := args[0]
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if runs, _ := cmd.Flags().GetBool("runs"); runs {
		limit, _ := cmd.Flags().GetInt("limit")
		list, err := cps.Runs(source, limit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(list)
		}
		return formatRuns(list)
	}

	if reset, _ := cmd.Flags().GetStringSlice("reset"); len(reset) > 0 {
		return resetUnits(cps, source, reset)
	}

	list, err := cps.List(source)
	if err != nil {
		return err
	}
	if status, _ := cmd.Flags().GetString("status"); status != "" {
		kept := list[:0]
		for _, cp := range list {
			if string(cp.Status) == status {
				kept = append(kept, cp)
			}
		}
		list = kept
	}
	if jsonOutput {
		return writeJSON(list)
	}
	return formatCheckpoints(list)
}

var statusOrder = []types.UnitStatus{
	types.StatusPending,
	types.StatusInProgress,
	types.StatusDownloaded,
	types.StatusFailed,
	types.StatusRateLimited,
	types.StatusPermanentlyFailed,
}

func formatCheckpoints(list []types.DownloadCheckpoint) error {
	if len(list) == 0 {
		fmt.Println("No checkpoints.")
		return nil
	}
	fmt.Fprintf(os.Stdout, "%-32s  %-18s  %-8s  %-20s  %s\n", "Unit", "Status", "Attempts", "Next retry", "Last error")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 110))
	counts := map[types.UnitStatus]int{}
	for _, cp := range list {
		counts[cp.Status]++
		next := ""
		if !cp.NextRetryAt.IsZero() {
			next = cp.NextRetryAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(os.Stdout, "%-32s  %-18s  %-8d  %-20s  %s\n",
			truncate(cp.UnitID, 32), cp.Status, cp.AttemptCount, next, truncate(cp.LastError, 40))
	}
	fmt.Fprintf(os.Stdout, "\n%d units:", len(list))
	for _, st := range statusOrder {
		if n := counts[st]; n > 0 {
			fmt.Fprintf(os.Stdout, " %d %s", n, st)
		}
	}
	fmt.Fprintln(os.Stdout)
	return nil
}

func formatRuns(runs []types.RunMetadata) error {
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	fmt.Fprintf(os.Stdout, "%-36s  %-16s  %-17s  %-10s  %-6s  %-6s  %-6s  %s\n",
		"Run", "Mode", "Started", "Duration", "Units", "OK", "Failed", "Success")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 118))
	for _, r := range runs {
		dur := "running"
		if !r.FinishedAt.IsZero() {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		s := r.Summary
		fmt.Fprintf(os.Stdout, "%-36s  %-16s  %-17s  %-10s  %-6d  %-6d  %-6d  %.1f%%\n",
			r.RunID, r.Mode, r.StartedAt.Local().Format("2006-01-02 15:04"), dur,
			s.TotalUnits, s.Succeeded, s.Failed+s.PermanentlyFailed+s.ProcessFailed, s.SuccessRate())
	}
	return nil
}

func resetUnits(cps *checkpoint.Store, source string, ids []string) error {
	if len(ids) == 1 && ids[0] == "all" {
		list, err := cps.List(source)
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, cp := range list {
			if cp.Status != types.StatusPending {
				ids = append(ids, cp.UnitID)
			}
		}
	}
	for _, id := range ids {
		if _, err := cps.Reset(source, id); err != nil {
			return fmt.Errorf("resetting %s/%s: %w", source, id, err)
		}
	}
	fmt.Printf("Reset %d unit(s) of %s to pending.\n", len(ids), source)
	return nil
}

func runSources(cmd *cobra.Command, args []string) error {
	cps, err := openCheckpoints()
	if err != nil {
		return err
	}
	defer cps.Close()

	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		app.log.Warn().Err(err).Msg("mirror store unavailable, row counts omitted")
	} else {
		defer st.Close()
	}

	if len(app.cfg.Sources) == 0 {
		fmt.Println("No sources configured.")
		return nil
	}

	fmt.Fprintf(os.Stdout, "%-24s  %-12s  %-10s  %-6s  %-10s  %-17s  %s\n",
		"Source", "Entity", "Kind", "Units", "Downloaded", "Last success", "Rows")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 100))
	for _, sc := range app.cfg.Sources {
		list, err := cps.List(sc.Name)
		if err != nil {
			return err
		}
		done := 0
		for _, cp := range list {
			if cp.Status == types.StatusDownloaded {
				done++
			}
		}
		last := "never"
		if run, ok, err := cps.LastSuccessfulRun(sc.Name); err != nil {
			return err
		} else if ok {
			last = run.FinishedAt.Local().Format("2006-01-02 15:04")
		}
		rows := "-"
		if st != nil {
			if n, err := st.Count(ctx, sc.Entity); err == nil {
				rows = fmt.Sprint(n)
			}
		}
		fmt.Fprintf(os.Stdout, "%-24s  %-12s  %-10s  %-6d  %-10d  %-17s  %s\n",
			truncate(sc.Name, 24), sc.Entity, sc.Kind, len(list), done, last, rows)
	}
	return nil
}
