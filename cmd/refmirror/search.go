// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/refmirror/internal/entity"
	"github.com/pdiddy/refmirror/pkg/types"
)

var searchCmd = &cobra.Command{
	Use:   "search <entity> <query...>",
	Short: "Search mirrored records, falling back to the external API",
	Long: `Search runs a full-text query against the mirror store. When the store
is unavailable (or returns nothing and serving.fallback_on_empty is set) the
entity's external API answers instead; serving.supplement_short_results tops
up short results from it. The output reports which source was
used and why a result is empty.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

var getCmd = &cobra.Command{
	Use:   "get <entity> <key>",
	Short: "Fetch one record by natural key",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

func init() {
	searchCmd.Flags().Int("limit", 0, "maximum results (0 = serving.default_limit)")
	searchCmd.Flags().Bool("json", false, "output results as JSON")
	getCmd.Flags().Bool("json", false, "output the record as JSON")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(getCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	e, err := parseEntity(args[0])
	if err != nil {
		return err
	}
	query := strings.Join(args[1:], " ")
	limit, _ := cmd.Flags().GetInt("limit")

	ctx := context.Background()
	conn, closeConn, err := newConnector(ctx)
	if err != nil {
		return err
	}
	defer closeConn()

	res, err := conn.Search(ctx, e, query, limit)
	if err != nil {
		return err
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return writeJSON(res)
	}
	return formatSearchOutput(e, res)
}

func formatSearchOutput(e types.EntityType, res types.SearchResults) error {
	switch {
	case res.Condition == types.ConditionStoreUnavailable || res.Condition == types.ConditionPoolExhausted:
		fmt.Printf("No results: %s (no fallback answered).\n", res.Condition)
		return nil
	case len(res.Items) == 0:
		fmt.Printf("No results found (source: %s).\n", res.SourceUsed)
		return nil
	}

	fmt.Fprintf(os.Stdout, "%-4s  %-16s  %-60s  %s\n", "Rank", "Key", "Title", "Source")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 100))
	for i, it := range res.Items {
		fmt.Fprintf(os.Stdout, "%-4d  %-16s  %-60s  %s\n", i+1, truncate(it.Key, 16), truncate(title(e, it), 60), it.Source)
	}
	fmt.Fprintf(os.Stdout, "\n%d of %d results (source: %s)\n", len(res.Items), res.Total, res.SourceUsed)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	e, err := parseEntity(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	conn, closeConn, err := newConnector(ctx)
	if err != nil {
		return err
	}
	defer closeConn()

	it, src, err := conn.GetByID(ctx, e, args[1])
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("%s %s not found (source: %s)", e, args[1], src)
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return writeJSON(struct {
			Item       *types.Item      `json:"item"`
			SourceUsed types.SourceUsed `json:"source_used"`
		}{it, src})
	}

	s, _ := entity.Lookup(e)
	fmt.Printf("%s %s (source: %s, via %s)\n", e, it.Key, it.Source, src)
	for _, f := range s.Fields {
		v, ok := it.Fields[f.Name]
		if !ok || v == nil {
			continue
		}
		fmt.Printf("  %-16s %v\n", f.Name+":", v)
	}
	if !it.LastUpdated.IsZero() {
		fmt.Printf("  %-16s %s\n", "last_updated:", it.LastUpdated.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// title returns the first search field of it that has a value.
func title(e types.EntityType, it types.Item) string {
	s, err := entity.Lookup(e)
	if err != nil {
		return ""
	}
	for _, name := range s.SearchFields {
		if v, ok := it.Fields[name]; ok && v != nil {
			if str := fmt.Sprint(v); str != "" {
				return str
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
