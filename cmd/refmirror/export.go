// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pdiddy/refmirror/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export <entity>",
	Short: "Export every mirrored record of an entity type to JSON or YAML",
	Long: `Export streams all rows of one entity type in key order. Output goes to
stdout unless --out names a file; the file is written to a temporary name
and renamed once complete.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	exportCmd.Flags().String("format", "json", "export format: json or yaml")
	exportCmd.Flags().String("out", "", "output file (default stdout)")

	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	e, err := parseEntity(args[0])
	if err != nil {
		return err
	}
	formatName, _ := cmd.Flags().GetString("format")
	format, err := store.ParseExportFormat(formatName)
	if err != nil {
		return err
	}
	out, _ := cmd.Flags().GetString("out")

	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if out == "" {
		_, err := st.Export(ctx, e, os.Stdout, format)
		return err
	}

	n, err := exportFile(out, func(w io.Writer) (int, error) {
		return st.Export(ctx, e, w, format)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Exported %d %s records to %s\n", n, e, out)
	return nil
}

// exportFile writes through a temp file in the target directory and renames
// it over path on success.
func exportFile(path string, write func(io.Writer) (int, error)) (int, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".export-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := write(tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("renaming export: %w", err)
	}
	return n, nil
}
