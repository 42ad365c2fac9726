// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/refmirror/pkg/types"
)

// ExportFormat selects the Export encoding.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportYAML ExportFormat = "yaml"
)

// ParseExportFormat validates a format name.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case ExportJSON, ExportYAML:
		return ExportFormat(s), nil
	case "":
		return ExportJSON, nil
	}
	return "", fmt.Errorf("unknown export format %q (want json or yaml)", s)
}

// exportPage is the number of rows read per query during export.
const exportPage = 1000

// pager returns up to n items with keys greater than after, in key order.
type pager func(ctx context.Context, after string, n int) ([]types.Item, error)

func export(ctx context.Context, w io.Writer, format ExportFormat, next pager) (int, error) {
	if _, err := ParseExportFormat(string(format)); err != nil {
		return 0, err
	}

	items := []types.Item{}
	after := ""
	for {
		page, err := next(ctx, after, exportPage)
		if err != nil {
			return 0, fmt.Errorf("querying for export: %w", err)
		}
		items = append(items, page...)
		if len(page) < exportPage {
			break
		}
		after = page[len(page)-1].Key
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case ExportYAML:
		data, err = yaml.Marshal(items)
		if err != nil {
			return 0, fmt.Errorf("marshaling YAML: %w", err)
		}
	default:
		data, err = json.MarshalIndent(items, "", "  ")
		if err != nil {
			return 0, fmt.Errorf("marshaling JSON: %w", err)
		}
		data = append(data, '\n')
	}
	if _, err := w.Write(data); err != nil {
		return 0, fmt.Errorf("writing export: %w", err)
	}
	return len(items), nil
}
