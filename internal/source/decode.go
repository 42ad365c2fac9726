// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package source

import (
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pdiddy/refmirror/internal/entity"
	"github.com/pdiddy/refmirror/internal/external"
	"github.com/pdiddy/refmirror/pkg/types"
)

// Decoder turns unit content into raw records.
type Decoder interface {
	Decode(source, unitID string, content []byte) ([]types.RawRecord, error)
}

// NewDecoder selects the decoder for cfg.Format. The entity schema decides
// which fields are extracted: the natural key plus every schema field.
func NewDecoder(cfg types.SourceConfig) (Decoder, error) {
	schema, err := entity.Lookup(cfg.Entity)
	if err != nil {
		return nil, err
	}
	names := append([]string{schema.KeyName}, schema.FieldNames()...)
	mapping := make(map[string]string, len(names))
	for _, n := range names {
		mapping[n] = n
		if m, ok := cfg.FieldMap[n]; ok && m != "" {
			mapping[n] = m
		}
	}

	switch cfg.Format {
	case types.FormatCSV:
		delim := ','
		if cfg.Delimiter != "" {
			delim = []rune(cfg.Delimiter)[0]
		}
		return &csvDecoder{fields: names, mapping: mapping, delimiter: delim}, nil
	case types.FormatJSON:
		return &jsonDecoder{fields: names, mapping: mapping, itemsPath: cfg.ItemsPath}, nil
	case types.FormatPubMedXML:
		if cfg.Entity != types.EntityArticle {
			return nil, fmt.Errorf("pubmed_xml decodes articles, not %s", cfg.Entity)
		}
		return pubmedDecoder{}, nil
	default:
		return nil, fmt.Errorf("unknown format %q", cfg.Format)
	}
}

var gzipMagic = []byte{0x1f, 0x8b}

// decompress gunzips content that starts with the gzip magic number and
// returns other content unchanged.
func decompress(content []byte) ([]byte, error) {
	if !bytes.HasPrefix(content, gzipMagic) {
		return content, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("opening gzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	return out, nil
}

type csvDecoder struct {
	fields    []string
	mapping   map[string]string
	delimiter rune
}

func (d *csvDecoder) Decode(source, unitID string, content []byte) ([]types.RawRecord, error) {
	content, err := decompress(content)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(bytes.NewReader(content))
	r.Comma = d.delimiter
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		columns[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var records []types.RawRecord
	for ordinal := 0; ; ordinal++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return records, fmt.Errorf("reading csv row %d: %w", ordinal+1, err)
		}
		fields := make(types.Fields, len(d.fields))
		for _, name := range d.fields {
			idx, ok := columns[strings.ToLower(d.mapping[name])]
			if !ok || idx >= len(row) {
				continue
			}
			fields[name] = row[idx]
		}
		records = append(records, types.RawRecord{Source: source, UnitID: unitID, Ordinal: ordinal, Fields: fields})
	}
	return records, nil
}

type jsonDecoder struct {
	fields    []string
	mapping   map[string]string
	itemsPath string
}

// Decode accepts a JSON document whose records sit at itemsPath, or JSON
// Lines with one record per line.
func (d *jsonDecoder) Decode(source, unitID string, content []byte) ([]types.RawRecord, error) {
	content, err := decompress(content)
	if err != nil {
		return nil, err
	}

	var items []map[string]any
	var doc any
	if err := json.Unmarshal(content, &doc); err == nil {
		items = external.Items(doc, d.itemsPath)
	} else {
		dec := json.NewDecoder(bytes.NewReader(content))
		for {
			var item map[string]any
			if err := dec.Decode(&item); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("decoding json unit %s: %w", unitID, err)
			}
			items = append(items, item)
		}
	}

	records := make([]types.RawRecord, 0, len(items))
	for i, item := range items {
		fields := make(types.Fields, len(d.fields))
		for _, name := range d.fields {
			if v := external.Path(item, d.mapping[name]); v != nil {
				fields[name] = v
			}
		}
		records = append(records, types.RawRecord{Source: source, UnitID: unitID, Ordinal: i, Fields: fields})
	}
	return records, nil
}
