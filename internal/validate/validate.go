// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package validate normalizes raw decoded records into typed clean records
// and rejects malformed ones with a reason.
package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pdiddy/refmirror/internal/entity"
	"github.com/pdiddy/refmirror/internal/mirrorerr"
	"github.com/pdiddy/refmirror/pkg/types"
)

// Reasons reported in ValidationError.Reason.
const (
	ReasonMissingKey   = "missing natural key"
	ReasonMalformedKey = "malformed key"
	ReasonRequired     = "required field missing"
	ReasonInteger      = "invalid integer"
	ReasonDate         = "invalid date"
)

// maxSamples bounds the rejected-record samples kept in a Report.
const maxSamples = 20

// Validator validates records of one entity type.
type Validator struct {
	schema *entity.Schema
}

// New returns a Validator for entity type e.
func New(e types.EntityType) (*Validator, error) {
	s, err := entity.Lookup(e)
	if err != nil {
		return nil, err
	}
	return &Validator{schema: s}, nil
}

// Validate normalizes one raw record. It returns a *mirrorerr.ValidationError
// when the record is rejected.
func (v *Validator) Validate(raw types.RawRecord) (types.CleanRecord, error) {
	s := v.schema
	fields := make(types.Fields, len(s.Fields))

	for _, f := range s.Fields {
		val, err := coerce(f, raw.Fields[f.Name])
		if err != nil {
			return types.CleanRecord{}, err
		}
		if val == nil {
			if f.Required {
				return types.CleanRecord{}, &mirrorerr.ValidationError{Field: f.Name, Reason: ReasonRequired}
			}
			continue
		}
		fields[f.Name] = val
	}

	rec := types.CleanRecord{
		Entity:  s.Entity,
		Source:  raw.Source,
		UnitID:  raw.UnitID,
		Ordinal: raw.Ordinal,
		Fields:  fields,
	}

	rawKey := text(raw.Fields[s.KeyName])
	switch {
	case rawKey != "":
		key, ok := s.NormalizeKey(rawKey)
		if !ok {
			return types.CleanRecord{}, &mirrorerr.ValidationError{Field: s.KeyName, Reason: ReasonMalformedKey, Value: rawKey}
		}
		rec.Key = key
		rec.Fingerprint = s.Fingerprint(key, fields)
	case s.SyntheticKeys:
		rec.Fingerprint = s.Fingerprint("", fields)
		rec.Key = entity.SyntheticKey(rec.Fingerprint)
		rec.SyntheticKey = true
	default:
		return types.CleanRecord{}, &mirrorerr.ValidationError{Field: s.KeyName, Reason: ReasonMissingKey}
	}
	return rec, nil
}

// Rejection is one rejected record kept as a sample for reporting.
type Rejection struct {
	UnitID  string
	Ordinal int
	Err     error
}

// Report summarizes a ValidateAll call.
type Report struct {
	Valid    int
	Rejected int
	ByReason map[string]int
	Samples  []Rejection
}

// ValidateAll validates raws in order, returning the clean records and a
// report counting rejections by reason.
func (v *Validator) ValidateAll(raws []types.RawRecord) ([]types.CleanRecord, Report) {
	report := Report{ByReason: map[string]int{}}
	clean := make([]types.CleanRecord, 0, len(raws))
	for _, raw := range raws {
		rec, err := v.Validate(raw)
		if err != nil {
			report.Rejected++
			reason := err.Error()
			if ve, ok := err.(*mirrorerr.ValidationError); ok {
				reason = ve.Reason
			}
			report.ByReason[reason]++
			if len(report.Samples) < maxSamples {
				report.Samples = append(report.Samples, Rejection{UnitID: raw.UnitID, Ordinal: raw.Ordinal, Err: err})
			}
			continue
		}
		report.Valid++
		clean = append(clean, rec)
	}
	return clean, report
}

// coerce converts a raw decoded value to the field's kind. A nil result
// means the value is empty.
func coerce(f entity.Field, raw any) (any, error) {
	switch f.Kind {
	case entity.KindInteger:
		return integer(f.Name, raw)
	case entity.KindDate:
		s := text(raw)
		if s == "" {
			return nil, nil
		}
		d, ok := NormalizeDate(s)
		if !ok {
			return nil, &mirrorerr.ValidationError{Field: f.Name, Reason: ReasonDate, Value: s}
		}
		return d, nil
	case entity.KindList:
		items := list(raw)
		if len(items) == 0 {
			return nil, nil
		}
		return items, nil
	default:
		s := text(raw)
		if s == "" {
			return nil, nil
		}
		return s, nil
	}
}

// text renders a raw value as whitespace-collapsed text.
func text(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return collapse(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	case []string, []any:
		return strings.Join(list(v), "; ")
	default:
		return collapse(fmt.Sprint(v))
	}
}

// collapse also replaces invalid UTF-8 and drops NUL bytes, which text
// columns in Postgres reject.
func collapse(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.Join(strings.Fields(s), " ")
}

// list splits a raw value into trimmed, non-empty, de-duplicated items.
// Strings are split on ";" or, failing that, "|".
func list(raw any) []string {
	var parts []string
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		sep := ";"
		if !strings.Contains(v, sep) {
			sep = "|"
		}
		parts = strings.Split(v, sep)
	case []string:
		parts = v
	case []any:
		for _, item := range v {
			parts = append(parts, text(item))
		}
	default:
		parts = []string{text(v)}
	}

	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = collapse(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func integer(field string, raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != float64(int64(v)) {
			return nil, &mirrorerr.ValidationError{Field: field, Reason: ReasonInteger, Value: text(v)}
		}
		return int64(v), nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	}

	s := strings.ReplaceAll(text(raw), ",", "")
	if s == "" {
		return nil, nil
	}
	switch strings.ToLower(s) {
	case "y", "yes", "true":
		return int64(1), nil
	case "n", "no", "false":
		return int64(0), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil && f == float64(int64(f)) {
			return int64(f), nil
		}
		return nil, &mirrorerr.ValidationError{Field: field, Reason: ReasonInteger, Value: s}
	}
	return n, nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"20060102",
	"2006 Jan 2",
	"2006 Jan 02",
	"2006 January 2",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	"2006-01",
	"2006 Jan",
	"January 2006",
	"2006",
}

var (
	timestampRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})[T ]`)
	yearMonthRe = regexp.MustCompile(`^(\d{4})(?:\s+([A-Za-z]{3}))?`)
)

// NormalizeDate converts a date in one of the common source layouts to
// YYYY-MM-DD. Partial dates take the first day of the month or year, and
// ranges such as "1998 Dec-1999 Jan" take their start.
func NormalizeDate(s string) (string, bool) {
	s = collapse(s)
	if m := timestampRe.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	m := yearMonthRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	if m[2] != "" {
		if t, err := time.Parse("2006 Jan", m[1]+" "+m[2]); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	t, err := time.Parse("2006", m[1])
	if err != nil {
		return "", false
	}
	return t.Format("2006-01-02"), true
}
