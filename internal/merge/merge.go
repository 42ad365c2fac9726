// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package merge implements the merge-preserve rule: a non-empty incoming
// value may replace a stored value, an empty incoming value never erases a
// stored one. The rule is independent of any storage engine.
package merge

import (
	"sort"
	"strings"

	"github.com/pdiddy/refmirror/pkg/types"
)

// IsEmpty reports whether v counts as "no value". Integer zero is a value.
func IsEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []string:
		return len(val) == 0
	default:
		return false
	}
}

// Equal compares two field values.
func Equal(a, b any) bool {
	if IsEmpty(a) && IsEmpty(b) {
		return true
	}
	switch av := a.(type) {
	case []string:
		bv, ok := b.([]string)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	}
	return a == b
}

// Preserve merges incoming over stored and reports whether the result
// differs from stored. Neither argument is modified.
func Preserve(stored, incoming types.Fields) (types.Fields, bool) {
	merged := stored.Clone()
	if merged == nil {
		merged = make(types.Fields, len(incoming))
	}
	changed := false
	for name, v := range incoming {
		if IsEmpty(v) {
			continue
		}
		if Equal(merged[name], v) {
			continue
		}
		if list, ok := v.([]string); ok {
			v = append([]string(nil), list...)
		}
		merged[name] = v
		changed = true
	}
	return merged, changed
}

// AddsNothing reports whether merging incoming into stored would leave the
// stored row unchanged.
func AddsNothing(stored, incoming types.Fields) bool {
	_, changed := Preserve(stored, incoming)
	return !changed
}

// Completeness returns the number of non-empty fields and their total
// content size, used to rank duplicate records.
func Completeness(f types.Fields) (nonEmpty, size int) {
	for _, v := range f {
		if IsEmpty(v) {
			continue
		}
		nonEmpty++
		switch val := v.(type) {
		case string:
			size += len(val)
		case []string:
			for _, item := range val {
				size += len(item)
			}
		default:
			size++
		}
	}
	return nonEmpty, size
}

// Conflicts lists the fields where both records hold different non-empty
// values, sorted by name.
func Conflicts(kept, other types.Fields) []string {
	var names []string
	for name, v := range other {
		if IsEmpty(v) || IsEmpty(kept[name]) {
			continue
		}
		if !Equal(kept[name], v) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
