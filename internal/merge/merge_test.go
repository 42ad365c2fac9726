// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pdiddy/refmirror/pkg/types"
)

func TestPreserve_NullNeverErases(t *testing.T) {
	stored := types.Fields{"field1": "old", "field2": "old2"}
	incoming := types.Fields{"field1": nil, "field2": "new"}

	merged, changed := Preserve(stored, incoming)

	assert.True(t, changed)
	assert.Equal(t, types.Fields{"field1": "old", "field2": "new"}, merged)
	assert.Equal(t, "old2", stored["field2"], "stored must not be modified")
}

func TestPreserve_EmptyValues(t *testing.T) {
	stored := types.Fields{"title": "Aspirin", "authors": []string{"Doe J"}, "enrollment": int64(10)}
	incoming := types.Fields{"title": "   ", "authors": []string{}, "enrollment": nil}

	merged, changed := Preserve(stored, incoming)

	assert.False(t, changed)
	assert.Equal(t, stored, merged)
}

func TestPreserve_ZeroIntegerIsAValue(t *testing.T) {
	merged, changed := Preserve(types.Fields{"billable": int64(1)}, types.Fields{"billable": int64(0)})

	assert.True(t, changed)
	assert.Equal(t, int64(0), merged["billable"])
}

func TestPreserve_NilStored(t *testing.T) {
	merged, changed := Preserve(nil, types.Fields{"title": "x", "abstract": ""})

	assert.True(t, changed)
	assert.Equal(t, types.Fields{"title": "x"}, merged)
}

func TestPreserve_Idempotent(t *testing.T) {
	stored := types.Fields{"a": "1"}
	incoming := types.Fields{"a": "2", "b": []string{"x", "y"}}

	once, _ := Preserve(stored, incoming)
	twice, changed := Preserve(once, incoming)

	assert.False(t, changed)
	assert.Equal(t, once, twice)
}

func TestAddsNothing(t *testing.T) {
	stored := types.Fields{"title": "Heart failure", "journal": "NEJM"}

	assert.True(t, AddsNothing(stored, types.Fields{"title": "Heart failure"}))
	assert.True(t, AddsNothing(stored, types.Fields{"title": "Heart failure", "journal": ""}))
	assert.False(t, AddsNothing(stored, types.Fields{"doi": "10.1/x"}))
	assert.False(t, AddsNothing(stored, types.Fields{"journal": "Lancet"}))
}

func TestCompleteness(t *testing.T) {
	n, size := Completeness(types.Fields{
		"title":   "abc",
		"authors": []string{"de", "f"},
		"empty":   "",
		"count":   int64(3),
	})
	assert.Equal(t, 3, n)
	assert.Equal(t, 3+3+1, size)
}

func TestConflicts(t *testing.T) {
	kept := types.Fields{"title": "A", "journal": "J1", "doi": ""}
	other := types.Fields{"title": "A", "journal": "J2", "doi": "10.1/x", "lang": "en"}

	assert.Equal(t, []string{"journal"}, Conflicts(kept, other))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal([]string{"a"}, []string{"a"}))
	assert.False(t, Equal([]string{"a"}, []string{"b"}))
	assert.False(t, Equal("1", int64(1)))
	assert.True(t, Equal(nil, ""))
	assert.True(t, Equal(int64(4), int64(4)))
}
