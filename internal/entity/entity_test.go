// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package entity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/refmirror/pkg/types"
)

func TestLookup(t *testing.T) {
	s, err := Lookup(types.EntityTrial)
	require.NoError(t, err)
	assert.Equal(t, "trials", s.Table)
	assert.Equal(t, "nct_id", s.KeyName)

	_, err = Lookup("nope")
	assert.Error(t, err)
}

func TestAll_SortedAndComplete(t *testing.T) {
	all := All()
	require.Len(t, all, 8)
	for i := 1; i < len(all); i++ {
		assert.Less(t, string(all[i-1].Entity), string(all[i].Entity))
	}
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		entity types.EntityType
		raw    string
		want   string
		ok     bool
	}{
		{types.EntityArticle, " 12345 ", "12345", true},
		{types.EntityArticle, "PMID:12345", "12345", true},
		{types.EntityArticle, "abc", "", false},
		{types.EntityTrial, "nct01234567", "NCT01234567", true},
		{types.EntityTrial, "NCT123", "NCT123", false},
		{types.EntityICD10, "e11.9", "E119", true},
		{types.EntityHCPCS, "j1100", "J1100", true},
		{types.EntityDrug, "0002-3227-30", "0002-3227-30", true},
		{types.EntityFood, "", "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.entity)+"/"+tt.raw, func(t *testing.T) {
			s, err := Lookup(tt.entity)
			require.NoError(t, err)
			got, ok := s.NormalizeKey(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFingerprint_IgnoresCosmeticDifferences(t *testing.T) {
	s, err := Lookup(types.EntityArticle)
	require.NoError(t, err)

	a := types.Fields{"title": "Heart  Failure", "authors": []string{"Smith J", "Doe A"}, "journal": "NEJM"}
	b := types.Fields{"title": "heart failure", "authors": []string{"doe a", "smith j"}, "journal": " nejm ", "abstract": "differs"}

	assert.Equal(t, s.Fingerprint("1", a), s.Fingerprint("2", b))
	assert.NotEqual(t, s.Fingerprint("1", a), s.Fingerprint("1", types.Fields{"title": "Other"}))
}

func TestFingerprint_KeyInFingerprint(t *testing.T) {
	s, err := Lookup(types.EntityICD10)
	require.NoError(t, err)

	f := types.Fields{"description": "Unspecified"}
	assert.NotEqual(t, s.Fingerprint("A001", f), s.Fingerprint("A002", f))
}

func TestSyntheticKey(t *testing.T) {
	s, err := Lookup(types.EntityFood)
	require.NoError(t, err)

	fp := s.Fingerprint("", types.Fields{"description": "Apple"})
	key := SyntheticKey(fp)
	assert.True(t, strings.HasPrefix(key, SyntheticKeyPrefix))
	assert.Len(t, key, len(SyntheticKeyPrefix)+16)
	assert.Equal(t, key, SyntheticKey(s.Fingerprint("", types.Fields{"description": " apple "})))
}

func TestSearchText(t *testing.T) {
	s, err := Lookup(types.EntityExercise)
	require.NoError(t, err)

	text := s.SearchText("ex1", types.Fields{"name": "Squat", "muscles": []string{"quads", "glutes"}, "equipment": []string{"bar"}})
	assert.Equal(t, "ex1 Squat quads glutes", text)
}
