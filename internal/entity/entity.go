// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package entity defines the schema of each mirrored entity type: its
// natural key, typed fields, content-fingerprint fields, and search fields.
package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pdiddy/refmirror/pkg/types"
)

// Kind is the storage type of a field.
type Kind int

const (
	KindText Kind = iota
	KindInteger
	// KindDate holds a YYYY-MM-DD string.
	KindDate
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindDate:
		return "date"
	case KindList:
		return "list"
	default:
		return "text"
	}
}

// Field describes one typed domain field.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
}

// Schema describes one entity type.
type Schema struct {
	Entity types.EntityType

	// Table is the mirror store table name.
	Table string

	// KeyName is the domain name of the natural key (e.g. "pmid").
	KeyName string

	keyPattern   *regexp.Regexp
	normalizeKey func(string) string

	// SyntheticKeys allows records without a natural key; their key is
	// derived from the content fingerprint.
	SyntheticKeys bool

	// KeyInFingerprint includes the natural key in the fingerprint. Code
	// tables use it so distinct codes sharing a description never collapse.
	KeyInFingerprint bool

	Fields            []Field
	FingerprintFields []string
	SearchFields      []string
}

// SyntheticKeyPrefix marks keys derived from a content fingerprint.
const SyntheticKeyPrefix = "syn-"

var (
	digitsRe  = regexp.MustCompile(`[^0-9]`)
	ndcRe     = regexp.MustCompile(`[^0-9-]`)
	genericRe = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,64}$`)
)

func digitsOnly(s string) string { return digitsRe.ReplaceAllString(s, "") }

func upperTrim(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

var registry = map[types.EntityType]*Schema{
	types.EntityArticle: {
		Entity:       types.EntityArticle,
		Table:        "articles",
		KeyName:      "pmid",
		keyPattern:   regexp.MustCompile(`^[1-9][0-9]{0,8}$`),
		normalizeKey: digitsOnly,
		Fields: []Field{
			{Name: "title", Kind: KindText, Required: true},
			{Name: "abstract", Kind: KindText},
			{Name: "authors", Kind: KindList},
			{Name: "journal", Kind: KindText},
			{Name: "pub_date", Kind: KindDate},
			{Name: "doi", Kind: KindText},
			{Name: "mesh_terms", Kind: KindList},
			{Name: "language", Kind: KindText},
		},
		FingerprintFields: []string{"title", "authors", "journal", "pub_date"},
		SearchFields:      []string{"title", "abstract", "authors", "mesh_terms"},
	},
	types.EntityTrial: {
		Entity:       types.EntityTrial,
		Table:        "trials",
		KeyName:      "nct_id",
		keyPattern:   regexp.MustCompile(`^NCT[0-9]{8}$`),
		normalizeKey: upperTrim,
		Fields: []Field{
			{Name: "title", Kind: KindText, Required: true},
			{Name: "status", Kind: KindText},
			{Name: "phase", Kind: KindText},
			{Name: "conditions", Kind: KindList},
			{Name: "interventions", Kind: KindList},
			{Name: "sponsor", Kind: KindText},
			{Name: "start_date", Kind: KindDate},
			{Name: "completion_date", Kind: KindDate},
			{Name: "enrollment", Kind: KindInteger},
			{Name: "summary", Kind: KindText},
		},
		FingerprintFields: []string{"title", "sponsor", "start_date", "conditions"},
		SearchFields:      []string{"title", "conditions", "interventions", "sponsor", "summary"},
	},
	types.EntityDrug: {
		Entity:     types.EntityDrug,
		Table:      "drugs",
		KeyName:    "ndc",
		keyPattern: regexp.MustCompile(`^([0-9]{4,5}-[0-9]{3,4}(-[0-9]{1,2})?|[0-9]{10,11})$`),
		normalizeKey: func(s string) string {
			return ndcRe.ReplaceAllString(s, "")
		},
		Fields: []Field{
			{Name: "brand_name", Kind: KindText},
			{Name: "generic_name", Kind: KindText, Required: true},
			{Name: "labeler", Kind: KindText},
			{Name: "dosage_form", Kind: KindText},
			{Name: "route", Kind: KindList},
			{Name: "active_ingredients", Kind: KindList},
			{Name: "marketing_category", Kind: KindText},
			{Name: "application_number", Kind: KindText},
			{Name: "product_type", Kind: KindText},
		},
		FingerprintFields: []string{"brand_name", "generic_name", "labeler", "dosage_form", "active_ingredients"},
		SearchFields:      []string{"brand_name", "generic_name", "labeler", "active_ingredients"},
	},
	types.EntityICD10: {
		Entity:     types.EntityICD10,
		Table:      "icd10_codes",
		KeyName:    "code",
		keyPattern: regexp.MustCompile(`^[A-Z][0-9][0-9A-Z]{1,5}$`),
		normalizeKey: func(s string) string {
			return strings.ReplaceAll(upperTrim(s), ".", "")
		},
		KeyInFingerprint: true,
		Fields: []Field{
			{Name: "description", Kind: KindText, Required: true},
			{Name: "long_description", Kind: KindText},
			{Name: "category", Kind: KindText},
			{Name: "billable", Kind: KindInteger},
		},
		FingerprintFields: []string{"description"},
		SearchFields:      []string{"description", "long_description", "category"},
	},
	types.EntityHCPCS: {
		Entity:           types.EntityHCPCS,
		Table:            "hcpcs_codes",
		KeyName:          "code",
		keyPattern:       regexp.MustCompile(`^[A-Z0-9][0-9]{3}[A-Z0-9]$`),
		normalizeKey:     upperTrim,
		KeyInFingerprint: true,
		Fields: []Field{
			{Name: "short_description", Kind: KindText, Required: true},
			{Name: "long_description", Kind: KindText},
			{Name: "status", Kind: KindText},
			{Name: "effective_date", Kind: KindDate},
		},
		FingerprintFields: []string{"short_description"},
		SearchFields:      []string{"short_description", "long_description"},
	},
	types.EntityHealthTopic: {
		Entity:        types.EntityHealthTopic,
		Table:         "health_topics",
		KeyName:       "topic_id",
		keyPattern:    genericRe,
		normalizeKey:  strings.TrimSpace,
		SyntheticKeys: true,
		Fields: []Field{
			{Name: "title", Kind: KindText, Required: true},
			{Name: "summary", Kind: KindText},
			{Name: "url", Kind: KindText},
			{Name: "also_called", Kind: KindList},
			{Name: "groups", Kind: KindList},
			{Name: "language", Kind: KindText},
		},
		FingerprintFields: []string{"title", "url", "language"},
		SearchFields:      []string{"title", "summary", "also_called", "groups"},
	},
	types.EntityFood: {
		Entity:        types.EntityFood,
		Table:         "foods",
		KeyName:       "fdc_id",
		keyPattern:    genericRe,
		normalizeKey:  strings.TrimSpace,
		SyntheticKeys: true,
		Fields: []Field{
			{Name: "description", Kind: KindText, Required: true},
			{Name: "food_category", Kind: KindText},
			{Name: "brand_owner", Kind: KindText},
			{Name: "ingredients", Kind: KindText},
			{Name: "energy_kcal", Kind: KindInteger},
		},
		FingerprintFields: []string{"description", "brand_owner", "ingredients"},
		SearchFields:      []string{"description", "food_category", "brand_owner", "ingredients"},
	},
	types.EntityExercise: {
		Entity:        types.EntityExercise,
		Table:         "exercises",
		KeyName:       "exercise_id",
		keyPattern:    genericRe,
		normalizeKey:  strings.TrimSpace,
		SyntheticKeys: true,
		Fields: []Field{
			{Name: "name", Kind: KindText, Required: true},
			{Name: "category", Kind: KindText},
			{Name: "equipment", Kind: KindList},
			{Name: "muscles", Kind: KindList},
			{Name: "instructions", Kind: KindText},
		},
		FingerprintFields: []string{"name", "category", "equipment"},
		SearchFields:      []string{"name", "category", "muscles", "instructions"},
	},
}

// Lookup returns the schema of an entity type.
func Lookup(e types.EntityType) (*Schema, error) {
	s, ok := registry[e]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", e)
	}
	return s, nil
}

// All returns every schema sorted by entity name.
func All() []*Schema {
	out := make([]*Schema, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// Field returns the named field definition.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldNames returns the field names in column order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// NormalizeKey canonicalizes a raw natural key and reports whether the
// result is well-formed. An empty input returns ("", false).
func (s *Schema) NormalizeKey(raw string) (string, bool) {
	k := s.normalizeKey(strings.TrimSpace(raw))
	if k == "" {
		return "", false
	}
	return k, s.keyPattern.MatchString(k)
}

// SyntheticKey derives a stable key from a fingerprint.
func SyntheticKey(fingerprint string) string {
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	return SyntheticKeyPrefix + fingerprint
}

// Fingerprint hashes the schema's defining fields. Text is lower-cased with
// whitespace collapsed and lists are sorted, so cosmetic differences between
// sources do not defeat content dedup.
func (s *Schema) Fingerprint(key string, f types.Fields) string {
	h := sha256.New()
	h.Write([]byte(string(s.Entity)))
	h.Write([]byte{0x1f})
	if s.KeyInFingerprint {
		h.Write([]byte("key=" + key))
		h.Write([]byte{0x1f})
	}
	for _, name := range s.FingerprintFields {
		h.Write([]byte(name + "=" + canonical(f[name])))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonical(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.Join(strings.Fields(strings.ToLower(val)), " ")
	case int64:
		return strconv.FormatInt(val, 10)
	case []string:
		items := make([]string, 0, len(val))
		for _, item := range val {
			if c := canonical(item); c != "" {
				items = append(items, c)
			}
		}
		sort.Strings(items)
		return strings.Join(items, "\x1e")
	default:
		return strings.ToLower(fmt.Sprint(val))
	}
}

// SearchText builds the text indexed for full-text search.
func (s *Schema) SearchText(key string, f types.Fields) string {
	parts := []string{key}
	for _, name := range s.SearchFields {
		switch val := f[name].(type) {
		case string:
			if val != "" {
				parts = append(parts, val)
			}
		case []string:
			parts = append(parts, val...)
		}
	}
	return strings.Join(parts, " ")
}
