// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// EntityType identifies a kind of mirrored reference entity. Each entity
// type maps to one table in the mirror store.
type EntityType string

const (
	EntityArticle     EntityType = "article"
	EntityTrial       EntityType = "trial"
	EntityDrug        EntityType = "drug"
	EntityICD10       EntityType = "icd10"
	EntityHCPCS       EntityType = "hcpcs"
	EntityHealthTopic EntityType = "health_topic"
	EntityFood        EntityType = "food"
	EntityExercise    EntityType = "exercise"
)

// Fields holds the typed domain fields of a record. Values are limited to
// string, int64, and []string.
type Fields map[string]any

// Clone returns a shallow copy of f with list values copied.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		if list, ok := v.([]string); ok {
			v = append([]string(nil), list...)
		}
		out[k] = v
	}
	return out
}

// RawRecord is one record as decoded from a downloaded unit, before
// validation. Field values are whatever the decoder produced.
type RawRecord struct {
	Source  string `json:"source" yaml:"source"`
	UnitID  string `json:"unit_id" yaml:"unit_id"`
	Ordinal int    `json:"ordinal" yaml:"ordinal"`
	Fields  Fields `json:"fields" yaml:"fields"`
}

// CleanRecord is a validated, normalized record ready for deduplication.
// It is never persisted on its own.
type CleanRecord struct {
	Entity EntityType

	// Key is the normalized natural key (PMID, NCT ID, NDC, code).
	Key string

	// SyntheticKey is set when the source record had no natural key and
	// Key was derived from the content fingerprint.
	SyntheticKey bool

	// Fingerprint is the hex content hash over the entity's defining fields.
	Fingerprint string

	Source  string
	UnitID  string
	Ordinal int
	Fields  Fields
}

// Item is a stored (or externally fetched) entity as returned by the
// serving path.
type Item struct {
	Entity      EntityType `json:"entity" yaml:"entity"`
	Key         string     `json:"key" yaml:"key"`
	Source      string     `json:"source" yaml:"source"`
	Fields      Fields     `json:"fields" yaml:"fields"`
	LastUpdated time.Time  `json:"last_updated,omitempty" yaml:"last_updated,omitempty"`
}
