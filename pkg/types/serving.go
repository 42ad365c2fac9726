// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

// SourceUsed reports where search results came from.
type SourceUsed string

const (
	SourceDatabase SourceUsed = "database"
	SourceExternal SourceUsed = "external"
	SourceMixed    SourceUsed = "mixed"
	SourceNone     SourceUsed = "none"
)

// Condition qualifies a serving result so callers can tell "no data" apart
// from an unavailable store or an exhausted connection pool.
type Condition string

const (
	ConditionOK               Condition = "ok"
	ConditionNoData           Condition = "no_data"
	ConditionStoreUnavailable Condition = "store_unavailable"
	ConditionPoolExhausted    Condition = "pool_exhausted"
)

// SearchResults is the serving-path response.
type SearchResults struct {
	Items      []Item     `json:"items" yaml:"items"`
	Total      int        `json:"total" yaml:"total"`
	SourceUsed SourceUsed `json:"source_used" yaml:"source_used"`
	Condition  Condition  `json:"condition" yaml:"condition"`
}
