// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// HTTPConfig holds shared HTTP settings used by components that make network requests.
type HTTPConfig struct {
	// Timeout is the HTTP request timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "refmirror/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent" mapstructure:"user_agent"`
}

// SourceKind selects the adapter variant for a source.
type SourceKind string

const (
	// KindDirectory lists bulk files from an HTTP directory index.
	KindDirectory SourceKind = "directory"

	// KindPagedAPI walks an offset-paginated JSON API.
	KindPagedAPI SourceKind = "paged_api"

	// KindManifest reads a fixed YAML manifest of units.
	KindManifest SourceKind = "manifest"
)

// DecoderFormat selects how a unit's content is decoded into raw records.
type DecoderFormat string

const (
	FormatCSV       DecoderFormat = "csv"
	FormatJSON      DecoderFormat = "json"
	FormatPubMedXML DecoderFormat = "pubmed_xml"
)

// SourceConfig describes one upstream dataset.
type SourceConfig struct {
	// Name identifies the source in checkpoints and logs (e.g. "pubmed-baseline").
	Name string `json:"name" yaml:"name" mapstructure:"name"`

	// Kind selects the adapter: directory, paged_api, or manifest.
	Kind SourceKind `json:"kind" yaml:"kind" mapstructure:"kind"`

	// Entity is the entity type the source's records populate.
	Entity EntityType `json:"entity" yaml:"entity" mapstructure:"entity"`

	// URL is the directory index URL (directory) or API endpoint (paged_api).
	URL string `json:"url,omitempty" yaml:"url,omitempty" mapstructure:"url"`

	// Pattern is a regular expression file links must match (directory).
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty" mapstructure:"pattern"`

	// ManifestPath points to the YAML unit manifest (manifest).
	ManifestPath string `json:"manifest_path,omitempty" yaml:"manifest_path,omitempty" mapstructure:"manifest_path"`

	// PageSize is the number of records per API page (paged_api, default 100).
	PageSize int `json:"page_size,omitempty" yaml:"page_size,omitempty" mapstructure:"page_size"`

	// OffsetParam and LimitParam name the pagination query parameters
	// (default "skip" and "limit").
	OffsetParam string `json:"offset_param,omitempty" yaml:"offset_param,omitempty" mapstructure:"offset_param"`
	LimitParam  string `json:"limit_param,omitempty" yaml:"limit_param,omitempty" mapstructure:"limit_param"`

	// TotalPath is the dot path of the total record count in an API response.
	TotalPath string `json:"total_path,omitempty" yaml:"total_path,omitempty" mapstructure:"total_path"`

	// Format selects the decoder: csv, json, or pubmed_xml.
	Format DecoderFormat `json:"format" yaml:"format" mapstructure:"format"`

	// ItemsPath is the dot path of the record array in JSON content.
	ItemsPath string `json:"items_path,omitempty" yaml:"items_path,omitempty" mapstructure:"items_path"`

	// FieldMap maps entity field names to source columns (csv) or dot
	// paths (json). Unmapped entity fields are taken from a column or key
	// of the same name.
	FieldMap map[string]string `json:"field_map,omitempty" yaml:"field_map,omitempty" mapstructure:"field_map"`

	// Delimiter is the CSV field delimiter (default ",").
	Delimiter string `json:"delimiter,omitempty" yaml:"delimiter,omitempty" mapstructure:"delimiter"`

	// RateLimit is the maximum number of requests per second (0 = unlimited).
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`

	// Burst is the rate limiter burst size (default 1).
	Burst int `json:"burst,omitempty" yaml:"burst,omitempty" mapstructure:"burst"`

	// Workers overrides the download worker count for this source.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty" mapstructure:"workers"`

	// RefreshInterval marks downloaded units stale after this long
	// (0 = never stale).
	RefreshInterval time.Duration `json:"refresh_interval,omitempty" yaml:"refresh_interval,omitempty" mapstructure:"refresh_interval"`

	// APIKeyParam is the query parameter carrying the API key, and
	// APIKeySecret the secrets file holding its value.
	APIKeyParam  string `json:"api_key_param,omitempty" yaml:"api_key_param,omitempty" mapstructure:"api_key_param"`
	APIKeySecret string `json:"api_key_secret,omitempty" yaml:"api_key_secret,omitempty" mapstructure:"api_key_secret"`
}

// DownloadConfig holds orchestrator settings.
type DownloadConfig struct {
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// RawDir is where downloaded unit content is persisted.
	RawDir string `json:"raw_dir" yaml:"raw_dir" mapstructure:"raw_dir"`

	// CheckpointPath is the bbolt file holding checkpoints and run metadata.
	CheckpointPath string `json:"checkpoint_path" yaml:"checkpoint_path" mapstructure:"checkpoint_path"`

	// Workers is the default number of concurrent unit downloads per source.
	Workers int `json:"workers" yaml:"workers" mapstructure:"workers"`

	// MaxAttempts is the attempt ceiling before a unit is permanently failed.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`

	// BackoffBase and BackoffMax bound the exponential retry delay.
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax  time.Duration `json:"backoff_max" yaml:"backoff_max" mapstructure:"backoff_max"`
}

// BatchConfig holds adaptive batch sizing settings.
type BatchConfig struct {
	// TargetDuration is the wall-clock budget per write batch (default 30s).
	TargetDuration time.Duration `json:"target_duration" yaml:"target_duration" mapstructure:"target_duration"`

	InitialSize int `json:"initial_size" yaml:"initial_size" mapstructure:"initial_size"`
	MinSize     int `json:"min_size" yaml:"min_size" mapstructure:"min_size"`
	MaxSize     int `json:"max_size" yaml:"max_size" mapstructure:"max_size"`
}

// StoreDriver selects the mirror store backend.
type StoreDriver string

const (
	DriverSQLite   StoreDriver = "sqlite"
	DriverPostgres StoreDriver = "postgres"
)

// StoreConfig holds mirror store settings.
type StoreConfig struct {
	// Driver is sqlite or postgres.
	Driver StoreDriver `json:"driver" yaml:"driver" mapstructure:"driver"`

	// Path is the SQLite database file.
	Path string `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"`

	// DSN is the Postgres connection string. When empty the
	// "postgres-dsn" secret is used.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty" mapstructure:"dsn"`

	// MaxConns bounds the connection pool.
	MaxConns int `json:"max_conns" yaml:"max_conns" mapstructure:"max_conns"`

	// PoolWait is how long an operation waits for a pooled connection
	// before failing with a pool-exhausted error.
	PoolWait time.Duration `json:"pool_wait" yaml:"pool_wait" mapstructure:"pool_wait"`
}

// EndpointConfig describes the external API of one entity type.
type EndpointConfig struct {
	// SearchURL is a URL template with {query} and {limit} placeholders.
	SearchURL string `json:"search_url" yaml:"search_url" mapstructure:"search_url"`

	// GetURL is a URL template with a {key} placeholder.
	GetURL string `json:"get_url" yaml:"get_url" mapstructure:"get_url"`

	// ItemsPath, KeyPath, and TotalPath are dot paths into the JSON response.
	ItemsPath string `json:"items_path" yaml:"items_path" mapstructure:"items_path"`
	KeyPath   string `json:"key_path" yaml:"key_path" mapstructure:"key_path"`
	TotalPath string `json:"total_path,omitempty" yaml:"total_path,omitempty" mapstructure:"total_path"`

	// FieldMap maps entity field names to dot paths within one item.
	FieldMap map[string]string `json:"field_map,omitempty" yaml:"field_map,omitempty" mapstructure:"field_map"`

	// HealthURL is requested to check the API is reachable (default SearchURL
	// with an empty query).
	HealthURL string `json:"health_url,omitempty" yaml:"health_url,omitempty" mapstructure:"health_url"`
}

// ExternalConfig holds settings for the external reference APIs.
type ExternalConfig struct {
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// MaxRetries is the number of retries on 429/5xx (default 3).
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`

	// Endpoints maps entity type names to their external API.
	Endpoints map[string]EndpointConfig `json:"endpoints" yaml:"endpoints" mapstructure:"endpoints"`
}

// CacheConfig holds the Redis cache settings for external responses.
type CacheConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Addr     string        `json:"addr" yaml:"addr" mapstructure:"addr"`
	Password string        `json:"password,omitempty" yaml:"password,omitempty" mapstructure:"password"`
	DB       int           `json:"db" yaml:"db" mapstructure:"db"`
	TTL      time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	Prefix   string        `json:"prefix" yaml:"prefix" mapstructure:"prefix"`
}

// ServingConfig holds ServingConnector settings.
type ServingConfig struct {
	// FallbackEnabled allows queries to go to the external API when the
	// store is unavailable.
	FallbackEnabled bool `json:"fallback_enabled" yaml:"fallback_enabled" mapstructure:"fallback_enabled"`

	// FallbackOnEmpty also queries the external API when the store returns
	// no rows. Off by default so genuine "no data" answers are not masked.
	FallbackOnEmpty bool `json:"fallback_on_empty" yaml:"fallback_on_empty" mapstructure:"fallback_on_empty"`

	// SupplementShortResults tops up a non-empty result shorter than the
	// limit with external items, reported as source "mixed".
	SupplementShortResults bool `json:"supplement_short_results" yaml:"supplement_short_results" mapstructure:"supplement_short_results"`

	// HealthInterval is the period of the store health check.
	HealthInterval time.Duration `json:"health_interval" yaml:"health_interval" mapstructure:"health_interval"`

	// HealthTimeout bounds a single health check.
	HealthTimeout time.Duration `json:"health_timeout" yaml:"health_timeout" mapstructure:"health_timeout"`

	// HealthMaxAge is how long a successful health check counts as fresh.
	HealthMaxAge time.Duration `json:"health_max_age" yaml:"health_max_age" mapstructure:"health_max_age"`

	// FailureThreshold is the number of consecutive failed pings that
	// triggers reconnection.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold"`

	// ReconnectAttempts and ReconnectBackoff bound reconnection before the
	// connector degrades to external-only mode.
	ReconnectAttempts int           `json:"reconnect_attempts" yaml:"reconnect_attempts" mapstructure:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `json:"reconnect_backoff" yaml:"reconnect_backoff" mapstructure:"reconnect_backoff"`

	// PingInterval is the minimum gap between background external API
	// health pings (0 disables them).
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval" mapstructure:"ping_interval"`

	// SlowQueryThreshold logs queries slower than this.
	SlowQueryThreshold time.Duration `json:"slow_query_threshold" yaml:"slow_query_threshold" mapstructure:"slow_query_threshold"`

	// ErrorRateThreshold (0-1) over ErrorRateWindow logs an error-rate warning.
	ErrorRateThreshold float64       `json:"error_rate_threshold" yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `json:"error_rate_window" yaml:"error_rate_window" mapstructure:"error_rate_window"`

	// DefaultLimit is used when a search passes no limit.
	DefaultLimit int `json:"default_limit" yaml:"default_limit" mapstructure:"default_limit"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty" mapstructure:"pretty"`
}

// MirrorConfig groups all component configurations.
type MirrorConfig struct {
	Logging  LoggingConfig  `json:"logging" yaml:"logging" mapstructure:"logging"`
	Download DownloadConfig `json:"download" yaml:"download" mapstructure:"download"`
	Sources  []SourceConfig `json:"sources" yaml:"sources" mapstructure:"sources"`
	Batch    BatchConfig    `json:"batch" yaml:"batch" mapstructure:"batch"`
	Store    StoreConfig    `json:"store" yaml:"store" mapstructure:"store"`
	External ExternalConfig `json:"external" yaml:"external" mapstructure:"external"`
	Cache    CacheConfig    `json:"cache" yaml:"cache" mapstructure:"cache"`
	Serving  ServingConfig  `json:"serving" yaml:"serving" mapstructure:"serving"`
}

// Source returns the configuration of the named source.
func (c MirrorConfig) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}
