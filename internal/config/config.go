// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package config loads the mirror configuration through viper and applies
// defaults and validation.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/pdiddy/refmirror/internal/entity"
	"github.com/pdiddy/refmirror/pkg/types"
)

const (
	DefaultUserAgent   = "refmirror/0.1"
	DefaultHTTPTimeout = 60 * time.Second
	DefaultMaxAttempts = 5
)

// SetDefaults registers every default on v. Keys mirror the mapstructure
// tags of types.MirrorConfig.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)

	v.SetDefault("download.timeout", DefaultHTTPTimeout)
	v.SetDefault("download.user_agent", DefaultUserAgent)
	v.SetDefault("download.raw_dir", "data/raw")
	v.SetDefault("download.checkpoint_path", "data/checkpoints.db")
	v.SetDefault("download.workers", 4)
	v.SetDefault("download.max_attempts", DefaultMaxAttempts)
	v.SetDefault("download.backoff_base", 30*time.Second)
	v.SetDefault("download.backoff_max", 6*time.Hour)

	v.SetDefault("batch.target_duration", 30*time.Second)
	v.SetDefault("batch.initial_size", 1000)
	v.SetDefault("batch.min_size", 50)
	v.SetDefault("batch.max_size", 20000)

	v.SetDefault("store.driver", string(types.DriverSQLite))
	v.SetDefault("store.path", "data/mirror.db")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.pool_wait", 5*time.Second)

	v.SetDefault("external.timeout", 15*time.Second)
	v.SetDefault("external.user_agent", DefaultUserAgent)
	v.SetDefault("external.max_retries", 3)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.prefix", "refmirror:")

	v.SetDefault("serving.fallback_enabled", true)
	v.SetDefault("serving.fallback_on_empty", false)
	v.SetDefault("serving.supplement_short_results", false)
	v.SetDefault("serving.health_interval", 15*time.Second)
	v.SetDefault("serving.health_timeout", 2*time.Second)
	v.SetDefault("serving.health_max_age", time.Minute)
	v.SetDefault("serving.failure_threshold", 3)
	v.SetDefault("serving.reconnect_attempts", 5)
	v.SetDefault("serving.reconnect_backoff", time.Second)
	v.SetDefault("serving.ping_interval", time.Minute)
	v.SetDefault("serving.slow_query_threshold", 500*time.Millisecond)
	v.SetDefault("serving.error_rate_threshold", 0.2)
	v.SetDefault("serving.error_rate_window", time.Minute)
	v.SetDefault("serving.default_limit", 20)
}

// Load unmarshals v into a MirrorConfig and validates it.
func Load(v *viper.Viper) (types.MirrorConfig, error) {
	var cfg types.MirrorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}
	applySourceDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applySourceDefaults(cfg *types.MirrorConfig) {
	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if s.Burst <= 0 {
			s.Burst = 1
		}
		if s.Kind == types.KindPagedAPI {
			if s.PageSize <= 0 {
				s.PageSize = 100
			}
			if s.OffsetParam == "" {
				s.OffsetParam = "skip"
			}
			if s.LimitParam == "" {
				s.LimitParam = "limit"
			}
			if s.Format == "" {
				s.Format = types.FormatJSON
			}
		}
		if s.Format == types.FormatCSV && s.Delimiter == "" {
			s.Delimiter = ","
		}
	}
}

// Validate reports every configuration problem at once.
func Validate(cfg types.MirrorConfig) error {
	var result *multierror.Error

	if cfg.Download.MaxAttempts < 1 {
		result = multierror.Append(result, errors.New("download.max_attempts must be at least 1"))
	}
	if cfg.Download.BackoffMax < cfg.Download.BackoffBase {
		result = multierror.Append(result, errors.New("download.backoff_max must not be below backoff_base"))
	}

	b := cfg.Batch
	if b.MinSize < 1 || b.MaxSize < b.MinSize || b.InitialSize < b.MinSize || b.InitialSize > b.MaxSize {
		result = multierror.Append(result, fmt.Errorf("batch sizes must satisfy 1 <= min (%d) <= initial (%d) <= max (%d)",
			b.MinSize, b.InitialSize, b.MaxSize))
	}

	switch cfg.Store.Driver {
	case types.DriverSQLite:
		if cfg.Store.Path == "" {
			result = multierror.Append(result, errors.New("store.path is required for sqlite"))
		}
	case types.DriverPostgres:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown store.driver %q", cfg.Store.Driver))
	}

	for entityName := range cfg.External.Endpoints {
		if _, err := entity.Lookup(types.EntityType(entityName)); err != nil {
			result = multierror.Append(result, fmt.Errorf("external.endpoints: %w", err))
		}
	}

	seen := map[string]bool{}
	for _, s := range cfg.Sources {
		if err := validateSource(s); err != nil {
			result = multierror.Append(result, err)
		}
		if seen[s.Name] {
			result = multierror.Append(result, fmt.Errorf("duplicate source %q", s.Name))
		}
		seen[s.Name] = true
	}

	return result.ErrorOrNil()
}

func validateSource(s types.SourceConfig) error {
	if s.Name == "" {
		return errors.New("source without a name")
	}
	if _, err := entity.Lookup(s.Entity); err != nil {
		return fmt.Errorf("source %s: %w", s.Name, err)
	}
	switch s.Kind {
	case types.KindDirectory:
		if s.URL == "" {
			return fmt.Errorf("source %s: directory sources need a url", s.Name)
		}
		if s.Pattern != "" {
			if _, err := regexp.Compile(s.Pattern); err != nil {
				return fmt.Errorf("source %s: bad pattern: %w", s.Name, err)
			}
		}
	case types.KindPagedAPI:
		if s.URL == "" {
			return fmt.Errorf("source %s: paged_api sources need a url", s.Name)
		}
	case types.KindManifest:
		if s.ManifestPath == "" {
			return fmt.Errorf("source %s: manifest sources need a manifest_path", s.Name)
		}
	default:
		return fmt.Errorf("source %s: unknown kind %q", s.Name, s.Kind)
	}
	switch s.Format {
	case types.FormatCSV, types.FormatJSON, types.FormatPubMedXML:
	default:
		return fmt.Errorf("source %s: unknown format %q", s.Name, s.Format)
	}
	return nil
}
