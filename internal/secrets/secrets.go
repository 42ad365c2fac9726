// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package secrets loads API keys and credentials from a directory of plain-text files.
// Each file in the directory represents one secret: the filename is the key name and the
// file contents (trimmed) are the value.
//
// Well-known key files: ncbi-api-key, fda-api-key, usda-api-key, postgres-dsn,
// redis-password. Source definitions may name any other file through api_key_secret.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Well-known secret names.
const (
	PostgresDSN   = "postgres-dsn"
	RedisPassword = "redis-password"
)

// Set is a loaded secrets directory.
type Set map[string]string

// Load reads all files in dir and returns a map of filename to trimmed contents.
// A missing directory or missing files are not errors; Load returns an empty set.
// Unreadable files are logged as warnings but do not abort.
func Load(dir string, log zerolog.Logger) (Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Set{}, nil
		}
		return nil, fmt.Errorf("reading secrets directory %s: %w", dir, err)
	}

	secrets := make(Set)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Warn().Err(err).Str("secret", name).Msg("could not read secret")
			continue
		}

		value := strings.TrimSpace(string(data))
		if value != "" {
			secrets[name] = value
		}
	}

	return secrets, nil
}

// Resolve returns explicit when it is set, otherwise the named secret.
// Configuration values therefore always win over the secrets directory.
func (s Set) Resolve(name, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return s[name]
}

// Names returns the loaded secret names, sorted. Values are never exposed.
func (s Set) Names() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
