// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T) string
		want   Set
		errMsg string
	}{
		{
			name: "reads key files and trims whitespace",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, "ncbi-api-key", "  ncbi_abc123  \n")
				writeFile(t, dir, "fda-api-key", "fda_xyz789")
				writeFile(t, dir, "redis-password", "hunter2\n")
				return dir
			},
			want: Set{
				"ncbi-api-key":   "ncbi_abc123",
				"fda-api-key":    "fda_xyz789",
				"redis-password": "hunter2",
			},
		},
		{
			name: "returns empty map for nonexistent directory",
			setup: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "does-not-exist")
			},
			want: Set{},
		},
		{
			name: "skips empty files",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, "usda-api-key", "valid-key")
				writeFile(t, dir, "empty-key", "")
				writeFile(t, dir, "whitespace-only", "   \n\t  ")
				return dir
			},
			want: Set{
				"usda-api-key": "valid-key",
			},
		},
		{
			name: "skips dotfiles",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, ".gitkeep", "")
				writeFile(t, dir, ".hidden-key", "secret")
				writeFile(t, dir, "ncbi-api-key", "ncbi_real")
				return dir
			},
			want: Set{
				"ncbi-api-key": "ncbi_real",
			},
		},
		{
			name: "skips subdirectories",
			setup: func(t *testing.T) string {
				dir := t.TempDir()
				writeFile(t, dir, "usda-api-key", "usda_123")
				require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))
				return dir
			},
			want: Set{
				"usda-api-key": "usda_123",
			},
		},
		{
			name: "returns empty map for empty directory",
			setup: func(t *testing.T) string {
				return t.TempDir()
			},
			want: Set{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := tt.setup(t)
			got, err := Load(dir, zerolog.Nop())
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadUnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root reads files regardless of mode")
	}
	dir := t.TempDir()
	writeFile(t, dir, PostgresDSN, "postgres://mirror@localhost/refmirror")

	locked := filepath.Join(dir, RedisPassword)
	require.NoError(t, os.WriteFile(locked, []byte("hunter2"), 0o000))
	t.Cleanup(func() { os.Chmod(locked, 0o644) })

	got, err := Load(dir, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "postgres://mirror@localhost/refmirror", got[PostgresDSN])
	assert.NotContains(t, got, RedisPassword)
}

func TestResolve(t *testing.T) {
	s := Set{"ncbi-api-key": "from-dir"}

	assert.Equal(t, "explicit", s.Resolve("ncbi-api-key", "explicit"))
	assert.Equal(t, "from-dir", s.Resolve("ncbi-api-key", ""))
	assert.Equal(t, "", s.Resolve("missing", ""))
}

func TestNames(t *testing.T) {
	s := Set{"b": "2", "a": "1"}
	assert.Equal(t, []string{"a", "b"}, s.Names())
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}
