// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/pdiddy/refmirror/pkg/types"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestSetup_FiltersBelowLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: "warn", Output: buf})

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewLogger_TagsComponent(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	buf := &bytes.Buffer{}
	Setup(Config{Level: "info", Output: buf})

	logger := NewLogger("orchestrator")
	logger.Info().Msg("started")

	assert.Contains(t, buf.String(), `"component":"orchestrator"`)
}

func TestFromTypes(t *testing.T) {
	cfg := FromTypes(types.LoggingConfig{Level: "debug", Pretty: true})
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.Pretty)
	assert.NotNil(t, cfg.Output)
}
