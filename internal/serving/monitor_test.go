// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package serving

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/pdiddy/refmirror/internal/mirrorerr"
	"github.com/pdiddy/refmirror/pkg/types"
)

func TestMonitor_SlowQuery(t *testing.T) {
	var buf bytes.Buffer
	m := NewMonitor(types.ServingConfig{SlowQueryThreshold: 100 * time.Millisecond}, nil, zerolog.New(&buf))

	m.Observe(Query{Op: "search", Entity: types.EntityArticle, Query: "zinc", SourceUsed: types.SourceDatabase, Duration: 20 * time.Millisecond})
	assert.Empty(t, buf.String())

	m.Observe(Query{Op: "search", Entity: types.EntityArticle, Query: "zinc", SourceUsed: types.SourceDatabase, Duration: 250 * time.Millisecond})
	assert.Contains(t, buf.String(), `"message":"slow query"`)
	assert.Contains(t, buf.String(), `"query":"zinc"`)
}

func TestMonitor_ErrorRateWindow(t *testing.T) {
	var buf bytes.Buffer
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := NewMonitor(types.ServingConfig{ErrorRateThreshold: 0.5, ErrorRateWindow: time.Minute}, clock, zerolog.New(&buf))

	down := Query{Op: "search", StoreErr: mirrorerr.ErrPoolExhausted, Condition: types.ConditionPoolExhausted}
	ok := Query{Op: "search", Condition: types.ConditionOK}

	for i := 0; i < 4; i++ {
		m.Observe(down)
	}
	assert.Empty(t, buf.String(), "too few samples to warn")

	m.Observe(down)
	assert.Equal(t, 1, strings.Count(buf.String(), "error rate above threshold"))

	m.Observe(down)
	assert.Equal(t, 1, strings.Count(buf.String(), "error rate above threshold"), "one warning per window")

	rate, n := m.ErrorRate()
	assert.Equal(t, 6, n)
	assert.Equal(t, 1.0, rate)

	now = now.Add(2 * time.Minute)
	for i := 0; i < 5; i++ {
		m.Observe(ok)
	}
	rate, n = m.ErrorRate()
	assert.Equal(t, 5, n, "old outcomes leave the window")
	assert.Zero(t, rate)
	assert.Equal(t, 1, strings.Count(buf.String(), "error rate above threshold"))
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "pool_exhausted", errorKind(Query{StoreErr: mirrorerr.ErrPoolExhausted}))
	assert.Equal(t, "store_unavailable", errorKind(Query{StoreErr: unavailableErr}))
	assert.Equal(t, "external", errorKind(Query{Fallback: reasonEmpty, Err: errors.New("502")}))
	assert.Equal(t, "other", errorKind(Query{Err: errors.New("syntax")}))
}
