// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package mirrorerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", &TransientNetworkError{Op: "get", StatusCode: 503}, true},
		{"rate limited", &RateLimitedError{Op: "get"}, true},
		{"wrapped transient", fmt.Errorf("fetching: %w", &TransientNetworkError{Op: "get", Err: errors.New("reset")}), true},
		{"rejected", &RequestRejectedError{Op: "get", StatusCode: 404}, false},
		{"cancelled", fmt.Errorf("fetch: %w", context.Canceled), false},
		{"permanent", &PermanentUnitFailure{Source: "s", UnitID: "u", Attempts: 5}, false},
		{"unknown", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsRateLimited(t *testing.T) {
	d, ok := IsRateLimited(fmt.Errorf("x: %w", &RateLimitedError{Op: "get", RetryAfter: 3 * time.Second}))
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	_, ok = IsRateLimited(&TransientNetworkError{Op: "get"})
	assert.False(t, ok)
}

func TestIsStoreUnavailable(t *testing.T) {
	assert.True(t, IsStoreUnavailable(ErrPoolExhausted))
	assert.True(t, IsStoreUnavailable(fmt.Errorf("search: %w", &StoreUnavailableError{Backend: "sqlite", Err: errors.New("closed")})))
	assert.False(t, IsStoreUnavailable(errors.New("no rows")))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, `invalid nct_id "X1": malformed key`,
		(&ValidationError{Field: "nct_id", Reason: "malformed key", Value: "X1"}).Error())
	assert.Equal(t, "invalid title: required field missing",
		(&ValidationError{Field: "title", Reason: "required field missing"}).Error())
	assert.Contains(t, (&ContentConflictError{Entity: "article", Key: "1", Field: "title", Kept: "a", Rejected: "b"}).Error(),
		"conflicting title")
}
