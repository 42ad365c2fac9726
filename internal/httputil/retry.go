// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package httputil provides HTTP helpers shared by the download and
// external-API paths.
package httputil

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/pdiddy/refmirror/internal/mirrorerr"
)

// RetryBaseDelay controls the base duration for exponential backoff on
// HTTP 429 and 5xx responses. Tests override this to avoid real sleeps.
var RetryBaseDelay = 2 * time.Second

// MaxRetryAfter caps a server-requested Retry-After delay.
var MaxRetryAfter = 5 * time.Minute

const defaultMaxRetries = 5

// DoWithRetry executes an HTTP request and retries on HTTP 429 (Too Many
// Requests) and 5xx responses with exponential backoff. The delay starts at
// RetryBaseDelay and doubles each attempt. A Retry-After header on a 429
// replaces the computed delay when it is longer.
//
// When maxRetries is 0 the default (5) is used; a negative value disables
// retries. Between attempts the response body is drained and closed. If the
// context is cancelled during a backoff wait the function returns
// ctx.Err(). After exhausting retries the last response is returned so the
// caller can inspect it; transport errors are returned as-is.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, maxRetries int) (*http.Response, error) {
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; ; attempt++ {
		resp, err := client.Do(req.Clone(ctx))
		if err != nil {
			return nil, err
		}

		if !retryableStatus(resp.StatusCode) || attempt >= maxRetries {
			return resp, nil
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		backoff := time.Duration(math.Pow(2, float64(attempt))) * RetryBaseDelay
		if resp.StatusCode == http.StatusTooManyRequests {
			if ra := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ra > backoff {
				backoff = ra
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// ParseRetryAfter reads a Retry-After header given either as seconds or an
// HTTP date. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = t.Sub(now)
	}
	if d < 0 {
		return 0
	}
	if d > MaxRetryAfter {
		return MaxRetryAfter
	}
	return d
}

// Classify maps the outcome of an HTTP exchange onto the mirror error
// taxonomy. It returns nil for 2xx responses. Context cancellation passes
// through unchanged so callers can tell it apart from a network fault.
func Classify(op string, resp *http.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return &mirrorerr.TransientNetworkError{Op: op, Err: err}
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &mirrorerr.RateLimitedError{
			Op:         op,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		return &mirrorerr.TransientNetworkError{Op: op, StatusCode: resp.StatusCode}
	default:
		return &mirrorerr.RequestRejectedError{Op: op, StatusCode: resp.StatusCode}
	}
}
