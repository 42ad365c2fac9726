// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package serving

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pdiddy/refmirror/internal/store"
)

var (
	errNoReconnect = errors.New("store does not support reconnection")
	errDegraded    = errors.New("serving from external API only")
)

// Start runs the health loop until ctx is done or Stop is called. The store
// is checked immediately and then every HealthInterval.
func (c *Connector) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.HealthInterval)
		defer ticker.Stop()

		c.CheckHealth(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.CheckHealth(ctx)
			}
		}
	}()
}

// Stop ends the health loop and waits for it and any ping in flight.
func (c *Connector) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// CheckHealth pings the store once. Every FailureThreshold consecutive
// failures it reconnects, and when reconnection is exhausted the connector
// degrades to external-only mode. A later successful ping restores
// database mode.
func (c *Connector) CheckHealth(ctx context.Context) error {
	err := c.ping(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}

	c.mu.Lock()
	failures := c.failures
	c.mu.Unlock()
	if failures%c.cfg.FailureThreshold != 0 {
		return err
	}

	if rerr := c.reconnect(ctx); rerr != nil {
		if ctx.Err() == nil {
			c.degrade(rerr)
		}
		return rerr
	}
	return nil
}

func (c *Connector) ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	err := c.store.Ping(pctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		c.markUnhealthy(err)
		return err
	}
	c.markHealthy()
	return nil
}

// reconnect rebuilds the store's connection pool with exponential backoff,
// making at most ReconnectAttempts attempts.
func (c *Connector) reconnect(ctx context.Context) error {
	rc, ok := c.store.(store.Reconnecter)
	if !ok {
		return errNoReconnect
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectBackoff
	b.MaxInterval = 30 * c.cfg.ReconnectBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.ReconnectAttempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		if err := rc.Reconnect(ctx); err != nil {
			return err
		}
		pctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
		defer cancel()
		return c.store.Ping(pctx)
	}, policy, func(err error, next time.Duration) {
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("next_in", next).Msg("store reconnect failed")
	})
	if err != nil {
		return err
	}

	c.log.Info().Int("attempts", attempt).Msg("store reconnected")
	c.markHealthy()
	return nil
}

func (c *Connector) markHealthy() {
	c.mu.Lock()
	restored := c.degraded
	c.healthy = true
	c.degraded = false
	c.failures = 0
	c.lastErr = nil
	c.checkedAt = c.now()
	c.mu.Unlock()

	if restored {
		c.log.Info().Msg("store healthy, database mode restored")
	}
	c.mon.StoreHealth(true, false)
}

func (c *Connector) markUnhealthy(err error) {
	c.mu.Lock()
	c.healthy = false
	c.failures++
	c.lastErr = err
	c.checkedAt = c.now()
	failures, degraded := c.failures, c.degraded
	c.mu.Unlock()

	c.log.Warn().Err(err).Int("consecutive_failures", failures).Msg("store unhealthy")
	c.mon.StoreHealth(false, degraded)
}

func (c *Connector) degrade(err error) {
	c.mu.Lock()
	already := c.degraded
	c.degraded = true
	c.lastErr = err
	c.mu.Unlock()

	if !already {
		c.log.Error().Err(err).Int("attempts", c.cfg.ReconnectAttempts).
			Msg("store reconnection exhausted, serving from external API only")
	}
	c.mon.StoreHealth(false, true)
}
