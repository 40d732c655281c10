// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Client is how a worker or the adapter discovers the current
// controller leader and talks to its RPC surface: "on 503,
// they invalidate and re-read" with "backoff at least 100ms between
// attempts."
type Client struct {
	store       ConsensusStore
	minBackoff  time.Duration
	warnLimiter rate.Sometimes

	cached   *ControllerDescriptor
	cachedAt time.Time
}

// NewClient builds a leader-discovery client against store. minBackoff
// defaults to the 100ms floor if zero or smaller.
func NewClient(store ConsensusStore, minBackoff time.Duration) *Client {
	if minBackoff < 100*time.Millisecond {
		minBackoff = 100 * time.Millisecond
	}
	return &Client{
		store:      store,
		minBackoff: minBackoff,
		// Log at most once per second while repeatedly failing to find
		// a leader, so a retry storm doesn't flood the log.
		warnLimiter: rate.Sometimes{Interval: time.Second},
	}
}

// ErrNoLeader is returned when the consensus store's leader slot is
// currently empty.
var ErrNoLeader = fmt.Errorf("controller: no leader currently elected")

// Leader returns the cached descriptor if it was read within the last
// minBackoff, else re-reads the consensus store. Call Invalidate after
// a 503 to force a re-read sooner than the cache TTL would allow.
func (c *Client) Leader(ctx context.Context) (ControllerDescriptor, error) {
	if c.cached != nil && time.Since(c.cachedAt) < c.minBackoff {
		return *c.cached, nil
	}
	desc, ok, err := c.store.Current(ctx)
	if err != nil {
		return ControllerDescriptor{}, err
	}
	if !ok {
		c.warnLimiter.Do(func() { clog.Warnf("no controller leader found in consensus store") })
		return ControllerDescriptor{}, ErrNoLeader
	}
	c.cached = &desc
	c.cachedAt = time.Now()
	return desc, nil
}

// Invalidate drops the cached leader descriptor, forcing the next
// Leader call to re-read the store — the client-side half of "on 503,
// invalidate and re-read."
func (c *Client) Invalidate() {
	c.cached = nil
}

// RetryLeader calls fn with the current leader descriptor, retrying
// with the configured backoff whenever no leader can be read from the
// store or fn reports ErrNotLeader (the RPC-level analogue of an HTTP
// 503), until ctx is cancelled. Any other error from fn is returned.
func (c *Client) RetryLeader(ctx context.Context, fn func(ControllerDescriptor) error) error {
	for {
		desc, err := c.Leader(ctx)
		if err == nil {
			err = fn(desc)
			if err != nil && !errors.Is(err, ErrNotLeader) {
				return err
			}
		}
		if err == nil {
			return nil
		}
		c.Invalidate()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.minBackoff):
		}
	}
}
