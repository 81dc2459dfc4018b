/************************************************************************************
 *
 * corvid, a Go client-side core for the Discord bot gateway and REST API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package corvid

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// LeakyGate admits up to n concurrent permits inside a rolling window: each
// Acquire takes a permit immediately if one is free, and the permit is handed
// back automatically after window elapses rather than when the caller is
// done with it. This is the shape both the cross-shard IDENTIFY limiter
// (n = max_concurrency, window = 5s) and the per-shard outbound send limiter
// (n = 120, window = 60s) need.
type LeakyGate struct {
	sem    *semaphore.Weighted
	window time.Duration
}

// NewLeakyGate builds a gate with n permits that each refill window after
// being acquired.
func NewLeakyGate(n int64, window time.Duration) *LeakyGate {
	return &LeakyGate{
		sem:    semaphore.NewWeighted(n),
		window: window,
	}
}

// Acquire blocks until a permit is available or ctx is done. On success the
// permit is automatically released after the gate's window; the caller never
// releases it directly.
func (g *LeakyGate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	time.AfterFunc(g.window, func() { g.sem.Release(1) })
	return nil
}

// TryAcquire attempts to take a permit without blocking, returning false if
// none are free. On success the permit refills after the gate's window.
func (g *LeakyGate) TryAcquire() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	time.AfterFunc(g.window, func() { g.sem.Release(1) })
	return true
}
