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
	"sync"
	"time"
)

// BucketLock is a per-bucket mutual-exclusion primitive with deferred
// release. At most one request per bucket is ever in flight. When a
// response shows the bucket has no remaining capacity, the holder calls
// Defer to push the release into the future instead of releasing
// immediately, turning a prospective 429 into local waiting.
type BucketLock struct {
	mu        sync.Mutex
	deferring bool
}

// Acquire blocks until the lock is held and returns a release func. The
// release func must be called exactly once; if Defer was called during the
// held region, the release func is a no-op (the real release happens later,
// on the scheduled timer).
func (b *BucketLock) Acquire() func() {
	b.mu.Lock()
	return func() {
		if !b.deferring {
			b.mu.Unlock()
		}
	}
}

// Defer arms a timer that releases the lock after the given duration instead
// of at the end of the current Acquire scope. Calling Defer more than once
// within a single held scope is undefined behavior — callers must not.
func (b *BucketLock) Defer(after time.Duration) {
	b.deferring = true
	time.AfterFunc(after, b.releaseDeferred)
}

func (b *BucketLock) releaseDeferred() {
	b.deferring = false
	b.mu.Unlock()
}
