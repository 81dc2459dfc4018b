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

// globalGate is a closable gate: open by default, Wait returns immediately;
// CloseFor(d) blocks every waiter until d elapses. It behaves like an event
// that starts set and is transiently cleared whenever Discord's global rate
// limit trips.
type globalGate struct {
	mu sync.Mutex
	ch chan struct{} // closed == open
}

func newGlobalGate() *globalGate {
	ch := make(chan struct{})
	close(ch)
	return &globalGate{ch: ch}
}

// Wait blocks until the gate is open.
func (g *globalGate) Wait() {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	<-ch
}

// CloseFor closes the gate and reopens it after d. Calling CloseFor again
// before the first reopen simply arms a second timer; the gate reopens as
// soon as any one of the armed timers fires.
func (g *globalGate) CloseFor(d time.Duration) {
	g.mu.Lock()
	select {
	case <-g.ch:
		// currently open: replace with a fresh, blocking channel.
		g.ch = make(chan struct{})
	default:
		// already closed: leave the existing blocking channel in place.
	}
	ch := g.ch
	g.mu.Unlock()

	time.AfterFunc(d, func() {
		g.mu.Lock()
		select {
		case <-ch:
			// already reopened by an earlier timer.
		default:
			close(ch)
		}
		g.mu.Unlock()
	})
}

// RateLimitManager owns the global rate-limit gate and the bucket-key →
// BucketLock map. The map grows monotonically; entries are created on first
// reference and never removed during normal operation.
type RateLimitManager struct {
	global  *globalGate
	buckets sync.Map // map[string]*BucketLock
}

func NewRateLimitManager() *RateLimitManager {
	return &RateLimitManager{global: newGlobalGate()}
}

// AcquireLock blocks until the global gate is open, then returns the
// BucketLock for key, constructing one on first use. Fairness among waiters
// within a bucket is best-effort, not FIFO.
func (m *RateLimitManager) AcquireLock(key string) *BucketLock {
	m.global.Wait()

	if v, ok := m.buckets.Load(key); ok {
		return v.(*BucketLock)
	}

	lock, _ := m.buckets.LoadOrStore(key, &BucketLock{})
	return lock.(*BucketLock)
}

// CloseGlobal closes the global gate for d seconds; see globalGate.CloseFor.
func (m *RateLimitManager) CloseGlobal(d time.Duration) {
	m.global.CloseFor(d)
}
