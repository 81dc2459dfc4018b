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
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type mockRoundTripper struct {
	fn func(req *http.Request) (*http.Response, error)
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.fn(req)
}

func newMockResponse(status int, body string, headers map[string]string) *http.Response {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     h,
	}
}

func newTestEngine(mockFn func(*http.Request) (*http.Response, error)) *RESTEngine {
	mockClient := &http.Client{
		Transport: &mockRoundTripper{fn: mockFn},
		Timeout:   5 * time.Second,
	}
	return NewRESTEngine("testtoken",
		WithHTTPClient(mockClient),
		WithRESTLogger(NewDefaultLogger(nil, LogLevelDebugLevel)),
		WithAPIBase("https://discord.test/api/v9"),
	)
}

func TestRequestSuccess(t *testing.T) {
	r := newTestEngine(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(200, `{"ok":true}`, map[string]string{
			"X-RateLimit-Remaining":   "10",
			"X-RateLimit-Reset-After": "1",
		}), nil
	})

	route := r.Route("GET", "/channels/{channel_id}/messages", map[string]string{"channel_id": "123"})
	resp, err := r.Request(context.Background(), "GET", route)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
}

// TestBucketSerialisation mirrors the end-to-end scenario of two concurrent
// requests to the same bucket: the second must not start sending before the
// first's response has been processed.
func TestBucketSerialisation(t *testing.T) {
	var firstStarted, firstDone, secondStarted int64

	r := newTestEngine(func(req *http.Request) (*http.Response, error) {
		if atomic.CompareAndSwapInt64(&firstStarted, 0, time.Now().UnixNano()) {
			time.Sleep(200 * time.Millisecond)
			atomic.StoreInt64(&firstDone, time.Now().UnixNano())
			return newMockResponse(200, `{}`, map[string]string{"X-RateLimit-Remaining": "5"}), nil
		}
		atomic.CompareAndSwapInt64(&secondStarted, 0, time.Now().UnixNano())
		return newMockResponse(200, `{}`, map[string]string{"X-RateLimit-Remaining": "5"}), nil
	})

	route := r.Route("POST", "/channels/{channel_id}/messages", map[string]string{"channel_id": "111"})

	done := make(chan struct{}, 2)
	go func() {
		r.Request(context.Background(), "POST", route)
		done <- struct{}{}
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		r.Request(context.Background(), "POST", route)
		done <- struct{}{}
	}()
	<-done
	<-done

	if secondStarted < firstDone {
		t.Fatalf("second request started (%d) before first finished (%d)", secondStarted, firstDone)
	}
}

// TestDeferredReleaseDelaysNextRequest mirrors the deferred-release scenario:
// a response with X-RateLimit-Remaining: 0 must block the next request to
// the same bucket until the advertised reset_after elapses.
func TestDeferredReleaseDelaysNextRequest(t *testing.T) {
	var calls int64
	r := newTestEngine(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt64(&calls, 1)
		return newMockResponse(200, `{}`, map[string]string{
			"X-RateLimit-Remaining":   "0",
			"X-RateLimit-Reset-After": "0.3",
		}), nil
	})

	route := r.Route("GET", "/gateway", nil)

	if _, err := r.Request(context.Background(), "GET", route); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if _, err := r.Request(context.Background(), "GET", route); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Fatalf("second request started after %v, expected to wait out the deferred release", elapsed)
	}
}

// TestConsecutiveDeferringResponsesDoNotDoubleUnlock mirrors a bucket that
// stays exhausted across two attempts in the same call: a 429 followed by a
// 2xx that still reports zero remaining. Both responses call lock.Defer, and
// each must be paired with its own attempt's Acquire or the second timer's
// eventual Unlock panics or corrupts an unrelated holder's lock state.
func TestConsecutiveDeferringResponsesDoNotDoubleUnlock(t *testing.T) {
	var calls int64
	r := newTestEngine(func(req *http.Request) (*http.Response, error) {
		n := atomic.AddInt64(&calls, 1)
		if n == 1 {
			return newMockResponse(429, `{"global":false,"retry_after":0.05}`, map[string]string{
				"Retry-After": "0.05",
			}), nil
		}
		return newMockResponse(200, `{}`, map[string]string{
			"X-RateLimit-Remaining":   "0",
			"X-RateLimit-Reset-After": "0.05",
		}), nil
	})

	route := r.Route("GET", "/gateway", nil)

	if _, err := r.Request(context.Background(), "GET", route); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 attempts (429 then 2xx), got %d", calls)
	}

	// Give both attempts' deferred timers a chance to fire. If Defer was ever
	// invoked twice against one held lock, the second Unlock would already
	// have panicked the test binary by now.
	time.Sleep(150 * time.Millisecond)

	start := time.Now()
	if _, err := r.Request(context.Background(), "GET", route); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("third request waited %v, expected the bucket to already be free", elapsed)
	}
}

// TestGlobalRateLimitBlocksOtherBuckets mirrors the global-gate scenario: a
// 429 with global=true on one bucket must block a concurrent request to a
// different bucket until retry_after elapses.
func TestGlobalRateLimitBlocksOtherBuckets(t *testing.T) {
	var aCalls int64
	r := newTestEngine(func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.Path, "/channels/111/") {
			if atomic.AddInt64(&aCalls, 1) == 1 {
				return newMockResponse(429, `{"global":true,"retry_after":0.4}`, map[string]string{
					"Retry-After": "0.4",
				}), nil
			}
			return newMockResponse(200, `{}`, nil), nil
		}
		return newMockResponse(200, `{}`, nil), nil
	})

	routeA := r.Route("GET", "/channels/{channel_id}/messages", map[string]string{"channel_id": "111"})
	routeB := r.Route("GET", "/channels/{channel_id}/messages", map[string]string{"channel_id": "222"})

	aStart := time.Now()
	go r.Request(context.Background(), "GET", routeA)

	time.Sleep(100 * time.Millisecond)

	bStart := time.Now()
	if _, err := r.Request(context.Background(), "GET", routeB); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(bStart)
	sinceA := time.Since(aStart)

	if sinceA < 400*time.Millisecond || elapsed < 250*time.Millisecond {
		t.Fatalf("request B crossed the network too early: elapsed since A started = %v, B's own wait = %v", sinceA, elapsed)
	}
}

// TestRetryOn5xxThenSuccess mirrors the scenario of two 503s followed by a
// 200, observing backoff of roughly 1s then 3s between attempts.
func TestRetryOn5xxThenSuccess(t *testing.T) {
	var attempts int32
	var timestamps []time.Time

	r := newTestEngine(func(req *http.Request) (*http.Response, error) {
		timestamps = append(timestamps, time.Now())
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return newMockResponse(503, "Service Unavailable", nil), nil
		}
		return newMockResponse(200, `{"ok":true}`, nil), nil
	})

	route := r.Route("GET", "/gateway", nil)
	resp, err := r.Request(context.Background(), "GET", route)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
	if gap := timestamps[1].Sub(timestamps[0]); gap < 900*time.Millisecond {
		t.Fatalf("first backoff = %v, want roughly 1s", gap)
	}
	if gap := timestamps[2].Sub(timestamps[1]); gap < 2900*time.Millisecond {
		t.Fatalf("second backoff = %v, want roughly 3s", gap)
	}
}

func TestExhaustedRetriesReturnsTypedError(t *testing.T) {
	r := newTestEngine(func(req *http.Request) (*http.Response, error) {
		return newMockResponse(503, "Service Unavailable", nil), nil
	})

	route := r.Route("GET", "/gateway", nil)
	_, err := r.Request(context.Background(), "GET", route)
	if !IsKind(err, KindServiceUnavailable) {
		t.Fatalf("expected a ServiceUnavailable HTTPError, got %v", err)
	}
}

func TestNonRetryableStatusFailsImmediately(t *testing.T) {
	var attempts int32
	r := newTestEngine(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&attempts, 1)
		return newMockResponse(404, `{"code":10003,"message":"Unknown Channel"}`, nil), nil
	})

	route := r.Route("GET", "/channels/{channel_id}", map[string]string{"channel_id": "404"})
	_, err := r.Request(context.Background(), "GET", route)
	if !IsKind(err, KindNotFound) {
		t.Fatalf("expected a NotFound HTTPError, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable status, got %d", attempts)
	}
}
