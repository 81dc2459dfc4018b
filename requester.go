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
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

const (
	maxAttempts      = 3
	headerRetryAfter = "Retry-After"
	headerRemaining  = "X-RateLimit-Remaining"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerPrecision  = "X-RateLimit-Precision"
	headerReason     = "X-Audit-Log-Reason"
)

// ResponseFormat selects how RESTEngine.Request reads a successful body.
type ResponseFormat int

const (
	FormatJSON ResponseFormat = iota
	FormatBytes
	FormatText
	FormatNone
)

// File is a single multipart attachment. Reader must support Seek so the
// request can rewind it on retry.
type File struct {
	Name   string
	Reader io.ReadSeeker
}

// requestConfig collects the per-call options a RequestOption can set.
type requestConfig struct {
	jsonBody     any
	query        map[string]string
	files        []File
	auditReason  string
	format       ResponseFormat
}

// RequestOption configures a single RESTEngine.Request call.
type RequestOption func(*requestConfig)

func WithJSONBody(v any) RequestOption {
	return func(c *requestConfig) { c.jsonBody = v }
}

func WithQuery(q map[string]string) RequestOption {
	return func(c *requestConfig) { c.query = q }
}

func WithFiles(files ...File) RequestOption {
	return func(c *requestConfig) { c.files = files }
}

func WithAuditReason(reason string) RequestOption {
	return func(c *requestConfig) { c.auditReason = reason }
}

func WithResponseFormat(f ResponseFormat) RequestOption {
	return func(c *requestConfig) { c.format = f }
}

// Response is the result of a successful RESTEngine.Request call.
type Response struct {
	Status int
	Header http.Header
	Format ResponseFormat
	raw    []byte
}

func (r *Response) Bytes() []byte { return r.raw }
func (r *Response) Text() string  { return string(r.raw) }

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if len(r.raw) == 0 {
		return nil
	}
	return sonic.Unmarshal(r.raw, v)
}

// RESTEngine executes HTTP requests against Discord's API under bucket and
// global rate-limit gating.
type RESTEngine struct {
	client    *http.Client
	token     string // "Bot <token>", for the Authorization header
	rawToken  string // bare token, for gateway IDENTIFY/RESUME payloads
	apiBase   string
	userAgent string
	logger    Logger
	limits    *RateLimitManager
}

// Token returns the bare bot token for use in gateway IDENTIFY/RESUME
// payloads. The Gateway Engine reads it from here rather than keeping its
// own copy, so there is exactly one place a token can go stale.
func (r *RESTEngine) Token() string { return r.rawToken }

// RESTEngineOption configures a RESTEngine at construction.
type RESTEngineOption func(*RESTEngine)

func WithHTTPClient(c *http.Client) RESTEngineOption {
	return func(r *RESTEngine) { r.client = c }
}

func WithAPIBase(base string) RESTEngineOption {
	return func(r *RESTEngine) { r.apiBase = base }
}

func WithRESTLogger(l Logger) RESTEngineOption {
	return func(r *RESTEngine) { r.logger = l }
}

// NewRESTEngine builds a RESTEngine authenticated with token.
func NewRESTEngine(token string, opts ...RESTEngineOption) *RESTEngine {
	r := &RESTEngine{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          500,
				MaxIdleConnsPerHost:   100,
				MaxConnsPerHost:       200,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
		token:     "Bot " + token,
		rawToken:  token,
		apiBase:   defaultAPIBase,
		userAgent: "DiscordBot (" + LibName + ", " + LibVersion + ")",
		logger:    NewDefaultLogger(nil, LogLevelInfoLevel),
		limits:    NewRateLimitManager(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Shutdown closes idle connections on the underlying HTTP client.
func (r *RESTEngine) Shutdown() {
	if tr, ok := r.client.Transport.(interface{ CloseIdleConnections() }); ok {
		tr.CloseIdleConnections()
	}
}

// Route builds a Route against this engine's configured API base.
func (r *RESTEngine) Route(method, template string, params map[string]string) Route {
	return NewRoute(method, r.apiBase, template, params)
}

// rateLimitBody429 is the body Discord sends with a 429 response.
type rateLimitBody429 struct {
	Global     bool    `json:"global"`
	RetryAfter float64 `json:"retry_after"`
}

// attemptResult carries what one pass through Request's retry loop learned:
// either a final Response, a final error, or enough of the failed response
// to retry with (and to report if the retry budget runs out).
type attemptResult struct {
	response *Response
	done     bool
	lastResp *http.Response
	lastBody []byte
}

// Request executes one logical call to route, retrying transient failures
// and honoring bucket/global rate-limit state.
//
// The bucket lock is re-acquired fresh at the top of every attempt rather
// than held once across the whole call: Defer must never be called more
// than once within a single held scope, and a single call can see several
// Defer-triggering responses in a row (two consecutive 429s, or a 429
// followed by a 2xx that exhausts the bucket). Giving each attempt its own
// acquire/defer scope keeps every Defer call paired with a lock acquired in
// that same attempt, mirroring a fresh "with bucket:" per try rather than
// one held for the whole request.
func (r *RESTEngine) Request(ctx context.Context, method string, route Route, opts ...RequestOption) (*Response, error) {
	cfg := requestConfig{format: FormatJSON}
	for _, opt := range opts {
		opt(&cfg)
	}

	lock := r.limits.AcquireLock(route.Bucket)

	var lastResp *http.Response
	var lastBody []byte

	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := r.doAttempt(ctx, method, route, &cfg, lock, attempt)
		if err != nil {
			return nil, err
		}
		if result.done {
			return result.response, nil
		}
		lastResp, lastBody = result.lastResp, result.lastBody
	}

	if lastResp != nil {
		return nil, newHTTPErrorFromResponse(lastResp, route.Bucket, lastBody)
	}
	return nil, fmt.Errorf("corvid: exhausted retries for %s %s", method, route.URL)
}

// doAttempt runs one attempt under its own freshly acquired BucketLock
// scope: wait on the global gate, acquire the bucket, send the request, and
// classify the response. The lock is released at the end of the scope
// unless the response triggers Defer, in which case the scheduled timer
// owns the eventual release instead.
func (r *RESTEngine) doAttempt(ctx context.Context, method string, route Route, cfg *requestConfig, lock *BucketLock, attempt int) (attemptResult, error) {
	r.limits.global.Wait()

	release := lock.Acquire()
	deferred := false
	defer func() {
		if !deferred {
			release()
		}
	}()

	req, err := r.buildRequest(ctx, method, route, cfg)
	if err != nil {
		return attemptResult{}, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn(fmt.Sprintf("corvid: request error for %s %s: %v", method, route.URL, err))
		time.Sleep(backoffFor(attempt))
		return attemptResult{}, nil
	}

	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return attemptResult{}, readErr
	}

	resetAfter := parseFloatHeader(resp.Header.Get(headerResetAfter), 0)
	remaining := parseIntHeader(resp.Header.Get(headerRemaining), 1)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if remaining == 0 {
			lock.Defer(durationFromSeconds(resetAfter))
			deferred = true
		}
		return attemptResult{response: r.decodeSuccess(resp, body, cfg.format), done: true}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseFloatHeader(resp.Header.Get(headerRetryAfter), 1)
		var rl rateLimitBody429
		if sonic.Unmarshal(body, &rl) == nil {
			if rl.RetryAfter > 0 {
				retryAfter = rl.RetryAfter
			}
		} else {
			// a 429 whose body isn't Discord's JSON shape (a Cloudflare edge
			// block, typically) is treated as a brief global stall rather
			// than surfacing a decode error.
			rl.Global = true
			retryAfter = 1
		}

		wait := durationFromSeconds(retryAfter)
		if rl.Global {
			r.limits.CloseGlobal(wait)
		} else {
			lock.Defer(wait)
			deferred = true
		}

		r.logger.Debug(fmt.Sprintf("corvid: 429 on %s, retrying after %v (global=%v)", route.Bucket, wait, rl.Global))
		time.Sleep(wait)
		return attemptResult{lastResp: resp, lastBody: body}, nil

	case isRetryableServerError(resp.StatusCode):
		r.logger.Warn(fmt.Sprintf("corvid: %d on %s %s, retrying", resp.StatusCode, method, route.URL))
		time.Sleep(backoffFor(attempt))
		return attemptResult{lastResp: resp, lastBody: body}, nil

	default:
		return attemptResult{}, newHTTPErrorFromResponse(resp, route.Bucket, body)
	}
}

func (r *RESTEngine) decodeSuccess(resp *http.Response, body []byte, format ResponseFormat) *Response {
	out := &Response{Status: resp.StatusCode, Header: resp.Header, Format: format}
	if format != FormatNone {
		out.raw = body
	}
	return out
}

func backoffFor(attempt int) time.Duration {
	return time.Duration(1+attempt*2) * time.Second
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func parseFloatHeader(v string, def float64) float64 {
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func parseIntHeader(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func isRetryableServerError(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func newHTTPErrorFromResponse(resp *http.Response, route string, body []byte) *HTTPError {
	var decoded *DiscordErrorBody
	var probe DiscordErrorBody
	if sonic.Unmarshal(body, &probe) == nil && (probe.Code != 0 || probe.Message != "") {
		decoded = &probe
	}
	return newHTTPError(resp.StatusCode, route, body, decoded)
}

// buildRequest assembles the *http.Request for one attempt. Files are
// rewound to their start so a retry re-reads them from the beginning.
func (r *RESTEngine) buildRequest(ctx context.Context, method string, route Route, cfg *requestConfig) (*http.Request, error) {
	reqURL := route.URL
	if len(cfg.query) > 0 {
		q := url.Values{}
		for k, v := range cfg.query {
			q.Set(k, v)
		}
		reqURL += "?" + q.Encode()
	}

	var body io.Reader
	var contentType string

	switch {
	case len(cfg.files) > 0:
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)

		if cfg.jsonBody != nil {
			encoded, err := sonic.Marshal(cfg.jsonBody)
			if err != nil {
				return nil, err
			}
			part, err := mw.CreatePart(multipartHeader("payload_json", "", "application/json"))
			if err != nil {
				return nil, err
			}
			if _, err := part.Write(encoded); err != nil {
				return nil, err
			}
		}

		for _, f := range cfg.files {
			if _, err := f.Reader.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}
			part, err := mw.CreateFormFile("file_"+f.Name, f.Name)
			if err != nil {
				return nil, err
			}
			if _, err := io.Copy(part, f.Reader); err != nil {
				return nil, err
			}
		}

		if err := mw.Close(); err != nil {
			return nil, err
		}
		body = buf
		contentType = mw.FormDataContentType()

	case cfg.jsonBody != nil:
		encoded, err := sonic.Marshal(cfg.jsonBody)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", r.token)
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerPrecision, "millisecond")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if cfg.auditReason != "" {
		req.Header.Set(headerReason, cfg.auditReason)
	}

	return req, nil
}

func multipartHeader(field, filename, contentType string) textproto.MIMEHeader {
	h := textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name=%q`, field)},
	}
	if filename != "" {
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return h
}
