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
	"log"
	"net/http"
	"os"
	"strings"
)

// Client glues a RESTEngine and a GatewayEngine together behind one bot
// token and one Logger. Construct it with New and its With* options, then
// call Start.
type Client struct {
	*RESTEngine
	*GatewayEngine

	token      string
	httpClient *http.Client
	apiBase    string
	intents    Intent
	shardIDs   []int
	shardCount int
	workerPool WorkerPool
	logger     Logger
}

// clientOption configures a Client during New.
type clientOption func(*Client)

// WithToken sets the bot token. Accepts a token with or without the "Bot "
// prefix goda's copy required — the prefix is applied once, internally.
func WithToken(token string) clientOption {
	if token == "" {
		log.Fatal("corvid: WithToken: token must not be empty")
	}
	token = strings.TrimPrefix(token, "Bot ")
	return func(c *Client) { c.token = token }
}

// WithLogger sets the Logger shared by the REST and Gateway engines.
func WithLogger(logger Logger) clientOption {
	if logger == nil {
		log.Fatal("corvid: WithLogger: logger must not be nil")
	}
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClientOption overrides the REST engine's *http.Client.
func WithHTTPClientOption(hc *http.Client) clientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIBaseOption overrides the REST API base URL; intended for tests.
func WithAPIBaseOption(base string) clientOption {
	return func(c *Client) { c.apiBase = base }
}

// WithClientIntents sets the Gateway intents every shard identifies with.
func WithClientIntents(intents ...Intent) clientOption {
	var total Intent
	for _, i := range intents {
		total |= i
	}
	return func(c *Client) { c.intents = total }
}

// WithClientShardIDs pins the client to an explicit shard-id list instead of
// the range [0, recommended) that GET /gateway/bot suggests.
func WithClientShardIDs(ids ...int) clientOption {
	return func(c *Client) { c.shardIDs = ids }
}

// WithClientShardCount pins the shard count instead of using the value
// GET /gateway/bot recommends.
func WithClientShardCount(n int) clientOption {
	return func(c *Client) { c.shardCount = n }
}

// WithClientWorkerPool overrides the worker pool event handlers run on.
func WithClientWorkerPool(pool WorkerPool) clientOption {
	if pool == nil {
		log.Fatal("corvid: WithClientWorkerPool: pool must not be nil")
	}
	return func(c *Client) { c.workerPool = pool }
}

// New builds a Client from options. WithToken is required.
func New(options ...clientOption) *Client {
	c := &Client{
		logger:  NewDefaultLogger(os.Stdout, LogLevelInfoLevel),
		intents: IntentGuilds | IntentGuildMessages | IntentGuildMembers,
	}
	for _, opt := range options {
		opt(c)
	}

	restOpts := []RESTEngineOption{WithRESTLogger(c.logger)}
	if c.httpClient != nil {
		restOpts = append(restOpts, WithHTTPClient(c.httpClient))
	}
	if c.apiBase != "" {
		restOpts = append(restOpts, WithAPIBase(c.apiBase))
	}
	c.RESTEngine = NewRESTEngine(c.token, restOpts...)

	gwOpts := []GatewayEngineOption{
		WithIntents(c.intents),
		WithGatewayLogger(c.logger),
	}
	if len(c.shardIDs) > 0 {
		gwOpts = append(gwOpts, WithShardIDs(c.shardIDs))
	}
	if c.shardCount > 0 {
		gwOpts = append(gwOpts, WithShardCount(c.shardCount))
	}
	if c.workerPool != nil {
		gwOpts = append(gwOpts, WithWorkerPool(c.workerPool))
	}
	c.GatewayEngine = NewGatewayEngine(c.RESTEngine, gwOpts...)

	return c
}

// Start runs the Gateway Engine's startup protocol and blocks until ctx is
// done, then shuts the client down gracefully.
func (c *Client) Start(ctx context.Context) error {
	if c.token == "" {
		return ErrNoToken
	}
	if err := c.GatewayEngine.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	c.logger.Info("corvid: client shutting down")
	c.Shutdown()
	return nil
}

// Shutdown closes every shard and the REST engine's idle connections.
// Idempotent.
func (c *Client) Shutdown() {
	c.GatewayEngine.Shutdown()
	c.RESTEngine.Shutdown()
}
