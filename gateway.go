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
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// GatewayEngine owns the shard fleet, the identify-concurrency gate, and the
// event-handler table.
type GatewayEngine struct {
	rest       *RESTEngine
	intents    Intent
	logger     Logger
	dispatcher *dispatcher

	shardIDs   []int
	shardCount int

	mu           sync.RWMutex
	shards       []*Shard
	identifyGate *LeakyGate

	onPanic func(code int)
}

// GatewayEngineOption configures a GatewayEngine at construction.
type GatewayEngineOption func(*GatewayEngine)

func WithIntents(intents Intent) GatewayEngineOption {
	return func(g *GatewayEngine) { g.intents = intents }
}

func WithShardIDs(ids []int) GatewayEngineOption {
	return func(g *GatewayEngine) { g.shardIDs = ids }
}

func WithShardCount(n int) GatewayEngineOption {
	return func(g *GatewayEngine) { g.shardCount = n }
}

func WithGatewayLogger(l Logger) GatewayEngineOption {
	return func(g *GatewayEngine) {
		g.logger = l
		g.dispatcher.logger = l
	}
}

func WithWorkerPool(p WorkerPool) GatewayEngineOption {
	return func(g *GatewayEngine) { g.dispatcher.workerPool = p }
}

// WithPanicHandler overrides the default os.Exit(code) fatal-close behavior;
// intended for tests that must observe a fatal close without killing the
// test process.
func WithPanicHandler(fn func(code int)) GatewayEngineOption {
	return func(g *GatewayEngine) { g.onPanic = fn }
}

// NewGatewayEngine builds a GatewayEngine bound to rest. Shard materialization
// and the identify gate are deferred to Start, since both depend on
// GET /gateway/bot.
func NewGatewayEngine(rest *RESTEngine, opts ...GatewayEngineOption) *GatewayEngine {
	logger := NewDefaultLogger(os.Stdout, LogLevelInfoLevel)
	g := &GatewayEngine{
		rest:       rest,
		logger:     logger,
		dispatcher: newDispatcher(logger, nil),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.onPanic == nil {
		g.onPanic = func(code int) { os.Exit(code) }
	}
	return g
}

// AddListener registers handler for eventName (case-insensitive). See
// EventGatewaySend, EventGatewayReceive and EventAny for the synthetic keys.
func (g *GatewayEngine) AddListener(eventName string, handler EventHandler) {
	g.dispatcher.addListener(eventName, handler)
}

func (g *GatewayEngine) dispatch(shard *Shard, dir direction, eventName string, data json.RawMessage) {
	g.dispatcher.dispatch(shard, dir, eventName, data)
}

func (g *GatewayEngine) panic(code int) {
	g.logger.Error(fmt.Sprintf("corvid: fatal gateway close code %d", code))
	g.onPanic(code)
}

// Shards returns the live shard set. Safe for concurrent use.
func (g *GatewayEngine) Shards() []*Shard {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Shard, len(g.shards))
	copy(out, g.shards)
	return out
}

// Start runs the startup protocol: fetch /gateway/bot, build the identify
// gate, materialize shards if none were pre-specified, then connect each
// shard under the identify gate. It blocks until every shard has started
// connecting.
func (g *GatewayEngine) Start(ctx context.Context) error {
	gb, err := g.rest.FetchGatewayBot(ctx)
	if err != nil {
		return err
	}

	if g.shardCount == 0 {
		g.shardCount = gb.Shards
	}
	if len(g.shardIDs) == 0 {
		g.shardIDs = make([]int, g.shardCount)
		for i := range g.shardIDs {
			g.shardIDs[i] = i
		}
	}

	maxConcurrency := gb.SessionStartLimit.MaxConcurrency
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	g.identifyGate = NewLeakyGate(int64(maxConcurrency), 5*time.Second)

	g.mu.Lock()
	g.shards = make([]*Shard, len(g.shardIDs))
	for i, id := range g.shardIDs {
		g.shards[i] = newShard(id, g.shardCount, g.intents, g.rest, g, g.logger)
	}
	shards := append([]*Shard(nil), g.shards...)
	g.mu.Unlock()

	for _, shard := range shards {
		if err := g.identifyGate.Acquire(ctx); err != nil {
			return err
		}
		if err := shard.Connect(ctx); err != nil {
			g.logger.Error(fmt.Sprintf("corvid: shard %d failed to connect: %v", shard.id, err))
		}
	}

	return nil
}

// Shutdown closes every shard's connection.
func (g *GatewayEngine) Shutdown() {
	for _, shard := range g.Shards() {
		shard.Close()
	}
}
