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
	"encoding/json"
	"os"
	"runtime/debug"
	"strings"
	"sync"
)

// Synthetic event-name keys, always upper-case like every other key in the
// handler table. GATEWAY_SEND and GATEWAY_RECEIVE fire for every outbound
// and inbound frame respectively; "*" fires for both.
const (
	EventGatewaySend    = "GATEWAY_SEND"
	EventGatewayReceive = "GATEWAY_RECEIVE"
	EventAny            = "*"
)

type direction int

const (
	directionSend direction = iota
	directionReceive
)

func (d direction) eventName() string {
	if d == directionSend {
		return EventGatewaySend
	}
	return EventGatewayReceive
}

// EventHandler receives the shard a frame arrived on or is being sent from,
// and the frame's raw "d" payload.
type EventHandler func(shard *Shard, data json.RawMessage)

// dispatcher owns the event-name -> ordered-handlers table. Handler
// registration is expected to happen sequentially at startup, before Start
// is called; dispatch itself is safe for concurrent use from every shard's
// read loop.
type dispatcher struct {
	logger     Logger
	workerPool WorkerPool
	mu         sync.RWMutex
	handlers   map[string][]EventHandler
}

func newDispatcher(logger Logger, pool WorkerPool) *dispatcher {
	if logger == nil {
		logger = NewDefaultLogger(os.Stdout, LogLevelInfoLevel)
	}
	if pool == nil {
		pool = NewDefaultWorkerPool(logger)
	}
	return &dispatcher{
		logger:     logger,
		workerPool: pool,
		handlers:   make(map[string][]EventHandler, 32),
	}
}

// addListener registers handler under eventName, case-insensitively; keys
// are normalized to upper-case on storage.
func (d *dispatcher) addListener(eventName string, handler EventHandler) {
	key := strings.ToUpper(eventName)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[key] = append(d.handlers[key], handler)
}

// dispatch fans a frame out to its handlers in a fixed order: name-matched
// handlers, then direction-matched, then "*". Each handler runs as its own
// task so one slow or panicking handler cannot block another.
func (d *dispatcher) dispatch(shard *Shard, dir direction, eventName string, data json.RawMessage) {
	name := strings.ToUpper(eventName)

	d.mu.RLock()
	ordered := make([]EventHandler, 0, 4)
	if name != "" {
		ordered = append(ordered, d.handlers[name]...)
	}
	ordered = append(ordered, d.handlers[dir.eventName()]...)
	ordered = append(ordered, d.handlers[EventAny]...)
	d.mu.RUnlock()

	for _, h := range ordered {
		h := h
		if !d.workerPool.Submit(func() { d.invoke(h, shard, data, name) }) {
			d.logger.Warn("corvid: dropped handler dispatch for '" + name + "' due to full queue")
		}
	}
}

func (d *dispatcher) invoke(h EventHandler, shard *Shard, data json.RawMessage, name string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("event", name).
				WithField("panic", r).
				WithField("stack", string(debug.Stack())).
				Error("corvid: recovered from panic in event handler")
		}
	}()
	h(shard, data)
}
