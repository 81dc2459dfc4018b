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
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ShardState is one node of the Shard connection lifecycle: a shard moves
// forward through Disconnected, Connecting, HelloPending, Identifying or
// Resuming, Operational, and Closing as the handshake progresses.
type ShardState int

const (
	ShardDisconnected ShardState = iota
	ShardConnecting
	ShardHelloPending
	ShardIdentifying
	ShardResuming
	ShardOperational
	ShardClosing
)

func (s ShardState) String() string {
	switch s {
	case ShardDisconnected:
		return "disconnected"
	case ShardConnecting:
		return "connecting"
	case ShardHelloPending:
		return "hello-pending"
	case ShardIdentifying:
		return "identifying"
	case ShardResuming:
		return "resuming"
	case ShardOperational:
		return "operational"
	case ShardClosing:
		return "closing"
	default:
		return "unknown"
	}
}

const defaultGatewayURL = "wss://gateway.discord.gg/?v=9&encoding=json"

// Shard owns one websocket connection to the Discord Gateway: its own
// sequence number, session id, heartbeat pacemaker, and outbound send gate.
// A Shard never shares mutable state with another Shard.
type Shard struct {
	id         int
	shardCount int
	intents    Intent
	engine     *GatewayEngine
	rest       *RESTEngine
	logger     Logger
	sendGate   *LeakyGate

	mu        sync.Mutex
	state     ShardState
	conn      net.Conn
	seq       int64
	sessionID string
	resumeURL string

	awaitingAck     bool
	lastHeartbeatAt int64 // monotonic ns, via runtime_link.go
	latencyMs       int64

	pacemakerCancel context.CancelFunc
}

func newShard(id, shardCount int, intents Intent, rest *RESTEngine, engine *GatewayEngine, logger Logger) *Shard {
	return &Shard{
		id:         id,
		shardCount: shardCount,
		intents:    intents,
		engine:     engine,
		rest:       rest,
		logger:     logger,
		sendGate:   NewLeakyGate(120, 60*time.Second),
		state:      ShardDisconnected,
	}
}

// String renders the shard as Shard(id, seq).
func (s *Shard) String() string {
	return fmt.Sprintf("Shard(%d, %d)", s.id, s.Seq())
}

// Latency returns the most recent heartbeat round-trip in milliseconds.
func (s *Shard) Latency() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyMs
}

// Seq returns the shard's current sequence number.
func (s *Shard) Seq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Shard) setState(st ShardState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Connect dials the gateway (resuming the cached URL if one is known, else
// the URL GET /gateway returns) and starts the read loop. It blocks until the
// websocket handshake completes.
func (s *Shard) Connect(ctx context.Context) error {
	s.setState(ShardConnecting)

	s.mu.Lock()
	url := s.resumeURL
	s.mu.Unlock()
	if url == "" {
		gw, err := s.rest.FetchGateway(ctx)
		if err != nil {
			s.setState(ShardDisconnected)
			return err
		}
		url = defaultGatewayURL
		if gw.URL != "" {
			url = gw.URL + "/?v=9&encoding=json"
		}
	}

	conn, err := s.rest.OpenWebSocket(ctx, url)
	if err != nil {
		s.setState(ShardDisconnected)
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.setState(ShardHelloPending)
	s.logger.Info(fmt.Sprintf("corvid: %s connected", s))

	go s.readLoop()
	return nil
}

// readLoop drives inbound frame handling for the life of one connection.
func (s *Shard) readLoop() {
	for {
		msg, op, err := wsutil.ReadServerData(s.conn)
		if err != nil {
			s.handleClose(err)
			return
		}
		if op != ws.OpText {
			continue
		}

		var frame gatewayFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			s.logger.Error(fmt.Sprintf("corvid: %s malformed frame: %v", s, err))
			continue
		}

		s.engine.dispatch(s, directionReceive, frame.T, frame.D)

		if frame.S != 0 {
			s.mu.Lock()
			if frame.S > s.seq {
				s.seq = frame.S
			}
			s.mu.Unlock()
		}

		switch frame.Op {
		case opDispatch:
			if frame.T == "READY" {
				var ready readyData
				json.Unmarshal(frame.D, &ready)
				s.mu.Lock()
				s.sessionID = ready.SessionID
				s.resumeURL = ready.ResumeURL
				s.mu.Unlock()
				s.setState(ShardOperational)
				s.logger.Debug(fmt.Sprintf("corvid: %s session established", s))
			}

		case opHello:
			var hello helloData
			json.Unmarshal(frame.D, &hello)
			interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
			s.startPacemaker(interval)

			s.mu.Lock()
			canResume := s.sessionID != "" && s.seq > 0
			s.mu.Unlock()

			if canResume {
				s.setState(ShardResuming)
				s.sendResume()
			} else {
				s.setState(ShardIdentifying)
				s.sendIdentify()
			}

		case opHeartbeatACK:
			s.mu.Lock()
			s.awaitingAck = false
			s.latencyMs = MonotonicSinceMs(s.lastHeartbeatAt)
			s.mu.Unlock()

		case opHeartbeat:
			s.sendHeartbeat()

		case opReconnect:
			s.logger.Info(fmt.Sprintf("corvid: %s received RECONNECT", s))
			s.closeAndReconnect(true)

		case opInvalidSession:
			time.Sleep(time.Second)
			s.mu.Lock()
			s.sessionID = ""
			s.seq = 0
			s.mu.Unlock()
			s.closeAndReconnect(false)
		}
	}
}

// handleClose runs the close-code policy table after the read loop exits on
// its own (network error or server close). After a local Close it only marks
// the shard disconnected and does not reconnect.
func (s *Shard) handleClose(err error) {
	s.logger.Warn(fmt.Sprintf("corvid: %s read loop ended: %v", s, err))

	s.mu.Lock()
	closing := s.state == ShardClosing
	s.mu.Unlock()
	if closing {
		s.setState(ShardDisconnected)
		return
	}

	code := closeCode(0)
	if ce, ok := err.(wsutil.ClosedError); ok {
		code = closeCode(ce.Code)
	}

	if isFatal(code) {
		s.logger.Error(fmt.Sprintf("corvid: %s fatal close code %d", s, code))
		s.engine.panic(int(code))
		return
	}

	preserveSession := !clearsSession(code)
	if !preserveSession {
		s.mu.Lock()
		s.sessionID = ""
		s.seq = 0
		s.mu.Unlock()
		if code == closeRateLimited {
			s.mu.Lock()
			s.resumeURL = ""
			s.mu.Unlock()
		}
	}

	s.reconnect()
}

// closeAndReconnect closes the live connection and reconnects, optionally
// preserving the session for a RESUME.
func (s *Shard) closeAndReconnect(preserveSession bool) {
	s.mu.Lock()
	if !preserveSession {
		s.sessionID = ""
		s.seq = 0
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// reconnect retries Connect with exponential backoff, capped at 1 minute.
func (s *Shard) reconnect() {
	s.setState(ShardConnecting)
	backoff := time.Second
	for {
		time.Sleep(backoff)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		s.logger.Error(fmt.Sprintf("corvid: %s reconnect failed: %v", s, err))
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func (s *Shard) startPacemaker(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.pacemakerCancel != nil {
		s.pacemakerCancel()
	}
	s.pacemakerCancel = cancel
	s.mu.Unlock()

	go s.pacemaker(ctx, interval)
}

// pacemaker ticks at interval, closing the connection when the previous
// heartbeat went unacknowledged.
func (s *Shard) pacemaker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			missed := s.awaitingAck
			s.mu.Unlock()

			if missed {
				s.logger.Error(fmt.Sprintf("corvid: %s heartbeat not acked, closing", s))
				s.mu.Lock()
				conn := s.conn
				s.mu.Unlock()
				if conn != nil {
					conn.Close()
				}
				return
			}

			s.mu.Lock()
			s.awaitingAck = true
			s.lastHeartbeatAt = MonotonicNow()
			s.mu.Unlock()

			if err := s.sendHeartbeat(); err != nil {
				s.logger.Error(fmt.Sprintf("corvid: %s heartbeat send error: %v", s, err))
				return
			}
		}
	}
}

// send serializes one outbound frame through the shard's send gate and the
// GATEWAY_SEND synthetic dispatch, then writes it to the wire.
func (s *Shard) send(payload any) error {
	_ = s.sendGate.Acquire(context.Background())

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.engine.dispatch(s, directionSend, "", data)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("corvid: %s has no live connection", s)
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

func (s *Shard) sendIdentify() error {
	var p identifyPayload
	p.Op = opIdentify
	p.D.Token = s.rest.Token()
	p.D.Properties = identifyProperties{OS: "linux", Browser: LibName, Device: LibName}
	p.D.Intents = s.intents
	p.D.Shard = [2]int{s.id, s.shardCount}
	return s.send(p)
}

func (s *Shard) sendResume() error {
	s.mu.Lock()
	sessionID, seq := s.sessionID, s.seq
	s.mu.Unlock()

	var p resumePayload
	p.Op = opResume
	p.D.Token = s.rest.Token()
	p.D.SessionID = sessionID
	p.D.Seq = seq
	return s.send(p)
}

func (s *Shard) sendHeartbeat() error {
	seq := s.Seq()
	var p heartbeatPayload
	p.Op = opHeartbeat
	if seq != 0 {
		p.D = &seq
	}
	return s.send(p)
}

// Close gracefully cancels the pacemaker and closes the websocket, if open.
// Idempotent.
func (s *Shard) Close() error {
	s.setState(ShardClosing)

	s.mu.Lock()
	if s.pacemakerCancel != nil {
		s.pacemakerCancel()
		s.pacemakerCancel = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
