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
)

// Intent is a Discord Gateway intent bitflag, sent on IDENTIFY to select
// which event categories the connection receives.
type Intent uint32

const (
	IntentGuilds                   Intent = 1 << 0
	IntentGuildMembers             Intent = 1 << 1
	IntentGuildModeration          Intent = 1 << 2
	IntentGuildExpressions         Intent = 1 << 3
	IntentGuildIntegrations        Intent = 1 << 4
	IntentGuildWebhooks            Intent = 1 << 5
	IntentGuildInvites             Intent = 1 << 6
	IntentGuildVoiceStates         Intent = 1 << 7
	IntentGuildPresences           Intent = 1 << 8
	IntentGuildMessages            Intent = 1 << 9
	IntentGuildMessageReactions    Intent = 1 << 10
	IntentGuildMessageTyping       Intent = 1 << 11
	IntentDirectMessages           Intent = 1 << 12
	IntentDirectMessageReactions   Intent = 1 << 13
	IntentDirectMessageTyping      Intent = 1 << 14
	IntentMessageContent           Intent = 1 << 15
	IntentGuildScheduledEvents     Intent = 1 << 16
	IntentAutoModerationConfig     Intent = 1 << 20
	IntentAutoModerationExecution  Intent = 1 << 21
	IntentGuildMessagePolls        Intent = 1 << 24
	IntentDirectMessagePolls       Intent = 1 << 25
)

// opcode is a Discord Gateway payload operation code.
type opcode int

const (
	opDispatch            opcode = 0
	opHeartbeat           opcode = 1
	opIdentify            opcode = 2
	opPresenceUpdate      opcode = 3
	opVoiceStateUpdate    opcode = 4
	opResume              opcode = 6
	opReconnect           opcode = 7
	opRequestGuildMembers opcode = 8
	opInvalidSession      opcode = 9
	opHello               opcode = 10
	opHeartbeatACK        opcode = 11
)

// closeCode is a Discord Gateway websocket close code.
type closeCode int

const (
	closeUnknownError         closeCode = 4000
	closeUnknownOpcode        closeCode = 4001
	closeDecodeError          closeCode = 4002
	closeNotAuthenticated     closeCode = 4003
	closeAuthenticationFailed closeCode = 4004
	closeAlreadyAuthenticated closeCode = 4005
	closeInvalidSeq           closeCode = 4007
	closeRateLimited          closeCode = 4008
	closeSessionTimedOut      closeCode = 4009
	closeInvalidShard         closeCode = 4010
	closeShardingRequired     closeCode = 4011
	closeInvalidAPIVersion    closeCode = 4012
	closeInvalidIntents       closeCode = 4013
	closeDisallowedIntents    closeCode = 4014
)

// isFatal reports whether code requires terminating the process rather than
// reconnecting.
func isFatal(code closeCode) bool {
	switch code {
	case closeAuthenticationFailed, closeInvalidAPIVersion, closeInvalidIntents, closeDisallowedIntents:
		return true
	default:
		return false
	}
}

// clearsSession reports whether code requires clearing session_id and the
// sequence number before reconnecting.
func clearsSession(code closeCode) bool {
	switch code {
	case closeInvalidSeq, closeRateLimited, closeSessionTimedOut:
		return true
	default:
		return false
	}
}

// gatewayFrame is the {op, d, s?, t?} envelope every Gateway message uses.
type gatewayFrame struct {
	Op opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// helloData is the payload of an op10 HELLO frame.
type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// readyData is the subset of an op0/READY dispatch this library tracks.
type readyData struct {
	SessionID string `json:"session_id"`
	ResumeURL string `json:"resume_gateway_url"`
}

// identifyProperties is the "properties" object of an IDENTIFY payload.
type identifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

// identifyPayload is the op2 IDENTIFY frame body.
type identifyPayload struct {
	Op opcode `json:"op"`
	D  struct {
		Token      string             `json:"token"`
		Properties identifyProperties `json:"properties"`
		Intents    Intent             `json:"intents"`
		Shard      [2]int             `json:"shard"`
	} `json:"d"`
}

// resumePayload is the op6 RESUME frame body.
type resumePayload struct {
	Op opcode `json:"op"`
	D  struct {
		Token     string `json:"token"`
		SessionID string `json:"session_id"`
		Seq       int64  `json:"seq"`
	} `json:"d"`
}

// heartbeatPayload is the op1 HEARTBEAT frame body.
type heartbeatPayload struct {
	Op opcode `json:"op"`
	D  *int64 `json:"d"`
}

// sessionStartLimit is the nested object in GatewayBot describing how many
// IDENTIFY operations remain and how concurrent they may be.
type sessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// GatewayBot is the decoded response of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit sessionStartLimit `json:"session_start_limit"`
}

// Gateway is the decoded response of GET /gateway.
type Gateway struct {
	URL string `json:"url"`
}
