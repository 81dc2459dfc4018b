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
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
)

// wsOpenTimeout bounds the websocket handshake at 60 seconds regardless of
// the surrounding request's own timeout.
const wsOpenTimeout = 60 * time.Second

// OpenWebSocket dials url and returns the raw connection. It reuses the same
// User-Agent the REST engine sends but carries no Authorization header —
// the gateway authenticates in-band via the IDENTIFY frame, not the
// handshake. The connection places no cap on incoming message size and is
// left open (autoclose=false equivalent: callers own the close sequence).
func (r *RESTEngine) OpenWebSocket(ctx context.Context, url string) (net.Conn, error) {
	dialer := ws.Dialer{
		Timeout: wsOpenTimeout,
		Header:  ws.HandshakeHeaderHTTP(http.Header{"User-Agent": {r.userAgent}}),
	}

	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
