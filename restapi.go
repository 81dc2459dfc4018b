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

import "context"

// FetchGateway calls GET /gateway, the unauthenticated endpoint the Gateway
// Engine no longer needs once it has a cached resume_gateway_url.
func (r *RESTEngine) FetchGateway(ctx context.Context) (*Gateway, error) {
	route := r.Route("GET", "/gateway", nil)
	resp, err := r.Request(ctx, "GET", route)
	if err != nil {
		return nil, err
	}
	var gw Gateway
	if err := resp.JSON(&gw); err != nil {
		return nil, err
	}
	return &gw, nil
}

// FetchGatewayBot calls GET /gateway/bot, which drives GatewayEngine startup:
// the recommended shard count and the IDENTIFY concurrency limit.
func (r *RESTEngine) FetchGatewayBot(ctx context.Context) (*GatewayBot, error) {
	route := r.Route("GET", "/gateway/bot", nil)
	resp, err := r.Request(ctx, "GET", route)
	if err != nil {
		return nil, err
	}
	var gb GatewayBot
	if err := resp.JSON(&gb); err != nil {
		return nil, err
	}
	return &gb, nil
}
