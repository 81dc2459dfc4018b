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

const (
	LibName    = "corvid"
	LibVersion = "0.1.0"

	// apiVersion is the Discord API version this client is pinned to.
	apiVersion = "v9"

	// defaultAPIBase is the REST API base URL, overridable via WithAPIBase for testing.
	defaultAPIBase = "https://discord.com/api/" + apiVersion
)
