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

import "strings"

// majorParamNames are the path parameters that participate in Discord's
// rate-limit bucket identity. Every other path parameter affects the URL
// but not the bucket.
var majorParamNames = [...]string{"channel_id", "guild_id", "webhook_id"}

// Route is an immutable (url, bucket) pair computed from a path template and
// its parameters.
//
// The bucket key is sensitive only to the unsubstituted template plus the
// three major parameters (channel/guild/webhook id); every other parameter
// affects URL only. Missing major parameters render as the empty string,
// never the literal text "None".
type Route struct {
	Method   string
	Template string
	URL      string
	Bucket   string
}

// NewRoute expands template against params to build a Route.
//
// template uses brace placeholders, e.g. "/channels/{channel_id}/messages".
// apiBase is the API origin (e.g. defaultAPIBase, or a test server URL).
func NewRoute(method, apiBase, template string, params map[string]string) Route {
	return Route{
		Method:   method,
		Template: template,
		URL:      apiBase + expand(template, params),
		Bucket:   template + ":" + bucketSuffix(params),
	}
}

// expand substitutes every {name} placeholder in template with params[name].
// A placeholder with no matching param is left untouched (a caller bug, not
// a condition this library silently papers over).
func expand(template string, params map[string]string) string {
	if len(params) == 0 {
		return template
	}

	var b strings.Builder
	b.Grow(len(template))

	for i := 0; i < len(template); {
		if template[i] != '{' {
			b.WriteByte(template[i])
			i++
			continue
		}

		end := strings.IndexByte(template[i:], '}')
		if end == -1 {
			b.WriteString(template[i:])
			break
		}
		end += i

		name := template[i+1 : end]
		if v, ok := params[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(template[i : end+1])
		}
		i = end + 1
	}

	return b.String()
}

// bucketSuffix renders the three major parameters as "channel/guild/webhook",
// with an empty segment standing in for an absent parameter.
func bucketSuffix(params map[string]string) string {
	parts := make([]string, len(majorParamNames))
	for i, name := range majorParamNames {
		parts[i] = params[name]
	}
	return strings.Join(parts, "/")
}
