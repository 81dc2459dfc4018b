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

import "testing"

func TestIsFatalMatchesFatalCloseCodes(t *testing.T) {
	fatal := []closeCode{closeAuthenticationFailed, closeInvalidAPIVersion, closeInvalidIntents, closeDisallowedIntents}
	for _, c := range fatal {
		if !isFatal(c) {
			t.Errorf("isFatal(%d) = false, want true", c)
		}
	}

	notFatal := []closeCode{closeUnknownError, closeInvalidSeq, closeRateLimited, closeSessionTimedOut, 0}
	for _, c := range notFatal {
		if isFatal(c) {
			t.Errorf("isFatal(%d) = true, want false", c)
		}
	}
}

func TestClearsSessionMatchesSessionClearingCloseCodes(t *testing.T) {
	clearing := []closeCode{closeInvalidSeq, closeRateLimited, closeSessionTimedOut}
	for _, c := range clearing {
		if !clearsSession(c) {
			t.Errorf("clearsSession(%d) = false, want true", c)
		}
	}

	preserving := []closeCode{closeUnknownError, closeUnknownOpcode, closeDecodeError, closeInvalidShard, 0}
	for _, c := range preserving {
		if clearsSession(c) {
			t.Errorf("clearsSession(%d) = true, want false", c)
		}
	}
}

func TestFatalAndSessionClearingCodesAreDisjoint(t *testing.T) {
	all := []closeCode{
		closeUnknownError, closeUnknownOpcode, closeDecodeError, closeNotAuthenticated,
		closeAuthenticationFailed, closeAlreadyAuthenticated, closeInvalidSeq, closeRateLimited,
		closeSessionTimedOut, closeInvalidShard, closeShardingRequired, closeInvalidAPIVersion,
		closeInvalidIntents, closeDisallowedIntents,
	}
	for _, c := range all {
		if isFatal(c) && clearsSession(c) {
			t.Errorf("close code %d is classified as both fatal and session-clearing", c)
		}
	}
}
