// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package analyser

import (
	"bytes"

	"github.com/nishisan-dev/rproxy/internal/httpmsg"
)

// resolveConnMode computes the connection mode from the frontend/backend
// options and the request's observed version, before any backend response
// is known. ProcessReqCommon installs this; ProcessRespCommon may only
// downgrade KAL to SCL once the server's own Connection token is seen.
func resolveConnMode(req *httpmsg.Message, opts *Options) ConnMode {
	if opts.FrontendClose {
		return ModeCLO
	}
	if hasConnectionToken(req, "close") {
		return ModeCLO
	}
	if req.Flags()&httpmsg.Ver11 == 0 && !hasConnectionToken(req, "keep-alive") {
		// HTTP/1.0 defaults to close unless the client explicitly asked to
		// persist the connection.
		return ModeCLO
	}
	if opts.BackendForceConn {
		return ModeSCL
	}
	return ModeKAL
}

// downgradeFromResponse applies the response-side Connection: close
// override: a server that answers close always wins over a client that
// asked to persist.
func downgradeFromResponse(mode ConnMode, resp *httpmsg.Message) ConnMode {
	if mode == ModeTUN || mode == ModeCLO {
		return mode
	}
	if hasConnectionToken(resp, "close") {
		if mode == ModeKAL {
			return ModeSCL
		}
	}
	return mode
}

// hasConnectionToken reports whether any Connection header on m carries the
// given token (case-insensitive, comma-separated list).
func hasConnectionToken(m *httpmsg.Message, token string) bool {
	for _, h := range m.Headers {
		if !bytes.EqualFold(m.HeaderName(h), []byte("Connection")) {
			continue
		}
		for _, part := range bytes.Split(m.HeaderValue(h), []byte(",")) {
			if bytes.EqualFold(bytes.TrimSpace(part), []byte(token)) {
				return true
			}
		}
	}
	return false
}

// rewriteConnectionHeader replaces whatever close/keep-alive tokens a
// message's Connection header(s) carry with exactly one of the two,
// preserving any Upgrade token untouched. It operates on the header's text
// value and is applied by the caller via Buffer.Replace at the header's
// recorded offsets; this function only computes the replacement text.
func rewriteConnectionHeader(existing []byte, mode ConnMode) []byte {
	var kept [][]byte
	for _, part := range bytes.Split(existing, []byte(",")) {
		t := bytes.TrimSpace(part)
		if bytes.EqualFold(t, []byte("close")) || bytes.EqualFold(t, []byte("keep-alive")) {
			continue
		}
		if len(t) > 0 {
			kept = append(kept, t)
		}
	}
	switch mode {
	case ModeCLO, ModeSCL:
		kept = append([][]byte{[]byte("close")}, kept...)
	case ModeKAL:
		kept = append([][]byte{[]byte("keep-alive")}, kept...)
	}
	return bytes.Join(kept, []byte(", "))
}
