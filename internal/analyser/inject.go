// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package analyser

import "github.com/nishisan-dev/rproxy/internal/ichan"

// writeLocal commits a locally-generated response (100-continue, tarpit
// status line, a redirect) directly to a channel's output region: put into
// the input region then immediately advanced, since no parsing is needed
// for bytes this side generated itself.
func writeLocal(ch *ichan.Channel, data []byte) error {
	n, err := ch.Buffer().PutBlock(data)
	if err != nil {
		return err
	}
	ch.Buffer().Advance(n)
	return nil
}

// Respond writes a bodyless status response directly to ch's output
// region, for callers outside the analyser chain (the session driver's
// connect-failure path) that need the same local-answer plumbing without
// going through a Context.
func Respond(ch *ichan.Channel, status int) error {
	return writeLocal(ch, []byte(statusLine(status)+"Content-Length: 0\r\n\r\n"))
}
