// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"io"
	"net"
	"time"

	"github.com/nishisan-dev/rproxy/internal/ichan"
)

// pumpRead attempts a non-blocking read from conn into ch's input region:
// a zero read deadline makes the read return immediately with a timeout
// error when nothing is available yet, which is how a single-threaded
// cooperative task polls a socket without parking on it.
func pumpRead(conn net.Conn, ch *ichan.Channel) int {
	if conn == nil || !ch.AutoRead() || ch.Has(ichan.ShutR) {
		return 0
	}
	free := ch.Buffer().Free()
	if free <= 0 {
		return 0
	}
	conn.SetReadDeadline(time.Now())
	tmp := make([]byte, free)
	n, err := conn.Read(tmp)
	if n > 0 {
		if _, putErr := ch.Buffer().PutBlock(tmp[:n]); putErr != nil {
			ch.Set(ichan.ReadError)
		}
		BytesTotal.WithLabelValues("in").Add(float64(n))
	}
	if err == nil {
		return n
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return n
	}
	if err == io.EOF {
		ch.Set(ichan.ReadNull)
		ch.Set(ichan.ShutR)
		return n
	}
	ch.Set(ichan.ReadError)
	ch.Set(ichan.ShutR)
	return n
}

// pumpWrite flushes as much of ch's output region as conn accepts without
// blocking past a short deadline.
func pumpWrite(conn net.Conn, ch *ichan.Channel) int {
	if conn == nil {
		return 0
	}
	n := ch.Buffer().OutputLen()
	if n == 0 {
		return 0
	}
	first, second := ch.Buffer().GetBlockNC(n)
	conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
	written := 0
	if len(first) > 0 {
		w, err := conn.Write(first)
		written += w
		if err != nil {
			ch.Buffer().Skip(written)
			ch.Set(ichan.WriteError)
			return written
		}
	}
	if len(second) > 0 {
		w, err := conn.Write(second)
		written += w
		if err != nil {
			ch.Buffer().Skip(written)
			ch.Set(ichan.WriteError)
			return written
		}
	}
	ch.Buffer().Skip(written)
	BytesTotal.WithLabelValues("out").Add(float64(written))

	if ch.Has(ichan.ShutWNow) && ch.Buffer().OutputLen() == 0 {
		ch.Set(ichan.ShutW)
	}
	return written
}
