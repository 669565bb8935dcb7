// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package httpmsg

import (
	"bytes"
	"errors"
	"strconv"
)

// ErrSmuggling is returned when a Transfer-Encoding header is present and
// chunked is not its final encoding, whether or not Content-Length is also
// present: HAProxy-style request smuggling defence per RFC 7230 §3.3.3.
var ErrSmuggling = errors.New("httpmsg: chunked transfer-encoding not last")

// ErrMultipleContentLength is returned when more than one Content-Length
// header disagrees, or a single one fails to parse.
var ErrMultipleContentLength = errors.New("httpmsg: invalid or conflicting Content-Length")

// Tunnel, EmptyBody, Chunked, LengthBody and ReadToClose are the outcomes
// of transfer-length resolution, in the precedence order §4.6 specifies.
type TransferMode int

const (
	ModeUnknown TransferMode = iota
	ModeTunnel
	ModeEmptyBody
	ModeChunked
	ModeLengthBody
	ModeReadToClose
)

// RequestMeta carries the request-side facts a response's transfer-length
// resolution needs (method and whether it was a successful CONNECT).
type RequestMeta struct {
	Method        string
	ConnectTunnel bool // CONNECT request answered 2xx, or response is 101
}

// resolveTransferLength applies the request-side precedence table from
// headers already indexed in m.Headers, setting BodyLen/flags and an
// error for any condition that must produce 400 (request).
func (m *Message) resolveTransferLength() error {
	te, teOK := m.lastHeader("Transfer-Encoding")
	cl, clAll := m.allHeaders("Content-Length")

	if teOK {
		if !bytes.HasSuffix(bytes.TrimSpace(toLower(te)), []byte("chunked")) {
			m.state = Error
			return ErrSmuggling
		}
		if clAll != nil {
			// Precedence 3": strip CL, prefer TE — smuggling defence.
			m.removeHeader("Content-Length")
		}
		m.flags |= TeChnk | XferLen
		m.ChunkLen = 0
		m.BodyLen = 0
		return nil
	}

	if clAll != nil {
		for _, v := range clAll[1:] {
			if !bytes.Equal(bytes.TrimSpace(v), bytes.TrimSpace(cl)) {
				m.state = Error
				return ErrMultipleContentLength
			}
		}
		n, err := strconv.ParseInt(string(bytes.TrimSpace(cl)), 10, 64)
		if err != nil || n < 0 {
			m.state = Error
			return ErrMultipleContentLength
		}
		m.flags |= CntLen
		if n > 0 {
			m.flags |= XferLen
		}
		m.BodyLen = n
		return nil
	}

	if !m.IsResponse {
		m.BodyLen = 0
		return nil
	}
	m.BodyLen = -1
	return nil
}

// ResolveResponseTunnel applies precedence 1/2: CONNECT 2xx or 101
// responses tunnel; HEAD and 1xx/204/304 responses carry no body
// regardless of any Transfer-Encoding/Content-Length header present.
func (m *Message) ResolveResponseTunnel(req RequestMeta) bool {
	if req.ConnectTunnel || m.StatusCode == 101 {
		m.flags &^= XferLen
		return true
	}
	if req.Method == "HEAD" || m.StatusCode == 204 || m.StatusCode == 304 ||
		(m.StatusCode >= 100 && m.StatusCode < 200) {
		m.flags &^= XferLen
		m.BodyLen = 0
		return false
	}
	return false
}

func (m *Message) lastHeader(name string) ([]byte, bool) {
	var val []byte
	found := false
	for _, h := range m.Headers {
		if bytes.EqualFold(m.HeaderName(h), []byte(name)) {
			val = m.HeaderValue(h)
			found = true
		}
	}
	return val, found
}

func (m *Message) allHeaders(name string) ([]byte, [][]byte) {
	var all [][]byte
	for _, h := range m.Headers {
		if bytes.EqualFold(m.HeaderName(h), []byte(name)) {
			all = append(all, m.HeaderValue(h))
		}
	}
	if all == nil {
		return nil, nil
	}
	return all[0], all
}

// removeHeader drops all headers matching name from the indexed list,
// relinking Next pointers. Byte offsets into m.raw are left untouched and
// the header's bytes stay in the channel buffer, so a removed header is
// still forwarded; only lookups through the indexed list stop seeing it.
func (m *Message) removeHeader(name string) {
	kept := m.Headers[:0]
	for _, h := range m.Headers {
		if bytes.EqualFold(m.HeaderName(h), []byte(name)) {
			continue
		}
		kept = append(kept, h)
	}
	m.Headers = kept
	for i := range m.Headers {
		if i+1 < len(m.Headers) {
			m.Headers[i].Next = i + 1
		} else {
			m.Headers[i].Next = -1
		}
	}
}

func toLower(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}
