// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package httpmsg

import "testing"

func TestParseSimpleRequestLineAndHeaders(t *testing.T) {
	m := New(false)
	_, err := m.Feed([]byte("GET /a HTTP/1.1\r\nHost: x\r\nContent-Length: 2\r\n\r\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if m.Method != "GET" || m.URI != "/a" || m.Version != "HTTP/1.1" {
		t.Fatalf("start line mismatch: %+v", m)
	}
	if m.Flags()&Ver11 == 0 {
		t.Fatalf("expected Ver11 flag")
	}
	if len(m.Headers) != 2 {
		t.Fatalf("expected 2 headers, got %d", len(m.Headers))
	}
	if string(m.HeaderName(m.Headers[0])) != "Host" || string(m.HeaderValue(m.Headers[0])) != "x" {
		t.Fatalf("header 0 mismatch: %q=%q", m.HeaderName(m.Headers[0]), m.HeaderValue(m.Headers[0]))
	}
	if m.BodyLen != 2 {
		t.Fatalf("BodyLen = %d, want 2", m.BodyLen)
	}
}

func TestInvalidVersionRejected(t *testing.T) {
	m := New(false)
	_, err := m.Feed([]byte("GET /a HTTP/11\r\n"))
	if err != ErrMalformedVersion {
		t.Fatalf("want ErrMalformedVersion, got %v", err)
	}
}

func TestIncrementalFeedAcrossCalls(t *testing.T) {
	m := New(false)
	progressed, err := m.Feed([]byte("GET / HTTP/1.1\r\n"))
	if err != nil || !progressed {
		t.Fatalf("Feed 1: progressed=%v err=%v", progressed, err)
	}
	if m.State() != Hdr {
		t.Fatalf("expected Hdr state, got %v", m.State())
	}
	_, err = m.Feed([]byte("Host: x\r\n\r\n"))
	if err != nil {
		t.Fatalf("Feed 2: %v", err)
	}
	if m.State() != Done && m.State() != Body {
		t.Fatalf("expected headers fully resolved, got state %v", m.State())
	}
}

func TestSmugglingAttemptStripsContentLengthPrefersChunked(t *testing.T) {
	m := New(false)
	_, err := m.Feed([]byte("POST /a HTTP/1.1\r\nTransfer-Encoding: chunked\r\nContent-Length: 10\r\n\r\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if m.Flags()&TeChnk == 0 {
		t.Fatalf("expected TeChnk flag set")
	}
	for _, h := range m.Headers {
		if string(m.HeaderName(h)) == "Content-Length" {
			t.Fatalf("Content-Length should have been stripped")
		}
	}
}

func TestTransferEncodingNotLastIsSmuggling(t *testing.T) {
	m := New(false)
	_, err := m.Feed([]byte("POST /a HTTP/1.1\r\nTransfer-Encoding: chunked, gzip\r\n\r\n"))
	if err != ErrSmuggling {
		t.Fatalf("want ErrSmuggling, got %v", err)
	}
}

func TestMultipleDisagreeingContentLength(t *testing.T) {
	m := New(false)
	_, err := m.Feed([]byte("POST /a HTTP/1.1\r\nContent-Length: 5\r\nContent-Length: 6\r\n\r\n"))
	if err != ErrMultipleContentLength {
		t.Fatalf("want ErrMultipleContentLength, got %v", err)
	}
}

func TestChunkedBodyWithZeroSizeAtBoundary(t *testing.T) {
	m := New(false)
	_, err := m.Feed([]byte("POST /a HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n"))
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	m.state = Body
	_, err = m.Feed([]byte("4\r\nabcd\r\n0\r\n\r\n"))
	if err != nil {
		t.Fatalf("Feed body: %v", err)
	}
	fwd, err := m.AdvanceChunked()
	if err != nil {
		t.Fatalf("AdvanceChunked: %v", err)
	}
	if fwd != 4 {
		t.Fatalf("forwarded = %d, want 4", fwd)
	}
	if m.State() != Done {
		t.Fatalf("expected Done after trailing 0-chunk, got %v", m.State())
	}
}

func TestHeaderContinuationFolding(t *testing.T) {
	m := New(false)
	_, err := m.Feed([]byte("GET / HTTP/1.1\r\nX-Custom: part1\r\n part2\r\n\r\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(m.Headers) != 1 {
		t.Fatalf("expected continuation folded into 1 header, got %d", len(m.Headers))
	}
}

func TestResponseStatusLineParsing(t *testing.T) {
	m := New(true)
	_, err := m.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if m.StatusCode != 200 || m.ReasonPhrase != "OK" {
		t.Fatalf("status line mismatch: %+v", m)
	}
}

func TestResolveResponseTunnelForConnect(t *testing.T) {
	m := New(true)
	m.Feed([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	tunnel := m.ResolveResponseTunnel(RequestMeta{Method: "CONNECT", ConnectTunnel: true})
	if !tunnel {
		t.Fatalf("expected tunnel mode for CONNECT 2xx")
	}
}

func TestResolveResponseNoBodyForHead(t *testing.T) {
	m := New(true)
	m.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n"))
	tunnel := m.ResolveResponseTunnel(RequestMeta{Method: "HEAD"})
	if tunnel {
		t.Fatalf("HEAD should not be tunnel mode")
	}
	if m.BodyLen != 0 {
		t.Fatalf("HEAD response must report empty body, got %d", m.BodyLen)
	}
}
