// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package analyser

import (
	"testing"
	"time"

	"github.com/nishisan-dev/rproxy/internal/clock"
	"github.com/nishisan-dev/rproxy/internal/httpmsg"
	"github.com/nishisan-dev/rproxy/internal/ichan"
)

func newTestContext(isResponse bool, opts *Options) (*Context, *int) {
	ch := ichan.New(16384, 1024, 1000, 1000)
	msg := httpmsg.New(isResponse)
	if opts == nil {
		opts = &Options{TimeoutHTTPReq: 5 * time.Second, TimeoutTarpit: 10 * time.Millisecond}
	}
	ctx := &Context{Channel: ch, Msg: msg, Txn: &Txn{}, Opts: opts}
	fed := 0
	return ctx, &fed
}

func feed(t *testing.T, ch *ichan.Channel, data string) {
	t.Helper()
	if _, err := ch.Buffer().PutBlock([]byte(data)); err != nil {
		t.Fatalf("PutBlock: %v", err)
	}
}

func TestWaitForRequestParsesHeadersAndAdvancesBuffer(t *testing.T) {
	ctx, fed := newTestContext(false, nil)
	feed(t, ctx.Channel, "GET /a HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\n\r\nabc")

	if res := WaitForRequest(ctx, fed); res != Complete {
		t.Fatalf("expected Complete, got %v", res)
	}
	if ctx.Txn.ReqMethod != "GET" {
		t.Fatalf("ReqMethod = %q", ctx.Txn.ReqMethod)
	}
	if ctx.Channel.Buffer().OutputLen() != ctx.Msg.EOHOffset() {
		t.Fatalf("header bytes not advanced to output: OutputLen=%d EOHOffset=%d", ctx.Channel.Buffer().OutputLen(), ctx.Msg.EOHOffset())
	}
}

func TestWaitForRequestMalformedSetsStatus400(t *testing.T) {
	ctx, fed := newTestContext(false, nil)
	feed(t, ctx.Channel, "GET /a HTTP/11\r\n")

	if res := WaitForRequest(ctx, fed); res != Complete {
		t.Fatalf("expected Complete on parse error, got %v", res)
	}
	if ctx.Txn.StatusCode != 400 {
		t.Fatalf("StatusCode = %d, want 400", ctx.Txn.StatusCode)
	}
	if !ctx.Channel.Has(ichan.ShutR) {
		t.Fatalf("expected ShutR set after malformed request")
	}
}

func TestWaitForRequestTimeoutSets408(t *testing.T) {
	ctx, fed := newTestContext(false, nil)
	feed(t, ctx.Channel, "GET /a HTTP/1.1\r\n")

	if res := WaitForRequest(ctx, fed); res != NeedMore {
		t.Fatalf("expected NeedMore awaiting more headers, got %v", res)
	}
	ctx.Now = clock.Add(ctx.Now, time.Hour)
	if res := WaitForRequest(ctx, fed); res != Complete {
		t.Fatalf("expected Complete once expired, got %v", res)
	}
	if ctx.Txn.StatusCode != 408 {
		t.Fatalf("StatusCode = %d, want 408", ctx.Txn.StatusCode)
	}
}

func TestProcessReqCommonNormalizesConnectionHeader(t *testing.T) {
	ctx, fed := newTestContext(false, nil)
	feed(t, ctx.Channel, "GET / HTTP/1.1\r\nConnection: keep-alive, upgrade\r\n\r\n")
	WaitForRequest(ctx, fed)

	respCh := ichan.New(4096, 512, 1000, 1000)
	ctx.Peer = &Context{Channel: respCh}

	if res := ProcessReqCommon(ctx); res != Complete {
		t.Fatalf("expected Complete, got %v", res)
	}
	if ctx.Txn.Mode != ModeKAL {
		t.Fatalf("Mode = %v, want ModeKAL", ctx.Txn.Mode)
	}
	out := ctx.Channel.Buffer().Bytes()
	if !containsStr(string(out), "Connection: keep-alive, upgrade") {
		t.Fatalf("expected normalized Connection header, got %q", out)
	}
}

func TestProcessReqCommonAnswers100Continue(t *testing.T) {
	ctx, fed := newTestContext(false, nil)
	feed(t, ctx.Channel, "POST /a HTTP/1.1\r\nExpect: 100-continue\r\nContent-Length: 1\r\n\r\n")
	WaitForRequest(ctx, fed)

	respCh := ichan.New(4096, 512, 1000, 1000)
	ctx.Peer = &Context{Channel: respCh}

	ProcessReqCommon(ctx)

	if !ctx.Txn.Sent100 {
		t.Fatalf("expected Sent100 to be true")
	}
	out := string(respCh.Buffer().Bytes())
	if out != "HTTP/1.1 100 Continue\r\n\r\n" {
		t.Fatalf("unexpected 100-continue injection: %q", out)
	}
	if containsStr(string(ctx.Channel.Buffer().Bytes()), "Expect:") {
		t.Fatalf("Expect header should have been stripped")
	}
}

func TestProcessRequestAppliesFirstMatchingRedirect(t *testing.T) {
	opts := &Options{
		Redirects: []RedirectRule{
			{Match: func(*httpmsg.Message) bool { return false }, StatusCode: 301, Scheme: "https", Host: "old"},
			{Match: func(*httpmsg.Message) bool { return true }, StatusCode: 302, Scheme: "https", Host: "example.com"},
		},
	}
	ctx, fed := newTestContext(false, opts)
	feed(t, ctx.Channel, "GET /a/b HTTP/1.1\r\n\r\n")
	WaitForRequest(ctx, fed)

	respCh := ichan.New(4096, 512, 1000, 1000)
	ctx.Peer = &Context{Channel: respCh}

	if res := ProcessRequest(ctx); res != Complete {
		t.Fatalf("expected Complete, got %v", res)
	}
	if ctx.Txn.StatusCode != 302 {
		t.Fatalf("StatusCode = %d, want 302 from the first matching rule", ctx.Txn.StatusCode)
	}
	out := string(respCh.Buffer().Bytes())
	if !containsStr(out, "302 Found") || !containsStr(out, "Location: https://example.com/a/b") {
		t.Fatalf("unexpected redirect response: %q", out)
	}
}

func TestXferBodyLengthModeForwardsExactBytes(t *testing.T) {
	ctx, fed := newTestContext(false, nil)
	feed(t, ctx.Channel, "POST /a HTTP/1.1\r\nContent-Length: 5\r\n\r\n")
	WaitForRequest(ctx, fed)
	ctx.Channel.Buffer().Skip(ctx.Channel.Buffer().OutputLen())

	feed(t, ctx.Channel, "hello")
	var forwarded int64
	if res := XferBody(ctx, &forwarded, fed); res != Complete {
		t.Fatalf("expected Complete, got %v", res)
	}
	if forwarded != 5 {
		t.Fatalf("forwarded = %d, want 5", forwarded)
	}
}

func TestXferBodyChunkedModeAdvancesOverheadBytes(t *testing.T) {
	ctx, fed := newTestContext(false, nil)
	feed(t, ctx.Channel, "POST /a HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n")
	WaitForRequest(ctx, fed)
	ctx.Channel.Buffer().Skip(ctx.Channel.Buffer().OutputLen())

	feed(t, ctx.Channel, "4\r\nabcd\r\n0\r\n\r\n")
	var forwarded int64
	if res := XferBody(ctx, &forwarded, fed); res != Complete {
		t.Fatalf("expected Complete, got %v", res)
	}
	if forwarded != 4 {
		t.Fatalf("forwarded = %d, want 4", forwarded)
	}
	if ctx.Channel.Buffer().OutputLen() != len("4\r\nabcd\r\n0\r\n\r\n") {
		t.Fatalf("expected all framing bytes advanced to output, got OutputLen=%d", ctx.Channel.Buffer().OutputLen())
	}
}

func containsStr(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
