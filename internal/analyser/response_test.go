// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package analyser

import (
	"testing"

	"github.com/nishisan-dev/rproxy/internal/httpmsg"
	"github.com/nishisan-dev/rproxy/internal/ichan"
)

func TestWaitForResponseResolvesTunnelForConnect(t *testing.T) {
	ctx, fed := newTestContext(true, nil)
	feed(t, ctx.Channel, "HTTP/1.1 200 Connection Established\r\n\r\n")

	res := WaitForResponse(ctx, fed, RequestMeta{Method: "CONNECT", ConnectTunnel: true})
	if res != Complete {
		t.Fatalf("expected Complete, got %v", res)
	}
	if ctx.Txn.Mode != ModeTUN {
		t.Fatalf("Mode = %v, want ModeTUN", ctx.Txn.Mode)
	}
}

func TestWaitForResponseInformationalDoesNotSetMode(t *testing.T) {
	ctx, fed := newTestContext(true, nil)
	feed(t, ctx.Channel, "HTTP/1.1 102 Processing\r\n\r\n")

	res := WaitForResponse(ctx, fed, RequestMeta{Method: "GET"})
	if res != Complete {
		t.Fatalf("expected Complete, got %v", res)
	}
	if ctx.Txn.Mode != ModeUnset {
		t.Fatalf("1xx should not resolve a connection mode, got %v", ctx.Txn.Mode)
	}
}

func TestWaitForResponseMalformedIs502(t *testing.T) {
	ctx, fed := newTestContext(true, nil)
	feed(t, ctx.Channel, "HTTP/11 200 OK\r\n")

	reqCh := ichan.New(4096, 512, 1000, 1000)
	ctx.Peer = &Context{Channel: reqCh, Txn: ctx.Txn}

	res := WaitForResponse(ctx, fed, RequestMeta{Method: "GET"})
	if res != Complete {
		t.Fatalf("expected Complete, got %v", res)
	}
	if ctx.Txn.StatusCode != 502 {
		t.Fatalf("StatusCode = %d, want 502", ctx.Txn.StatusCode)
	}
}

func TestProcessRespCommonDowngradesKeepAliveOnServerClose(t *testing.T) {
	ctx, fed := newTestContext(true, nil)
	ctx.Txn.Mode = ModeKAL
	feed(t, ctx.Channel, "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\n")
	WaitForResponse(ctx, fed, RequestMeta{Method: "GET"})

	if res := ProcessRespCommon(ctx); res != Complete {
		t.Fatalf("expected Complete, got %v", res)
	}
	if ctx.Txn.Mode != ModeSCL {
		t.Fatalf("Mode = %v, want ModeSCL after server close downgrade", ctx.Txn.Mode)
	}
}

func TestFinalizeTunnelDetachesAnalysersAndForwardsIndefinitely(t *testing.T) {
	req := ichan.New(4096, 512, 1000, 1000)
	resp := ichan.New(4096, 512, 1000, 1000)
	req.SetAnalysers(RequestChain)
	resp.SetAnalysers(ResponseChain)

	FinalizeTunnel(req, resp)

	if req.Analysers() != 0 || resp.Analysers() != 0 {
		t.Fatalf("expected both analyser sets cleared after tunnel finalize")
	}
	if req.ToForward() >= 0 || resp.ToForward() >= 0 {
		t.Fatalf("expected indefinite forwarding (-1) on both channels")
	}
}

func TestFinalizeKeepAliveResetsTxnAndParsers(t *testing.T) {
	txn := &Txn{StatusCode: 200, Mode: ModeKAL}
	reqMsg, respMsg := FinalizeKeepAlive(txn)

	if txn.StatusCode != 0 || txn.Mode != ModeUnset {
		t.Fatalf("expected txn reset, got %+v", txn)
	}
	if reqMsg.IsResponse || !respMsg.IsResponse {
		t.Fatalf("expected fresh request/response parsers")
	}
	if reqMsg.State() != httpmsg.RQBefore || respMsg.State() != httpmsg.RQBefore {
		t.Fatalf("expected fresh parsers to start at RQBefore")
	}
}
