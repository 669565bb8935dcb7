// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package analyser

import (
	"github.com/nishisan-dev/rproxy/internal/httpmsg"
	"github.com/nishisan-dev/rproxy/internal/ichan"
)

// WaitForResponse mirrors WaitForRequest on the response side: parser
// errors here surface as 502 (proxy already committed to answering the
// client), and a successful parse additionally resolves the response's
// transfer-length special cases (CONNECT tunnel, HEAD/1xx/204/304).
func WaitForResponse(ctx *Context, fed *int, req RequestMeta) Result {
	feedParser(ctx, fed)

	switch ctx.Msg.State() {
	case httpmsg.RQBefore, httpmsg.RQMeth, httpmsg.RQURI, httpmsg.RQVer, httpmsg.Hdr:
		if ctx.Channel.AnalyseExpired(ctx.Now) {
			failResponse(ctx, 504, PhaseResponseHeaders, FinD)
			return Complete
		}
		ctx.Channel.SuspendAnalyser(ctx.Now, int64(ctx.Opts.TimeoutClient.Milliseconds()))
		return NeedMore

	case httpmsg.Error:
		failResponse(ctx, 502, PhaseResponseHeaders, FinD)
		return Complete

	default:
		ctx.Channel.SuspendAnalyser(ctx.Now, 0)
		ctx.Channel.Buffer().Advance(ctx.Msg.EOHOffset())
		*fed -= ctx.Msg.EOHOffset()
		ctx.Txn.StatusCode = ctx.Msg.StatusCode
		ctx.Txn.ResponseStarted = true

		if ctx.Msg.StatusCode >= 100 && ctx.Msg.StatusCode < 200 && ctx.Msg.StatusCode != 101 {
			// 1xx informational: forwarded as-is, not "the response" —
			// the caller resets this Context's parser and Channel so the
			// next status line is parsed fresh.
			return Complete
		}
		tunnel := ctx.Msg.ResolveResponseTunnel(httpmsg.RequestMeta{Method: req.Method, ConnectTunnel: req.ConnectTunnel})
		if tunnel {
			ctx.Txn.Mode = ModeTUN
		}
		return Complete
	}
}

// RequestMeta is the request-side fact set the response analyser needs
// (method, and whether this was a CONNECT accepted with a 2xx).
type RequestMeta struct {
	Method        string
	ConnectTunnel bool
}

// ProcessRespCommon normalizes the response before it is forwarded:
// downgrades KAL to SCL if the server asked to close, and rewrites the
// Connection header to match.
func ProcessRespCommon(ctx *Context) Result {
	if ctx.Txn.Mode != ModeTUN {
		ctx.Txn.Mode = downgradeFromResponse(ctx.Txn.Mode, ctx.Msg)
	}

	ed := &headerEditor{ch: ctx.Channel}
	rewriteConnectionToken(ctx, ed)
	return Complete
}

func failResponse(ctx *Context, status int, phase Phase, fin FinishFlag) {
	ctx.Txn.StatusCode = status
	ctx.Txn.Err = OriginServer
	ctx.Txn.Phase = phase
	ctx.Txn.Finish = fin
	if ctx.Peer != nil {
		if !ctx.Txn.ResponseStarted {
			writeLocal(ctx.Peer.Channel, []byte(statusLine(status)+"Content-Length: 0\r\n\r\n"))
		} else {
			// A status line has already reached the client: substituting
			// a clean error now would corrupt the framing, so force an
			// abortive close instead.
			ctx.Peer.Channel.Set(ichan.ShutWNow)
		}
	}
	ctx.Channel.Set(ichan.ShutR | ichan.ShutRNow)
}

// FinalizeTunnel detaches both sides' analysers once a CONNECT tunnel (or
// an Upgrade) has been established: from here bytes are forwarded
// verbatim until either side closes.
func FinalizeTunnel(req, resp *ichan.Channel) {
	req.SetToForward(-1)
	resp.SetToForward(-1)
	req.SetAnalysers(0)
	resp.SetAnalysers(0)
	req.SetAutoClose(true)
	resp.SetAutoClose(true)
}

// FinalizeKeepAlive resets txn and returns fresh request/response parsers
// for the next transaction on the same stream, once both sides reached
// DONE.
func FinalizeKeepAlive(txn *Txn) (reqMsg, respMsg *httpmsg.Message) {
	txn.Reset()
	return httpmsg.New(false), httpmsg.New(true)
}

// FinalizeClose issues SHUTW_NOW on both sides; the stream interface
// transitions through CLOSING until output drains, then CLOSED.
func FinalizeClose(req, resp *ichan.Channel) {
	req.Set(ichan.ShutWNow)
	resp.Set(ichan.ShutWNow)
}

// FinalizeServerClose closes only the server side; the client side stays
// open so a fresh backend connection can serve the next request.
func FinalizeServerClose(resp *ichan.Channel) {
	resp.Set(ichan.ShutWNow)
}
