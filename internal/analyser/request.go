// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package analyser

import (
	"bytes"

	"github.com/nishisan-dev/rproxy/internal/httpmsg"
	"github.com/nishisan-dev/rproxy/internal/ichan"
)

// feedParser hands any newly-arrived channel input bytes to ctx.Msg, in case
// more than one Feed call has been necessary since an earlier suspension.
// fed tracks how many bytes have already been handed over.
func feedParser(ctx *Context, fed *int) {
	total := ctx.Channel.Buffer().InputLen()
	if total <= *fed {
		return
	}
	chunk := ctx.Channel.PeekInput(total)[*fed:]
	ctx.Msg.Feed(chunk)
	*fed = total
}

// WaitForRequest drives the HTTP parser across the start line and headers.
// On success it commits the parsed header bytes to the channel's output
// region (Advance) so ProcessReqCommon/ProcessRequest can rewrite them
// in place before anything is forwarded.
func WaitForRequest(ctx *Context, fed *int) Result {
	feedParser(ctx, fed)

	switch ctx.Msg.State() {
	case httpmsg.RQBefore, httpmsg.RQMeth, httpmsg.RQURI, httpmsg.RQVer, httpmsg.Hdr:
		if ctx.Channel.AnalyseExpired(ctx.Now) {
			failRequest(ctx, 408, PhaseRequestHeaders, FinR)
			return Complete
		}
		ctx.Channel.SuspendAnalyser(ctx.Now, int64(ctx.Opts.TimeoutHTTPReq.Milliseconds()))
		return NeedMore

	case httpmsg.Error:
		failRequest(ctx, 400, PhaseRequestHeaders, FinR)
		return Complete

	default:
		ctx.Channel.SuspendAnalyser(ctx.Now, 0)
		ctx.Channel.Buffer().Advance(ctx.Msg.EOHOffset())
		*fed -= ctx.Msg.EOHOffset()
		ctx.Txn.ReqMethod = ctx.Msg.Method
		ctx.Txn.ReqVersion = ctx.Msg.Version
		return Complete
	}
}

// HTTPBody corresponds to wait_for_request_body: in this streaming proxy
// there is no policy requiring the full body to be buffered before
// forwarding begins, so it completes immediately once WAIT_HTTP has
// resolved transfer length.
func HTTPBody(ctx *Context) Result {
	return Complete
}

// ProcessReqCommon normalizes the request before backend-specific
// processing: resolves the connection mode, rewrites the Connection
// header to carry exactly one of close/keep-alive, and answers
// Expect: 100-continue.
func ProcessReqCommon(ctx *Context) Result {
	ctx.Txn.Mode = resolveConnMode(ctx.Msg, ctx.Opts)

	ed := &headerEditor{ch: ctx.Channel}
	rewriteConnectionToken(ctx, ed)
	handleExpect100(ctx, ed)

	return Complete
}

func rewriteConnectionToken(ctx *Context, ed *headerEditor) {
	for i, h := range ctx.Msg.Headers {
		if !bytes.EqualFold(ctx.Msg.HeaderName(h), []byte("Connection")) {
			continue
		}
		newVal := rewriteConnectionHeader(ctx.Msg.HeaderValue(h), ctx.Txn.Mode)
		start, end := ctx.Msg.HeaderLineRange(i)
		line := append([]byte("Connection: "), newVal...)
		line = append(line, '\r', '\n')
		_ = ed.replace(start, end, line)
		return
	}
}

func handleExpect100(ctx *Context, ed *headerEditor) {
	if ctx.Msg.Flags()&httpmsg.Ver11 == 0 {
		return
	}
	for i, h := range ctx.Msg.Headers {
		if !bytes.EqualFold(ctx.Msg.HeaderName(h), []byte("Expect")) {
			continue
		}
		if !bytes.EqualFold(bytes.TrimSpace(ctx.Msg.HeaderValue(h)), []byte("100-continue")) {
			continue
		}
		ctx.Txn.Expect100 = true
		start, end := ctx.Msg.HeaderLineRange(i)
		_ = ed.replace(start, end, nil)
		if ctx.Peer != nil {
			writeLocal(ctx.Peer.Channel, []byte("HTTP/1.1 100 Continue\r\n\r\n"))
			ctx.Txn.Sent100 = true
		}
		return
	}
}

// ProcessRequest evaluates redirect rules and finalizes the decision to
// forward to a backend. It returns Complete whether or not a redirect
// fired; the caller (session driver) checks Txn.StatusCode to know whether
// ProcessBE/Connect should be skipped.
func ProcessRequest(ctx *Context) Result {
	for _, rule := range ctx.Opts.Redirects {
		if !rule.Match(ctx.Msg) {
			continue
		}
		applyRedirect(ctx, rule)
		return Complete
	}
	return Complete
}

func applyRedirect(ctx *Context, rule RedirectRule) {
	target := rule.Location
	if target == "" {
		path := ctx.Msg.URI
		if rule.DropQuery {
			if q := bytes.IndexByte([]byte(path), '?'); q >= 0 {
				path = path[:q]
			}
		}
		if rule.AppendSlash && (len(path) == 0 || path[len(path)-1] != '/') {
			path += "/"
		}
		if rule.Prefix != "" {
			target = rule.Prefix + path
		} else {
			target = rule.Scheme + "://" + rule.Host + path
		}
	}
	ctx.Txn.StatusCode = rule.StatusCode
	ctx.Txn.Finish = FinL
	ctx.Txn.Phase = PhaseLocalAction
	resp := statusLine(rule.StatusCode) + "Location: " + target + "\r\nContent-Length: 0\r\n\r\n"
	if ctx.Peer != nil {
		writeLocal(ctx.Peer.Channel, []byte(resp))
	}
	ctx.Channel.Set(ichan.ShutR)
}

// XferBody forwards the request body, in length or chunked mode depending
// on the resolved transfer-length.
func XferBody(ctx *Context, forwarded *int64, fed *int) Result {
	if ctx.Msg.Flags()&httpmsg.TeChnk != 0 {
		feedParser(ctx, fed)
		before := ctx.Msg.Consumed()
		n, err := ctx.Msg.AdvanceChunked()
		*forwarded += n
		ctx.Channel.Buffer().Advance(ctx.Msg.Consumed() - before)
		*fed -= ctx.Msg.Consumed() - before
		if err != nil {
			failRequest(ctx, 400, PhaseRequestBody, FinR)
			return Complete
		}
		if ctx.Msg.State() == httpmsg.Done {
			return Complete
		}
		return NeedMore
	}

	want := ctx.Msg.BodyLen - *forwarded
	if want <= 0 {
		return Complete
	}
	ctx.Channel.SetToForward(int(want))
	avail := int64(ctx.Channel.Buffer().InputLen())
	if avail < want {
		want = avail
	}
	n := ctx.Channel.Forward(int(want))
	*forwarded += int64(n)
	if ctx.Msg.AdvanceLengthBody(*forwarded) {
		return Complete
	}
	return NeedMore
}

func failRequest(ctx *Context, status int, phase Phase, fin FinishFlag) {
	ctx.Txn.StatusCode = status
	ctx.Txn.Err = OriginClient
	ctx.Txn.Phase = phase
	ctx.Txn.Finish = fin
	if status >= 500 {
		ctx.Txn.Err = OriginProxy
	}
	if ctx.Peer != nil {
		writeLocal(ctx.Peer.Channel, []byte(statusLine(status)+"Content-Length: 0\r\n\r\n"))
	}
	ctx.Channel.Set(ichan.ShutR | ichan.ShutRNow)
}

func statusLine(code int) string {
	reason := "Internal Server Error"
	switch code {
	case 301:
		reason = "Moved Permanently"
	case 302:
		reason = "Found"
	case 303:
		reason = "See Other"
	case 307:
		reason = "Temporary Redirect"
	case 308:
		reason = "Permanent Redirect"
	case 400:
		reason = "Bad Request"
	case 408:
		reason = "Request Timeout"
	case 500:
		reason = "Internal Server Error"
	case 502:
		reason = "Bad Gateway"
	case 503:
		reason = "Service Unavailable"
	case 504:
		reason = "Gateway Timeout"
	}
	return "HTTP/1.1 " + itoa(code) + " " + reason + "\r\n"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
