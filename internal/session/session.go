// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/rproxy/internal/analyser"
	"github.com/nishisan-dev/rproxy/internal/clock"
	"github.com/nishisan-dev/rproxy/internal/httpmsg"
	"github.com/nishisan-dev/rproxy/internal/ichan"
	"github.com/nishisan-dev/rproxy/internal/logging"
	"github.com/nishisan-dev/rproxy/internal/si"
	"github.com/nishisan-dev/rproxy/internal/task"
)

const (
	defaultBufSize        = 16 * 1024
	defaultRewriteReserve = 2048
	defaultMaxRetries     = 3
	pollInterval          = 20 * time.Millisecond
)

// TarpitMatch decides, given the parsed request, whether a stream should be
// held by the tarpit analyser instead of connected to a backend.
type TarpitMatch func(req *httpmsg.Message) bool

// Stream pairs two Stream Interfaces and two Channels behind one shared
// transaction. Its Process method is a task.ProcessFunc: the scheduler
// calls it whenever the stream's task is runnable, and it pumps socket
// I/O, drives the analyser chain to a fixpoint, reconciles SI state, and
// re-arms the task's next wakeup from the channels' deadlines.
type Stream struct {
	ID uint64

	logger *slog.Logger

	cs *si.SI // writes the response channel out to the client socket
	ss *si.SI // writes the request channel out to the backend socket

	req *ichan.Channel // client -> server
	res *ichan.Channel // server -> client

	reqMsg *httpmsg.Message
	resMsg *httpmsg.Message

	txn    *analyser.Txn
	reqCtx *analyser.Context
	resCtx *analyser.Context

	opts   *analyser.Options
	tarpit *analyser.TarpitGate
	match  TarpitMatch

	dial       func() (net.Conn, error)
	maxRetries int
	connected  bool

	reqFed, resFed             int
	reqForwarded, resForwarded int64

	bytesIn, bytesOut atomic.Int64
	startedAt         time.Time
	done              atomic.Bool

	finalized bool // guards maybeFinalize against re-firing every tick once both chains are empty

	traceDir     string
	frontendName string
	traceCloser  io.Closer

	sched *task.Scheduler
	task  *task.Task
}

// NewStream creates a Stream for an accepted client connection, bound to
// a backend dial func that will be invoked once the request analysers
// clear the connection for forwarding. opts.Redirects/TimeoutTarpit are
// consulted by the analyser chain the driver installs.
func NewStream(id uint64, clientConn net.Conn, dial func() (net.Conn, error), opts *analyser.Options, match TarpitMatch, logger *slog.Logger) *Stream {
	bufSize := opts.BufSize
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	reserve := opts.MaxRewrite
	if reserve <= 0 {
		reserve = defaultRewriteReserve
	}
	retries := opts.ConnRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	req := ichan.New(bufSize, reserve, opts.TimeoutClient.Milliseconds(), opts.TimeoutServer.Milliseconds())
	res := ichan.New(bufSize, reserve, opts.TimeoutServer.Milliseconds(), opts.TimeoutClient.Milliseconds())
	req.SetAnalysers(analyser.RequestChain)

	reqMsg := httpmsg.New(false)
	resMsg := httpmsg.New(true)
	txn := &analyser.Txn{}

	reqCtx := &analyser.Context{Channel: req, Msg: reqMsg, Txn: txn, Opts: opts}
	resCtx := &analyser.Context{Channel: res, Msg: resMsg, Txn: txn, Opts: opts}
	reqCtx.Peer = resCtx
	resCtx.Peer = reqCtx

	cs := si.New(res, retries)
	cs.BindConn(clientConn)
	ss := si.New(req, retries)

	if logger == nil {
		logger = slog.Default()
	}

	SessionsTotal.Inc()
	ActiveSessions.Inc()

	return &Stream{
		ID:         id,
		logger:     logger.With("stream", id),
		cs:         cs,
		ss:         ss,
		req:        req,
		res:        res,
		reqMsg:     reqMsg,
		resMsg:     resMsg,
		txn:        txn,
		reqCtx:     reqCtx,
		resCtx:     resCtx,
		opts:       opts,
		match:      match,
		dial:       dial,
		maxRetries: retries,
		startedAt:  time.Now(),
	}
}

// EnableTrace turns on a dedicated per-stream debug trace file under dir,
// named after frontendName, for operators investigating one misbehaving
// connection. Must be called before Start. A no-op if dir is empty.
func (st *Stream) EnableTrace(dir, frontendName string) {
	if dir == "" {
		return
	}
	traced, closer, _, err := logging.NewStreamTraceLogger(st.logger, dir, frontendName, st.ID)
	if err != nil {
		st.logger.Warn("could not enable stream trace", "error", err)
		return
	}
	st.logger = traced
	st.traceCloser = closer
	st.traceDir = dir
	st.frontendName = frontendName
}

// Start spawns the stream's task on sched and wakes it immediately so the
// first pass runs without waiting for a timer.
func (st *Stream) Start(sched *task.Scheduler) {
	st.sched = sched
	st.task = sched.Spawn(func(t *task.Task, now clock.Tick) *task.Task {
		return st.process(t, now)
	}, st, 0)
	sched.Wake(st.task)
}

// process is the stream's task body: pump I/O, drive analysers to a
// fixpoint, reconcile SI state, and decide whether to keep running.
func (st *Stream) process(t *task.Task, now clock.Tick) *task.Task {
	st.reqCtx.Now = now
	st.resCtx.Now = now

	st.bytesIn.Add(int64(pumpRead(st.cs.Conn(), st.req)))
	st.bytesIn.Add(int64(pumpRead(st.ss.Conn(), st.res)))

	for st.runAnalysers() {
	}

	st.maybeConnect()
	for st.runAnalysers() {
	}
	st.maybeFinalize()

	st.bytesOut.Add(int64(pumpWrite(st.cs.Conn(), st.res)))
	st.bytesOut.Add(int64(pumpWrite(st.ss.Conn(), st.req)))

	for st.cs.Update() || st.ss.Update() {
	}

	if st.cs.State() == si.Clo && st.ss.State() == si.Clo {
		st.finish()
		return nil
	}

	deadline := st.req.NextDeadline()
	if d := st.res.NextDeadline(); d < deadline {
		deadline = d
	}
	// Neither channel armed a deadline (no analyser is waiting and no
	// read/write timeout is configured): fall back to a short poll so a
	// connected socket with no timers still gets re-read. A real event
	// loop would instead wake this task from epoll/kqueue readiness.
	if deadline == clock.Eternity && (st.cs.Conn() != nil || st.ss.Conn() != nil) {
		deadline = clock.Add(now, pollInterval)
	}
	st.sched.Schedule(t, deadline)
	return t
}

// runAnalysers drives every analyser bit still pending on either channel
// exactly once and reports whether any bit cleared, so the caller's "loop
// until no progress" invariant terminates as soon as a pass is a no-op.
func (st *Stream) runAnalysers() bool {
	progressed := st.runReqAnalysers()
	if st.runResAnalysers() {
		progressed = true
	}
	return progressed
}

func (st *Stream) runReqAnalysers() bool {
	ch := st.req
	progressed := false

	if ch.AnalyserPending(analyser.BitWaitHTTP) {
		if analyser.WaitForRequest(st.reqCtx, &st.reqFed) != analyser.Complete {
			return progressed
		}
		ch.ClearAnalyser(analyser.BitWaitHTTP)
		progressed = true
	}
	if ch.AnalyserPending(analyser.BitHTTPBody) {
		if analyser.HTTPBody(st.reqCtx) != analyser.Complete {
			return progressed
		}
		ch.ClearAnalyser(analyser.BitHTTPBody)
		progressed = true
	}
	if ch.AnalyserPending(analyser.BitProcessFE) {
		if analyser.ProcessReqCommon(st.reqCtx) != analyser.Complete {
			return progressed
		}
		ch.ClearAnalyser(analyser.BitProcessFE)
		progressed = true
	}
	if ch.AnalyserPending(analyser.BitProcessBE) {
		if analyser.ProcessRequest(st.reqCtx) != analyser.Complete {
			return progressed
		}
		ch.ClearAnalyser(analyser.BitProcessBE)
		progressed = true
	}
	if ch.AnalyserPending(analyser.BitTarpit) {
		if !st.shouldTarpit() {
			ch.ClearAnalyser(analyser.BitTarpit)
			progressed = true
		} else {
			if st.tarpit == nil {
				st.tarpit = analyser.NewTarpitGate(st.opts.TimeoutTarpit)
			}
			if analyser.Tarpit(st.reqCtx, st.tarpit) != analyser.Complete {
				return progressed
			}
			ch.ClearAnalyser(analyser.BitTarpit)
			progressed = true
			FinishStates.WithLabelValues(st.txn.Finish.String()).Inc()
		}
	}
	if ch.AnalyserPending(analyser.BitXferBody) {
		if st.txn.StatusCode != 0 {
			// a redirect, tarpit or local error already answered the
			// request: nothing left to send to a backend.
			ch.ClearAnalyser(analyser.BitXferBody)
			progressed = true
		} else if analyser.XferBody(st.reqCtx, &st.reqForwarded, &st.reqFed) == analyser.Complete {
			ch.ClearAnalyser(analyser.BitXferBody)
			progressed = true
		}
	}
	return progressed
}

func (st *Stream) runResAnalysers() bool {
	ch := st.res
	progressed := false
	meta := analyser.RequestMeta{Method: st.txn.ReqMethod, ConnectTunnel: st.txn.ConnectTunnel}

	if ch.AnalyserPending(analyser.BitWaitHTTP) {
		if analyser.WaitForResponse(st.resCtx, &st.resFed, meta) != analyser.Complete {
			return progressed
		}
		if code := st.resMsg.StatusCode; code >= 100 && code < 200 && code != 101 && st.txn.StatusCode == code {
			// 1xx already sits in the output region; parse what follows
			// it with a fresh parser, keeping WAIT_HTTP pending.
			st.resMsg = httpmsg.New(true)
			st.resCtx.Msg = st.resMsg
			st.resFed = 0
			return true
		}
		ch.ClearAnalyser(analyser.BitWaitHTTP)
		progressed = true
	}
	if ch.AnalyserPending(analyser.BitHTTPBody) {
		if analyser.HTTPBody(st.resCtx) != analyser.Complete {
			return progressed
		}
		ch.ClearAnalyser(analyser.BitHTTPBody)
		progressed = true
	}
	if ch.AnalyserPending(analyser.BitProcessFE) {
		if analyser.ProcessRespCommon(st.resCtx) != analyser.Complete {
			return progressed
		}
		ch.ClearAnalyser(analyser.BitProcessFE)
		progressed = true
	}
	if ch.AnalyserPending(analyser.BitXferBody) {
		if analyser.XferBody(st.resCtx, &st.resForwarded, &st.resFed) == analyser.Complete {
			ch.ClearAnalyser(analyser.BitXferBody)
			progressed = true
		}
	}
	return progressed
}

func (st *Stream) shouldTarpit() bool {
	if st.txn.StatusCode != 0 || st.match == nil {
		return false
	}
	return st.match(st.reqMsg)
}

// maybeConnect dials the backend once the frontend analysers have cleared
// the request for forwarding and nothing has already answered it locally.
func (st *Stream) maybeConnect() {
	if st.connected || st.txn.StatusCode != 0 {
		return
	}
	if st.req.AnalyserPending(analyser.BitProcessBE | analyser.BitTarpit) {
		return
	}
	if st.req.DontConnect() {
		return
	}

	switch st.ss.State() {
	case si.Init:
		st.ss.AssignTarget()
		fallthrough
	case si.Ass:
		retryAfter, err := st.ss.Connect(st.dial)
		if err != nil {
			st.txn.Err = analyser.OriginServer
			st.txn.Phase = analyser.PhaseConnect
			st.txn.Finish = analyser.FinC
			st.txn.StatusCode = 503
			SessionErrors.WithLabelValues(st.txn.Err.String()).Inc()
			analyser.Respond(st.res, 503)
			st.req.Set(ichan.ShutR | ichan.ShutRNow)
			return
		}
		if st.ss.State() == si.Est {
			st.connected = true
			st.res.SetAnalysers(analyser.ResponseChain)
			st.ss.SetNoDelay()
			return
		}
		if retryAfter > 0 {
			st.sched.Schedule(st.task, clock.Add(st.reqCtx.Now, retryAfter))
		}
	}
}

// maybeFinalize runs once both channels' analyser chains have emptied for
// the current transaction, applying the FINALIZE_* action implied by the
// resolved connection mode.
func (st *Stream) maybeFinalize() {
	if st.finalized || st.req.Analysers() != 0 || st.res.Analysers() != 0 {
		return
	}
	if st.txn.StatusCode == 0 {
		return
	}
	st.finalized = true

	FinishStates.WithLabelValues(st.txn.Finish.String()).Inc()
	if st.txn.Err != analyser.OriginNone {
		SessionErrors.WithLabelValues(st.txn.Err.String()).Inc()
	}

	switch st.txn.Mode {
	case analyser.ModeTUN:
		analyser.FinalizeTunnel(st.req, st.res)
	case analyser.ModeKAL:
		st.reqMsg, st.resMsg = analyser.FinalizeKeepAlive(st.txn)
		st.reqCtx.Msg = st.reqMsg
		st.resCtx.Msg = st.resMsg
		st.reqFed, st.resFed = 0, 0
		st.reqForwarded, st.resForwarded = 0, 0
		st.req.SetAnalysers(analyser.RequestChain)
		st.res.SetAnalysers(analyser.ResponseChain)
		st.finalized = false
	case analyser.ModeSCL:
		analyser.FinalizeServerClose(st.res)
		st.connected = false
		st.ss = si.New(st.req, st.maxRetries)
		st.reqMsg, st.resMsg = analyser.FinalizeKeepAlive(st.txn)
		st.reqCtx.Msg = st.reqMsg
		st.resCtx.Msg = st.resMsg
		st.reqFed, st.resFed = 0, 0
		st.reqForwarded, st.resForwarded = 0, 0
		st.req.SetAnalysers(analyser.RequestChain)
		st.res.SetAnalysers(analyser.ResponseChain)
		st.finalized = false
	default:
		analyser.FinalizeClose(st.req, st.res)
	}
}

// BytesIn returns the total bytes received from either socket over this
// stream's lifetime, the bin column in show sess/show stat.
func (st *Stream) BytesIn() int64 { return st.bytesIn.Load() }

// BytesOut returns the total bytes written to either socket, the bout
// column in show sess/show stat.
func (st *Stream) BytesOut() int64 { return st.bytesOut.Load() }

// Txn returns the shared transaction state, read by the stats applet.
func (st *Stream) Txn() *analyser.Txn { return st.txn }

// Done reports whether the stream has been fully torn down (both Stream
// Interfaces closed). Callers holding a Stream outside the scheduler
// (e.g. an engine's session registry) poll this to know when to drop
// their own bookkeeping for it.
func (st *Stream) Done() bool { return st.done.Load() }

func (st *Stream) finish() {
	ActiveSessions.Dec()
	SessionDuration.Observe(time.Since(st.startedAt).Seconds())
	st.cs.Close()
	st.ss.Close()
	st.logger.Debug("stream closed", "finish", st.txn.Finish.String(), "status", st.txn.StatusCode)
	if st.traceCloser != nil {
		st.traceCloser.Close()
		if st.txn.StatusCode < 500 {
			logging.RemoveStreamTrace(st.traceDir, st.frontendName, st.ID)
		}
	}
	st.done.Store(true)
}
