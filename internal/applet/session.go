// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package applet

import (
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/rproxy/internal/clock"
	"github.com/nishisan-dev/rproxy/internal/ichan"
	"github.com/nishisan-dev/rproxy/internal/si"
	"github.com/nishisan-dev/rproxy/internal/task"
)

const (
	defaultBufSize = 8 * 1024
	pollInterval   = 20 * time.Millisecond
)

// Session is one accepted connection to the admin socket: a client-facing
// channel pair driven by an Applet through an applet-endpoint si.SI. Unlike
// internal/session.Stream there is no backend SI; the SI here only tracks
// the shutdown/close state machine, while process itself invokes the
// applet and pumps the one real socket directly.
type Session struct {
	ID uint64

	logger *slog.Logger
	conn   net.Conn
	applet *Applet

	ep  *si.SI // applet endpoint, bound to res (the command-output channel)
	req *ichan.Channel
	res *ichan.Channel

	sched *task.Scheduler
	task  *task.Task
}

// NewSession creates an admin Session for an accepted connection. bufSize
// <= 0 uses the package default.
func NewSession(id uint64, conn net.Conn, applet *Applet, bufSize int, logger *slog.Logger) *Session {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	req := ichan.New(bufSize, 0, 0, 0)
	res := ichan.New(bufSize, 0, 0, 0)

	ep := si.New(res, 0)
	ep.BindApplet(applet)

	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		ID:     id,
		logger: logger.With("admin_session", id),
		conn:   conn,
		applet: applet,
		ep:     ep,
		req:    req,
		res:    res,
	}
}

// Start spawns the session's task and wakes it immediately.
func (s *Session) Start(sched *task.Scheduler) {
	s.sched = sched
	s.task = sched.Spawn(func(t *task.Task, now clock.Tick) *task.Task {
		return s.process(t, now)
	}, s, 0)
	sched.Wake(s.task)
}

func (s *Session) process(t *task.Task, now clock.Tick) *task.Task {
	pumpReadInto(s.conn, s.req)

	done, err := s.applet.Handle(s.req, s.res)
	if err != nil {
		s.logger.Debug("admin applet error", "error", err)
		done = true
	}
	if !done && s.req.Has(ichan.ShutR) {
		// client disconnected mid-command: nothing more will ever arrive
		// for Handle to parse a terminator out of, so force the close.
		done = true
	}
	if done {
		s.res.Set(ichan.ShutR)
		s.res.Set(ichan.ShutWNow)
	}

	pumpWriteFrom(s.conn, s.res)

	for s.ep.Update() {
	}

	if s.ep.State() == si.Clo && s.res.Buffer().OutputLen() == 0 {
		s.finish()
		return nil
	}

	s.sched.Schedule(t, clock.Add(now, pollInterval))
	return t
}

func (s *Session) finish() {
	s.conn.Close()
	s.logger.Debug("admin session closed")
}

func pumpReadInto(conn net.Conn, ch *ichan.Channel) {
	if conn == nil || ch.Has(ichan.ShutR) {
		return
	}
	free := ch.Buffer().Free()
	if free <= 0 {
		return
	}
	conn.SetReadDeadline(time.Now())
	tmp := make([]byte, free)
	n, err := conn.Read(tmp)
	if n > 0 {
		ch.Buffer().PutBlock(tmp[:n])
	}
	if err == nil {
		return
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return
	}
	ch.Set(ichan.ShutR)
}

func pumpWriteFrom(conn net.Conn, ch *ichan.Channel) {
	if conn == nil {
		return
	}
	n := ch.Buffer().OutputLen()
	if n == 0 {
		return
	}
	first, second := ch.Buffer().GetBlockNC(n)
	conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
	written := 0
	if len(first) > 0 {
		w, werr := conn.Write(first)
		written += w
		if werr != nil {
			ch.Buffer().Skip(written)
			return
		}
	}
	if len(second) > 0 {
		w, werr := conn.Write(second)
		written += w
		if werr != nil {
			ch.Buffer().Skip(written)
			return
		}
	}
	ch.Buffer().Skip(written)
}
