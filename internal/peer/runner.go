// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package peer

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/nishisan-dev/rproxy/internal/stick"
	"github.com/robfig/cron/v3"
)

// Endpoint is one member of a peers section: a name and the address that
// name listens on. The entry whose Name matches the local node's own
// name is where this node listens; every other entry is a sibling it
// dials, matching haproxy's convention of one shared roster for both
// directions.
type Endpoint struct {
	Name    string
	Address string
}

const (
	dialInitialDelay = 500 * time.Millisecond
	dialMaxDelay     = 30 * time.Second
	dialTimeout      = 10 * time.Second
	readIdleTimeout  = 30 * time.Second
)

// liveConn is a live session's write side, guarded by its own lock since the
// session's read loop and the periodic push supervisor both write frames
// to it.
type liveConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *liveConn) write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// Runner drives the peer-sync mesh for one local endpoint: it listens for
// inbound sibling connections, dials every other configured sibling with
// a backoff reconnect loop, and runs the resync/teach/learn protocol
// described in internal/peer's wire-format files over each live link.
type Runner struct {
	localName string
	local     Endpoint
	remotes   []Endpoint

	tblMu  sync.RWMutex
	tables map[string]*stick.Table

	group *Group
	peers map[string]*Peer

	connMu sync.RWMutex
	conns  map[string]*liveConn

	serverTLS *tls.Config
	clientTLS *tls.Config

	logger *slog.Logger
	pid    int
}

// NewRunner builds a Runner for localName. endpoints must contain an
// entry named localName (its Address is what this node listens on);
// every other entry becomes a sibling link this node dials.
func NewRunner(localName string, endpoints []Endpoint, tables map[string]*stick.Table, logger *slog.Logger) (*Runner, error) {
	var local Endpoint
	var remotes []Endpoint
	found := false
	for _, e := range endpoints {
		if e.Name == localName {
			local = e
			found = true
			continue
		}
		remotes = append(remotes, e)
	}
	if !found {
		return nil, fmt.Errorf("peer: local_name %q not present in peers list", localName)
	}

	group := NewGroup()
	peers := make(map[string]*Peer, len(remotes))
	for _, r := range remotes {
		p := NewPeer(r.Name)
		peers[r.Name] = p
		group.AddPeer(p)
	}

	return &Runner{
		localName: localName,
		local:     local,
		remotes:   remotes,
		tables:    tables,
		group:     group,
		peers:     peers,
		conns:     make(map[string]*liveConn),
		logger:    logger,
		pid:       os.Getpid(),
	}, nil
}

// SetTLS arms mutual TLS for every peer link this Runner drives: inbound
// connections are served with serverCfg, outbound dials use clientCfg.
// Leaving it unset (the default) runs plain TCP — internal/si and the
// wire protocol above don't care which, so TLS is purely a transport
// concern of this package's dial/listen calls.
func (r *Runner) SetTLS(serverCfg, clientCfg *tls.Config) {
	r.serverTLS = serverCfg
	r.clientTLS = clientCfg
}

// Run listens on the local endpoint, dials every sibling, and blocks
// until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	var ln net.Listener
	var err error
	if r.serverTLS != nil {
		ln, err = tls.Listen("tcp", r.local.Address, r.serverTLS)
	} else {
		ln, err = net.Listen("tcp", r.local.Address)
	}
	if err != nil {
		return fmt.Errorf("peer: listening on %s: %w", r.local.Address, err)
	}
	defer ln.Close()
	r.logger.Info("peer listener started", "name", r.localName, "address", r.local.Address)

	go r.acceptLoop(ctx, ln)

	c := cron.New()
	if _, err := c.AddFunc("@every 5s", r.pushAll); err != nil {
		return fmt.Errorf("peer: scheduling resync push: %w", err)
	}
	c.Start()
	defer c.Stop()

	for _, remote := range r.remotes {
		go r.dialLoop(ctx, remote)
	}

	<-ctx.Done()
	r.logger.Info("peer runner shutting down")
	return nil
}

func (r *Runner) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				r.logger.Error("accepting peer connection", "error", err)
				continue
			}
		}
		go r.serveInbound(ctx, conn)
	}
}

func (r *Runner) serveInbound(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	hs, err := ReadHandshake(br)
	if err != nil {
		r.logger.Warn("peer handshake read failed", "error", err)
		return
	}
	if hs.Major != ProtocolMajor {
		WriteHandshakeStatus(conn, StatusProto)
		return
	}
	if hs.RemotePeerName != r.localName {
		WriteHandshakeStatus(conn, StatusHost)
		return
	}
	p, ok := r.peers[hs.LocalPeerName]
	if !ok {
		WriteHandshakeStatus(conn, StatusPeer)
		return
	}
	if err := WriteHandshakeStatus(conn, StatusSuccess); err != nil {
		return
	}

	r.logger.Info("peer connected (inbound)", "peer", p.Name)
	r.runSession(ctx, conn, br, p, false)
}

// dialLoop keeps one sibling link up: dial, handshake, run the session to
// completion, then back off and retry. The backoff shape (fixed initial
// delay, doubling, capped) mirrors the teacher's ControlChannel reconnect
// loop; once a session ends cleanly, the jittered ScheduleReconnect delay
// takes over instead, spreading reconnects across a group the way a
// soft-stop does.
func (r *Runner) dialLoop(ctx context.Context, remote Endpoint) {
	p := r.peers[remote.Name]
	delay := dialInitialDelay

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := r.dial(remote.Address)
		if err != nil {
			r.logger.Warn("dialing peer failed, will retry", "peer", remote.Name, "error", err, "delay", delay)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay *= 2
			if delay > dialMaxDelay {
				delay = dialMaxDelay
			}
			continue
		}
		delay = dialInitialDelay

		br, err := r.clientHandshake(conn, p)
		if err != nil {
			r.logger.Warn("peer handshake failed", "peer", remote.Name, "error", err)
			conn.Close()
			if !sleepCtx(ctx, dialInitialDelay) {
				return
			}
			continue
		}

		r.logger.Info("peer connected (outbound)", "peer", remote.Name)
		r.runSession(ctx, conn, br, p, true)
		conn.Close()

		wait := time.Until(p.ScheduleReconnect(time.Now()))
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (r *Runner) dial(address string) (net.Conn, error) {
	if r.clientTLS != nil {
		return tls.DialWithDialer(&net.Dialer{Timeout: dialTimeout}, "tcp", address, r.clientTLS)
	}
	return net.DialTimeout("tcp", address, dialTimeout)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (r *Runner) clientHandshake(conn net.Conn, p *Peer) (*bufio.Reader, error) {
	h := Handshake{
		Major:          ProtocolMajor,
		Minor:          p.NegotiatedMinor(),
		RemotePeerName: p.Name,
		LocalPeerName:  r.localName,
		PID:            r.pid,
	}
	if err := WriteHandshake(conn, h); err != nil {
		return nil, err
	}
	br := bufio.NewReader(conn)
	status, err := ReadHandshakeStatus(br)
	if err != nil {
		return nil, err
	}
	switch status {
	case StatusSuccess:
		return br, nil
	case StatusVersion:
		p.RequestDowngrade()
		return nil, fmt.Errorf("peer: %s requested a protocol downgrade", p.Name)
	default:
		return nil, fmt.Errorf("peer: handshake rejected with status %d", status)
	}
}

// resyncOrigin decides which side of a fresh group is authoritative: a
// node starting with data in any of its tables teaches; an empty node
// learns. This is evaluated once per session rather than stored at
// startup so a node that was empty at boot but has since been taught by
// an earlier link teaches correctly to the next one.
func (r *Runner) resyncOrigin() ResyncOrigin {
	r.tblMu.RLock()
	defer r.tblMu.RUnlock()
	for _, t := range r.tables {
		if t.Len() > 0 {
			return ResyncFromLocal
		}
	}
	return ResyncFromRemote
}

// runSession drives one peer link's streaming phase until it errors or
// ctx is cancelled: election, an optional resync request, then the
// message dispatch loop.
func (r *Runner) runSession(ctx context.Context, conn net.Conn, br *bufio.Reader, p *Peer, isLocalSession bool) {
	p.SetConnected(true)
	lc := &liveConn{conn: conn}
	r.connMu.Lock()
	r.conns[p.Name] = lc
	r.connMu.Unlock()
	defer func() {
		p.SetConnected(false)
		r.group.ClearAssignment()
		r.connMu.Lock()
		delete(r.conns, p.Name)
		r.connMu.Unlock()
	}()

	if r.group.OnConnectSuccess(p, r.resyncOrigin(), isLocalSession) {
		r.logger.Debug("peer resync assigned, requesting teach", "peer", p.Name)
		r.resetContiguity()
		req := Message{Class: ClassControl, Type: CtrlResyncReq}
		if err := lc.write(req.Encode(nil)); err != nil {
			r.logger.Warn("sending resync request failed", "peer", p.Name, "error", err)
			return
		}
	}

	var current *stick.Table
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		msg, err := ReadMessage(br)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			r.logger.Debug("peer session ended", "peer", p.Name, "error", err)
			return
		}

		next, err := r.handleMessage(lc, p, msg, current)
		if err != nil {
			r.logger.Warn("peer message handling failed", "peer", p.Name, "error", err)
			return
		}
		if next != nil {
			current = next
		}
	}
}

func (r *Runner) resetContiguity() {
	r.tblMu.RLock()
	defer r.tblMu.RUnlock()
	for _, t := range r.tables {
		t.ResetContiguity()
	}
}

// handleMessage dispatches one frame. A non-nil *stick.Table return value
// means msg was a DEFINE that resolved to a known local table; callers
// track it as the session's "current" table for the UPDATE frames that
// follow, since UPDATE payloads carry no table name of their own.
func (r *Runner) handleMessage(lc *liveConn, p *Peer, msg Message, current *stick.Table) (*stick.Table, error) {
	switch msg.Class {
	case ClassControl:
		switch msg.Type {
		case CtrlResyncReq:
			return nil, r.teach(lc, p)
		case CtrlResyncFinished:
			r.group.OnTeachFinished()
			confirm := Message{Class: ClassControl, Type: CtrlResyncConfirm}
			return nil, lc.write(confirm.Encode(nil))
		case CtrlResyncPartial:
			r.group.OnTeachPartial(p, time.Now())
			return nil, nil
		case CtrlResyncConfirm:
			return nil, nil
		}
		return nil, nil
	case ClassStickTable:
		return r.handleStickMessage(p, msg, current)
	case ClassError:
		return nil, fmt.Errorf("peer: remote reported ERRPROTO")
	}
	return nil, nil
}

func (r *Runner) handleStickMessage(p *Peer, msg Message, current *stick.Table) (*stick.Table, error) {
	switch msg.Type {
	case StickDefine:
		d, err := DecodeDefine(msg.Payload)
		if err != nil {
			return nil, err
		}
		r.tblMu.RLock()
		t, ok := r.tables[d.Name]
		r.tblMu.RUnlock()
		if !ok {
			r.logger.Warn("peer defined a table this node doesn't have, ignoring", "table", d.Name, "peer", p.Name)
			return nil, nil
		}
		return t, nil
	case StickUpdate, StickIncUpdate, StickUpdateTimed, StickIncUpdateTimed:
		if current == nil {
			return nil, fmt.Errorf("peer: UPDATE received before DEFINE selected a table")
		}
		// This runner only ever emits StickUpdate/StickUpdateTimed itself
		// (every pushed row carries an explicit id), so a bare INCUPDATE
		// from a differently-behaved peer is treated as continuing the
		// contiguous sequence rather than decoded with an id field.
		hasID := msg.Type == StickUpdate || msg.Type == StickUpdateTimed
		up, err := DecodeUpdate(msg.Type, msg.Payload, hasID, current.Columns)
		if err != nil {
			return nil, err
		}
		if !hasID {
			up.UpdateID = current.HighestContiguous() + 1
		}
		current.ApplyRemote(up.UpdateID, up.Key, up.Values)
		return nil, nil
	case StickSwitch, StickAck:
		return nil, nil
	}
	return nil, nil
}

// teach answers a CTRL_RESYNCREQ: every local table is sent as a DEFINE
// followed by one STICKUPDATE per live row, then CTRL_RESYNCFINISHED.
func (r *Runner) teach(lc *liveConn, p *Peer) error {
	r.tblMu.RLock()
	defer r.tblMu.RUnlock()
	for name, t := range r.tables {
		if err := r.sendSnapshot(lc, name, t); err != nil {
			return fmt.Errorf("teaching %s to %s: %w", name, p.Name, err)
		}
	}
	fin := Message{Class: ClassControl, Type: CtrlResyncFinished}
	return lc.write(fin.Encode(nil))
}

// sendSnapshot pushes one table's DEFINE and current rows over lc as a
// self-contained batch of sequential update-ids, suitable both for an
// initial teach and for the periodic incremental push below.
func (r *Runner) sendSnapshot(lc *liveConn, name string, t *stick.Table) error {
	d := DefinePayload{
		LocalID:     1,
		Name:        name,
		Type:        wireTableType(t.KeyType),
		KeySize:     uint64(t.KeySize),
		DataBitmask: columnBitmask(t.Columns),
		ExpireMs:    uint64(t.ExpireMs),
		FreqPeriods: freqPeriodWires(t.Columns),
	}
	define := Message{Class: ClassStickTable, Type: StickDefine, Payload: EncodeDefine(d)}
	if err := lc.write(define.Encode(nil)); err != nil {
		return err
	}

	var id uint64
	for key, row := range t.Snapshot() {
		id++
		up := UpdatePayload{HasUpdateID: true, UpdateID: id, Key: key, Values: row.Values}
		msg := Message{Class: ClassStickTable, Type: StickUpdate, Payload: EncodeUpdate(StickUpdate, up, t.Columns)}
		if err := lc.write(msg.Encode(nil)); err != nil {
			return err
		}
	}
	return nil
}

// pushAll is the cron-driven resync-retry supervisor: every live link
// gets a fresh snapshot of every local table on a fixed cadence. This is
// a coarser substitute for incremental per-write propagation, but it
// keeps the replicated state from drifting without the session/engine
// hot path needing to know which peer links exist.
func (r *Runner) pushAll() {
	r.connMu.RLock()
	live := make(map[string]*liveConn, len(r.conns))
	for name, lc := range r.conns {
		live[name] = lc
	}
	r.connMu.RUnlock()

	r.tblMu.RLock()
	defer r.tblMu.RUnlock()
	for name, lc := range live {
		for tname, t := range r.tables {
			if err := r.sendSnapshot(lc, tname, t); err != nil {
				r.logger.Debug("periodic peer push failed", "peer", name, "table", tname, "error", err)
			}
		}
	}
}

func wireTableType(kt stick.KeyType) byte {
	switch kt {
	case stick.KeyIPv4:
		return 1
	case stick.KeyInteger:
		return 2
	case stick.KeyBinary:
		return 3
	default:
		return 0
	}
}

func columnBitmask(columns []stick.Column) uint64 {
	var mask uint64
	for _, col := range columns {
		mask |= 1 << uint(col.Index)
	}
	return mask
}

func freqPeriodWires(columns []stick.Column) []FreqPeriodWire {
	var out []FreqPeriodWire
	for _, col := range columns {
		if col.Type != stick.TypeFrqp {
			continue
		}
		out = append(out, FreqPeriodWire{Type: byte(stick.TypeFrqp), PeriodMs: uint64(col.Period / time.Millisecond)})
	}
	return out
}
