// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package si implements the Stream Interface: a session endpoint managing
// one transport, either a socket or an in-process applet. update(si) is
// the fixpoint driver that reconciles channel flags with socket/applet
// readiness, issues half/full closes, and advances the state machine.
package si

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/rproxy/internal/ichan"
)

// State is one endpoint's position in the connect/established/close
// lifecycle.
type State int

const (
	Init State = iota
	Req
	Que
	Tar // tarpit delay
	Ass
	Con
	Cer // connect error, may retry
	Est
	Dis
	Clo
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Req:
		return "REQ"
	case Que:
		return "QUE"
	case Tar:
		return "TAR"
	case Ass:
		return "ASS"
	case Con:
		return "CON"
	case Cer:
		return "CER"
	case Est:
		return "EST"
	case Dis:
		return "DIS"
	case Clo:
		return "CLO"
	default:
		return "UNKNOWN"
	}
}

// Flags is a bitmask of per-SI behavior switches.
type Flags uint32

const (
	NoLinger Flags = 1 << iota
	NoHalf
	WaitRoom
	CleanAbrt
)

// Applet is the in-process handler backing an applet-endpoint SI. The
// scheduler invokes Handle whenever the SI is runnable; the handler reads
// from the out channel (client request) and writes to the in channel
// (response), yielding cooperatively when blocked on room or data.
type Applet interface {
	Handle(out, in *ichan.Channel) (done bool, err error)
}

// ErrConnRetriesExhausted is returned by Connect once conn_retries has
// been exhausted without a successful connection.
var ErrConnRetriesExhausted = errors.New("si: connect retries exhausted")

// maxConnectBackoff caps the exponential jitter applied between CER→ASS
// retry attempts.
const maxConnectBackoff = 3 * time.Second

// SI is one side of a session: either a socket transport or an applet.
type SI struct {
	state State
	flags Flags

	channel *ichan.Channel // the Channel this endpoint reads/writes

	conn   net.Conn
	applet Applet

	retries    int
	maxRetries int
	attempt    int

	err error
}

// New creates an SI bound to channel, initially in INIT state.
func New(channel *ichan.Channel, maxRetries int) *SI {
	return &SI{channel: channel, state: Init, maxRetries: maxRetries}
}

// State returns the current state-machine state.
func (s *SI) State() State { return s.state }

// Flags returns the current flag bitmask.
func (s *SI) Flags() Flags { return s.flags }

// SetFlags raises the given flags.
func (s *SI) SetFlags(f Flags) { s.flags |= f }

// Has reports whether all bits in f are set.
func (s *SI) Has(f Flags) bool { return s.flags&f == f }

// Err returns the last transport error observed, if any.
func (s *SI) Err() error { return s.err }

// BindApplet attaches an in-process applet as this SI's transport,
// marking it as the applet-endpoint variant rather than a socket.
func (s *SI) BindApplet(a Applet) {
	s.applet = a
	s.state = Est
}

// IsApplet reports whether this SI's transport is an applet rather than a
// socket.
func (s *SI) IsApplet() bool { return s.applet != nil }

// BindConn attaches an already-established socket as this SI's transport
// and moves it directly to EST, for the accept side of a stream (the
// listener already completed the three-way handshake; there is no REQ/ASS
// walk to do).
func (s *SI) BindConn(conn net.Conn) {
	s.conn = conn
	s.state = Est
}

// Conn returns the underlying socket, or nil for an applet-endpoint SI or
// one that has not connected yet.
func (s *SI) Conn() net.Conn { return s.conn }

// AssignTarget moves SI from REQ to ASS: a backend server has been
// chosen and dialing can begin.
func (s *SI) AssignTarget() {
	if s.state == Init {
		s.state = Req
	}
	s.state = Ass
}

// Enqueue moves SI from REQ to QUE: admission is gated behind a queue
// (maxconn reached, no server available yet).
func (s *SI) Enqueue() { s.state = Que }

// Dequeue moves SI back out of QUE once admission allows a connect
// attempt.
func (s *SI) Dequeue() { s.state = Ass }

// Tarpit moves SI into the TAR state: the request is deliberately held,
// never connected to a backend, until the tarpit delay elapses.
func (s *SI) Tarpit() { s.state = Tar }

// Connect attempts to dial addr. On failure, if retries remain, it
// transitions CON→CER→ASS for a fresh attempt after a jittered
// exponential backoff and returns the retry delay; on final exhaustion it
// returns ErrConnRetriesExhausted.
func (s *SI) Connect(dial func() (net.Conn, error)) (retryAfter time.Duration, err error) {
	s.state = Con
	conn, dialErr := dial()
	if dialErr == nil {
		s.conn = conn
		s.state = Est
		s.err = nil
		return 0, nil
	}

	s.err = fmt.Errorf("si: connect: %w", dialErr)
	s.state = Cer
	if s.retries >= s.maxRetries {
		s.state = Clo
		return 0, ErrConnRetriesExhausted
	}
	s.retries++
	s.attempt++
	backoff := time.Duration(1<<uint(s.attempt)) * 10 * time.Millisecond
	if backoff > maxConnectBackoff {
		backoff = maxConnectBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)))
	s.state = Ass
	return backoff/2 + jitter, nil
}

// shutR performs the read-half shutdown appropriate to this SI's NOHALF
// setting: NOHALF promotes a read EOF directly to full close instead of a
// half-close.
func (s *SI) shutR() {
	s.channel.Set(ichan.ShutR)
	if s.Has(NoHalf) {
		s.shutW()
	}
}

// shutW performs the write-half shutdown, abortive when NOLINGER is set.
func (s *SI) shutW() {
	s.channel.Set(ichan.ShutW)
	if s.conn != nil {
		if s.Has(NoLinger) {
			s.abortiveClose()
			return
		}
		if tc, ok := s.conn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}
}

// abortiveClose sets SO_LINGER{0,0} before closing, discarding unsent
// data and forcing an RST instead of a graceful FIN sequence.
func (s *SI) abortiveClose() error {
	if s.conn == nil {
		return nil
	}
	tc, ok := s.conn.(*net.TCPConn)
	if !ok {
		return s.conn.Close()
	}
	rawConn, err := tc.SyscallConn()
	if err != nil {
		return fmt.Errorf("si: raw conn for abortive close: %w", err)
	}
	var sysErr error
	if err := rawConn.Control(func(fd uintptr) {
		sysErr = unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
	}); err != nil {
		return fmt.Errorf("si: control fd for abortive close: %w", err)
	}
	if sysErr != nil {
		return fmt.Errorf("si: setsockopt SO_LINGER: %w", sysErr)
	}
	return tc.Close()
}

// SetNoDelay enables TCP_NODELAY on the underlying socket, used once an
// SI reaches EST for latency-sensitive proxying.
func (s *SI) SetNoDelay() error {
	tc, ok := s.conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	return tc.SetNoDelay(true)
}

// Update is the fixpoint driver: it reconciles the channel's shutdown
// flags with the transport and advances the state machine. It returns
// true if it made progress (a caller should call Update again before
// suspending, since analysers may have set new flags as a result).
func (s *SI) Update() bool {
	progressed := false

	if s.channel.Has(ichan.ShutWNow) && !s.channel.Has(ichan.ShutW) {
		s.shutW()
		progressed = true
	}
	if s.channel.Has(ichan.ShutRNow) && !s.channel.Has(ichan.ShutR) {
		s.shutR()
		progressed = true
	}

	if s.channel.Idle() && s.state == Est {
		s.state = Dis
		progressed = true
	}

	if s.state == Dis && s.channel.Has(ichan.ShutW) {
		s.state = Clo
		progressed = true
	}

	return progressed
}

// Close tears down the transport, called once the SI reaches CLO.
func (s *SI) Close() error {
	s.state = Clo
	if s.conn != nil {
		if s.Has(NoLinger) {
			return s.abortiveClose()
		}
		return s.conn.Close()
	}
	return nil
}
