// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ichan implements the Channel: one direction of a session's byte
// pipeline. A Channel owns a Buffer, a bitmask of flags, the analyser
// schedule for this direction, and the timers that drive re-entry of a
// suspended analyser.
package ichan

import (
	"github.com/nishisan-dev/rproxy/internal/buf"
	"github.com/nishisan-dev/rproxy/internal/clock"
)

// Flags is a bitmask of per-direction channel state. Multiple flags can be
// set at once; Channel never clears a terminal flag (SHUTR/SHUTW) once set.
type Flags uint32

const (
	ReadError Flags = 1 << iota
	ReadTimeout
	ReadNull // peer performed an orderly half-close
	ReadPartial
	WriteError
	WriteTimeout
	ShutR
	ShutRNow
	ShutW
	ShutWNow
	ReadDontWait
	WakeWrite
	ExpectMore
	NeverWait
	IsResp
)

// Channel is one direction (request or response) of a stream's byte
// pipeline: a Buffer plus the flags, counters and deadlines the analyser
// chain needs to decide whether to run, suspend, or close.
type Channel struct {
	buffer *buf.Buffer

	flags Flags

	toForward int // bytes the current analyser has cleared to pass through untouched

	analysers  uint32     // bitmask of analyser bits still pending on this channel
	analyseExp clock.Tick // deadline installed by a suspended analyser

	rex clock.Tick // read expiry: deadline for the next read to make progress
	wex clock.Tick // write expiry: deadline for the next write to make progress
	rto int64      // configured read timeout, ms (0 == no timeout)
	wto int64      // configured write timeout, ms (0 == no timeout)

	dontConnect bool
	dontClose   bool
	autoClose   bool
	autoRead    bool
	autoConnect bool
	rewritable  bool
}

// New creates a Channel backed by a Buffer of the given capacity and
// rewrite reserve, with the given read/write timeouts in milliseconds.
func New(bufSize, reserve int, rto, wto int64) *Channel {
	return &Channel{
		buffer:     buf.New(bufSize, reserve),
		rto:        rto,
		wto:        wto,
		rex:        clock.Eternity,
		wex:        clock.Eternity,
		analyseExp: clock.Eternity,
		autoRead:   true,
	}
}

// Buffer returns the underlying byte buffer.
func (c *Channel) Buffer() *buf.Buffer { return c.buffer }

// Flags returns the current flag bitmask.
func (c *Channel) Flags() Flags { return c.flags }

// Has reports whether all bits in f are set.
func (c *Channel) Has(f Flags) bool { return c.flags&f == f }

// Set raises the given flags. SHUTR/SHUTW are latches: once set they are
// never cleared by Set/Clear, only observed.
func (c *Channel) Set(f Flags) { c.flags |= f }

// Clear lowers the given flags, except the shutdown latches which this
// function refuses to clear: callers must not un-shutdown a channel.
func (c *Channel) Clear(f Flags) {
	f &^= ShutR | ShutRNow | ShutW | ShutWNow
	c.flags &^= f
}

// ToForward returns the number of bytes the analyser chain has cleared to
// pass through untouched for this channel.
func (c *Channel) ToForward() int { return c.toForward }

// Forward advances up to n bytes from the buffer's input region to its
// output region and reduces the to-forward counter by the amount actually
// moved. It returns the number of bytes forwarded.
func (c *Channel) Forward(n int) int {
	if c.toForward >= 0 && n > c.toForward {
		n = c.toForward
	}
	moved := c.buffer.Advance(n)
	if c.toForward > 0 {
		c.toForward -= moved
	}
	return moved
}

// SetToForward sets the to-forward counter. A negative value means
// "forward indefinitely" (used once headers are fully parsed and the rest
// of the body is opaque, e.g. CONNECT tunnels or unbounded chunked bodies
// with forwarding already validated).
func (c *Channel) SetToForward(n int) { c.toForward = n }

// ChannelFull reports whether free buffer space has fallen to or below
// reserve: the condition a rewrite-capable analyser must check before it
// can safely continue to buffer more input.
func (c *Channel) ChannelFull(reserve int) bool {
	return c.buffer.Full(reserve)
}

// DontConnect reports whether this channel must not initiate (or allow) a
// backend connection yet — set while request body/headers are still
// pending validation.
func (c *Channel) DontConnect() bool { return c.dontConnect }

// SetDontConnect sets or clears DontConnect.
func (c *Channel) SetDontConnect(v bool) { c.dontConnect = v }

// DontClose reports whether the channel must stay open even after
// SHUTR+empty output would otherwise make it eligible for close (kept
// open, for example, while pipelined requests remain on the same stream).
func (c *Channel) DontClose() bool { return c.dontClose }

// SetDontClose sets or clears DontClose.
func (c *Channel) SetDontClose(v bool) { c.dontClose = v }

// AutoClose reports whether SHUTW on this channel should cascade into
// SHUTR on the peer channel once output has drained (tunnel-mode default).
func (c *Channel) AutoClose() bool { return c.autoClose }

// SetAutoClose sets or clears AutoClose.
func (c *Channel) SetAutoClose(v bool) { c.autoClose = v }

// AutoRead reports whether the stream interface should keep issuing reads
// on this channel without an analyser explicitly requesting each one.
func (c *Channel) AutoRead() bool { return c.autoRead }

// SetAutoRead sets or clears AutoRead.
func (c *Channel) SetAutoRead(v bool) { c.autoRead = v }

// AutoConnect reports whether the stream interface should initiate the
// backend connection as soon as DontConnect is lifted, without waiting for
// an explicit analyser signal.
func (c *Channel) AutoConnect() bool { return c.autoConnect }

// SetAutoConnect sets or clears AutoConnect.
func (c *Channel) SetAutoConnect(v bool) { c.autoConnect = v }

// IsRewritable reports whether the active analyser is still allowed to
// call Buffer.Replace on this channel's output region (false once bytes
// have started forwarding to the peer channel and rewriting would
// desynchronise already-sent data).
func (c *Channel) IsRewritable() bool { return c.rewritable }

// SetRewritable sets or clears IsRewritable.
func (c *Channel) SetRewritable(v bool) { c.rewritable = v }

// AnalyserPending reports whether any bit in mask is still set in the
// channel's pending-analyser bitmask.
func (c *Channel) AnalyserPending(mask uint32) bool { return c.analysers&mask != 0 }

// SetAnalysers replaces the pending-analyser bitmask wholesale, used when a
// stream installs its initial analyser chain for this direction.
func (c *Channel) SetAnalysers(mask uint32) { c.analysers = mask }

// ClearAnalyser removes a single analyser bit once that analyser has run
// to completion (or been skipped) for this channel.
func (c *Channel) ClearAnalyser(bit uint32) { c.analysers &^= bit }

// Analysers returns the current pending-analyser bitmask.
func (c *Channel) Analysers() uint32 { return c.analysers }

// SuspendAnalyser installs an analyse_exp deadline: the analyser chain
// will be re-entered at or after this tick, with a timeout flag set if no
// forward progress occurred before then.
func (c *Channel) SuspendAnalyser(now clock.Tick, timeout int64) {
	if timeout <= 0 {
		c.analyseExp = clock.Eternity
		return
	}
	c.analyseExp = now + clock.Tick(timeout)
}

// AnalyseExpired reports whether the installed analyse_exp deadline has
// passed as of now, and if so clears it and sets the read-timeout flag
// (callers apply this on the input side; response-side wiring is
// symmetric and left to the session driver).
func (c *Channel) AnalyseExpired(now clock.Tick) bool {
	if !clock.Expired(now, c.analyseExp) {
		return false
	}
	c.analyseExp = clock.Eternity
	c.flags |= ReadTimeout
	return true
}

// ArmRead installs the read-expiry deadline from the configured read
// timeout, relative to now. A zero timeout means no deadline.
func (c *Channel) ArmRead(now clock.Tick) {
	if c.rto <= 0 {
		c.rex = clock.Eternity
		return
	}
	c.rex = now + clock.Tick(c.rto)
}

// ArmWrite installs the write-expiry deadline from the configured write
// timeout, relative to now.
func (c *Channel) ArmWrite(now clock.Tick) {
	if c.wto <= 0 {
		c.wex = clock.Eternity
		return
	}
	c.wex = now + clock.Tick(c.wto)
}

// ReadExpired reports whether the read-expiry deadline has passed.
func (c *Channel) ReadExpired(now clock.Tick) bool { return clock.Expired(now, c.rex) }

// WriteExpired reports whether the write-expiry deadline has passed.
func (c *Channel) WriteExpired(now clock.Tick) bool { return clock.Expired(now, c.wex) }

// NextDeadline returns the earliest of the channel's pending deadlines,
// the value the scheduler uses to decide when this channel's stream next
// needs to run even with no I/O ready.
func (c *Channel) NextDeadline() clock.Tick {
	d := c.analyseExp
	if c.rex < d {
		d = c.rex
	}
	if c.wex < d {
		d = c.wex
	}
	return d
}

// PeekInput returns a contiguous copy of the first n unconsumed input bytes
// (or fewer if less is available), for analysers that need to hand new
// bytes to an incremental parser without committing them to output yet.
func (c *Channel) PeekInput(n int) []byte {
	first, second := c.buffer.PeekInputNC(n)
	if second == nil {
		return first
	}
	out := make([]byte, 0, len(first)+len(second))
	out = append(out, first...)
	out = append(out, second...)
	return out
}

// Idle reports the terminal-for-this-direction condition from the shutdown
// invariant: SHUTR set, no buffered input or output left, and nothing left
// to forward. Once Idle is true the analyser chain makes no further progress
// on this channel and the stream interface may close it.
func (c *Channel) Idle() bool {
	return c.Has(ShutR) && c.buffer.InputLen() == 0 && c.buffer.OutputLen() == 0 && c.toForward == 0
}
