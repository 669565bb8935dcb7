// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package peer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/nishisan-dev/rproxy/internal/stick"
)

// PeerFlags is a bitmask of per-peer resync/teach state.
type PeerFlags uint32

const (
	TeachProcess PeerFlags = 1 << iota
	TeachFinished
	TeachComplete
	LearnAssign
	LearnNotUp2Date
	Downgrade
)

// GroupFlags is a bitmask of section-wide resync state.
type GroupFlags uint32

const (
	ResyncLocal GroupFlags = 1 << iota
	ResyncRemote
	ResyncAssign
	ResyncProcess
	DoNotStop
)

// ResyncOrigin selects which side a fresh group starts resync from.
type ResyncOrigin int

const (
	ResyncFromLocal ResyncOrigin = iota
	ResyncFromRemote
)

// reconnectJitterMin and reconnectJitterMax bound the randomized
// reconnect delay applied on soft-stop, avoiding a lock-step reconnection
// storm across every peer in a group.
const (
	reconnectJitterMin = 50 * time.Millisecond
	reconnectJitterMax = 2050 * time.Millisecond
)

// resyncPartialRetry is how long a learner waits before retrying resync
// after a PARTIAL teach.
const resyncPartialRetry = 5 * time.Second

// Peer is one sibling instance's link state: identity, connection status,
// and the shared tables replicated over this link.
type Peer struct {
	mu sync.Mutex

	Name  string
	Flags PeerFlags

	connected       bool
	reconnectAt     time.Time
	statusCode      int
	confirmCounter  int
	minorDowngraded bool

	Tables map[string]*stick.Table
}

// NewPeer creates a disconnected Peer.
func NewPeer(name string) *Peer {
	return &Peer{Name: name, Tables: make(map[string]*stick.Table)}
}

// Connected reports whether the peer link is currently up.
func (p *Peer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SetConnected marks the link's connection status.
func (p *Peer) SetConnected(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = v
}

// ScheduleReconnect arms a jittered reconnect deadline, used on soft-stop
// to spread reconnection attempts across the group instead of every
// session retrying at once.
func (p *Peer) ScheduleReconnect(now time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	jitter := reconnectJitterMin + time.Duration(rand.Int63n(int64(reconnectJitterMax-reconnectJitterMin)))
	p.reconnectAt = now.Add(jitter)
	return p.reconnectAt
}

// Group is a peers section: the set of sibling Peer links sharing one
// resync state machine. At most one peer may hold LearnAssign at a time.
type Group struct {
	mu sync.Mutex

	Flags          GroupFlags
	ResyncDeadline time.Time

	peers    map[string]*Peer
	assigned *Peer
}

// NewGroup creates an empty peers group.
func NewGroup() *Group {
	return &Group{peers: make(map[string]*Peer)}
}

// AddPeer registers a sibling link with the group.
func (g *Group) AddPeer(p *Peer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers[p.Name] = p
}

// Assigned returns the peer currently holding LearnAssign, or nil.
func (g *Group) Assigned() *Peer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.assigned
}

// TryAssign attempts to give p the LEARN_ASSIGN/RESYNC_ASSIGN role. It
// enforces the group invariant that at most one peer holds the
// assignment: if another peer already holds it, TryAssign is a no-op and
// returns false.
func (g *Group) TryAssign(p *Peer) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.assigned != nil && g.assigned != p {
		return false
	}
	g.assigned = p
	g.Flags |= ResyncAssign
	p.mu.Lock()
	p.Flags |= LearnAssign
	p.mu.Unlock()
	return true
}

// ClearAssignment releases the LEARN_ASSIGN role, called when the lesson
// finishes (FINISHED/PARTIAL) or the assigned peer's session dies.
func (g *Group) ClearAssignment() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.assigned != nil {
		g.assigned.mu.Lock()
		g.assigned.Flags &^= LearnAssign
		g.assigned.mu.Unlock()
	}
	g.assigned = nil
	g.Flags &^= ResyncAssign
}

// OnConnectSuccess runs the resync-election step on a peer connect that
// just completed its handshake with StatusSuccess, per spec.md's election
// rules: a fresh RESYNC_FROMLOCAL group assigns the local peer session
// that just attached; a fresh RESYNC_FROMREMOTE group assigns the first
// remote success seen, if no assignment exists yet.
func (g *Group) OnConnectSuccess(p *Peer, origin ResyncOrigin, isLocalSession bool) bool {
	switch origin {
	case ResyncFromLocal:
		if isLocalSession {
			return g.TryAssign(p)
		}
		return false
	case ResyncFromRemote:
		g.mu.Lock()
		already := g.assigned != nil
		g.mu.Unlock()
		if already {
			return false
		}
		return g.TryAssign(p)
	}
	return false
}

// OnTeachFinished records a clean teach completion: the group gains
// RESYNC_LOCAL|RESYNC_REMOTE and the assignment is released.
func (g *Group) OnTeachFinished() {
	g.mu.Lock()
	g.Flags |= ResyncLocal | ResyncRemote
	g.mu.Unlock()
	g.ClearAssignment()
}

// OnTeachPartial records a partial teach: the learner is marked
// not-up-to-date and the group's resync deadline is armed for a retry
// after resyncPartialRetry.
func (g *Group) OnTeachPartial(p *Peer, now time.Time) {
	p.mu.Lock()
	p.Flags |= LearnNotUp2Date
	p.mu.Unlock()
	g.mu.Lock()
	g.ResyncDeadline = now.Add(resyncPartialRetry)
	g.mu.Unlock()
	g.ClearAssignment()
}

// SoftStop marks the group DoNotStop while the local teacher finishes any
// in-flight lesson, and schedules a jittered reconnect for every other
// connected peer so they don't all reconnect in lock-step.
func (g *Group) SoftStop(now time.Time) {
	g.mu.Lock()
	g.Flags |= DoNotStop
	peers := make([]*Peer, 0, len(g.peers))
	for _, p := range g.peers {
		peers = append(peers, p)
	}
	g.mu.Unlock()

	for _, p := range peers {
		if p.Connected() {
			p.ScheduleReconnect(now)
		}
	}
}

// RequestDowngrade marks a peer sticky for the downgraded protocol minor,
// used after that peer answers a handshake with StatusVersion.
func (p *Peer) RequestDowngrade() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minorDowngraded = true
	p.Flags |= Downgrade
}

// NegotiatedMinor returns the protocol minor this peer should advertise
// on its next connect attempt.
func (p *Peer) NegotiatedMinor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.minorDowngraded {
		return ProtocolMinorDowngrade
	}
	return ProtocolMinor
}
