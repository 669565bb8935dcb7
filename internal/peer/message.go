// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package peer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Class identifies a streaming-phase message's top-level category.
type Class byte

const (
	ClassControl    Class = 0
	ClassError      Class = 1
	ClassStickTable Class = 10
	ClassReserved   Class = 255
)

// Control message types.
const (
	CtrlResyncReq      byte = 0
	CtrlResyncFinished byte = 1
	CtrlResyncPartial  byte = 2
	CtrlResyncConfirm  byte = 3
)

// Stick-table message types.
const (
	StickDefine         byte = 0x82
	StickSwitch         byte = 0x83
	StickAck            byte = 0x84
	StickUpdate         byte = 0x80
	StickIncUpdate      byte = 0x81
	StickUpdateTimed    byte = 0x85
	StickIncUpdateTimed byte = 0x86
)

// Handshake status codes.
const (
	StatusSuccess  = 200
	StatusTryAgain = 300
	StatusProto    = 501
	StatusVersion  = 502
	StatusHost     = 503
	StatusPeer     = 504
)

// ProtocolMajor and ProtocolMinor identify this implementation on the wire
// as "HAProxyS <maj>.<min>". ProtocolMinorDowngrade is offered when a peer
// responds with StatusVersion and reconnects.
const (
	ProtocolMajor          = 2
	ProtocolMinor          = 1
	ProtocolMinorDowngrade = 0
)

// maxPayload bounds a single message's payload at the trash buffer size:
// any declared length beyond this is a framing error per spec.
const maxPayload = 16 * 1024

// Errors a streaming-phase read can surface. Any of these must be
// answered with a class=1 ERROR message and the session closed.
var (
	ErrPayloadTooLarge = errors.New("peer: payload exceeds trash buffer size")
	ErrShortPayload    = errors.New("peer: payload shorter than declared length")
	ErrReservedClass   = errors.New("peer: RESERVED class is never accepted")
)

// Message is one streaming-phase frame: class(1) | type(1) | varint_len |
// payload.
type Message struct {
	Class   Class
	Type    byte
	Payload []byte
}

// Encode serializes m to its wire form, appended to dst.
func (m Message) Encode(dst []byte) []byte {
	dst = append(dst, byte(m.Class), m.Type)
	dst = EncodeVarint(dst, uint64(len(m.Payload)))
	dst = append(dst, m.Payload...)
	return dst
}

// ReadMessage reads one framed message from r. A RESERVED class frame is
// rejected with ErrReservedClass per the protocol's authoritative "reject"
// stance even though nothing in this implementation ever produces one.
func ReadMessage(r io.Reader) (Message, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Message{}, fmt.Errorf("peer: reading message header: %w", err)
	}
	class := Class(head[0])
	if class == ClassReserved {
		return Message{}, ErrReservedClass
	}

	length, err := readVarintFromReader(r)
	if err != nil {
		return Message{}, err
	}
	if length > maxPayload {
		return Message{}, ErrPayloadTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrShortPayload, err)
	}
	return Message{Class: class, Type: head[1], Payload: payload}, nil
}

// readVarintFromReader decodes one varint directly off a byte stream,
// reading one byte at a time since the continuation length isn't known
// up front.
func readVarintFromReader(r io.Reader) (uint64, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return 0, fmt.Errorf("peer: reading varint length: %w", err)
	}
	if first[0] < varintThreshold {
		return uint64(first[0]), nil
	}
	v := uint64(first[0])
	shift := uint(4)
	for i := 0; ; i++ {
		if i >= maxVarintContinuationBytes {
			return 0, ErrVarintOverflow
		}
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, fmt.Errorf("peer: reading varint length: %w", err)
		}
		v += uint64(b[0]&0x7F) << shift
		if b[0]&0x80 == 0 {
			return v, nil
		}
		shift += 7
	}
}

// Handshake is the text phase exchanged before the binary streaming
// phase: "HAProxyS <maj>.<min>\n<remote-peer-name>\n<local-peer-name>
// <pid> <relative_pid>\n", answered with "<status-code>\n".
type Handshake struct {
	Major, Minor     int
	RemotePeerName   string
	LocalPeerName    string
	PID, RelativePID int
}

// WriteHandshake writes the text handshake to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := fmt.Fprintf(w, "HAProxyS %d.%d\n%s\n%s %d %d\n",
		h.Major, h.Minor, h.RemotePeerName, h.LocalPeerName, h.PID, h.RelativePID)
	return err
}

// ReadHandshake reads and parses the text handshake from r.
func ReadHandshake(r *bufio.Reader) (Handshake, error) {
	var h Handshake
	line, err := r.ReadString('\n')
	if err != nil {
		return h, fmt.Errorf("peer: reading handshake banner: %w", err)
	}
	if _, err := fmt.Sscanf(line, "HAProxyS %d.%d\n", &h.Major, &h.Minor); err != nil {
		return h, fmt.Errorf("peer: malformed handshake banner %q: %w", line, err)
	}

	remote, err := r.ReadString('\n')
	if err != nil {
		return h, fmt.Errorf("peer: reading remote peer name: %w", err)
	}
	h.RemotePeerName = remote[:len(remote)-1]

	local, err := r.ReadString('\n')
	if err != nil {
		return h, fmt.Errorf("peer: reading local peer line: %w", err)
	}
	if _, err := fmt.Sscanf(local, "%s %d %d\n", &h.LocalPeerName, &h.PID, &h.RelativePID); err != nil {
		return h, fmt.Errorf("peer: malformed local peer line %q: %w", local, err)
	}
	return h, nil
}

// WriteHandshakeStatus writes the handshake status-code reply line.
func WriteHandshakeStatus(w io.Writer, status int) error {
	_, err := fmt.Fprintf(w, "%d\n", status)
	return err
}

// ReadHandshakeStatus reads the handshake status-code reply line.
func ReadHandshakeStatus(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("peer: reading handshake status: %w", err)
	}
	var status int
	if _, err := fmt.Sscanf(line, "%d\n", &status); err != nil {
		return 0, fmt.Errorf("peer: malformed handshake status %q: %w", line, err)
	}
	return status, nil
}
