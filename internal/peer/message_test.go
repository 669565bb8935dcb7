// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package peer

import (
	"bufio"
	"bytes"
	"testing"
)

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	m := Message{Class: ClassStickTable, Type: StickUpdate, Payload: []byte("hello update")}
	var buf bytes.Buffer
	buf.Write(m.Encode(nil))

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Class != m.Class || got.Type != m.Type || !bytes.Equal(got.Payload, m.Payload) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestReadMessageRejectsReservedClass(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(ClassReserved))
	buf.WriteByte(0)
	buf.WriteByte(0) // zero-length payload

	_, err := ReadMessage(&buf)
	if err != ErrReservedClass {
		t.Fatalf("want ErrReservedClass, got %v", err)
	}
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(ClassStickTable))
	buf.WriteByte(StickUpdate)
	buf.Write(EncodeVarint(nil, maxPayload+1))

	_, err := ReadMessage(&buf)
	if err != ErrPayloadTooLarge {
		t.Fatalf("want ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadMessageTruncatedPayloadIsShort(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(ClassStickTable))
	buf.WriteByte(StickUpdate)
	buf.Write(EncodeVarint(nil, 10))
	buf.Write([]byte("short"))

	_, err := ReadMessage(&buf)
	if err == nil {
		t.Fatalf("expected error on short payload")
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{Major: 2, Minor: 1, RemotePeerName: "peerB", LocalPeerName: "peerA", PID: 1234, RelativePID: 1}
	var buf bytes.Buffer
	if err := WriteHandshake(&buf, h); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}
	r := bufio.NewReader(&buf)
	got, err := ReadHandshake(r)
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestHandshakeStatusRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHandshakeStatus(&buf, StatusSuccess); err != nil {
		t.Fatalf("WriteHandshakeStatus: %v", err)
	}
	r := bufio.NewReader(&buf)
	status, err := ReadHandshakeStatus(r)
	if err != nil {
		t.Fatalf("ReadHandshakeStatus: %v", err)
	}
	if status != StatusSuccess {
		t.Fatalf("status = %d, want %d", status, StatusSuccess)
	}
}
