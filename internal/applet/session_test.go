// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package applet

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nishisan-dev/rproxy/internal/clock"
	"github.com/nishisan-dev/rproxy/internal/task"
)

func acceptedPair(t *testing.T) (clientSide, proxySide net.Conn, closeAll func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	clientSide, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	proxySide = <-accepted
	return clientSide, proxySide, func() {
		clientSide.Close()
		proxySide.Close()
		ln.Close()
	}
}

func TestSessionServesShowInfoThenQuit(t *testing.T) {
	clientSide, proxySide, closeAll := acceptedPair(t)
	defer closeAll()

	provider := &fakeProvider{info: InfoLine{Name: "rproxy", Pid: 42}}
	a := NewApplet(provider)

	sched := task.New(clock.New())
	s := NewSession(1, proxySide, a, 0, nil)
	s.Start(sched)

	if _, err := clientSide.Write([]byte("show info\nquit\n")); err != nil {
		t.Fatalf("write commands: %v", err)
	}

	for i := 0; i < 200; i++ {
		sched.Tick()
		time.Sleep(5 * time.Millisecond)
	}

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(clientSide)
	var out strings.Builder
	buf := make([]byte, 512)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}

	if !strings.Contains(out.String(), "Name: rproxy") {
		t.Fatalf("expected show info output, got %q", out.String())
	}
}
