// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/rproxy/internal/analyser"
	"github.com/nishisan-dev/rproxy/internal/clock"
	"github.com/nishisan-dev/rproxy/internal/task"
)

func testOptions() *analyser.Options {
	return &analyser.Options{
		TimeoutHTTPReq: 5 * time.Second,
		TimeoutClient:  5 * time.Second,
		TimeoutServer:  5 * time.Second,
	}
}

// acceptedPair dials a loopback listener and returns both ends: the side a
// real client would hold, and the side a proxy's accept loop would hand to
// NewStream.
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

func runTicks(sched *task.Scheduler, iterations int, sleep time.Duration) {
	for i := 0; i < iterations; i++ {
		sched.Tick()
		time.Sleep(sleep)
	}
}

func TestStreamProxiesRequestAndResponse(t *testing.T) {
	clientSide, proxySide, closeAll := acceptedPair(t)
	defer closeAll()

	backendLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	defer backendLn.Close()

	backendErr := make(chan error, 1)
	go func() {
		conn, err := backendLn.Accept()
		if err != nil {
			backendErr <- err
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				backendErr <- err
				return
			}
			if line == "\r\n" {
				break
			}
		}
		_, err = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello"))
		backendErr <- err
	}()

	dial := func() (net.Conn, error) { return net.Dial("tcp", backendLn.Addr().String()) }

	sched := task.New(clock.New())
	st := NewStream(1, proxySide, dial, testOptions(), nil, nil)
	st.Start(sched)

	if _, err := clientSide.Write([]byte("GET / HTTP/1.1\r\nHost: example\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	runTicks(sched, 300, 5*time.Millisecond)

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	var buf bytes.Buffer
	tmp := make([]byte, 512)
	for {
		n, err := clientSide.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil || buf.Len() >= len("HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello") {
			break
		}
	}

	if !bytes.Contains(buf.Bytes(), []byte("200 OK")) {
		t.Fatalf("expected 200 OK in response, got %q", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("hello")) {
		t.Fatalf("expected body 'hello' forwarded, got %q", buf.String())
	}

	select {
	case err := <-backendErr:
		if err != nil && err.Error() != "EOF" {
			t.Fatalf("backend goroutine: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("backend goroutine never finished")
	}
}

func TestStreamConnectFailureAnswers503(t *testing.T) {
	clientSide, proxySide, closeAll := acceptedPair(t)
	defer closeAll()

	dial := func() (net.Conn, error) { return nil, fmt.Errorf("connection refused") }

	sched := task.New(clock.New())
	st := NewStream(2, proxySide, dial, testOptions(), nil, nil)
	st.Start(sched)

	if _, err := clientSide.Write([]byte("GET / HTTP/1.1\r\nHost: example\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	runTicks(sched, 400, 5*time.Millisecond)

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	var buf bytes.Buffer
	tmp := make([]byte, 512)
	for {
		n, err := clientSide.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil || bytes.Contains(buf.Bytes(), []byte("\r\n\r\n")) {
			break
		}
	}

	if !bytes.Contains(buf.Bytes(), []byte("503")) {
		t.Fatalf("expected 503 after connect exhaustion, got %q", buf.String())
	}
	if st.Txn().Finish != analyser.FinC {
		t.Fatalf("Finish = %v, want FinC", st.Txn().Finish)
	}
}
