// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ichan

import (
	"testing"

	"github.com/nishisan-dev/rproxy/internal/clock"
)

func TestForwardRespectsToForwardAndAdvancesBuffer(t *testing.T) {
	c := New(64, 0, 0, 0)
	c.Buffer().PutBlock([]byte("0123456789"))
	c.SetToForward(4)
	n := c.Forward(10)
	if n != 4 {
		t.Fatalf("Forward = %d, want 4", n)
	}
	if c.ToForward() != 0 {
		t.Fatalf("ToForward = %d, want 0", c.ToForward())
	}
	if c.Buffer().OutputLen() != 4 {
		t.Fatalf("OutputLen = %d, want 4", c.Buffer().OutputLen())
	}
}

func TestForwardIndefiniteDoesNotDecrementCounter(t *testing.T) {
	c := New(64, 0, 0, 0)
	c.Buffer().PutBlock([]byte("abcdef"))
	c.SetToForward(-1)
	n := c.Forward(6)
	if n != 6 {
		t.Fatalf("Forward = %d, want 6", n)
	}
	if c.ToForward() != -1 {
		t.Fatalf("ToForward should remain -1 (indefinite), got %d", c.ToForward())
	}
}

func TestShutRLatchSurvivesClear(t *testing.T) {
	c := New(64, 0, 0, 0)
	c.Set(ShutR)
	c.Clear(ShutR | ReadError)
	if !c.Has(ShutR) {
		t.Fatalf("ShutR must not be clearable")
	}
}

func TestIdleRequiresEmptyOutputAndNoForward(t *testing.T) {
	c := New(64, 0, 0, 0)
	c.Buffer().PutBlock([]byte("x"))
	c.Set(ShutR)
	if c.Idle() {
		t.Fatalf("should not be idle: input bytes still need draining as output")
	}
	c.Buffer().Advance(1)
	if c.Idle() {
		t.Fatalf("should not be idle: output still buffered")
	}
	c.Buffer().Skip(1)
	if !c.Idle() {
		t.Fatalf("should be idle: SHUTR, no output, nothing to forward")
	}
}

func TestAnalyseExpiredSetsReadTimeout(t *testing.T) {
	c := New(64, 0, 0, 0)
	c.SuspendAnalyser(clock.Tick(100), 50)
	if c.AnalyseExpired(clock.Tick(140)) {
		t.Fatalf("should not have expired yet")
	}
	if !c.AnalyseExpired(clock.Tick(150)) {
		t.Fatalf("should have expired at deadline")
	}
	if !c.Has(ReadTimeout) {
		t.Fatalf("expected ReadTimeout flag set")
	}
	if c.AnalyseExpired(clock.Tick(200)) {
		t.Fatalf("deadline should have been cleared after firing once")
	}
}

func TestArmReadWriteAndNextDeadline(t *testing.T) {
	c := New(64, 0, 1000, 2000)
	now := clock.Tick(10)
	c.ArmRead(now)
	c.ArmWrite(now)
	if c.ReadExpired(now) || c.WriteExpired(now) {
		t.Fatalf("should not be expired right after arming")
	}
	if c.NextDeadline() != now+1000 {
		t.Fatalf("NextDeadline = %d, want %d", c.NextDeadline(), now+1000)
	}
}

func TestAnalyserPendingMask(t *testing.T) {
	c := New(64, 0, 0, 0)
	c.SetAnalysers(0b101)
	if !c.AnalyserPending(0b001) || !c.AnalyserPending(0b100) {
		t.Fatalf("expected both bits pending")
	}
	c.ClearAnalyser(0b001)
	if c.AnalyserPending(0b001) {
		t.Fatalf("bit should be cleared")
	}
	if !c.AnalyserPending(0b100) {
		t.Fatalf("other bit should remain")
	}
}
