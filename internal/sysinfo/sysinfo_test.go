// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sysinfo

import (
	"testing"
	"time"
)

func TestNewMonitorHasCoreCountBeforeStart(t *testing.T) {
	m := NewMonitor(nil)
	snap := m.Snapshot()
	if snap.CPUCores <= 0 {
		t.Fatalf("CPUCores = %d, want > 0 even before Start", snap.CPUCores)
	}
}

func TestMonitorCollectsOnStart(t *testing.T) {
	m := NewMonitor(nil)
	m.Start(50 * time.Millisecond)
	defer m.Stop()

	snap := m.Snapshot()
	if snap.MemTotalBytes == 0 {
		t.Fatalf("expected MemTotalBytes to be populated after Start's initial collect")
	}
	if m.Uptime() <= 0 {
		t.Fatalf("expected positive Uptime")
	}
}

func TestMonitorStartTwiceIsNoOp(t *testing.T) {
	m := NewMonitor(nil)
	m.Start(time.Second)
	m.Start(time.Second) // must not spawn a second collector or panic on double-close
	m.Stop()
}
