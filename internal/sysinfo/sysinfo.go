// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sysinfo collects host-level metrics (CPU, memory, load) for the
// admin applet's "show info" command. Collection is periodic and cached:
// the applet reads a snapshot, it never blocks a command on a live gopsutil
// call.
package sysinfo

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is the latest collected host metrics.
type Snapshot struct {
	CPUPercent    float64
	MemTotalBytes uint64
	MemUsedBytes  uint64
	MemPercent    float64
	Load1         float64
	Load5         float64
	Load15        float64
	GoRoutines    int
	CPUCores      int
}

// Monitor collects Snapshot periodically in the background, matching the
// teacher's SystemMonitor collection cadence.
type Monitor struct {
	logger *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup

	started   atomic.Bool
	snapshot  atomic.Pointer[Snapshot]
	pid       int32
	startedAt time.Time
}

// NewMonitor creates a Monitor; Start must be called to begin collection.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		logger:    logger.With("component", "sysinfo"),
		stop:      make(chan struct{}),
		startedAt: time.Now(),
	}
	m.snapshot.Store(&Snapshot{CPUCores: runtime.NumCPU()})
	return m
}

// Start launches the periodic collector. Calling Start twice is a no-op.
func (m *Monitor) Start(interval time.Duration) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m.collect()
	m.wg.Add(1)
	go m.run(interval)
}

// Stop halts the periodic collector.
func (m *Monitor) Stop() {
	if !m.started.Load() {
		return
	}
	close(m.stop)
	m.wg.Wait()
}

func (m *Monitor) run(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	snap := Snapshot{CPUCores: runtime.NumCPU(), GoRoutines: runtime.NumGoroutine()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	} else if err != nil {
		m.logger.Debug("cpu.Percent failed", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		snap.MemTotalBytes = v.Total
		snap.MemUsedBytes = v.Used
		snap.MemPercent = v.UsedPercent
	} else {
		m.logger.Debug("mem.VirtualMemory failed", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		snap.Load1, snap.Load5, snap.Load15 = l.Load1, l.Load5, l.Load15
	} else {
		m.logger.Debug("load.Avg failed", "error", err)
	}

	m.snapshot.Store(&snap)
}

// Snapshot returns the most recently collected metrics.
func (m *Monitor) Snapshot() Snapshot { return *m.snapshot.Load() }

// Uptime returns how long this monitor (and by convention the process) has
// been running.
func (m *Monitor) Uptime() time.Duration { return time.Since(m.startedAt) }
