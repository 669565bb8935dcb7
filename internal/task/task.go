// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package task implements the cooperative scheduler: a time-indexed wait
// queue plus a nice-ordered run queue, driven by one loop per worker. A
// task is never preempted; it suspends only by returning to the scheduler,
// registering for I/O readiness, or scheduling a future wakeup.
package task

import (
	"container/heap"
	"sync"

	"github.com/nishisan-dev/rproxy/internal/clock"
)

// State is a task's current queue membership.
type State int

const (
	Idle State = iota
	Queued
	Running
)

// ProcessFunc is a task's body. It returns the task itself to be kept
// alive for future runs, or nil to have the scheduler destroy it.
type ProcessFunc func(t *Task, now clock.Tick) *Task

// Task is a runnable unit: an absolute expiry, a process callback, a
// caller-supplied context, and a nice value controlling run-queue order
// relative to other ready tasks within the same epoch.
type Task struct {
	process ProcessFunc
	ctx     interface{}
	nice    int32 // -1024..1024, lower runs first within an epoch
	epoch   int64 // bumped on every dispatch to prevent starvation

	expiry clock.Tick
	state  State

	waitIndex int // heap index in the wait queue, -1 when not queued
	runIndex  int // heap index in the run queue, -1 when not queued
}

// Context returns the caller-supplied context pointer.
func (t *Task) Context() interface{} { return t.ctx }

// SetNice changes the task's nice value. Takes effect on its next
// enqueue into the run queue.
func (t *Task) SetNice(n int32) { t.nice = n }

// priority computes (epoch<<16)+nice: within one epoch lower-nice tasks
// run first, and the epoch term keeps older, repeatedly-deferred tasks
// moving ahead of the newcomers of a later epoch.
func (t *Task) priority() int64 {
	return (t.epoch << 16) + int64(t.nice)
}

// waitHeap orders tasks by absolute expiry, earliest first.
type waitHeap []*Task

func (h waitHeap) Len() int            { return len(h) }
func (h waitHeap) Less(i, j int) bool  { return h[i].expiry < h[j].expiry }
func (h waitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].waitIndex = i; h[j].waitIndex = j }
func (h *waitHeap) Push(x interface{}) { t := x.(*Task); t.waitIndex = len(*h); *h = append(*h, t) }
func (h *waitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.waitIndex = -1
	*h = old[:n-1]
	return t
}

// runHeap orders tasks by priority, lowest first (ties broken by FIFO
// epoch since priority already embeds epoch).
type runHeap []*Task

func (h runHeap) Len() int            { return len(h) }
func (h runHeap) Less(i, j int) bool  { return h[i].priority() < h[j].priority() }
func (h runHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].runIndex = i; h[j].runIndex = j }
func (h *runHeap) Push(x interface{}) { t := x.(*Task); t.runIndex = len(*h); *h = append(*h, t) }
func (h *runHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.runIndex = -1
	*h = old[:n-1]
	return t
}

// Scheduler owns the wait and run queues and the shared Clock used to
// order them. It is safe for concurrent use: Wake/Schedule may be called
// from I/O-readiness callbacks running on other goroutines, while Tick
// runs on the scheduler's own worker loop.
type Scheduler struct {
	mu    sync.Mutex
	clock *clock.Clock
	wait  waitHeap
	run   runHeap

	// MaxPerTick bounds how many tasks Tick dispatches per call, so that
	// one scheduling pass cannot starve I/O readiness polling. Zero means
	// unbounded.
	MaxPerTick int
}

// New creates a Scheduler driven by the given Clock.
func New(c *clock.Clock) *Scheduler {
	return &Scheduler{clock: c}
}

// Spawn creates a new Task with the given process function, context and
// nice value, initially idle (not queued anywhere).
func (s *Scheduler) Spawn(process ProcessFunc, ctx interface{}, nice int32) *Task {
	return &Task{
		process:   process,
		ctx:       ctx,
		nice:      nice,
		expiry:    clock.Eternity,
		state:     Idle,
		waitIndex: -1,
		runIndex:  -1,
	}
}

// Schedule arms a future wakeup at the given tick. If the task is already
// in the wait queue this updates its position; if already in the run
// queue this is a no-op (the task is about to run anyway — idempotent
// wake per spec.md's invariant). Scheduling Eternity with no further call
// is the only form of cancellation: the task simply never wakes again.
func (s *Scheduler) Schedule(t *Task, at clock.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.state == Running {
		t.expiry = at
		return
	}
	t.expiry = at
	if t.state == Queued && t.waitIndex >= 0 {
		heap.Fix(&s.wait, t.waitIndex)
		return
	}
	if t.state == Queued {
		return // already in the run queue, about to execute regardless
	}
	t.state = Queued
	heap.Push(&s.wait, t)
}

// Wake moves a task directly into the run queue regardless of its expiry,
// used when an I/O readiness event makes it runnable immediately. Waking
// an already-queued task is a no-op, satisfying the idempotent-wake
// requirement.
func (s *Scheduler) Wake(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.state == Running {
		return
	}
	if t.state == Queued {
		if t.waitIndex >= 0 {
			heap.Remove(&s.wait, t.waitIndex)
			heap.Push(&s.run, t)
		}
		return
	}
	t.state = Queued
	heap.Push(&s.run, t)
}

// Cancel removes a task from both queues, destroying it explicitly rather
// than leaving it to age out at Eternity.
func (s *Scheduler) Cancel(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.waitIndex >= 0 {
		heap.Remove(&s.wait, t.waitIndex)
	}
	if t.runIndex >= 0 {
		heap.Remove(&s.run, t.runIndex)
	}
	t.state = Idle
}

// Tick runs one scheduling iteration: advance the clock, drain expired
// wait-queue entries into the run queue, then dispatch up to MaxPerTick
// ready tasks in priority order. It returns the number of tasks
// dispatched.
func (s *Scheduler) Tick() int {
	now := s.clock.Advance()

	s.mu.Lock()
	for s.wait.Len() > 0 && clock.Expired(now, s.wait[0].expiry) {
		t := heap.Pop(&s.wait).(*Task)
		heap.Push(&s.run, t)
	}
	s.mu.Unlock()

	dispatched := 0
	for {
		if s.MaxPerTick > 0 && dispatched >= s.MaxPerTick {
			break
		}
		s.mu.Lock()
		if s.run.Len() == 0 {
			s.mu.Unlock()
			break
		}
		t := heap.Pop(&s.run).(*Task)
		t.state = Running
		s.mu.Unlock()

		result := t.process(t, now)

		s.mu.Lock()
		if result == nil {
			t.state = Idle
		} else {
			t.epoch++
			if t.expiry == clock.Eternity {
				t.state = Idle
			} else {
				t.state = Queued
				heap.Push(&s.wait, t)
			}
		}
		s.mu.Unlock()

		dispatched++
	}
	return dispatched
}

// NextWakeup returns the earliest pending wait-queue expiry, or
// clock.Eternity if nothing is waiting. Callers drive the OS poller
// timeout from this.
func (s *Scheduler) NextWakeup() clock.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wait.Len() == 0 {
		return clock.Eternity
	}
	return s.wait[0].expiry
}
