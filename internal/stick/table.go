// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package stick implements the shared table: a keyed store replicated
// across peers, carrying per-key counters, gauges and frequency-counter
// periods, plus the cursor bookkeeping (last_pushed/last_acked/last_get)
// and update-id contiguity gate that the peer protocol drives.
package stick

import (
	"sync"
	"time"
)

// DataType identifies the wire representation of one data column.
type DataType int

const (
	TypeSInt DataType = iota // signed varint counter
	TypeUInt                 // unsigned varint counter
	TypeULL                  // unsigned 64-bit counter (varint-encoded)
	TypeFrqp                 // frequency counter: (ticks_since_curr, curr_ctr, prev_ctr)
)

// FreqPeriod is a frequency-counter column's sliding window period.
type FreqPeriod struct {
	Column int
	Period time.Duration
}

// Frqp is a frequency-counter value: the current and previous window
// totals plus how long ago the current window started.
type Frqp struct {
	TicksSinceCurr uint32
	CurrCtr        uint64
	PrevCtr        uint64
}

// KeyType distinguishes the key encoding used by a table.
type KeyType int

const (
	KeyString KeyType = iota
	KeyIPv4
	KeyInteger
	KeyBinary
)

// Column describes one data column present in a table, in the fixed order
// DEFINE's data_bitmask assigns them.
type Column struct {
	Index  int
	Type   DataType
	Period time.Duration // non-zero only for TypeFrqp
}

// Row is one key's stored values plus its entry expiry.
type Row struct {
	Key     string
	Values  map[int]interface{} // column index -> int64/uint64/Frqp
	Expires time.Time
}

// Table is one shared (stick) table: a keyed store plus the peer sync
// cursors that track how far this table's state has propagated.
type Table struct {
	mu sync.RWMutex

	Name     string
	KeyType  KeyType
	KeySize  int
	Columns  []Column
	ExpireMs uint32

	rows map[string]*Row

	// Peer sync cursors, meaningful once this table is attached to a peer
	// link. LastPushed/LastAcked/LastGet advance monotonically in the push
	// direction; the contiguity gate governs accepted remote updates.
	LastPushed     uint64
	LastAcked      uint64
	LastGet        uint64
	TeachingOrigin uint64

	RemoteID   uint32 // the peer's local_id for this table, once DEFINE'd
	LocalID    uint32
	RemoteData uint32 // bitmask of data columns the remote side also knows

	nextUpdateID    uint64 // next update-id this side will assign on write
	highestContig   uint64 // highest contiguous remote update-id applied
	hasAppliedFirst bool
}

// New creates an empty Table with the given schema.
func New(name string, keyType KeyType, keySize int, columns []Column, expireMs uint32) *Table {
	return &Table{
		Name:     name,
		KeyType:  keyType,
		KeySize:  keySize,
		Columns:  columns,
		ExpireMs: expireMs,
		rows:     make(map[string]*Row),
	}
}

// Set inserts or updates a row under key, assigning it the next local
// update-id and advancing LastPushed. Returns the assigned update-id.
func (t *Table) Set(key string, values map[int]interface{}) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.rows[key]
	if !ok {
		row = &Row{Key: key, Values: make(map[int]interface{})}
		t.rows[key] = row
	}
	for col, v := range values {
		row.Values[col] = v
	}
	if t.ExpireMs > 0 {
		row.Expires = time.Now().Add(time.Duration(t.ExpireMs) * time.Millisecond)
	}

	t.nextUpdateID++
	t.LastPushed = t.nextUpdateID
	return t.nextUpdateID
}

// Get returns the row stored under key, if present and not expired.
func (t *Table) Get(key string) (*Row, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[key]
	if !ok {
		return nil, false
	}
	if !row.Expires.IsZero() && time.Now().After(row.Expires) {
		return nil, false
	}
	return row, true
}

// Len returns the number of live (non-expired) rows. Intended for tests
// and the stats applet, not the hot path.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	now := time.Now()
	for _, row := range t.rows {
		if row.Expires.IsZero() || now.Before(row.Expires) {
			n++
		}
	}
	return n
}

// ApplyRemote applies a row received from a peer under the given
// update-id, gated by contiguity: an id that isn't exactly
// highestContig+1 is dropped rather than buffered, matching the "gap
// handling" behaviour the peer protocol relies on to decide where a
// re-teach must resume. It reports whether the update was applied.
func (t *Table) ApplyRemote(updateID uint64, key string, values map[int]interface{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasAppliedFirst {
		t.hasAppliedFirst = true
		t.highestContig = updateID
	} else if updateID != t.highestContig+1 {
		return false
	} else {
		t.highestContig = updateID
	}

	row, ok := t.rows[key]
	if !ok {
		row = &Row{Key: key, Values: make(map[int]interface{})}
		t.rows[key] = row
	}
	for col, v := range values {
		row.Values[col] = v
	}
	if t.ExpireMs > 0 {
		row.Expires = time.Now().Add(time.Duration(t.ExpireMs) * time.Millisecond)
	}
	t.LastGet = updateID
	return true
}

// HighestContiguous returns the highest contiguous remote update-id
// applied so far: the value an ACK message reports, and one past the
// point a re-teach must resume from after a gap.
func (t *Table) HighestContiguous() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.highestContig
}

// ResetContiguity clears the applied-update tracking, used when a fresh
// teaching pass starts (e.g. after reconnect) so the first UPDATE of the
// new pass is accepted unconditionally as the new baseline.
func (t *Table) ResetContiguity() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasAppliedFirst = false
	t.highestContig = 0
}

// Snapshot returns a shallow copy of all live rows, keyed by row key, for
// teaching a new peer or serving the stats applet.
func (t *Table) Snapshot() map[string]*Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := time.Now()
	out := make(map[string]*Row, len(t.rows))
	for k, row := range t.rows {
		if !row.Expires.IsZero() && now.After(row.Expires) {
			continue
		}
		cp := &Row{Key: row.Key, Values: make(map[int]interface{}, len(row.Values)), Expires: row.Expires}
		for c, v := range row.Values {
			cp.Values[c] = v
		}
		out[k] = cp
	}
	return out
}
