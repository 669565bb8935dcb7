// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package buf implements the fixed-capacity ring buffer that backs every
// Channel: a contiguous byte region split into an output half (already
// committed, being sent) and an input half (received, not yet committed),
// with a configurable rewrite reserve that producers must respect while a
// rewrite-capable analyser is active.
package buf

import (
	"bytes"
	"errors"
)

// Errors returned by Buffer operations.
var (
	// ErrFull is returned when a block would not fit in the buffer's
	// current free space, but could fit once output bytes are skipped.
	ErrFull = errors.New("buf: buffer full")
	// ErrTooLarge is returned when a block can never fit, regardless of
	// how much output is skipped, because it exceeds total capacity.
	ErrTooLarge = errors.New("buf: block exceeds buffer capacity")
	// ErrNoLine is returned by GetLineNC when no LF is present yet and the
	// buffer is not full (caller should wait for more input).
	ErrNoLine = errors.New("buf: no line terminator yet")
	// ErrLineTooLong is returned by GetLineNC when no LF is present and the
	// buffer is already full: a hard framing error upstream.
	ErrLineTooLong = errors.New("buf: line exceeds buffer capacity")
)

// Buffer is a fixed-size byte ring with two logical regions: o output bytes
// followed by i input bytes, starting at pointer p. The invariant
// 0 <= o, 0 <= i, o+i <= S holds before and after every operation.
type Buffer struct {
	data    []byte // len(data) == S
	p       int    // start of the input region (wraps mod S)
	o       int    // output byte count
	i       int    // input byte count
	reserve int    // rewrite reserve R: producers must not fill beyond S-R
}

// New allocates a Buffer of the given capacity with the given rewrite
// reserve. Panics if reserve is negative or exceeds size, since that is a
// configuration error the caller must fix, not a runtime condition.
func New(size, reserve int) *Buffer {
	if reserve < 0 || reserve > size {
		panic("buf: invalid rewrite reserve")
	}
	return &Buffer{data: make([]byte, size), reserve: reserve}
}

// Cap returns the total buffer capacity S.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns o+i, the total bytes currently held.
func (b *Buffer) Len() int { return b.o + b.i }

// OutputLen returns o, the committed-but-unsent byte count.
func (b *Buffer) OutputLen() int { return b.o }

// InputLen returns i, the received-but-uncommitted byte count.
func (b *Buffer) InputLen() int { return b.i }

// Free returns the contiguous+wrapped free space, S-(o+i).
func (b *Buffer) Free() int { return len(b.data) - b.o - b.i }

// Full reports whether free space has fallen to or below reserve bytes,
// the condition channel.ChannelFull tests for rewrite-capable analysers.
func (b *Buffer) Full(reserve int) bool {
	return b.Free() <= reserve
}

// inputStart returns the absolute (mod S) offset where the input region
// begins: p+o, wrapped.
func (b *Buffer) inputStart() int {
	return (b.p + b.o) % len(b.data)
}

// PutBlock appends data to the input region. It returns the number of bytes
// written and ErrFull if the block does not fit in current free space
// (recoverable: skip output and retry), or ErrTooLarge if the block can
// never fit regardless of how much output is skipped (a hard error).
func (b *Buffer) PutBlock(data []byte) (int, error) {
	if len(data) > len(b.data) {
		return 0, ErrTooLarge
	}
	free := b.Free()
	if len(data) > free {
		return 0, ErrFull
	}
	start := b.inputStart()
	n := len(data)
	if start+n <= len(b.data) {
		copy(b.data[start:], data)
	} else {
		first := len(b.data) - start
		copy(b.data[start:], data[:first])
		copy(b.data[:n-first], data[first:])
	}
	b.i += n
	return n, nil
}

// GetBlockNC returns up to two slices covering the first n bytes of the
// output region (non-contiguous view: a wrapped region yields two slices).
// The slices alias internal storage and are invalidated by any mutating
// call (PutBlock, Advance, Skip, Replace, Realign).
func (b *Buffer) GetBlockNC(n int) (first, second []byte) {
	if n > b.o {
		n = b.o
	}
	if n <= 0 {
		return nil, nil
	}
	start := b.p % len(b.data)
	if start+n <= len(b.data) {
		return b.data[start : start+n], nil
	}
	firstLen := len(b.data) - start
	return b.data[start:], b.data[:n-firstLen]
}

// GetLineNC returns up to two slices spanning the input region up to and
// including the first LF byte. It returns ErrNoLine if no LF is present
// and the buffer is not full (caller should wait for more bytes), or
// ErrLineTooLong if no LF is present and the buffer has no free space left
// (a hard framing error).
func (b *Buffer) GetLineNC() (first, second []byte, err error) {
	start := b.inputStart()
	idx := -1
	for k := 0; k < b.i; k++ {
		if b.data[(start+k)%len(b.data)] == '\n' {
			idx = k
			break
		}
	}
	if idx < 0 {
		if b.Free() == 0 {
			return nil, nil, ErrLineTooLong
		}
		return nil, nil, ErrNoLine
	}
	n := idx + 1
	if start+n <= len(b.data) {
		return b.data[start : start+n], nil, nil
	}
	firstLen := len(b.data) - start
	return b.data[start:], b.data[:n-firstLen], nil
}

// Advance promotes up to n input bytes to output bytes (the analyser has
// parsed/validated them and they are now eligible to be sent or forwarded).
// It returns the number of bytes actually advanced.
func (b *Buffer) Advance(n int) int {
	if n > b.i {
		n = b.i
	}
	b.o += n
	b.i -= n
	return n
}

// Skip drops up to n output bytes (they have been sent/consumed), rotating
// the logical start pointer p forward. It returns the number of bytes
// actually skipped.
func (b *Buffer) Skip(n int) int {
	if n > b.o {
		n = b.o
	}
	b.p = (b.p + n) % len(b.data)
	b.o -= n
	return n
}

// Replace rewrites the output region's bytes in [start,end) with newData,
// shifting trailing content as needed. start/end are offsets relative to
// the current output region (0 == p). Returns the delta in total length
// (len(newData)-(end-start)). Implemented by flattening output+input into
// a scratch slice, splicing, and rewriting in place: buffers are capped at
// tune.bufsize (a few KB to a few tens of KB in practice) so this is cheap
// relative to the I/O it replaces, and keeps the splice obviously correct.
func (b *Buffer) Replace(start, end int, newData []byte) (int, error) {
	if start < 0 || end > b.o || start > end {
		return 0, errors.New("buf: replace range out of bounds")
	}
	oldLen := end - start
	delta := len(newData) - oldLen
	if delta > 0 && b.Free() < delta {
		return 0, ErrFull
	}

	inputLen := b.i
	whole := b.Bytes() // o+i bytes, output region first

	spliced := make([]byte, 0, len(whole)+delta)
	spliced = append(spliced, whole[:start]...)
	spliced = append(spliced, newData...)
	spliced = append(spliced, whole[end:]...)

	copy(b.data, spliced)
	b.p = 0
	b.o = len(spliced) - inputLen
	b.i = inputLen
	return delta, nil
}

func (b *Buffer) inputSlices() (first, second []byte) {
	start := b.inputStart()
	n := b.i
	if n == 0 {
		return nil, nil
	}
	if start+n <= len(b.data) {
		return b.data[start : start+n], nil
	}
	firstLen := len(b.data) - start
	return b.data[start:], b.data[:n-firstLen]
}

// PeekInputNC returns up to two slices covering the first n bytes of the
// input region (non-contiguous view, mirroring GetBlockNC on the output
// side). The bytes remain in the input region; callers wanting to commit
// them still call Advance separately. Slices alias internal storage and are
// invalidated by any mutating call.
func (b *Buffer) PeekInputNC(n int) (first, second []byte) {
	if n > b.i {
		n = b.i
	}
	if n <= 0 {
		return nil, nil
	}
	start := b.inputStart()
	if start+n <= len(b.data) {
		return b.data[start : start+n], nil
	}
	firstLen := len(b.data) - start
	return b.data[start:], b.data[:n-firstLen]
}

// Realign compacts wrapped content so the output region starts at offset 0
// and both regions become contiguous. Only safe to call when no external
// references to slices returned by GetBlockNC/GetLineNC are held, since it
// physically moves bytes.
func (b *Buffer) Realign() {
	if b.p == 0 {
		return
	}
	out, out2 := b.GetBlockNC(b.o)
	in, in2 := b.inputSlices()
	buf := make([]byte, 0, b.o+b.i)
	buf = append(buf, out...)
	buf = append(buf, out2...)
	buf = append(buf, in...)
	buf = append(buf, in2...)
	copy(b.data, buf)
	b.p = 0
}

// Bytes returns a freshly-copied, contiguous view of the full output+input
// region. Intended for diagnostics/tests, not the hot path.
func (b *Buffer) Bytes() []byte {
	out, out2 := b.GetBlockNC(b.o)
	in, in2 := b.inputSlices()
	var buf bytes.Buffer
	buf.Write(out)
	buf.Write(out2)
	buf.Write(in)
	buf.Write(in2)
	return buf.Bytes()
}
