// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package peer implements the binary peer synchronization protocol: the
// text handshake, the class/type/varint-length framed streaming phase,
// and the peer/group state machine driving resync election and
// teach/learn.
package peer

import "errors"

// ErrVarintOverflow is returned when a varint's continuation bytes would
// produce a value wider than 64 bits, or the stream runs out before a
// terminating byte is seen.
var ErrVarintOverflow = errors.New("peer: varint overflow")

// varintThreshold is the 240-value boundary: values below it encode in a
// single byte, values at or above it spill into 7-bit continuation bytes.
const varintThreshold = 240

// maxVarintContinuationBytes bounds decode against a corrupt/malicious
// stream that never sets the terminating (MSB-clear) byte.
const maxVarintContinuationBytes = 10

// EncodeVarint appends the peer protocol's 240-threshold varint encoding
// of v to dst and returns the result.
//
// Values 0..239 encode as a single byte. Values >= 240 encode as a first
// byte (v|0xF0 conceptually — in practice 240 + low nibble of the
// remainder) followed by 7-bit little-endian continuation bytes, MSB set
// on every byte but the last.
func EncodeVarint(dst []byte, v uint64) []byte {
	if v < varintThreshold {
		return append(dst, byte(v))
	}
	dst = append(dst, byte(v)|0xF0)
	v = (v - varintThreshold) >> 4
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// DecodeVarint reads one varint from the front of src, returning the
// value and the number of bytes consumed. It returns ErrVarintOverflow if
// src is exhausted without a terminating byte, or if the encoding would
// overflow 64 bits.
func DecodeVarint(src []byte) (uint64, int, error) {
	if len(src) == 0 {
		return 0, 0, ErrVarintOverflow
	}
	first := src[0]
	if first < varintThreshold {
		return uint64(first), 1, nil
	}
	v := uint64(first)
	shift := uint(4)
	for i := 1; ; i++ {
		if i > maxVarintContinuationBytes {
			return 0, 0, ErrVarintOverflow
		}
		if i >= len(src) {
			return 0, 0, ErrVarintOverflow
		}
		b := src[i]
		v += uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
}
