// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package peer

import (
	"fmt"
	"time"

	"github.com/nishisan-dev/rproxy/internal/stick"
)

// FreqPeriodWire is one inline (type, period_ms) pair trailing a DEFINE
// payload for each frequency-counter data column.
type FreqPeriodWire struct {
	Type     byte
	PeriodMs uint64
}

// DefinePayload is the decoded form of a STICKTABLE DEFINE message: it
// establishes the sender's local_id as the receiver's remote_id for the
// named table and describes its schema.
type DefinePayload struct {
	LocalID     uint64
	Name        string
	Type        byte
	KeySize     uint64
	DataBitmask uint64
	ExpireMs    uint64
	FreqPeriods []FreqPeriodWire
}

// EncodeDefine serializes a DefinePayload to its wire form: local_id,
// name_len, name_bytes, type, key_size, data_bitmask, expire_ms, then per
// frequency-counter column an inline (type, period) pair.
func EncodeDefine(d DefinePayload) []byte {
	var out []byte
	out = EncodeVarint(out, d.LocalID)
	out = EncodeVarint(out, uint64(len(d.Name)))
	out = append(out, d.Name...)
	out = append(out, d.Type)
	out = EncodeVarint(out, d.KeySize)
	out = EncodeVarint(out, d.DataBitmask)
	out = EncodeVarint(out, d.ExpireMs)
	for _, fp := range d.FreqPeriods {
		out = append(out, fp.Type)
		out = EncodeVarint(out, fp.PeriodMs)
	}
	return out
}

// DecodeDefine parses a DEFINE payload. Trailing (type, period) pairs are
// read until the payload is exhausted.
func DecodeDefine(payload []byte) (DefinePayload, error) {
	var d DefinePayload
	off := 0

	localID, n, err := DecodeVarint(payload[off:])
	if err != nil {
		return d, fmt.Errorf("peer: DEFINE local_id: %w", err)
	}
	d.LocalID = localID
	off += n

	nameLen, n, err := DecodeVarint(payload[off:])
	if err != nil {
		return d, fmt.Errorf("peer: DEFINE name_len: %w", err)
	}
	off += n
	if off+int(nameLen) > len(payload) {
		return d, ErrShortPayload
	}
	d.Name = string(payload[off : off+int(nameLen)])
	off += int(nameLen)

	if off >= len(payload) {
		return d, ErrShortPayload
	}
	d.Type = payload[off]
	off++

	keySize, n, err := DecodeVarint(payload[off:])
	if err != nil {
		return d, fmt.Errorf("peer: DEFINE key_size: %w", err)
	}
	d.KeySize = keySize
	off += n

	dataBitmask, n, err := DecodeVarint(payload[off:])
	if err != nil {
		return d, fmt.Errorf("peer: DEFINE data_bitmask: %w", err)
	}
	d.DataBitmask = dataBitmask
	off += n

	expireMs, n, err := DecodeVarint(payload[off:])
	if err != nil {
		return d, fmt.Errorf("peer: DEFINE expire_ms: %w", err)
	}
	d.ExpireMs = expireMs
	off += n

	for off < len(payload) {
		if off+1 > len(payload) {
			return d, ErrShortPayload
		}
		typ := payload[off]
		off++
		period, n, err := DecodeVarint(payload[off:])
		if err != nil {
			return d, fmt.Errorf("peer: DEFINE freq period: %w", err)
		}
		off += n
		d.FreqPeriods = append(d.FreqPeriods, FreqPeriodWire{Type: typ, PeriodMs: period})
	}
	return d, nil
}

// wireKeyType maps the wire's single-byte table type to the stick
// package's KeyType enum.
func wireKeyType(wireType byte) stick.KeyType {
	switch wireType {
	case 1:
		return stick.KeyIPv4
	case 2:
		return stick.KeyInteger
	case 3:
		return stick.KeyBinary
	default:
		return stick.KeyString
	}
}

// NewTableFromDefine builds a stick.Table from a decoded DEFINE message,
// assigning data column indexes from the set bits of DataBitmask in
// ascending order and matching frequency-counter columns against
// FreqPeriods in the order they appeared on the wire.
func NewTableFromDefine(d DefinePayload) *stick.Table {
	var columns []stick.Column
	freqIdx := 0
	for bit := 0; bit < 64; bit++ {
		if d.DataBitmask&(1<<uint(bit)) == 0 {
			continue
		}
		col := stick.Column{Index: bit}
		if freqIdx < len(d.FreqPeriods) && isFreqType(d.FreqPeriods[freqIdx].Type) {
			col.Type = stick.TypeFrqp
			col.Period = time.Duration(d.FreqPeriods[freqIdx].PeriodMs) * time.Millisecond
			freqIdx++
		} else {
			col.Type = stick.TypeUInt
		}
		columns = append(columns, col)
	}
	return stick.New(d.Name, wireKeyType(d.Type), int(d.KeySize), columns, uint32(d.ExpireMs))
}

func isFreqType(wireType byte) bool { return wireType == byte(stick.TypeFrqp) }
