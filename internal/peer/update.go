// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package peer

import (
	"encoding/binary"
	"fmt"

	"github.com/nishisan-dev/rproxy/internal/stick"
)

// UpdatePayload is the decoded form of an UPDATE/INCUPDATE (± TIMED)
// message: an optional explicit update-id, an optional remaining-expire
// for TIMED variants, the row key, and its present data columns in
// ascending column-index order.
type UpdatePayload struct {
	UpdateID    uint64 // present when HasUpdateID; absent on INCUPDATE after the first message
	HasUpdateID bool
	RemainingMs uint32 // present only for *_TIMED types
	Key         string
	Values      map[int]interface{}
}

// EncodeUpdate serializes an UpdatePayload for the given message type and
// the table's column schema (needed to know each value's wire encoding).
func EncodeUpdate(typ byte, p UpdatePayload, columns []stick.Column) []byte {
	var out []byte
	if p.HasUpdateID {
		var idBuf [4]byte
		binary.BigEndian.PutUint32(idBuf[:], uint32(p.UpdateID))
		out = append(out, idBuf[:]...)
	}
	if typ == StickUpdateTimed || typ == StickIncUpdateTimed {
		var expBuf [4]byte
		binary.BigEndian.PutUint32(expBuf[:], p.RemainingMs)
		out = append(out, expBuf[:]...)
	}

	out = EncodeVarint(out, uint64(len(p.Key)))
	out = append(out, p.Key...)

	for _, col := range columns {
		v, ok := p.Values[col.Index]
		if !ok {
			continue
		}
		switch col.Type {
		case stick.TypeSInt:
			out = EncodeVarint(out, uint64(v.(int64)))
		case stick.TypeUInt, stick.TypeULL:
			out = EncodeVarint(out, v.(uint64))
		case stick.TypeFrqp:
			f := v.(stick.Frqp)
			out = EncodeVarint(out, uint64(f.TicksSinceCurr))
			out = EncodeVarint(out, f.CurrCtr)
			out = EncodeVarint(out, f.PrevCtr)
		}
	}
	return out
}

// DecodeUpdate parses an UPDATE/INCUPDATE (± TIMED) payload. hasUpdateID
// tells the decoder whether an explicit update-id field is present (true
// for UPDATE and for the first INCUPDATE after a gap/SWITCH; false for a
// contiguous INCUPDATE).
func DecodeUpdate(typ byte, payload []byte, hasUpdateID bool, columns []stick.Column) (UpdatePayload, error) {
	var p UpdatePayload
	off := 0

	if hasUpdateID {
		if off+4 > len(payload) {
			return p, ErrShortPayload
		}
		p.UpdateID = uint64(binary.BigEndian.Uint32(payload[off:]))
		p.HasUpdateID = true
		off += 4
	}

	if typ == StickUpdateTimed || typ == StickIncUpdateTimed {
		if off+4 > len(payload) {
			return p, ErrShortPayload
		}
		p.RemainingMs = binary.BigEndian.Uint32(payload[off:])
		off += 4
	}

	keyLen, n, err := DecodeVarint(payload[off:])
	if err != nil {
		return p, fmt.Errorf("peer: UPDATE key_len: %w", err)
	}
	off += n
	if off+int(keyLen) > len(payload) {
		return p, ErrShortPayload
	}
	p.Key = string(payload[off : off+int(keyLen)])
	off += int(keyLen)

	p.Values = make(map[int]interface{}, len(columns))
	for _, col := range columns {
		switch col.Type {
		case stick.TypeSInt:
			v, n, err := DecodeVarint(payload[off:])
			if err != nil {
				return p, fmt.Errorf("peer: UPDATE column %d: %w", col.Index, err)
			}
			off += n
			p.Values[col.Index] = int64(v)
		case stick.TypeUInt, stick.TypeULL:
			v, n, err := DecodeVarint(payload[off:])
			if err != nil {
				return p, fmt.Errorf("peer: UPDATE column %d: %w", col.Index, err)
			}
			off += n
			p.Values[col.Index] = v
		case stick.TypeFrqp:
			ticks, n, err := DecodeVarint(payload[off:])
			if err != nil {
				return p, fmt.Errorf("peer: UPDATE column %d ticks: %w", col.Index, err)
			}
			off += n
			curr, n, err := DecodeVarint(payload[off:])
			if err != nil {
				return p, fmt.Errorf("peer: UPDATE column %d curr: %w", col.Index, err)
			}
			off += n
			prev, n, err := DecodeVarint(payload[off:])
			if err != nil {
				return p, fmt.Errorf("peer: UPDATE column %d prev: %w", col.Index, err)
			}
			off += n
			p.Values[col.Index] = stick.Frqp{TicksSinceCurr: uint32(ticks), CurrCtr: curr, PrevCtr: prev}
		}
	}
	return p, nil
}
