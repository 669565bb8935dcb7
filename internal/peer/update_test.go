// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package peer

import (
	"testing"

	"github.com/nishisan-dev/rproxy/internal/stick"
)

func TestUpdateRoundTripWithIDAndTimed(t *testing.T) {
	columns := []stick.Column{
		{Index: 0, Type: stick.TypeUInt},
		{Index: 1, Type: stick.TypeFrqp},
	}
	p := UpdatePayload{
		UpdateID:    42,
		HasUpdateID: true,
		RemainingMs: 1500,
		Key:         "10.0.0.5",
		Values: map[int]interface{}{
			0: uint64(7),
			1: stick.Frqp{TicksSinceCurr: 3, CurrCtr: 100, PrevCtr: 90},
		},
	}
	payload := EncodeUpdate(StickUpdateTimed, p, columns)
	got, err := DecodeUpdate(StickUpdateTimed, payload, true, columns)
	if err != nil {
		t.Fatalf("DecodeUpdate: %v", err)
	}
	if got.UpdateID != p.UpdateID || got.RemainingMs != p.RemainingMs || got.Key != p.Key {
		t.Fatalf("mismatch: %+v", got)
	}
	if got.Values[0].(uint64) != 7 {
		t.Fatalf("column 0 mismatch: %v", got.Values[0])
	}
	frq := got.Values[1].(stick.Frqp)
	if frq.TicksSinceCurr != 3 || frq.CurrCtr != 100 || frq.PrevCtr != 90 {
		t.Fatalf("frqp mismatch: %+v", frq)
	}
}

func TestIncUpdateWithoutIDSkipsUpdateIDField(t *testing.T) {
	columns := []stick.Column{{Index: 0, Type: stick.TypeUInt}}
	p := UpdatePayload{Key: "k", Values: map[int]interface{}{0: uint64(1)}}
	payload := EncodeUpdate(StickIncUpdate, p, columns)
	got, err := DecodeUpdate(StickIncUpdate, payload, false, columns)
	if err != nil {
		t.Fatalf("DecodeUpdate: %v", err)
	}
	if got.HasUpdateID {
		t.Fatalf("expected no update id decoded")
	}
	if got.Key != "k" {
		t.Fatalf("key mismatch: %q", got.Key)
	}
}
