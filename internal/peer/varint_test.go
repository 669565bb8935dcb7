// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package peer

import "testing"

func TestVarintRoundTripSmallValues(t *testing.T) {
	for v := uint64(0); v < 240; v++ {
		enc := EncodeVarint(nil, v)
		if len(enc) != 1 {
			t.Fatalf("value %d should encode in 1 byte, got %d", v, len(enc))
		}
		dec, n, err := DecodeVarint(enc)
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if dec != v || n != 1 {
			t.Fatalf("decode %d => (%d, %d)", v, dec, n)
		}
	}
}

func TestVarintRoundTripLargeValues(t *testing.T) {
	values := []uint64{240, 241, 255, 1000, 65535, 1 << 20, 1 << 40, 1<<64 - 1}
	for _, v := range values {
		enc := EncodeVarint(nil, v)
		if len(enc) > 10 {
			t.Fatalf("value %d encoded in %d bytes, want <= 10", v, len(enc))
		}
		dec, n, err := DecodeVarint(enc)
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if dec != v {
			t.Fatalf("decode(encode(%d)) = %d", v, dec)
		}
		if n != len(enc) {
			t.Fatalf("consumed %d bytes, encoding was %d", n, len(enc))
		}
	}
}

func TestDecodeVarintTruncatedIsOverflow(t *testing.T) {
	enc := EncodeVarint(nil, 1<<40)
	_, _, err := DecodeVarint(enc[:len(enc)-1])
	if err != ErrVarintOverflow {
		t.Fatalf("want ErrVarintOverflow on truncated input, got %v", err)
	}
}

func TestDecodeVarintEmptyIsOverflow(t *testing.T) {
	if _, _, err := DecodeVarint(nil); err != ErrVarintOverflow {
		t.Fatalf("want ErrVarintOverflow on empty input, got %v", err)
	}
}

func TestEncodeVarintAppendsToExistingSlice(t *testing.T) {
	dst := []byte{0xAA}
	enc := EncodeVarint(dst, 5)
	if len(enc) != 2 || enc[0] != 0xAA || enc[1] != 5 {
		t.Fatalf("unexpected append result: %v", enc)
	}
}
