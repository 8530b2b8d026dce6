package framing

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, 1<<17),
	}

	buf := NewBuffer()
	for _, p := range payloads {
		encoded, err := AppendFrame(nil, p)
		if err != nil {
			t.Fatalf("AppendFrame: %v", err)
		}
		buf.Append(encoded)
	}

	for i, want := range payloads {
		got, ok, err := buf.TryReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("frame %d: expected a complete frame", i)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %v want %v", i, got, want)
		}
	}

	if _, ok, _ := buf.TryReadFrame(); ok {
		t.Fatal("expected no more frames")
	}
}

func TestIncrementalDelivery(t *testing.T) {
	payload := []byte("incremental")
	encoded, err := AppendFrame(nil, payload)
	if err != nil {
		t.Fatal(err)
	}

	buf := NewBuffer()
	for _, b := range encoded[:len(encoded)-1] {
		buf.Append([]byte{b})
		if _, ok, err := buf.TryReadFrame(); err != nil || ok {
			t.Fatalf("frame should not be ready yet (ok=%v err=%v)", ok, err)
		}
	}
	buf.Append(encoded[len(encoded)-1:])

	got, ok, err := buf.TryReadFrame()
	if err != nil || !ok {
		t.Fatalf("expected complete frame, ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestOversizeRejected(t *testing.T) {
	big := make([]byte, MaxFrameLen+1)
	if _, err := AppendFrame(nil, big); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDeclaredLengthOverLimitRejected(t *testing.T) {
	buf := NewBuffer()
	// Hand-craft a varint declaring a length just over the cap.
	over := uint64(MaxFrameLen) + 1
	var prefix []byte
	v := over
	for v >= 0x80 {
		prefix = append(prefix, byte(v)|0x80)
		v >>= 7
	}
	prefix = append(prefix, byte(v))
	buf.Append(prefix)

	if _, _, err := buf.TryReadFrame(); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestVarintTooLarge(t *testing.T) {
	buf := NewBuffer()
	// Six bytes, five with the continuation bit: exceeds the 4-byte /
	// 28-bit budget.
	buf.Append([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01})
	if _, _, err := buf.TryReadFrame(); err != ErrVarintTooLarge {
		t.Fatalf("expected ErrVarintTooLarge, got %v", err)
	}
}
