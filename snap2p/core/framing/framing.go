// Package framing implements the wire-level length-prefixed frame format
// shared by every phase of a session: the plaintext Noise handshake
// messages, the plaintext KNOCK/KNOCK_RESPONSE pair, and every
// AEAD-encrypted control frame that follows.
//
// A frame is varint(len) ‖ bytes[len], where varint is unsigned LEB128.
package framing

import (
	"errors"
	"io"
)

// MaxFrameLen is the largest payload a single frame may carry.
const MaxFrameLen = 16 << 20 // 16 MiB

var (
	// ErrVarintTooLarge is returned when a varint runs past 4 bytes, i.e.
	// would carry more than 28 bits of value (7 usable bits per byte).
	ErrVarintTooLarge = errors.New("framing: varint too large")
	// ErrFrameTooLarge is returned when a decoded length exceeds MaxFrameLen.
	ErrFrameTooLarge = errors.New("framing: frame exceeds maximum size")
)

// AppendFrame appends varint(len(payload)) ‖ payload to dst and returns the
// extended slice.
func AppendFrame(dst []byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	dst = appendVarint(dst, uint64(len(payload)))
	dst = append(dst, payload...)
	return dst, nil
}

func appendVarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// WriteFrame writes a single frame (varint length prefix + payload) to w.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := AppendFrame(make([]byte, 0, len(payload)+5), payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Buffer is an incremental frame decoder bound to a byte stream. Callers
// append raw bytes as they arrive off the socket and repeatedly call
// TryReadFrame until it reports no frame is ready.
type Buffer struct {
	buf []byte
}

// NewBuffer returns an empty incremental frame buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds raw bytes read from the socket to the buffer.
func (b *Buffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

// TryReadFrame attempts to decode one complete frame from the buffered
// bytes. It returns (payload, true, nil) on success, (nil, false, nil) when
// more bytes are needed, and a non-nil error for a malformed varint or an
// oversize declared length — both of which are fatal for the connection.
func (b *Buffer) TryReadFrame() ([]byte, bool, error) {
	length, n, err := decodeVarintPrefix(b.buf)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil // varint incomplete
	}
	if length > MaxFrameLen {
		return nil, false, ErrFrameTooLarge
	}
	total := n + int(length)
	if len(b.buf) < total {
		return nil, false, nil // payload incomplete
	}

	payload := make([]byte, length)
	copy(payload, b.buf[n:total])

	remaining := len(b.buf) - total
	copy(b.buf, b.buf[total:])
	b.buf = b.buf[:remaining]

	return payload, true, nil
}

// decodeVarintPrefix decodes a LEB128 varint from the front of buf. It
// returns (value, bytesConsumed, err). bytesConsumed is 0 (with a nil
// error) when buf does not yet hold a complete varint.
func decodeVarintPrefix(buf []byte) (uint64, int, error) {
	var value uint64
	var shift uint
	for i := 0; i < len(buf); i++ {
		if shift >= 28 {
			// A fifth byte would take the value past 28 bits.
			return 0, 0, ErrVarintTooLarge
		}
		b := buf[i]
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, nil
}

// ReadFrame reads exactly one frame synchronously from r, blocking until
// the full varint and payload have arrived. Used during the handshake
// where each side expects exactly one frame per step.
func ReadFrame(r io.Reader) ([]byte, error) {
	length, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if length > MaxFrameLen {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func readVarint(r io.Reader) (uint64, error) {
	var value uint64
	var shift uint
	var b [1]byte
	for {
		if shift >= 28 {
			return 0, ErrVarintTooLarge
		}
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		value |= uint64(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			return value, nil
		}
		shift += 7
	}
}
