// Package codec implements the canonical map encoding used for every
// control message exchanged once (or, for KNOCK, just before) the Noise
// channel is established, plus the signing payload of a node-key
// attestation. Encoding is deterministic: fields are always written in
// lexicographic key order, so decode(encode(m)) reproduces m byte for
// byte and two implementations that agree on field values always agree
// on wire bytes.
//
// The wire shape mirrors the manual bytes.Buffer-based encoders in the
// teacher repo's identity.CertificateV2 and serdes.Header: fixed-width
// integers in big-endian, length-prefixed strings/bytes, no reflection.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrTruncated      = errors.New("codec: truncated field")
	ErrFieldTypeMismatch = errors.New("codec: field type mismatch")
	ErrMissingField   = errors.New("codec: required field missing")
	ErrTooManyFields  = errors.New("codec: too many fields")
)

// kind tags the wire type of a field's value so a decoder can skip fields
// it doesn't recognise without understanding their semantics.
type kind byte

const (
	kindUint   kind = 1 // fixed 8-byte big-endian uint64
	kindInt    kind = 2 // fixed 8-byte big-endian int64 (two's complement)
	kindBytes  kind = 3 // varint length + raw bytes
	kindString kind = 4 // varint length + UTF-8 bytes
	kindBool   kind = 5 // single 0/1 byte
	kindStrList kind = 6 // varint count, then each entry as varint length + UTF-8 bytes
)

const maxFields = 64 // generous bound; largest catalogue message has 7 fields

// field is one key/value pair of a canonical map, already encoded to its
// wire representation for Kind's purposes.
type field struct {
	key  string
	kind kind
	raw  []byte
}

// Fields is a builder for the sorted-map wire encoding. Fields may be
// appended in any order; Encode sorts them before writing.
type Fields struct {
	items []field
}

func (f *Fields) PutUint(key string, v uint64) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	f.items = append(f.items, field{key, kindUint, b})
}

func (f *Fields) PutInt(key string, v int64) {
	f.PutUint(key, uint64(v))
	f.items[len(f.items)-1].kind = kindInt
}

func (f *Fields) PutBytes(key string, v []byte) {
	b := appendVarintLenPrefixed(nil, v)
	f.items = append(f.items, field{key, kindBytes, b})
}

func (f *Fields) PutString(key string, v string) {
	f.PutBytes(key, []byte(v))
	f.items[len(f.items)-1].kind = kindString
}

func (f *Fields) PutBool(key string, v bool) {
	b := byte(0)
	if v {
		b = 1
	}
	f.items = append(f.items, field{key, kindBool, []byte{b}})
}

func (f *Fields) PutStringList(key string, v []string) {
	var b []byte
	b = appendVarint(b, uint64(len(v)))
	for _, s := range v {
		b = appendVarintLenPrefixed(b, []byte(s))
	}
	f.items = append(f.items, field{key, kindStrList, b})
}

// Encode produces the canonical bytes: varint(fieldCount), then for each
// field (sorted by key): varint(len(key)) ‖ key ‖ kind-byte ‖ value-bytes.
func (f *Fields) Encode() []byte {
	sorted := make([]field, len(f.items))
	copy(sorted, f.items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].key < sorted[j].key })

	out := appendVarint(nil, uint64(len(sorted)))
	for _, fl := range sorted {
		out = appendVarintLenPrefixed(out, []byte(fl.key))
		out = append(out, byte(fl.kind))
		out = append(out, fl.raw...)
	}
	return out
}

// Map is the decoded, tolerant form of Fields: unknown keys are retained
// but never required, so a newer sender's extra fields never break an
// older receiver.
type Map struct {
	values map[string]rawValue
}

type rawValue struct {
	kind kind
	data []byte
}

// DecodeFields parses the canonical map format produced by Fields.Encode.
func DecodeFields(buf []byte) (*Map, []byte, error) {
	count, rest, err := takeVarint(buf)
	if err != nil {
		return nil, nil, err
	}
	if count > maxFields {
		return nil, nil, ErrTooManyFields
	}

	m := &Map{values: make(map[string]rawValue, count)}
	for i := uint64(0); i < count; i++ {
		key, after, err := takeVarintLenPrefixed(rest)
		if err != nil {
			return nil, nil, err
		}
		rest = after
		if len(rest) < 1 {
			return nil, nil, ErrTruncated
		}
		k := kind(rest[0])
		rest = rest[1:]

		var val []byte
		switch k {
		case kindUint, kindInt:
			if len(rest) < 8 {
				return nil, nil, ErrTruncated
			}
			val, rest = rest[:8], rest[8:]
		case kindBool:
			if len(rest) < 1 {
				return nil, nil, ErrTruncated
			}
			val, rest = rest[:1], rest[1:]
		case kindBytes, kindString:
			var body []byte
			body, rest, err = takeVarintLenPrefixed(rest)
			if err != nil {
				return nil, nil, err
			}
			val = body
		case kindStrList:
			start := rest
			n, after, err := takeVarint(rest)
			if err != nil {
				return nil, nil, err
			}
			rest = after
			for j := uint64(0); j < n; j++ {
				_, after2, err := takeVarintLenPrefixed(rest)
				if err != nil {
					return nil, nil, err
				}
				rest = after2
			}
			val = start[:len(start)-len(rest)]
		default:
			return nil, nil, fmt.Errorf("%w: unknown kind %d", ErrFieldTypeMismatch, k)
		}

		m.values[string(key)] = rawValue{kind: k, data: val}
	}

	return m, rest, nil
}

func (m *Map) GetUint(key string) (uint64, bool, error) {
	v, ok := m.values[key]
	if !ok {
		return 0, false, nil
	}
	if v.kind != kindUint && v.kind != kindInt {
		return 0, true, ErrFieldTypeMismatch
	}
	return binary.BigEndian.Uint64(v.data), true, nil
}

func (m *Map) GetInt(key string) (int64, bool, error) {
	u, ok, err := m.GetUint(key)
	return int64(u), ok, err
}

func (m *Map) GetBytes(key string) ([]byte, bool, error) {
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	if v.kind != kindBytes && v.kind != kindString {
		return nil, true, ErrFieldTypeMismatch
	}
	return v.data, true, nil
}

func (m *Map) GetString(key string) (string, bool, error) {
	b, ok, err := m.GetBytes(key)
	return string(b), ok, err
}

func (m *Map) GetBool(key string) (bool, bool, error) {
	v, ok := m.values[key]
	if !ok {
		return false, false, nil
	}
	if v.kind != kindBool {
		return false, true, ErrFieldTypeMismatch
	}
	return v.data[0] != 0, true, nil
}

func (m *Map) GetStringList(key string) ([]string, bool, error) {
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	if v.kind != kindStrList {
		return nil, true, ErrFieldTypeMismatch
	}
	n, rest, err := takeVarint(v.data)
	if err != nil {
		return nil, true, err
	}
	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, after, err := takeVarintLenPrefixed(rest)
		if err != nil {
			return nil, true, err
		}
		out = append(out, string(s))
		rest = after
	}
	return out, true, nil
}

// --- varint helpers (unsigned LEB128, shared shape with the framing layer) ---

func appendVarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

func appendVarintLenPrefixed(dst []byte, v []byte) []byte {
	dst = appendVarint(dst, uint64(len(v)))
	return append(dst, v...)
}

func takeVarint(buf []byte) (uint64, []byte, error) {
	var value uint64
	var shift uint
	for i := 0; i < len(buf); i++ {
		if shift >= 63 {
			return 0, nil, ErrTruncated
		}
		b := buf[i]
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, buf[i+1:], nil
		}
		shift += 7
	}
	return 0, nil, ErrTruncated
}

func takeVarintLenPrefixed(buf []byte) ([]byte, []byte, error) {
	n, rest, err := takeVarint(buf)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(rest)) < n {
		return nil, nil, ErrTruncated
	}
	return rest[:n], rest[n:], nil
}
