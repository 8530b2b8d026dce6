package wallet

import (
	"errors"
	"math/big"
	"strings"

	"github.com/alexrudloff/snap2p/snap2p/core/cryptoprim"
)

// c32Alphabet is the 32-character alphabet used by c32check addresses: the
// ten digits plus the uppercase alphabet with I, L, O, and U removed to
// avoid visual ambiguity.
const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var errC32Checksum = errors.New("wallet: c32check checksum mismatch")

// c32CheckEncode encodes (version, hash160) as a c32check address string
// prefixed with "S", matching the shape addrPattern expects: one version
// digit followed by the base32 encoding of hash160 plus a 4-byte checksum.
func c32CheckEncode(version byte, hash160 []byte) (string, error) {
	if len(hash160) != 20 {
		return "", errors.New("wallet: hash160 must be 20 bytes")
	}
	checksum := c32Checksum(version, hash160)
	payload := append(append([]byte{}, hash160...), checksum...)

	return "S" + string(c32Alphabet[version%32]) + c32Encode(payload), nil
}

// c32CheckDecode is the inverse of c32CheckEncode; kept alongside the
// encoder since any future token or resumption ticket that embeds an
// address will need to validate it without re-deriving it from a key.
func c32CheckDecode(addr string) (version byte, hash160 []byte, err error) {
	if len(addr) < 2 || addr[0] != 'S' {
		return 0, nil, errors.New("wallet: address missing 'S' prefix")
	}
	versionIdx := strings.IndexByte(c32Alphabet, addr[1])
	if versionIdx < 0 {
		return 0, nil, errors.New("wallet: invalid version character")
	}
	payload, err := c32Decode(addr[2:])
	if err != nil {
		return 0, nil, err
	}
	if len(payload) < 4 {
		return 0, nil, errors.New("wallet: address payload too short")
	}
	body, checksum := payload[:len(payload)-4], payload[len(payload)-4:]
	want := c32Checksum(byte(versionIdx), body)
	if !cryptoprim.ConstantTimeEqual(checksum, want) {
		return 0, nil, errC32Checksum
	}
	return byte(versionIdx), body, nil
}

func c32Checksum(version byte, body []byte) []byte {
	first := cryptoprim.SHA256(append([]byte{version}, body...))
	second := cryptoprim.SHA256(first[:])
	return second[:4]
}

// c32Encode treats data as a big-endian unsigned integer and renders it in
// base32 using c32Alphabet, preserving one output digit per leading zero
// byte in data so that payloads of a fixed length always decode back to
// their original size.
func c32Encode(data []byte) string {
	leadingZeros := 0
	for _, b := range data {
		if b != 0 {
			break
		}
		leadingZeros++
	}

	num := new(big.Int).SetBytes(data)
	base := big.NewInt(32)
	mod := new(big.Int)
	var digits []byte
	for num.Sign() > 0 {
		num.DivMod(num, base, mod)
		digits = append(digits, c32Alphabet[mod.Int64()])
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}

	return strings.Repeat(string(c32Alphabet[0]), leadingZeros) + string(digits)
}

// c32Decode is the inverse of c32Encode.
func c32Decode(s string) ([]byte, error) {
	leadingZeros := 0
	for _, r := range s {
		if r != rune(c32Alphabet[0]) {
			break
		}
		leadingZeros++
	}

	num := new(big.Int)
	base := big.NewInt(32)
	for _, r := range s {
		idx := strings.IndexRune(c32Alphabet, r)
		if idx < 0 {
			return nil, errors.New("wallet: invalid c32 character")
		}
		num.Mul(num, base)
		num.Add(num, big.NewInt(int64(idx)))
	}

	be := num.Bytes()
	out := make([]byte, leadingZeros+len(be))
	copy(out[leadingZeros:], be)
	return out, nil
}
