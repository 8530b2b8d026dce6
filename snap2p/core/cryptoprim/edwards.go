package cryptoprim

import (
	"errors"
	"math/big"
)

// edwardsPubToMontgomery converts a compressed Edwards25519 public key
// (the wire format used by Ed25519) to its Montgomery u-coordinate (the
// wire format used by X25519), via u = (1+y) / (1-y) mod p.
//
// Only the y-coordinate of the Edwards point matters for this conversion;
// the sign bit carried in the Ed25519 encoding's top bit selects between
// the two points sharing that y and is irrelevant to the Montgomery
// u-coordinate, which is shared by both.
func edwardsPubToMontgomery(pub []byte) ([]byte, error) {
	if len(pub) != 32 {
		return nil, errors.New("cryptoprim: edwards public key must be 32 bytes")
	}

	// Decode as little-endian integer, clearing the sign bit (bit 255).
	le := make([]byte, 32)
	copy(le, pub)
	le[31] &= 0x7f

	y := new(big.Int).SetBytes(reverse(le))

	p := fieldPrime()
	one := big.NewInt(1)

	numerator := new(big.Int).Add(one, y)
	numerator.Mod(numerator, p)

	denominator := new(big.Int).Sub(one, y)
	denominator.Mod(denominator, p)
	if denominator.Sign() == 0 {
		return nil, errors.New("cryptoprim: edwards point has no Montgomery equivalent")
	}
	inv := new(big.Int).ModInverse(denominator, p)
	if inv == nil {
		return nil, errors.New("cryptoprim: denominator not invertible")
	}

	u := new(big.Int).Mul(numerator, inv)
	u.Mod(u, p)

	return leBytes32(u), nil
}

func fieldPrime() *big.Int {
	// p = 2^255 - 19
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	p.Sub(p, big.NewInt(19))
	return p
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// leBytes32 encodes v as a 32-byte little-endian field element.
func leBytes32(v *big.Int) []byte {
	be := v.Bytes()
	out := make([]byte, 32)
	// be is big-endian, right-aligned; copy it into the tail of a 32-byte
	// buffer, then reverse to get little-endian.
	copy(out[32-len(be):], be)
	return reverse(out)
}
