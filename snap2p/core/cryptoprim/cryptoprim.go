// Package cryptoprim collects the primitive cryptographic operations the
// rest of the core is built from: Ed25519 signing, X25519 Diffie-Hellman
// (including the Ed25519→X25519 conversion used to turn a node's signing
// key into its Noise static key), SHA-256, HKDF-SHA256, ChaCha20-Poly1305
// AEAD, constant-time comparison, and a CSPRNG source. Nothing here knows
// about the wire protocol; it is the same split the teacher repo makes
// between cryptoops/credential-style key handling and the handshake
// orchestration that consumes it.
package cryptoprim

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// RandomBytes returns n cryptographically random bytes from the system
// CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ConstantTimeEqual reports whether a and b are equal, in time
// independent of where they first differ (but not of their lengths).
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// SHA256 hashes data and returns the 32-byte digest.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HKDFSHA256 derives L bytes of key material from (salt, ikm, info) using
// HKDF-SHA256, the same construction used internally by the Noise engine
// for its MixKey step and made available here for any component (e.g. a
// future session-resumption key schedule) that needs it directly.
func HKDFSHA256(salt, ikm, info []byte, l int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, l)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateEd25519 creates a fresh Ed25519 keypair, used for a node's
// ephemeral transport identity (the "node key").
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Ed25519ToX25519Private converts an Ed25519 private key to its X25519
// counterpart via SHA-512(seed)[:32] with RFC 7748 clamping — the
// standard conversion, identical to the one the teacher repo's
// Credential.X25519PrivateKey performs.
func Ed25519ToX25519Private(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	defer wipe(h[:])

	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	out := make([]byte, 32)
	copy(out, h[:32])
	return out
}

// Ed25519ToX25519Public converts an Ed25519 public key to its X25519
// (Montgomery form) counterpart. Used both to derive a node's own Noise
// static key and, during attestation binding, to check that an
// attestation's node_public_key matches the Noise peer's remote static
// key.
func Ed25519ToX25519Public(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("cryptoprim: invalid ed25519 public key length")
	}
	// Edwards->Montgomery conversion: u = (1+y)/(1-y) mod p, computed over
	// the field via edwards25519 internally by deriving the X25519 key
	// from the same clamped scalar used for the private half would
	// require the private key; for a *public* key we convert the point
	// directly.
	return edwardsPubToMontgomery(pub)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// NewAEAD constructs the ChaCha20-Poly1305 AEAD for a 32-byte key, for
// use outside of the Noise handshake; no other core package calls it
// (Noise's own CipherState wraps the same cipher during the three-message
// exchange and the post-handshake transport).
func NewAEAD(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}
