// Package nodekey manages a node's ephemeral Ed25519 transport identity —
// the "node key" whose Ed25519 public key doubles as the Noise XX static
// key (after conversion) and which, embedded in a wallet-signed
// attestation, is what a session binds the handshake's Noise static key
// to. It is the transport-identity analogue of the
// teacher repo's Credential type, stripped of the derived string-id
// concept that credential holds but a node key here has no use for.
package nodekey

import (
	"crypto/ed25519"
	"fmt"

	"github.com/alexrudloff/snap2p/snap2p/core/cryptoprim"
)

// Key is a node's Ed25519 signing keypair plus its cached X25519
// conversion, computed once since every handshake needs it.
type Key struct {
	Public     ed25519.PublicKey
	private    ed25519.PrivateKey
	x25519Priv []byte
	x25519Pub  []byte
}

// Generate creates a fresh node key.
func Generate() (*Key, error) {
	pub, priv, err := cryptoprim.GenerateEd25519()
	if err != nil {
		return nil, fmt.Errorf("nodekey: generate: %w", err)
	}
	return fromEd25519(pub, priv)
}

// FromSeed deterministically reconstructs a node key from a 32-byte
// Ed25519 seed, letting a caller persist just the seed across restarts
// instead of the derived forms.
func FromSeed(seed []byte) (*Key, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("nodekey: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return fromEd25519(priv.Public().(ed25519.PublicKey), priv)
}

func fromEd25519(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Key, error) {
	xPub, err := cryptoprim.Ed25519ToX25519Public(pub)
	if err != nil {
		return nil, fmt.Errorf("nodekey: deriving X25519 public key: %w", err)
	}
	xPriv := cryptoprim.Ed25519ToX25519Private(priv)
	return &Key{
		Public:     pub,
		private:    priv,
		x25519Priv: xPriv,
		x25519Pub:  xPub,
	}, nil
}

// Seed returns the 32-byte Ed25519 seed a caller can persist and later
// pass to FromSeed to reconstruct this key.
func (k *Key) Seed() []byte {
	return append([]byte(nil), k.private.Seed()...)
}

// Sign signs data with the node's Ed25519 key. The handshake and
// attestation code do not call it: attestations are signed by the
// wallet, and control of the node key is proven by the Noise handshake.
func (k *Key) Sign(data []byte) []byte {
	return ed25519.Sign(k.private, data)
}

// X25519Private returns the static private key to hand to the Noise
// engine for this node's side of the handshake.
func (k *Key) X25519Private() []byte {
	return append([]byte(nil), k.x25519Priv...)
}

// X25519Public returns the static public key form that an attestation's
// node_public_key field is checked against after conversion.
func (k *Key) X25519Public() []byte {
	return append([]byte(nil), k.x25519Pub...)
}
