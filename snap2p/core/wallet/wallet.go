// Package wallet defines the external collaborator interface the core
// protocol consumes for identity: a blockchain-style keypair that can
// produce its scheme-prefixed Principal address and sign arbitrary bytes.
// Per spec §1, key storage, KDFs, and seed-phrase/password UX live
// entirely outside the core; this package only defines the boundary
// interface plus a minimal in-memory implementation for tests, demos, and
// anywhere else a real wallet integration hasn't been wired in yet.
package wallet

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // hash160 requires RIPEMD-160, same as the chain it models.

	"github.com/alexrudloff/snap2p/snap2p/core/cryptoprim"
)

// Scheme is the fixed URI-like scheme prefix for a Principal string.
const Scheme = "stacks"

var addrPattern = regexp.MustCompile(`^S[A-Z0-9]{39,40}$`)

var (
	ErrInvalidPrincipal = errors.New("wallet: invalid principal")
)

// Principal is an immutable, scheme-prefixed blockchain identity. Value
// equality is structural: two Principals are equal iff their strings are
// equal.
type Principal struct {
	raw string
}

// ParsePrincipal validates and constructs a Principal from its wire
// string form "stacks:<ADDR>".
func ParsePrincipal(s string) (Principal, error) {
	const prefix = Scheme + ":"
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return Principal{}, fmt.Errorf("%w: missing %q prefix", ErrInvalidPrincipal, prefix)
	}
	addr := s[len(prefix):]
	if !addrPattern.MatchString(addr) {
		return Principal{}, fmt.Errorf("%w: address %q does not match the expected format", ErrInvalidPrincipal, addr)
	}
	return Principal{raw: s}, nil
}

// String returns the canonical "stacks:<ADDR>" form.
func (p Principal) String() string { return p.raw }

// Addr returns the bare <ADDR> part, without the scheme prefix.
func (p Principal) Addr() string { return p.raw[len(Scheme)+1:] }

// IsZero reports whether p is the zero value (never produced by
// ParsePrincipal).
func (p Principal) IsZero() bool { return p.raw == "" }

// Wallet is the capability interface the core consumes: something that
// knows its own Principal and can sign a byte string.
type Wallet interface {
	Principal() Principal
	Sign(data []byte) ([]byte, error)
}

// Network selects which c32check version byte a Principal address is
// derived under. Attestation verification (spec §4.3, "derive the
// address for the configured network") must use the same Network the
// verifying Peer was configured with, independent of whichever Network
// the signer's own wallet happens to use internally.
type Network int

const (
	Mainnet Network = iota
	Testnet
)

// mainnetVersion/testnetVersion are the c32check version bytes used when
// deriving a Principal address from a public key. They mirror the
// chain's single-signature mainnet/testnet account versions.
const (
	mainnetVersion = 22
	testnetVersion = 26
)

func versionFor(network Network) byte {
	if network == Testnet {
		return testnetVersion
	}
	return mainnetVersion
}

// Ephemeral is a process-local secp256k1 wallet: a fresh random keypair
// generated at startup, never persisted. It exists for tests, demos, and
// any caller that hasn't wired in a real wallet integration — a real
// deployment plugs in whatever manages the user's actual keys and seed
// phrase, none of which the core depends on.
type Ephemeral struct {
	priv      *secp256k1.PrivateKey
	principal Principal
}

// NewEphemeral generates a fresh mainnet keypair and derives its
// Principal. Use NewEphemeralOnNetwork for a testnet identity.
func NewEphemeral() (*Ephemeral, error) {
	return NewEphemeralOnNetwork(Mainnet)
}

// NewEphemeralOnNetwork generates a fresh keypair whose Principal address
// is derived under network.
func NewEphemeralOnNetwork(network Network) (*Ephemeral, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return newEphemeralFromKey(priv, network)
}

func newEphemeralFromKey(priv *secp256k1.PrivateKey, network Network) (*Ephemeral, error) {
	addr, err := addressFromPubKey(priv.PubKey(), network)
	if err != nil {
		return nil, err
	}
	principal, err := ParsePrincipal(Scheme + ":" + addr)
	if err != nil {
		return nil, err
	}
	return &Ephemeral{priv: priv, principal: principal}, nil
}

func (e *Ephemeral) Principal() Principal { return e.principal }

// Sign signs data's SHA-256 digest with a compact (RSV) secp256k1
// signature: a 1-byte recovery id followed by the 32-byte R and 32-byte
// S values, letting a verifier recover the signer's public key from the
// signature and hash alone (spec §4.3's "recover a public key ... from
// the RSV signature").
func (e *Ephemeral) Sign(data []byte) ([]byte, error) {
	digest := cryptoprim.SHA256(data)
	return ecdsa.SignCompact(e.priv, digest[:], true), nil
}

// RecoverPrincipal recovers the signer's Principal from an RSV signature
// over data's SHA-256 digest, without needing the signer's public key in
// advance. Used by attestation verification (§4.3) to check that the
// recovered address, derived for network, equals the attestation's
// claimed principal.
func RecoverPrincipal(data, sig []byte, network Network) (Principal, error) {
	digest := cryptoprim.SHA256(data)
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return Principal{}, fmt.Errorf("wallet: signature recovery failed: %w", err)
	}
	addr, err := addressFromPubKey(pub, network)
	if err != nil {
		return Principal{}, err
	}
	return ParsePrincipal(Scheme + ":" + addr)
}

// hash160 computes RIPEMD-160(SHA-256(data)), the address-hashing
// construction shared by every UTXO-model chain this scheme imitates.
func hash160(data []byte) []byte {
	sha := cryptoprim.SHA256(data)
	r := ripemd160.New()
	r.Write(sha[:])
	return r.Sum(nil)
}

func addressFromPubKey(pub *secp256k1.PublicKey, network Network) (string, error) {
	h160 := hash160(pub.SerializeCompressed())
	return c32CheckEncode(versionFor(network), h160)
}
