// Package attestation implements the NodeKeyAttestation document that
// binds a wallet principal to a node's transport key: build it, sign it
// with a wallet, serialize/deserialize it for the wire, and verify both
// its structural validity and its cryptographic binding. The canonical
// byte encoding follows the same sorted-map builder the control-plane
// codec uses, generalizing the teacher repo's CertificateV2.CanonicalBytes
// pattern (identity/cert.go) from a bespoke bytes.Buffer layout to the
// shared codec.Fields encoder.
package attestation

import (
	"errors"
	"fmt"
	"time"

	"github.com/alexrudloff/snap2p/snap2p/core/codec"
	"github.com/alexrudloff/snap2p/snap2p/core/cryptoprim"
	"github.com/alexrudloff/snap2p/snap2p/core/wallet"
)

// Domain is the fixed domain-separator literal every attestation's
// signing payload must carry.
const Domain = "snap2p-nodekey-attestation-v1"

// Version is the only attestation format this package produces or
// accepts.
const Version = 1

// ValidityWindow is the default lifetime a freshly built attestation is
// given; callers needing a different lifetime pass one explicitly to
// BuildWithValidity.
const ValidityWindow = 24 * time.Hour

// ClockSkew is the tolerance applied on both sides of an attestation's
// timestamp/expiry window during verification (spec §7: "±5-minute
// skew").
const ClockSkew = 5 * time.Minute

const (
	minNonceLen = 16
	maxNonceLen = 32
)

var (
	ErrInvalidVersion   = errors.New("attestation: unsupported version")
	ErrInvalidNonceLen  = errors.New("attestation: nonce length out of range")
	ErrInvalidDomain    = errors.New("attestation: domain mismatch")
	ErrInvalidExpiry    = errors.New("attestation: expires_at must be after timestamp")
	ErrExpired          = errors.New("attestation: expired")
	ErrNotYetValid      = errors.New("attestation: timestamp is in the future")
	ErrBindingMismatch  = errors.New("attestation: signature does not recover principal's address")
	ErrNodeKeyMismatch  = errors.New("attestation: node_public_key does not match bound Noise static key")
	ErrMissingSignature = errors.New("attestation: missing signature")
)

// NodeKeyAttestation is the decoded form of a NodeKeyAttestation v1
// document (spec §3, §4.3).
type NodeKeyAttestation struct {
	Version       uint32
	Principal     wallet.Principal
	NodePublicKey []byte // 32 bytes, Ed25519
	Timestamp     int64  // Unix seconds
	ExpiresAt     int64  // Unix seconds
	Nonce         []byte // 16-32 random bytes
	Domain        string
	Signature     []byte // wallet secp256k1 RSV signature, 65 bytes
}

// Build constructs and signs a fresh attestation for principal/nodeKey
// using ValidityWindow, timestamped at now.
func Build(w wallet.Wallet, nodePublicKey []byte, now time.Time) (*NodeKeyAttestation, error) {
	return BuildWithValidity(w, nodePublicKey, now, ValidityWindow)
}

// BuildWithValidity is Build with an explicit lifetime.
func BuildWithValidity(w wallet.Wallet, nodePublicKey []byte, now time.Time, validity time.Duration) (*NodeKeyAttestation, error) {
	if len(nodePublicKey) != 32 {
		return nil, fmt.Errorf("attestation: node public key must be 32 bytes, got %d", len(nodePublicKey))
	}
	nonce, err := cryptoprim.RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("attestation: generating nonce: %w", err)
	}

	a := &NodeKeyAttestation{
		Version:       Version,
		Principal:     w.Principal(),
		NodePublicKey: nodePublicKey,
		Timestamp:     now.Unix(),
		ExpiresAt:     now.Add(validity).Unix(),
		Nonce:         nonce,
		Domain:        Domain,
	}

	payload := a.signingBytes()
	sig, err := w.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("attestation: signing: %w", err)
	}
	a.Signature = sig
	return a, nil
}

// signingBytes is the canonical encoding of every field except sig, per
// spec §9's "v, p, npk, ts, exp, nonce, domain" key set.
func (a *NodeKeyAttestation) signingBytes() []byte {
	f := &codec.Fields{}
	f.PutUint("v", uint64(a.Version))
	f.PutString("p", a.Principal.String())
	f.PutBytes("npk", a.NodePublicKey)
	f.PutInt("ts", a.Timestamp)
	f.PutInt("exp", a.ExpiresAt)
	f.PutBytes("nonce", a.Nonce)
	f.PutString("domain", a.Domain)
	return f.Encode()
}

// Serialize renders a to its wire bytes: the signing payload's fields
// plus sig, per spec §9.
func (a *NodeKeyAttestation) Serialize() ([]byte, error) {
	if len(a.Signature) == 0 {
		return nil, ErrMissingSignature
	}
	f := &codec.Fields{}
	f.PutUint("v", uint64(a.Version))
	f.PutString("p", a.Principal.String())
	f.PutBytes("npk", a.NodePublicKey)
	f.PutInt("ts", a.Timestamp)
	f.PutInt("exp", a.ExpiresAt)
	f.PutBytes("nonce", a.Nonce)
	f.PutString("domain", a.Domain)
	f.PutBytes("sig", a.Signature)
	return f.Encode(), nil
}

// Deserialize parses the wire bytes produced by Serialize, performing
// only structural validation (version/nonce length/domain/expiry
// ordering) — not cryptographic or binding checks, which Verify and
// VerifyBinding perform separately since the latter needs the live
// Noise peer static key to compare against.
func Deserialize(buf []byte) (*NodeKeyAttestation, error) {
	m, trailing, err := codec.DecodeFields(buf)
	if err != nil {
		return nil, fmt.Errorf("attestation: decoding: %w", err)
	}
	if len(trailing) != 0 {
		return nil, codec.ErrTruncated
	}

	a := &NodeKeyAttestation{}
	v, ok, err := m.GetUint("v")
	if err != nil || !ok {
		return nil, fmt.Errorf("attestation: missing version field: %w", codec.ErrMissingField)
	}
	a.Version = uint32(v)

	principalStr, _, err := m.GetString("p")
	if err != nil {
		return nil, err
	}
	principal, err := wallet.ParsePrincipal(principalStr)
	if err != nil {
		return nil, fmt.Errorf("attestation: %w", err)
	}
	a.Principal = principal

	if a.NodePublicKey, _, err = m.GetBytes("npk"); err != nil {
		return nil, err
	}
	if a.Timestamp, _, err = m.GetInt("ts"); err != nil {
		return nil, err
	}
	if a.ExpiresAt, _, err = m.GetInt("exp"); err != nil {
		return nil, err
	}
	if a.Nonce, _, err = m.GetBytes("nonce"); err != nil {
		return nil, err
	}
	if a.Domain, _, err = m.GetString("domain"); err != nil {
		return nil, err
	}
	if a.Signature, _, err = m.GetBytes("sig"); err != nil {
		return nil, err
	}

	if err := a.checkStructure(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *NodeKeyAttestation) checkStructure() error {
	if a.Version != Version {
		return fmt.Errorf("%w: got %d", ErrInvalidVersion, a.Version)
	}
	if len(a.NodePublicKey) != 32 {
		return fmt.Errorf("attestation: node_public_key must be 32 bytes, got %d", len(a.NodePublicKey))
	}
	if len(a.Nonce) < minNonceLen || len(a.Nonce) > maxNonceLen {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidNonceLen, len(a.Nonce))
	}
	if a.Domain != Domain {
		return fmt.Errorf("%w: got %q", ErrInvalidDomain, a.Domain)
	}
	if a.ExpiresAt <= a.Timestamp {
		return ErrInvalidExpiry
	}
	if len(a.Signature) == 0 {
		return ErrMissingSignature
	}
	return nil
}

// Verify performs full cryptographic verification (spec §7's
// correctness property): the attestation must be structurally valid,
// unexpired (with ClockSkew tolerance), not issued in the future, and
// its signature must recover a secp256k1 address — derived for network,
// per spec §4.3's "derive the address for the configured network" —
// equal to Principal's. It does not check the node-key binding to a live
// Noise session; call VerifyBinding for that once the transport is up.
func Verify(a *NodeKeyAttestation, now time.Time, network wallet.Network) error {
	if err := a.checkStructure(); err != nil {
		return err
	}

	skew := int64(ClockSkew / time.Second)
	nowSec := now.Unix()
	if nowSec-skew > a.ExpiresAt {
		return ErrExpired
	}
	if a.Timestamp > nowSec+skew {
		return ErrNotYetValid
	}

	recovered, err := wallet.RecoverPrincipal(a.signingBytes(), a.Signature, network)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBindingMismatch, err)
	}
	if recovered.String() != a.Principal.String() {
		return ErrBindingMismatch
	}
	return nil
}

// VerifyBinding checks that the attestation's node_public_key, after
// Ed25519->X25519 conversion, equals the Noise peer's remote static key
// — the "node-key binding" check of spec §4.5/§4.6 that ties the
// authenticated transport to the attested identity.
func VerifyBinding(a *NodeKeyAttestation, noiseRemoteStatic []byte) error {
	x25519, err := cryptoprim.Ed25519ToX25519Public(a.NodePublicKey)
	if err != nil {
		return fmt.Errorf("attestation: converting node_public_key: %w", err)
	}
	if !cryptoprim.ConstantTimeEqual(x25519, noiseRemoteStatic) {
		return ErrNodeKeyMismatch
	}
	return nil
}
