package cryptoprim

import (
	"bytes"
	"crypto/ecdh"
	"testing"
)

func TestEd25519ToX25519PrivateMatchesStdlibPublic(t *testing.T) {
	pub, priv, err := GenerateEd25519()
	if err != nil {
		t.Fatal(err)
	}

	x25519Priv := Ed25519ToX25519Private(priv)
	curvePriv, err := ecdh.X25519().NewPrivateKey(x25519Priv)
	if err != nil {
		t.Fatal(err)
	}
	wantPub := curvePriv.PublicKey().Bytes()

	gotPub, err := Ed25519ToX25519Public(pub)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(gotPub, wantPub) {
		t.Fatalf("public-key conversion mismatch:\n got  %x\n want %x", gotPub, wantPub)
	}
}

func TestConstantTimeEqual(t *testing.T) {
	a := []byte("abc")
	b := []byte("abc")
	c := []byte("abd")
	if !ConstantTimeEqual(a, b) {
		t.Fatal("expected equal")
	}
	if ConstantTimeEqual(a, c) {
		t.Fatal("expected not equal")
	}
	if ConstantTimeEqual(a, []byte("ab")) {
		t.Fatal("different lengths must not be equal")
	}
}

func TestHKDFDeterministic(t *testing.T) {
	salt := []byte("salt")
	ikm := []byte("input key material")
	a, err := HKDFSHA256(salt, ikm, nil, 64)
	if err != nil {
		t.Fatal(err)
	}
	b, err := HKDFSHA256(salt, ikm, nil, 64)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("HKDF output must be deterministic for identical inputs")
	}
}

func TestAEADRoundTrip(t *testing.T) {
	key, err := RandomBytes(32)
	if err != nil {
		t.Fatal(err)
	}
	aead, err := NewAEAD(key)
	if err != nil {
		t.Fatal(err)
	}
	nonce := make([]byte, aead.NonceSize())
	plaintext := []byte("hello noise")

	ct := aead.Seal(nil, nonce, plaintext, nil)
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatal("round trip mismatch")
	}
}
