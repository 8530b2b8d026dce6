package nodekey

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func TestGenerateProducesUsableKey(t *testing.T) {
	k, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if len(k.Public) != ed25519.PublicKeySize {
		t.Fatalf("unexpected public key size: %d", len(k.Public))
	}
	if len(k.X25519Private()) != 32 || len(k.X25519Public()) != 32 {
		t.Fatal("X25519 forms must be 32 bytes")
	}
}

func TestFromSeedIsDeterministic(t *testing.T) {
	k1, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	seed := k1.Seed()

	k2, err := FromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(k1.Public, k2.Public) {
		t.Fatal("reconstructed key has a different public key")
	}
	if !bytes.Equal(k1.X25519Private(), k2.X25519Private()) {
		t.Fatal("reconstructed key has a different X25519 private key")
	}
	if !bytes.Equal(k1.X25519Public(), k2.X25519Public()) {
		t.Fatal("reconstructed key has a different X25519 public key")
	}
}

func TestSignVerifiesWithStdlib(t *testing.T) {
	k, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("node key signing test")
	sig := k.Sign(msg)
	if !ed25519.Verify(k.Public, msg, sig) {
		t.Fatal("signature did not verify")
	}
}

func TestFromSeedRejectsWrongLength(t *testing.T) {
	if _, err := FromSeed([]byte("too short")); err == nil {
		t.Fatal("expected an error for an undersized seed")
	}
}
