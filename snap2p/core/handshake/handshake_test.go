package handshake

import (
	"net"
	"testing"
	"time"

	"github.com/alexrudloff/snap2p/snap2p/core/attestation"
	"github.com/alexrudloff/snap2p/snap2p/core/codec"
	"github.com/alexrudloff/snap2p/snap2p/core/invitetoken"
	"github.com/alexrudloff/snap2p/snap2p/core/nodekey"
	"github.com/alexrudloff/snap2p/snap2p/core/protoerr"
	"github.com/alexrudloff/snap2p/snap2p/core/wallet"
)

type party struct {
	nk  *nodekey.Key
	w   *wallet.Ephemeral
	att *attestation.NodeKeyAttestation
}

func newParty(t *testing.T) party {
	t.Helper()
	nk, err := nodekey.Generate()
	if err != nil {
		t.Fatal(err)
	}
	w, err := wallet.NewEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	a, err := attestation.Build(w, nk.Public, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return party{nk: nk, w: w, att: a}
}

func TestHandshakeHappyPath(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	initiator := newParty(t)
	responder := newParty(t)

	type result struct {
		out *Outcome
		err error
	}
	initCh := make(chan result, 1)
	respCh := make(chan result, 1)

	go func() {
		out, err := RunInitiator(clientConn, initiator.nk, initiator.att, Config{})
		initCh <- result{out, err}
	}()
	go func() {
		out, err := RunResponder(serverConn, responder.nk, responder.att, Config{})
		respCh <- result{out, err}
	}()

	ir := <-initCh
	rr := <-respCh
	if ir.err != nil {
		t.Fatalf("initiator failed: %v", ir.err)
	}
	if rr.err != nil {
		t.Fatalf("responder failed: %v", rr.err)
	}

	if ir.out.RemoteAttestation.Principal.String() != responder.att.Principal.String() {
		t.Fatal("initiator did not learn the responder's principal")
	}
	if rr.out.RemoteAttestation.Principal.String() != initiator.att.Principal.String() {
		t.Fatal("responder did not learn the initiator's principal")
	}
	if string(ir.out.SessionID) != string(rr.out.SessionID) {
		t.Fatal("both sides must agree on the session id")
	}
	if len(ir.out.SessionID) != 32 {
		t.Fatalf("expected a 32-byte session id, got %d", len(ir.out.SessionID))
	}
}

func TestHandshakeRejectsForgedAttestation(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	initiator := newParty(t)
	responder := newParty(t)

	// Forge: attach another party's valid attestation, which names a node
	// key other than the one the initiator uses in the Noise handshake.
	imposter := newParty(t)
	initiator.att = imposter.att

	type result struct {
		out *Outcome
		err error
	}
	initCh := make(chan result, 1)
	respCh := make(chan result, 1)

	go func() {
		out, err := RunInitiator(clientConn, initiator.nk, initiator.att, Config{})
		initCh <- result{out, err}
	}()
	go func() {
		out, err := RunResponder(serverConn, responder.nk, responder.att, Config{})
		respCh <- result{out, err}
	}()

	ir := <-initCh
	rr := <-respCh
	if rr.err == nil {
		t.Fatal("expected the responder to reject an attestation bound to a different node key")
	}
	if !protoerr.New(protoerr.AttestationInvalid, "").Is(unwrapProto(rr.err)) {
		t.Fatalf("expected an AttestationInvalid error, got %v", rr.err)
	}
	if ir.err == nil {
		t.Fatal("expected the initiator to fail too, since the responder sends AUTH_FAIL")
	}
}

func TestHandshakeRejectsExpiredAttestation(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	initiator := newParty(t)
	responder := newParty(t)

	expired, err := attestation.BuildWithValidity(initiator.w, initiator.nk.Public, time.Now().Add(-2*time.Hour), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	initiator.att = expired

	respCh := make(chan error, 1)
	go func() {
		_, err := RunResponder(serverConn, responder.nk, responder.att, Config{})
		respCh <- err
	}()
	go RunInitiator(clientConn, initiator.nk, initiator.att, Config{})

	err = <-respCh
	if err == nil {
		t.Fatal("expected the responder to reject an expired attestation")
	}
	if !protoerr.New(protoerr.AttestationExpired, "").Is(unwrapProto(err)) {
		t.Fatalf("expected AttestationExpired, got %v", err)
	}
}

func TestHandshakeStealthRequiresValidInviteToken(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	initiator := newParty(t)
	responder := newParty(t)

	store := invitetoken.NewStore()
	token, err := store.Generate(invitetoken.Options{SingleUse: true})
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		out *Outcome
		err error
	}
	initCh := make(chan result, 1)
	respCh := make(chan result, 1)

	go func() {
		out, err := RunInitiator(clientConn, initiator.nk, initiator.att, Config{InviteToken: token})
		initCh <- result{out, err}
	}()
	go func() {
		out, err := RunResponder(serverConn, responder.nk, responder.att, Config{
			Visibility:  codec.VisibilityStealth,
			InviteStore: store,
		})
		respCh <- result{out, err}
	}()

	ir := <-initCh
	rr := <-respCh
	if ir.err != nil {
		t.Fatalf("initiator failed: %v", ir.err)
	}
	if rr.err != nil {
		t.Fatalf("responder failed: %v", rr.err)
	}
	if store.Count() != 0 {
		t.Fatal("a single-use invite token must be consumed after a successful KNOCK")
	}
}

func TestHandshakeStealthRejectsBadInviteToken(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	initiator := newParty(t)
	responder := newParty(t)

	store := invitetoken.NewStore()
	if _, err := store.Generate(invitetoken.Options{}); err != nil {
		t.Fatal(err)
	}

	badToken := make([]byte, 32)

	respCh := make(chan error, 1)
	go func() {
		_, err := RunResponder(serverConn, responder.nk, responder.att, Config{
			Visibility:  codec.VisibilityStealth,
			InviteStore: store,
		})
		respCh <- err
	}()
	go RunInitiator(clientConn, initiator.nk, initiator.att, Config{InviteToken: badToken})

	err := <-respCh
	if err == nil {
		t.Fatal("expected the responder to reject an unrecognized invite token")
	}
}

func TestHandshakeAllowlistRejectsUnlistedPrincipal(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	initiator := newParty(t)
	responder := newParty(t)
	other := newParty(t)

	respCh := make(chan error, 1)
	go func() {
		_, err := RunResponder(serverConn, responder.nk, responder.att, Config{
			Allowlist: Allowlist{other.att.Principal.String(): struct{}{}},
		})
		respCh <- err
	}()
	go RunInitiator(clientConn, initiator.nk, initiator.att, Config{})

	err := <-respCh
	if err == nil {
		t.Fatal("expected the responder to reject a principal not on its allowlist")
	}
	if !protoerr.New(protoerr.NotAllowed, "").Is(unwrapProto(err)) {
		t.Fatalf("expected NotAllowed, got %v", err)
	}
}

// unwrapProto pulls a *protoerr.Error out of an error chain, since this
// package returns protoerr.Error either bare or wrapped with extra
// context via %w.
func unwrapProto(err error) error {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if _, ok := err.(*protoerr.Error); ok {
			return err
		}
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
	return err
}
