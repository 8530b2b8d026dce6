// Package handshake drives the control-plane handshake orchestrator of
// spec §4.5: the linear initiator/responder scripts that run Stealth
// KNOCK gating, the Noise XX key agreement, and the encrypted
// HELLO/AUTH exchange, producing either an Outcome from which the caller
// builds a session.Session, or a classified failure. It plays the role the teacher repo's
// Handshaker.ClientHandshake/ServerHandshake play, generalized from a
// single ALPN-tagged identity exchange to the fuller attestation-binding
// protocol this spec defines.
package handshake

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alexrudloff/snap2p/snap2p/core/attestation"
	"github.com/alexrudloff/snap2p/snap2p/core/codec"
	"github.com/alexrudloff/snap2p/snap2p/core/cryptoprim"
	"github.com/alexrudloff/snap2p/snap2p/core/framing"
	"github.com/alexrudloff/snap2p/snap2p/core/invitetoken"
	"github.com/alexrudloff/snap2p/snap2p/core/nodekey"
	"github.com/alexrudloff/snap2p/snap2p/core/noisehs"
	"github.com/alexrudloff/snap2p/snap2p/core/protoerr"
	"github.com/alexrudloff/snap2p/snap2p/core/wallet"
)

// DefaultTimeout is applied to every blocking handshake I/O operation
// (spec §4.5: "every I/O has the configured timeout, default 30s").
const DefaultTimeout = 30 * time.Second

// Allowlist is the responder's set of acceptable remote principals. A
// nil or empty Allowlist means no restriction.
type Allowlist map[string]struct{}

func (a Allowlist) allows(p wallet.Principal) bool {
	if len(a) == 0 {
		return true
	}
	_, ok := a[p.String()]
	return ok
}

// Config carries every policy knob the orchestrator needs from the
// owning Peer.
type Config struct {
	Timeout      time.Duration
	Visibility   codec.Visibility
	Capabilities []string

	// InviteToken is presented by an initiator dialing a STEALTH
	// responder; nil/empty means no KNOCK is sent.
	InviteToken []byte

	// InviteStore validates KNOCK tokens when the local visibility is
	// STEALTH; required in that case, ignored otherwise.
	InviteStore *invitetoken.Store

	// Allowlist gates a responder's acceptance of a remote principal.
	Allowlist Allowlist

	// Network selects which wallet.Network a remote attestation's
	// principal address is derived under during verification (spec
	// §4.3: "derive the address for the configured network").
	Network wallet.Network
}

func applyDefaults(cfg Config) Config {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return cfg
}

// Outcome is everything a successful handshake produces, enough to
// construct a session.Session and hand it to the caller.
type Outcome struct {
	Noise             *noisehs.Result
	LocalAttestation  *attestation.NodeKeyAttestation
	RemoteAttestation *attestation.NodeKeyAttestation
	RemoteHello       *codec.Hello
	SessionID         []byte
}

// withDeadline sets and clears a net.Conn's deadline around fn, mirroring
// the teacher repo's context-deadline wiring in ClientHandshake/
// ServerHandshake.
func withDeadline(conn io.ReadWriteCloser, timeout time.Duration, fn func() error) error {
	type deadliner interface{ SetDeadline(time.Time) error }
	if nc, ok := conn.(deadliner); ok {
		if err := nc.SetDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer nc.SetDeadline(time.Time{})
	}
	return fn()
}

// RunInitiator executes the client-side script of spec §4.5.
func RunInitiator(conn io.ReadWriteCloser, nk *nodekey.Key, localAttestation *attestation.NodeKeyAttestation, cfg Config) (*Outcome, error) {
	cfg = applyDefaults(cfg)

	var out *Outcome
	err := withDeadline(conn, cfg.Timeout, func() error {
		var err error
		out, err = runInitiator(conn, nk, localAttestation, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func runInitiator(conn io.ReadWriteCloser, nk *nodekey.Key, localAttestation *attestation.NodeKeyAttestation, cfg Config) (*Outcome, error) {
	if len(cfg.InviteToken) > 0 {
		if err := framing.WriteFrame(conn, mustEncode(&codec.Message{Tag: codec.TagKnock, Knock: &codec.Knock{InviteToken: cfg.InviteToken}})); err != nil {
			return nil, fmt.Errorf("%w: sending KNOCK: %v", protoerr.New(protoerr.HandshakeFailed, ""), err)
		}
		reply, err := readPlainMessage(conn)
		if err != nil {
			return nil, err
		}
		switch reply.Tag {
		case codec.TagAuthFail:
			return nil, protoerr.New(protoerr.Kind(reply.AuthFail.ErrorCode), reply.AuthFail.Reason)
		case codec.TagKnockResponse:
			if !reply.KnockResponse.Allowed {
				return nil, protoerr.New(protoerr.InvalidToken, "responder refused the invite token")
			}
		default:
			return nil, protoerr.New(protoerr.InvalidMessage, "unexpected reply to KNOCK")
		}
	}

	noiseHS, err := noisehs.New(true, nk.X25519Private(), nk.X25519Public())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protoerr.New(protoerr.HandshakeFailed, ""), err)
	}

	msg1, _, err := noiseHS.WriteMessage()
	if err != nil {
		return nil, noiseFail(err)
	}
	if err := framing.WriteFrame(conn, msg1); err != nil {
		return nil, noiseFail(err)
	}

	msg2, err := framing.ReadFrame(conn)
	if err != nil {
		return nil, noiseFail(err)
	}
	if _, err := noiseHS.ReadMessage(msg2); err != nil {
		return nil, noiseFail(err)
	}

	msg3, noiseResult, err := noiseHS.WriteMessage()
	if err != nil {
		return nil, noiseFail(err)
	}
	if err := framing.WriteFrame(conn, msg3); err != nil {
		return nil, noiseFail(err)
	}
	if noiseResult == nil {
		return nil, protoerr.New(protoerr.HandshakeFailed, "Noise XX did not complete after message 3")
	}

	xport := newHandshakeTransport(conn, noiseResult)

	myHello := &codec.Hello{
		Version:       1,
		NodePublicKey: append([]byte(nil), nk.Public...),
		Nonce:         mustRandom(32),
		Timestamp:     time.Now().Unix(),
		Visibility:    cfg.Visibility,
		Capabilities:  cfg.Capabilities,
	}
	if err := xport.send(&codec.Message{Tag: codec.TagHello, Hello: myHello}); err != nil {
		return nil, err
	}

	remoteHelloMsg, err := xport.recv()
	if err != nil {
		return nil, err
	}
	if remoteHelloMsg.Tag != codec.TagHello {
		return nil, protoerr.New(protoerr.InvalidMessage, "expected HELLO")
	}
	if err := validateHello(remoteHelloMsg.Hello); err != nil {
		return nil, err
	}

	attWire, err := localAttestation.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protoerr.New(protoerr.Internal, ""), err)
	}
	if err := xport.send(&codec.Message{Tag: codec.TagAuth, Auth: &codec.Auth{Attestation: attWire}}); err != nil {
		return nil, err
	}

	remoteAuthMsg, err := xport.recv()
	if err != nil {
		return nil, err
	}
	if remoteAuthMsg.Tag == codec.TagAuthFail {
		return nil, protoerr.New(protoerr.Kind(remoteAuthMsg.AuthFail.ErrorCode), remoteAuthMsg.AuthFail.Reason)
	}
	if remoteAuthMsg.Tag != codec.TagAuth {
		return nil, protoerr.New(protoerr.InvalidMessage, "expected AUTH or AUTH_FAIL")
	}
	remoteAttestation, err := attestation.Deserialize(remoteAuthMsg.Auth.Attestation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protoerr.New(protoerr.AttestationInvalid, "deserialize"), err)
	}
	if err := verifyRemoteAttestation(remoteAttestation, noiseResult.RemoteStatic, cfg.Network); err != nil {
		return nil, err
	}

	finalMsg, err := xport.recv()
	if err != nil {
		return nil, err
	}
	switch finalMsg.Tag {
	case codec.TagAuthFail:
		return nil, protoerr.New(protoerr.Kind(finalMsg.AuthFail.ErrorCode), finalMsg.AuthFail.Reason)
	case codec.TagAuthOK:
		// continue below
	default:
		return nil, protoerr.New(protoerr.InvalidMessage, "expected AUTH_OK or AUTH_FAIL")
	}
	sessionID := finalMsg.AuthOK.SessionID

	if err := xport.send(&codec.Message{Tag: codec.TagAuthOK, AuthOK: &codec.AuthOK{
		Principal: localAttestation.Principal.String(), SessionID: sessionID,
	}}); err != nil {
		return nil, err
	}

	return &Outcome{
		Noise:             noiseResult,
		LocalAttestation:  localAttestation,
		RemoteAttestation: remoteAttestation,
		RemoteHello:       remoteHelloMsg.Hello,
		SessionID:         sessionID,
	}, nil
}

// RunResponder executes the server-side script of spec §4.5.
func RunResponder(conn io.ReadWriteCloser, nk *nodekey.Key, localAttestation *attestation.NodeKeyAttestation, cfg Config) (*Outcome, error) {
	cfg = applyDefaults(cfg)

	var out *Outcome
	err := withDeadline(conn, cfg.Timeout, func() error {
		var err error
		out, err = runResponder(conn, nk, localAttestation, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func runResponder(conn io.ReadWriteCloser, nk *nodekey.Key, localAttestation *attestation.NodeKeyAttestation, cfg Config) (*Outcome, error) {
	if cfg.Visibility == codec.VisibilityStealth {
		first, err := readPlainMessage(conn)
		if err != nil {
			return nil, err
		}
		if first.Tag != codec.TagKnock {
			writePlainAuthFail(conn, protoerr.InviteRequired, "")
			conn.Close()
			return nil, protoerr.New(protoerr.InviteRequired, "first frame was not KNOCK")
		}
		if cfg.InviteStore == nil {
			writePlainAuthFail(conn, protoerr.InvalidToken, "no invite token store configured")
			conn.Close()
			return nil, protoerr.New(protoerr.InvalidToken, "no invite token store configured")
		}
		if err := cfg.InviteStore.Validate(first.Knock.InviteToken); err != nil {
			writePlainAuthFail(conn, protoerr.InvalidToken, "")
			conn.Close()
			return nil, protoerr.New(protoerr.InvalidToken, err.Error())
		}
		if err := framing.WriteFrame(conn, mustEncode(&codec.Message{Tag: codec.TagKnockResponse, KnockResponse: &codec.KnockResponse{Allowed: true}})); err != nil {
			return nil, fmt.Errorf("%w: %v", protoerr.New(protoerr.HandshakeFailed, ""), err)
		}
	}

	noiseHS, err := noisehs.New(false, nk.X25519Private(), nk.X25519Public())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protoerr.New(protoerr.HandshakeFailed, ""), err)
	}

	msg1, err := framing.ReadFrame(conn)
	if err != nil {
		return nil, noiseFail(err)
	}
	if _, err := noiseHS.ReadMessage(msg1); err != nil {
		return nil, noiseFail(err)
	}

	msg2, _, err := noiseHS.WriteMessage()
	if err != nil {
		return nil, noiseFail(err)
	}
	if err := framing.WriteFrame(conn, msg2); err != nil {
		return nil, noiseFail(err)
	}

	msg3, err := framing.ReadFrame(conn)
	if err != nil {
		return nil, noiseFail(err)
	}
	noiseResult, err := noiseHS.ReadMessage(msg3)
	if err != nil {
		return nil, noiseFail(err)
	}
	if noiseResult == nil {
		return nil, protoerr.New(protoerr.HandshakeFailed, "Noise XX did not complete after message 3")
	}

	xport := newHandshakeTransport(conn, noiseResult)

	remoteHelloMsg, err := xport.recv()
	if err != nil {
		return nil, err
	}
	if remoteHelloMsg.Tag != codec.TagHello {
		return nil, protoerr.New(protoerr.InvalidMessage, "expected HELLO")
	}
	if err := validateHello(remoteHelloMsg.Hello); err != nil {
		xport.sendAuthFail(protoerr.InvalidMessage, err.Error())
		conn.Close()
		return nil, err
	}

	myHello := &codec.Hello{
		Version:       1,
		NodePublicKey: append([]byte(nil), nk.Public...),
		Nonce:         mustRandom(32),
		Timestamp:     time.Now().Unix(),
		Visibility:    cfg.Visibility,
		Capabilities:  cfg.Capabilities,
	}
	if err := xport.send(&codec.Message{Tag: codec.TagHello, Hello: myHello}); err != nil {
		return nil, err
	}

	remoteAuthMsg, err := xport.recv()
	if err != nil {
		return nil, err
	}
	if remoteAuthMsg.Tag != codec.TagAuth {
		return nil, protoerr.New(protoerr.InvalidMessage, "expected AUTH")
	}
	remoteAttestation, err := attestation.Deserialize(remoteAuthMsg.Auth.Attestation)
	if err != nil {
		xport.sendAuthFail(protoerr.AttestationInvalid, "deserialize")
		conn.Close()
		return nil, fmt.Errorf("%w: %v", protoerr.New(protoerr.AttestationInvalid, "deserialize"), err)
	}
	if err := verifyRemoteAttestation(remoteAttestation, noiseResult.RemoteStatic, cfg.Network); err != nil {
		var perr *protoerr.Error
		if errors.As(err, &perr) {
			xport.sendAuthFail(perr.Kind, perr.Reason)
		} else {
			xport.sendAuthFail(protoerr.AttestationInvalid, err.Error())
		}
		conn.Close()
		return nil, err
	}

	if !cfg.Allowlist.allows(remoteAttestation.Principal) {
		xport.sendAuthFail(protoerr.NotAllowed, "")
		conn.Close()
		return nil, protoerr.New(protoerr.NotAllowed, "remote principal not in allowlist")
	}

	attWire, err := localAttestation.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protoerr.New(protoerr.Internal, ""), err)
	}
	if err := xport.send(&codec.Message{Tag: codec.TagAuth, Auth: &codec.Auth{Attestation: attWire}}); err != nil {
		return nil, err
	}

	sessionID := mustRandom(32)
	if err := xport.send(&codec.Message{Tag: codec.TagAuthOK, AuthOK: &codec.AuthOK{
		Principal: localAttestation.Principal.String(), SessionID: sessionID,
	}}); err != nil {
		return nil, err
	}

	finalMsg, err := xport.recv()
	if err != nil {
		return nil, err
	}
	if finalMsg.Tag != codec.TagAuthOK {
		return nil, protoerr.New(protoerr.InvalidMessage, "expected AUTH_OK echo")
	}

	return &Outcome{
		Noise:             noiseResult,
		LocalAttestation:  localAttestation,
		RemoteAttestation: remoteAttestation,
		RemoteHello:       remoteHelloMsg.Hello,
		SessionID:         sessionID,
	}, nil
}

func verifyRemoteAttestation(a *attestation.NodeKeyAttestation, remoteStatic []byte, network wallet.Network) error {
	if err := attestation.Verify(a, time.Now(), network); err != nil {
		kind := protoerr.AttestationInvalid
		if errors.Is(err, attestation.ErrExpired) {
			kind = protoerr.AttestationExpired
		}
		return protoerr.New(kind, err.Error())
	}
	if err := attestation.VerifyBinding(a, remoteStatic); err != nil {
		return protoerr.New(protoerr.AttestationInvalid, "node-key binding mismatch: "+err.Error())
	}
	return nil
}

func validateHello(h *codec.Hello) error {
	if h.Version != 1 {
		return protoerr.New(protoerr.InvalidMessage, "unsupported HELLO version")
	}
	if len(h.NodePublicKey) != 32 {
		return protoerr.New(protoerr.InvalidMessage, "node_public_key must be 32 bytes")
	}
	if len(h.Nonce) != 32 {
		return protoerr.New(protoerr.InvalidMessage, "nonce must be 32 bytes")
	}
	now := time.Now().Unix()
	if h.Timestamp < now-300 || h.Timestamp > now+300 {
		return protoerr.New(protoerr.InvalidMessage, "timestamp outside of allowed skew")
	}
	return nil
}

func noiseFail(err error) error {
	return fmt.Errorf("%w: %v", protoerr.New(protoerr.HandshakeFailed, ""), err)
}

func mustEncode(m *codec.Message) []byte {
	b, err := codec.Encode(m)
	if err != nil {
		// Every message built within this package is well-formed by
		// construction; a failure here means a programming error.
		panic(fmt.Sprintf("handshake: encoding an internally-built message: %v", err))
	}
	return b
}

func mustRandom(n int) []byte {
	b, err := cryptoprim.RandomBytes(n)
	if err != nil {
		panic(fmt.Sprintf("handshake: reading random bytes: %v", err))
	}
	return b
}

func readPlainMessage(conn io.ReadWriteCloser) (*codec.Message, error) {
	raw, err := framing.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protoerr.New(protoerr.HandshakeFailed, ""), err)
	}
	m, err := codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protoerr.New(protoerr.InvalidMessage, ""), err)
	}
	return m, nil
}

func writePlainAuthFail(conn io.ReadWriteCloser, kind protoerr.Kind, reason string) {
	_ = framing.WriteFrame(conn, mustEncode(&codec.Message{Tag: codec.TagAuthFail, AuthFail: &codec.AuthFail{
		ErrorCode: uint64(kind), Reason: reason,
	}}))
}

// handshakeTransport sends/receives encrypted control messages during
// the handshake, before a full session.Session exists to do so.
type handshakeTransport struct {
	conn io.ReadWriteCloser
	res  *noisehs.Result
}

func newHandshakeTransport(conn io.ReadWriteCloser, res *noisehs.Result) *handshakeTransport {
	return &handshakeTransport{conn: conn, res: res}
}

func (x *handshakeTransport) send(m *codec.Message) error {
	plaintext, err := codec.Encode(m)
	if err != nil {
		return fmt.Errorf("%w: %v", protoerr.New(protoerr.Internal, ""), err)
	}
	ciphertext, err := x.res.Send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", protoerr.New(protoerr.HandshakeFailed, "encrypt"), err)
	}
	if err := framing.WriteFrame(x.conn, ciphertext); err != nil {
		return fmt.Errorf("%w: %v", protoerr.New(protoerr.HandshakeFailed, ""), err)
	}
	return nil
}

func (x *handshakeTransport) recv() (*codec.Message, error) {
	raw, err := framing.ReadFrame(x.conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protoerr.New(protoerr.HandshakeFailed, ""), err)
	}
	plaintext, err := x.res.Recv.Decrypt(nil, nil, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protoerr.New(protoerr.HandshakeFailed, "decrypt"), err)
	}
	m, err := codec.Decode(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protoerr.New(protoerr.InvalidMessage, ""), err)
	}
	return m, nil
}

func (x *handshakeTransport) sendAuthFail(kind protoerr.Kind, reason string) {
	_ = x.send(&codec.Message{Tag: codec.TagAuthFail, AuthFail: &codec.AuthFail{ErrorCode: uint64(kind), Reason: reason}})
}
