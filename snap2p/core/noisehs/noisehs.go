// Package noisehs wraps github.com/flynn/noise's handshake state machine
// configured exactly per spec §4.4: Noise_XX_25519_ChaChaPoly_SHA256, an
// empty prologue, and empty payloads on every message (unlike the teacher
// repo's handshaker.go, which piggybacks an ALPN string and an identity
// payload on the XX messages themselves — here identity exchange happens
// afterward, over the encrypted control-plane channel, so the Noise layer
// stays a pure key-agreement primitive).
package noisehs

import (
	"fmt"

	"github.com/flynn/noise"
)

// ProtocolName is the fixed Noise protocol name literal (spec §9), mixed
// into the handshake hash during initialization.
const ProtocolName = "Noise_XX_25519_ChaChaPoly_SHA256"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Result is the outcome of a completed three-message XX handshake: the
// two directional ciphers, the remote party's static public key, and the
// transcript hash for channel binding.
type Result struct {
	Send           *noise.CipherState
	Recv           *noise.CipherState
	RemoteStatic   []byte
	ChannelBinding []byte
}

// HandshakeState drives one side of the three-message XX exchange. A
// caller supplies the raw bytes for each message over whatever framing
// it uses; this type never touches the network directly.
type HandshakeState struct {
	hs        *noise.HandshakeState
	initiator bool
}

// New creates a handshake state for one side of a session. staticPriv and
// staticPub are the node's X25519 static keypair (nodekey.Key's
// X25519Private/X25519Public).
func New(initiator bool, staticPriv, staticPub []byte) (*HandshakeState, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Pattern:     noise.HandshakeXX,
		Initiator:   initiator,
		StaticKeypair: noise.DHKey{
			Private: staticPriv,
			Public:  staticPub,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("noisehs: init: %w", err)
	}
	return &HandshakeState{hs: hs, initiator: initiator}, nil
}

// WriteMessage appends the next handshake message's bytes (always an
// empty payload per spec §4.4) to the running Noise message, returning
// the raw bytes to send. On the final message of the pattern it also
// returns the completed Result.
func (h *HandshakeState) WriteMessage() ([]byte, *Result, error) {
	msg, cs0, cs1, err := h.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("noisehs: write message: %w", err)
	}
	return msg, h.maybeResult(cs0, cs1), nil
}

// ReadMessage consumes the next handshake message's raw bytes. On the
// final message of the pattern it returns the completed Result.
func (h *HandshakeState) ReadMessage(raw []byte) (*Result, error) {
	_, cs0, cs1, err := h.hs.ReadMessage(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("noisehs: read message: %w", err)
	}
	return h.maybeResult(cs0, cs1), nil
}

func (h *HandshakeState) maybeResult(cs0, cs1 *noise.CipherState) *Result {
	if cs0 == nil || cs1 == nil {
		return nil
	}
	send, recv := cs0, cs1
	if !h.initiator {
		send, recv = cs1, cs0
	}
	return &Result{
		Send:           send,
		Recv:           recv,
		RemoteStatic:   h.hs.PeerStatic(),
		ChannelBinding: h.hs.ChannelBinding(),
	}
}
