// Package protoerr defines the stable error-kind catalogue shared by
// every layer that can fail on the wire: the handshake orchestrator, the
// session transport, and the stream multiplexer. A Kind's numeric value
// is what travels inside AUTH_FAIL/ERROR/CLOSE_STREAM's "ec" field (spec
// §7); its name is what appears in logs and in Go error values.
package protoerr

import "fmt"

// Kind is one of the stable error kinds of spec §7. Values are part of
// the wire contract and must never be renumbered.
type Kind uint64

const (
	VersionUnsupported Kind = iota + 1
	AuthFailed
	NotAllowed
	InviteRequired
	InvalidToken
	AttestationInvalid
	AttestationExpired
	HandshakeFailed
	StreamIDInUse
	StreamNotFound
	StreamClosed
	StreamRefused
	ResourceExhausted
	ConnectionClosed
	Timeout
	MessageTooLarge
	InvalidMessage
	Internal
)

var names = map[Kind]string{
	VersionUnsupported: "VERSION_UNSUPPORTED",
	AuthFailed:         "AUTH_FAILED",
	NotAllowed:         "NOT_ALLOWED",
	InviteRequired:     "INVITE_REQUIRED",
	InvalidToken:       "INVALID_TOKEN",
	AttestationInvalid: "ATTESTATION_INVALID",
	AttestationExpired: "ATTESTATION_EXPIRED",
	HandshakeFailed:    "HANDSHAKE_FAILED",
	StreamIDInUse:      "STREAM_ID_IN_USE",
	StreamNotFound:     "STREAM_NOT_FOUND",
	StreamClosed:       "STREAM_CLOSED",
	StreamRefused:      "STREAM_REFUSED",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	ConnectionClosed:   "CONNECTION_CLOSED",
	Timeout:            "TIMEOUT",
	MessageTooLarge:    "MESSAGE_TOO_LARGE",
	InvalidMessage:     "INVALID_MESSAGE",
	Internal:           "INTERNAL",
}

func (k Kind) String() string {
	if n, ok := names[k]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint64(k))
}

// Error is a protocol-level error carrying a Kind and, optionally, free
// text surfaced to the peer (e.g. AUTH_FAIL's "reason" field).
type Error struct {
	Kind   Kind
	Reason string
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Is lets errors.Is(err, protoerr.New(kind, "")) match any *Error with
// the same Kind, ignoring Reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
