package peer

import (
	"github.com/alexrudloff/snap2p/snap2p/core/attestation"
	"github.com/alexrudloff/snap2p/snap2p/core/multiplex"
	"github.com/alexrudloff/snap2p/snap2p/core/session"
	"github.com/alexrudloff/snap2p/snap2p/core/wallet"
)

// Connection is one established, authenticated session together with its
// stream multiplexer — the unit a Peer hands to its caller after a
// successful Dial or a successful inbound handshake.
type Connection struct {
	Session    *session.Session
	Mux        *multiplex.Multiplexer
	Locator    string // registry key: the remote locator string for outbound, remote addr for inbound
	Attestation *attestation.NodeKeyAttestation

	onStream func(*multiplex.Stream)
}

// LocalPrincipal is this side's authenticated identity on the connection.
func (c *Connection) LocalPrincipal() wallet.Principal { return c.Session.LocalPrincipal }

// RemotePrincipal is the other side's authenticated identity.
func (c *Connection) RemotePrincipal() wallet.Principal { return c.Session.RemotePrincipal }

// OpenStream opens a new bidirectional stream labeled label (spec §4.7).
func (c *Connection) OpenStream(label string) (*multiplex.Stream, error) {
	return c.Mux.Open(label)
}

// OnStream registers the callback invoked for every remotely-opened
// stream on this connection.
func (c *Connection) OnStream(fn func(*multiplex.Stream)) {
	c.onStream = fn
	c.Mux.OnStream(fn)
}

// Close tears down the multiplexer and the underlying session.
func (c *Connection) Close() error {
	c.Mux.Close()
	return c.Session.Close()
}

// Done reports when the underlying session has terminated.
func (c *Connection) Done() <-chan struct{} { return c.Session.Done() }
