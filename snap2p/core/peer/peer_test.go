package peer

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexrudloff/snap2p/snap2p/core/codec"
	"github.com/alexrudloff/snap2p/snap2p/core/multiplex"
	"github.com/alexrudloff/snap2p/snap2p/core/wallet"
)

func newPeer(t *testing.T, cfg Config) *Peer {
	t.Helper()
	if cfg.Wallet == nil {
		w, err := wallet.NewEphemeral()
		require.NoError(t, err)
		cfg.Wallet = w
	}
	p, err := Create(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func listenLoopback(t *testing.T, p *Peer) string {
	t.Helper()
	addr, err := p.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	return addr.String()
}

func TestPeerHappyPathLoopback(t *testing.T) {
	server := newPeer(t, Config{Visibility: codec.VisibilityPublic})
	addr := listenLoopback(t, server)

	serverConnCh := make(chan *Connection, 1)
	server.OnConnection(func(c *Connection) { serverConnCh <- c })

	client := newPeer(t, Config{Visibility: codec.VisibilityPublic})
	clientConn, err := client.Dial(addr, DialOptions{})
	require.NoError(t, err)
	defer clientConn.Close()

	var serverConn *Connection
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server never observed the connection")
	}

	require.Equal(t, server.Principal().String(), clientConn.RemotePrincipal().String())
	require.Equal(t, client.Principal().String(), serverConn.RemotePrincipal().String())

	inboundStreamCh := make(chan *multiplex.Stream, 1)
	serverConn.OnStream(func(s *multiplex.Stream) { inboundStreamCh <- s })

	clientStream, err := clientConn.OpenStream("echo")
	require.NoError(t, err)

	var serverStream *multiplex.Stream
	select {
	case serverStream = <-inboundStreamCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server never observed OPEN_STREAM")
	}

	_, err = clientStream.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(serverStream, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	_, err = serverStream.Write(buf)
	require.NoError(t, err)

	echoBuf := make([]byte, 5)
	_, err = io.ReadFull(clientStream, echoBuf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(echoBuf))
}

func TestPeerStealthKnock(t *testing.T) {
	server := newPeer(t, Config{Visibility: codec.VisibilityStealth})
	addr := listenLoopback(t, server)

	token, err := server.GenerateInviteToken(GenerateInviteTokenOptions{SingleUse: true})
	require.NoError(t, err)

	client1 := newPeer(t, Config{Visibility: codec.VisibilityPublic})
	_, err = client1.Dial(addr, DialOptions{})
	require.Error(t, err, "dialing a STEALTH listener without a token must fail")

	client2 := newPeer(t, Config{Visibility: codec.VisibilityPublic})
	conn2, err := client2.Dial(addr, DialOptions{InviteToken: token})
	require.NoError(t, err, "dialing with a valid single-use token must succeed")
	defer conn2.Close()

	client3 := newPeer(t, Config{Visibility: codec.VisibilityPublic})
	_, err = client3.Dial(addr, DialOptions{InviteToken: token})
	require.Error(t, err, "reusing a single-use token must fail")
}

func TestPeerAllowlistRejectsUnknownPrincipal(t *testing.T) {
	client := newPeer(t, Config{Visibility: codec.VisibilityPublic})

	server := newPeer(t, Config{
		Visibility: codec.VisibilityPrivate,
		Allowlist:  []string{"stacks:SNOTTHEREALONE00000000000000000000000"},
	})
	addr := listenLoopback(t, server)

	_, err := client.Dial(addr, DialOptions{})
	require.Error(t, err)
}

func TestRotateNodeKeyChangesAttestation(t *testing.T) {
	p := newPeer(t, Config{Visibility: codec.VisibilityPublic})
	before := p.Attestation()
	require.NoError(t, p.RotateNodeKey())
	after := p.Attestation()
	require.NotEqual(t, string(before.NodePublicKey), string(after.NodePublicKey))
}
