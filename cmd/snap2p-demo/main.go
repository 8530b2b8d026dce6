// Command snap2p-demo exercises the snap2p core library end to end: a
// listen subcommand and a dial subcommand that open one echo stream over
// the real handshake/session/multiplexer stack, the way the teacher
// repo's cmd/example_chat exists only to run its own library rather than
// to ship a product. It is explicitly outside the protocol core (spec
// §1 lists CLI front-ends as out of scope).
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/alexrudloff/snap2p/snap2p/core/codec"
	"github.com/alexrudloff/snap2p/snap2p/core/multiplex"
	"github.com/alexrudloff/snap2p/snap2p/core/peer"
	"github.com/alexrudloff/snap2p/snap2p/core/wallet"
)

var rootCmd = &cobra.Command{
	Use:   "snap2p-demo",
	Short: "Demonstrates the snap2p authenticated multiplexed session protocol",
}

var (
	flagListenAddr  string
	flagVisibility  string
	flagInviteToken string
	flagDialTo      string
	flagTestnet     bool
)

func init() {
	listenCmd.Flags().StringVar(&flagListenAddr, "addr", "127.0.0.1:4433", "address to listen on")
	listenCmd.Flags().StringVar(&flagVisibility, "visibility", "public", "public|private|stealth")
	listenCmd.Flags().BoolVar(&flagTestnet, "testnet", false, "derive/verify principal addresses on testnet rather than mainnet")

	dialCmd.Flags().StringVar(&flagDialTo, "to", "", "locator to dial, e.g. 127.0.0.1:4433")
	dialCmd.Flags().StringVar(&flagInviteToken, "invite-token", "", "hex-encoded invite token, for dialing a stealth listener")
	dialCmd.Flags().BoolVar(&flagTestnet, "testnet", false, "derive/verify principal addresses on testnet rather than mainnet")
	_ = dialCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(listenCmd, dialCmd)
}

func walletNetwork() wallet.Network {
	if flagTestnet {
		return wallet.Testnet
	}
	return wallet.Mainnet
}

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("snap2p-demo")
	}
}

func parseVisibility(s string) (codec.Visibility, error) {
	switch s {
	case "public":
		return codec.VisibilityPublic, nil
	case "private":
		return codec.VisibilityPrivate, nil
	case "stealth":
		return codec.VisibilityStealth, nil
	default:
		return 0, fmt.Errorf("unknown visibility %q", s)
	}
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Listen for inbound connections and echo whatever an opened stream sends",
	RunE:  runListen,
}

func runListen(cmd *cobra.Command, args []string) error {
	vis, err := parseVisibility(flagVisibility)
	if err != nil {
		return err
	}

	w, err := wallet.NewEphemeralOnNetwork(walletNetwork())
	if err != nil {
		return err
	}

	p, err := peer.Create(peer.Config{Wallet: w, Visibility: vis, Testnet: flagTestnet})
	if err != nil {
		return err
	}
	defer p.Close()

	p.OnConnection(func(c *peer.Connection) {
		log.Info().Str("remote", c.RemotePrincipal().String()).Msg("connection established")
		c.OnStream(func(s *multiplex.Stream) {
			go echo(s)
		})
	})

	host, port, err := splitHostPort(flagListenAddr)
	if err != nil {
		return err
	}
	addr, err := p.Listen(host, port)
	if err != nil {
		return err
	}
	log.Info().Str("principal", w.Principal().String()).Str("addr", addr.String()).Str("visibility", flagVisibility).Msg("listening")

	if vis == codec.VisibilityStealth {
		token, err := p.GenerateInviteToken(peer.GenerateInviteTokenOptions{})
		if err != nil {
			return err
		}
		log.Info().Str("invite_token", fmt.Sprintf("%x", token)).Msg("share this token with whoever should be able to dial you")
	}

	waitForSignal()
	return nil
}

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "Dial a listening peer and open one echo stream read from stdin",
	RunE:  runDial,
}

func runDial(cmd *cobra.Command, args []string) error {
	w, err := wallet.NewEphemeralOnNetwork(walletNetwork())
	if err != nil {
		return err
	}

	p, err := peer.Create(peer.Config{Wallet: w, Visibility: codec.VisibilityPublic, Testnet: flagTestnet})
	if err != nil {
		return err
	}
	defer p.Close()

	var token []byte
	if flagInviteToken != "" {
		token, err = decodeHex(flagInviteToken)
		if err != nil {
			return fmt.Errorf("invalid --invite-token: %w", err)
		}
	}

	conn, err := p.Dial(flagDialTo, peer.DialOptions{InviteToken: token})
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info().Str("remote", conn.RemotePrincipal().String()).Msg("connected")

	stream, err := conn.OpenStream("demo")
	if err != nil {
		return err
	}
	go io.Copy(os.Stdout, stream)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if _, err := stream.Write(scanner.Bytes()); err != nil {
			return err
		}
	}
	return stream.End()
}

func echo(s *multiplex.Stream) {
	defer s.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := s.Read(buf)
		if n > 0 {
			if _, werr := s.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
