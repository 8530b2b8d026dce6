// Package peer implements the Peer facade of spec §4.8 and §6: the
// consumer-facing entry point that owns one wallet, one node key, one
// current attestation, an optional listener, and the policy knobs
// (visibility, allowlist, rate limiting, stealth invite tokens) that
// gate every inbound and outbound session. It plays the role the
// teacher repo's top-level SDK client plays — Config-with-applyDefaults
// construction, one struct owning every long-lived resource — wired to
// this protocol's Dial/Listen/handshake/session/multiplex stack instead
// of the teacher's own transport.
package peer

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexrudloff/snap2p/snap2p/core/attestation"
	"github.com/alexrudloff/snap2p/snap2p/core/codec"
	"github.com/alexrudloff/snap2p/snap2p/core/handshake"
	"github.com/alexrudloff/snap2p/snap2p/core/invitetoken"
	"github.com/alexrudloff/snap2p/snap2p/core/multiplex"
	"github.com/alexrudloff/snap2p/snap2p/core/nodekey"
	"github.com/alexrudloff/snap2p/snap2p/core/protoerr"
	"github.com/alexrudloff/snap2p/snap2p/core/ratelimit"
	"github.com/alexrudloff/snap2p/snap2p/core/session"
	"github.com/alexrudloff/snap2p/snap2p/core/wallet"
)

// Default tuning knobs, filled in by applyDefaults.
const (
	DefaultDialTimeout = 10 * time.Second
	DefaultSweepPeriod = 10 * time.Minute
)

// Default per-visibility rate limits (spec §4.8): STEALTH is the
// tightest since a KNOCK attempt is also a token-guessing attempt,
// PRIVATE is looser, PUBLIC has none.
var (
	defaultStealthRateLimit = RateLimitConfig{Max: 5, Window: time.Minute}
	defaultPrivateRateLimit = RateLimitConfig{Max: 30, Window: time.Minute}
)

// RateLimitConfig configures the inbound sliding-window limiter. A zero
// value (Max<=0) disables limiting.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
}

// InviteTokenConfig configures the STEALTH invite-token store's sweep
// behavior. Meaningful only when Visibility is STEALTH.
type InviteTokenConfig struct {
	// SweepInterval is how often expired tokens are purged; zero means
	// DefaultSweepPeriod.
	SweepInterval time.Duration
}

// Config carries every policy and resource knob a Peer needs. Zero
// values are filled in by applyDefaults the way the teacher's SDK client
// config does.
type Config struct {
	Wallet     wallet.Wallet
	Visibility codec.Visibility
	Testnet    bool

	// Allowlist, if non-empty, restricts inbound connections to these
	// principal strings (stacks:<ADDR>). Ignored for outbound Dial.
	Allowlist []string

	HandshakeTimeout     time.Duration
	DialTimeout          time.Duration
	MaxStreamsPerSession int
	StreamHighWaterMark  int

	// RateLimit overrides the visibility-based default. A non-nil value
	// with Max<=0 explicitly disables rate limiting.
	RateLimit *RateLimitConfig

	InviteTokenConfig InviteTokenConfig

	// NodeKeySeed lets a caller reconstruct a stable node key across
	// restarts instead of generating a fresh ephemeral one every time.
	NodeKeySeed []byte

	// Logger is used as-is when set; a nil Logger gets a default
	// zerolog.Logger writing to stderr with a timestamp.
	Logger *zerolog.Logger
}

func applyDefaults(cfg Config) Config {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = handshake.DefaultTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxStreamsPerSession <= 0 {
		cfg.MaxStreamsPerSession = multiplex.DefaultMaxStreams
	}
	if cfg.StreamHighWaterMark <= 0 {
		cfg.StreamHighWaterMark = multiplex.DefaultHighWaterMark
	}
	if cfg.InviteTokenConfig.SweepInterval <= 0 {
		cfg.InviteTokenConfig.SweepInterval = DefaultSweepPeriod
	}
	if cfg.Logger == nil {
		l := zerolog.New(os.Stderr).With().Timestamp().Logger()
		cfg.Logger = &l
	}
	return cfg
}

// Peer is one process's identity and policy on the network: one wallet,
// one node key, one current attestation, zero or one listeners, and the
// set of currently-active Connections (spec §4.8).
type Peer struct {
	cfg Config
	log zerolog.Logger

	wallet wallet.Wallet

	identMu     sync.RWMutex
	nodeKey     *nodekey.Key
	attestation *attestation.NodeKeyAttestation

	allowlist   handshake.Allowlist
	inviteStore *invitetoken.Store
	rateLimiter *ratelimit.Limiter

	mu       sync.Mutex
	sessions map[string]*Connection
	listener net.Listener
	closed   bool

	onConnection func(*Connection)

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// Create constructs a Peer: it generates (or reconstructs, if
// NodeKeySeed is set) a node key and builds the Peer's current
// attestation. Per the open question in spec §9, a STEALTH Peer always
// gets an invite-token store — the source's "start in STEALTH with no
// token manager" case is refused here rather than degraded to an
// internal error at KNOCK time.
func Create(cfg Config) (*Peer, error) {
	if cfg.Wallet == nil {
		return nil, errors.New("peer: Config.Wallet is required")
	}
	cfg = applyDefaults(cfg)

	nk, err := newNodeKey(cfg.NodeKeySeed)
	if err != nil {
		return nil, fmt.Errorf("peer: generating node key: %w", err)
	}
	att, err := attestation.Build(cfg.Wallet, nk.Public, time.Now())
	if err != nil {
		return nil, fmt.Errorf("peer: building attestation: %w", err)
	}

	p := &Peer{
		cfg:         cfg,
		log:         cfg.Logger.With().Str("principal", cfg.Wallet.Principal().String()).Logger(),
		wallet:      cfg.Wallet,
		nodeKey:     nk,
		attestation: att,
		sessions:    make(map[string]*Connection),
	}

	if len(cfg.Allowlist) > 0 {
		al := make(handshake.Allowlist, len(cfg.Allowlist))
		for _, s := range cfg.Allowlist {
			al[s] = struct{}{}
		}
		p.allowlist = al
	}

	if cfg.Visibility == codec.VisibilityStealth {
		p.inviteStore = invitetoken.NewStore()
		p.sweepStop = make(chan struct{})
		p.sweepDone = make(chan struct{})
		go p.sweepLoop()
	}

	if rl := effectiveRateLimit(cfg); rl.Max > 0 {
		p.rateLimiter = ratelimit.New(rl.Max, rl.Window)
	}

	return p, nil
}

func newNodeKey(seed []byte) (*nodekey.Key, error) {
	if len(seed) > 0 {
		return nodekey.FromSeed(seed)
	}
	return nodekey.Generate()
}

func effectiveRateLimit(cfg Config) RateLimitConfig {
	if cfg.RateLimit != nil {
		return *cfg.RateLimit
	}
	switch cfg.Visibility {
	case codec.VisibilityStealth:
		return defaultStealthRateLimit
	case codec.VisibilityPrivate:
		return defaultPrivateRateLimit
	default:
		return RateLimitConfig{}
	}
}

// Principal returns the Peer's wallet identity.
func (p *Peer) Principal() wallet.Principal { return p.wallet.Principal() }

// network reports which wallet.Network a remote attestation's principal
// address should be derived under during verification, per Config.Testnet.
func (p *Peer) network() wallet.Network {
	if p.cfg.Testnet {
		return wallet.Testnet
	}
	return wallet.Mainnet
}

// NodePublicKey returns the Peer's current node key's Ed25519 public key.
func (p *Peer) NodePublicKey() []byte {
	p.identMu.RLock()
	defer p.identMu.RUnlock()
	return append([]byte(nil), p.nodeKey.Public...)
}

// Attestation returns the Peer's current signed attestation.
func (p *Peer) Attestation() *attestation.NodeKeyAttestation {
	p.identMu.RLock()
	defer p.identMu.RUnlock()
	return p.attestation
}

// RotateNodeKey generates a fresh node key and a fresh attestation
// binding it, atomically replacing the Peer's current identity for any
// handshake started after this call returns (spec §3: "replaced if
// rotated").
func (p *Peer) RotateNodeKey() error {
	nk, err := nodekey.Generate()
	if err != nil {
		return fmt.Errorf("peer: rotating node key: %w", err)
	}
	att, err := attestation.Build(p.wallet, nk.Public, time.Now())
	if err != nil {
		return fmt.Errorf("peer: building rotated attestation: %w", err)
	}

	p.identMu.Lock()
	p.nodeKey = nk
	p.attestation = att
	p.identMu.Unlock()
	return nil
}

// OnConnection registers the callback invoked whenever a session is
// established, whether by Dial or by an accepted inbound handshake.
func (p *Peer) OnConnection(fn func(*Connection)) { p.onConnection = fn }

// DialOptions carries per-dial overrides.
type DialOptions struct {
	// InviteToken is presented in a plaintext KNOCK frame before Noise
	// begins, for dialing a STEALTH responder.
	InviteToken []byte
}

// Dial resolves locator, connects over TCP, and runs the initiator
// handshake script of spec §4.5, returning a ready Connection on
// success.
func (p *Peer) Dial(locatorStr string, opts DialOptions) (*Connection, error) {
	loc, err := ParseLocator(locatorStr)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", loc.Addr(), p.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", protoerr.New(protoerr.ConnectionClosed, ""), loc, err)
	}
	configureSocket(conn)

	p.identMu.RLock()
	nk, localAtt := p.nodeKey, p.attestation
	p.identMu.RUnlock()

	outcome, err := handshake.RunInitiator(conn, nk, localAtt, handshake.Config{
		Timeout:      p.cfg.HandshakeTimeout,
		Visibility:   p.cfg.Visibility,
		InviteToken:  opts.InviteToken,
		Capabilities: nil,
		Network:      p.network(),
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := p.newConnection(conn, outcome, true, loc.String())
	p.register(loc.String(), c)
	if p.onConnection != nil {
		p.onConnection(c)
	}
	return c, nil
}

// Listen binds a TCP listener on host:port (host may be empty for all
// interfaces) and accepts connections in the background, running the
// responder handshake script on each and registering successes.
func (p *Peer) Listen(host string, port int) (net.Addr, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("peer: listen: %w", err)
	}
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	go p.acceptLoop(ln)
	return ln.Addr(), nil
}

func (p *Peer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go p.handleInbound(conn)
	}
}

func (p *Peer) handleInbound(conn net.Conn) {
	remoteIP := hostOf(conn.RemoteAddr())
	if p.rateLimiter != nil && !p.rateLimiter.Allow(remoteIP) {
		p.log.Debug().Str("remote", remoteIP).Msg("inbound connection rate-limited")
		conn.Close()
		return
	}
	configureSocket(conn)

	p.identMu.RLock()
	nk, localAtt := p.nodeKey, p.attestation
	p.identMu.RUnlock()

	outcome, err := handshake.RunResponder(conn, nk, localAtt, handshake.Config{
		Timeout:     p.cfg.HandshakeTimeout,
		Visibility:  p.cfg.Visibility,
		InviteStore: p.inviteStore,
		Allowlist:   p.allowlist,
		Network:     p.network(),
	})
	if err != nil {
		p.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("inbound handshake failed")
		conn.Close()
		return
	}

	c := p.newConnection(conn, outcome, false, conn.RemoteAddr().String())
	p.register(conn.RemoteAddr().String(), c)
	if p.onConnection != nil {
		p.onConnection(c)
	}
}

func (p *Peer) newConnection(conn net.Conn, outcome *handshake.Outcome, initiator bool, key string) *Connection {
	sessCfg := session.DefaultConfig()
	sess := session.New(conn, outcome.Noise.Send, outcome.Noise.Recv,
		p.wallet.Principal(), outcome.RemoteAttestation.Principal, outcome.SessionID,
		nil, sessCfg, p.log.With().Str("sid", fmt.Sprintf("%x", outcome.SessionID)).Logger())

	mux := multiplex.New(sess, multiplex.Config{
		MaxStreams:    p.cfg.MaxStreamsPerSession,
		HighWaterMark: p.cfg.StreamHighWaterMark,
		Initiator:     initiator,
	})
	sess.SetDispatcher(mux)

	c := &Connection{Session: sess, Mux: mux, Locator: key, Attestation: outcome.RemoteAttestation}

	go func() {
		<-sess.Done()
		mux.CloseAll()
		p.forget(key)
	}()

	sess.Start()
	return c
}

func (p *Peer) register(key string, c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[key] = c
}

func (p *Peer) forget(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, key)
}

// Connections returns every currently-registered Connection, keyed by
// locator (outbound) or remote address (inbound).
func (p *Peer) Connections() map[string]*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*Connection, len(p.sessions))
	for k, v := range p.sessions {
		out[k] = v
	}
	return out
}

// Close stops the listener (if any), the invite-token sweep (if any),
// and every active session.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ln := p.listener
	sessions := make([]*Connection, 0, len(p.sessions))
	for _, c := range p.sessions {
		sessions = append(sessions, c)
	}
	p.sessions = make(map[string]*Connection)
	p.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if p.sweepStop != nil {
		close(p.sweepStop)
		<-p.sweepDone
	}
	for _, c := range sessions {
		c.Close()
	}
	return nil
}

func (p *Peer) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.cfg.InviteTokenConfig.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			n := p.inviteStore.Sweep()
			if n > 0 {
				p.log.Debug().Int("removed", n).Msg("invite-token sweep")
			}
		}
	}
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// configureSocket enables TCP keepalive and disables Nagle's algorithm,
// per spec §4.8 ("enable TCP keepalive and disable Nagle").
func configureSocket(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
	_ = tc.SetNoDelay(true)
}
