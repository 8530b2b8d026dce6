// Package session implements the post-handshake encrypted transport
// (spec §4.6): an event-loop style Session that owns one socket, one
// directional pair of Noise cipher states, one frame buffer, and an
// optional keepalive timer. It mirrors the teacher repo's
// SecureConnection (cryptoops/handshaker.go) — same length-framed AEAD
// record shape, same idempotent-Close discipline — but dispatches
// decoded control messages instead of exposing a raw io.ReadWriter, since
// the stream multiplexer and keepalive live inside the protocol here
// rather than above it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flynn/noise"
	"github.com/rs/zerolog"

	"github.com/alexrudloff/snap2p/snap2p/core/codec"
	"github.com/alexrudloff/snap2p/snap2p/core/cryptoprim"
	"github.com/alexrudloff/snap2p/snap2p/core/framing"
	"github.com/alexrudloff/snap2p/snap2p/core/protoerr"
	"github.com/alexrudloff/snap2p/snap2p/core/wallet"
)

// maxNonce is the hard ceiling of spec §4.6: once a directional nonce
// would reach 2^64-1, the session must be re-established rather than
// risk nonce reuse.
const maxNonce = ^uint64(0) - 1

var (
	ErrClosed         = errors.New("session: closed")
	ErrNonceExhausted = errors.New("session: directional nonce exhausted")
)

// Dispatcher receives the multiplexer-routed control messages a Session
// decodes off the wire. Implementations must not block the caller for
// long, since they run on the Session's single receive goroutine.
type Dispatcher interface {
	HandleOpenStream(*codec.OpenStream)
	HandleStreamData(*codec.StreamData)
	HandleCloseStream(*codec.CloseStream)
}

// Config tunes the keepalive timers of a Session. Zero fields take
// DefaultConfig's values (see applyDefaults).
type Config struct {
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
	}
}

// applyDefaults fills in unset fields. KeepaliveInterval is special: zero
// means "apply the default", a negative value means "disable keepalive
// entirely" (used by tests and by any caller layering its own liveness
// check on top of Session).
func applyDefaults(cfg Config) Config {
	d := DefaultConfig()
	switch {
	case cfg.KeepaliveInterval < 0:
		d.KeepaliveInterval = 0
	case cfg.KeepaliveInterval > 0:
		d.KeepaliveInterval = cfg.KeepaliveInterval
	}
	if cfg.KeepaliveTimeout > 0 {
		d.KeepaliveTimeout = cfg.KeepaliveTimeout
	}
	return d
}

// direction is one half of the Noise transport cipher pair, with its own
// shadow nonce counter so exhaustion can be checked before Encrypt/
// Decrypt ever reuses a nonce.
type direction struct {
	cs    *noise.CipherState
	nonce uint64
}

func (d *direction) encrypt(plaintext []byte) ([]byte, error) {
	if d.nonce >= maxNonce {
		return nil, ErrNonceExhausted
	}
	out, err := d.cs.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, err
	}
	d.nonce++
	return out, nil
}

func (d *direction) decrypt(ciphertext []byte) ([]byte, error) {
	if d.nonce >= maxNonce {
		return nil, ErrNonceExhausted
	}
	out, err := d.cs.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, err
	}
	d.nonce++
	return out, nil
}

// Session is one authenticated, confidential connection to a peer.
type Session struct {
	conn io.ReadWriteCloser
	log  zerolog.Logger
	cfg  Config

	send *direction
	recv *direction

	LocalPrincipal  wallet.Principal
	RemotePrincipal wallet.Principal
	ID              []byte // 32 random bytes, assigned by the responder

	dispatcher Dispatcher
	onError    func(error)
	onMessage  func(*codec.Message)

	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	doneCh    chan struct{}

	pingMu     sync.Mutex
	pendingSeq map[uint64]pendingPing
	nextSeq    uint64
	lastRTT    atomic.Int64 // nanoseconds; 0 until the first PONG lands
	onRTT      func(seq uint64, rtt time.Duration)
}

// pendingPing tracks one outstanding PING: the timer that fires on
// timeout, and the moment it was sent, so the matching PONG can report a
// round-trip time (spec §4.6's "record RTT (optional exposure)"). result
// is non-nil only for a caller-triggered PingRTT call; keepalive pings
// leave it nil and fail the session on timeout instead.
type pendingPing struct {
	timer  *time.Timer
	sentAt time.Time
	result chan time.Duration
}

// New constructs a Session from a completed handshake's directional
// ciphers. Call Start to begin the receive loop and keepalive timer.
func New(conn io.ReadWriteCloser, sendCS, recvCS *noise.CipherState, local, remote wallet.Principal, sessionID []byte, dispatcher Dispatcher, cfg Config, log zerolog.Logger) *Session {
	return &Session{
		conn:            conn,
		log:             log,
		cfg:             applyDefaults(cfg),
		send:            &direction{cs: sendCS},
		recv:            &direction{cs: recvCS},
		LocalPrincipal:  local,
		RemotePrincipal: remote,
		ID:              sessionID,
		dispatcher:      dispatcher,
		doneCh:          make(chan struct{}),
		pendingSeq:      make(map[uint64]pendingPing),
	}
}

// OnError sets the callback invoked when the session terminates due to
// an error (a read, write, decrypt or decode failure, or a keepalive
// timeout), as opposed to a local Close or a clean EOF from the remote.
func (s *Session) OnError(fn func(error)) { s.onError = fn }

// OnMessage sets the callback invoked for decoded control messages the
// Session doesn't interpret itself (ERROR and any other catalogue tag
// not routed above). A frame with an unknown tag fails decoding and
// closes the session instead.
func (s *Session) OnMessage(fn func(*codec.Message)) { s.onMessage = fn }

// OnRTT sets the callback invoked every time a PONG resolves a pending
// PING (keepalive or PingRTT), reporting the measured round-trip time.
func (s *Session) OnRTT(fn func(seq uint64, rtt time.Duration)) { s.onRTT = fn }

// SetDispatcher wires the stream dispatcher after construction. A
// Multiplexer needs the Session as its Sender and the Session needs the
// Multiplexer as its Dispatcher, so one side of that cycle must be
// completed post-construction; the owning Peer calls this once its
// Multiplexer exists.
func (s *Session) SetDispatcher(d Dispatcher) { s.dispatcher = d }

// LastRTT returns the round-trip time measured by the most recently
// resolved PING/PONG pair (keepalive or PingRTT), or zero if none has
// resolved yet.
func (s *Session) LastRTT() time.Duration {
	return time.Duration(s.lastRTT.Load())
}

// Start launches the receive loop and, if enabled, the keepalive timer.
// It returns immediately; both run on their own goroutines.
func (s *Session) Start() {
	go s.readLoop()
	if s.cfg.KeepaliveInterval > 0 {
		go s.keepaliveLoop()
	}
}

// Send encodes, encrypts, frames, and writes m. Safe for concurrent use.
func (s *Session) Send(m *codec.Message) error {
	if s.closed.Load() {
		return ErrClosed
	}
	plaintext, err := codec.Encode(m)
	if err != nil {
		return fmt.Errorf("session: encoding message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}

	ciphertext, err := s.send.encrypt(plaintext)
	if err != nil {
		s.fail(err)
		return err
	}
	frame, err := framing.AppendFrame(nil, ciphertext)
	if err != nil {
		s.fail(err)
		return err
	}
	if _, err := s.conn.Write(frame); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// Close idempotently tears down the session: stops the keepalive,
// closes the socket, and unblocks the receive loop exactly once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.conn.Close()
		close(s.doneCh)
		s.log.Debug().Msg("session closed")
		s.pingMu.Lock()
		for _, p := range s.pendingSeq {
			p.timer.Stop()
		}
		s.pendingSeq = nil
		s.pingMu.Unlock()
	})
	return s.closeErr
}

// Done returns a channel closed once the session has terminated, for
// callers that want to wait without polling.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

func (s *Session) fail(err error) {
	wasOpen := !s.closed.Load()
	s.Close()
	if wasOpen && s.onError != nil {
		s.onError(err)
	}
}

func (s *Session) readLoop() {
	buf := framing.NewBuffer()
	readBuf := make([]byte, 64*1024)
	for {
		frame, ok, err := buf.TryReadFrame()
		if err != nil {
			s.fail(fmt.Errorf("session: %w: %v", protoerr.New(protoerr.MessageTooLarge, ""), err))
			return
		}
		if !ok {
			n, err := s.conn.Read(readBuf)
			if n > 0 {
				buf.Append(readBuf[:n])
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					s.Close()
				} else {
					s.fail(err)
				}
				return
			}
			continue
		}

		plaintext, err := s.recv.decrypt(frame)
		if err != nil {
			s.fail(fmt.Errorf("session: decrypt: %w", err))
			return
		}
		msg, err := codec.Decode(plaintext)
		if err != nil {
			s.fail(fmt.Errorf("session: decode: %w", err))
			return
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(m *codec.Message) {
	switch m.Tag {
	case codec.TagPing:
		_ = s.Send(&codec.Message{Tag: codec.TagPong, Pong: &codec.PingPong{
			Sequence:  m.Ping.Sequence,
			Timestamp: time.Now().Unix(),
		}})
	case codec.TagPong:
		s.cancelPending(m.Pong.Sequence)
	case codec.TagOpenStream:
		s.dispatcher.HandleOpenStream(m.OpenStream)
	case codec.TagStreamData:
		s.dispatcher.HandleStreamData(m.StreamData)
	case codec.TagCloseStream:
		s.dispatcher.HandleCloseStream(m.CloseStream)
	default:
		if s.onMessage != nil {
			s.onMessage(m)
		}
	}
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.doneCh:
			return
		case <-ticker.C:
			s.sendPing()
		}
	}
}

func (s *Session) sendPing() {
	s.doSendPing(nil)
}

// PingRTT sends an on-demand PING and blocks until the matching PONG
// arrives, the keepalive timeout elapses, ctx is canceled, or the
// session closes first. It lets a caller measure round-trip time
// without waiting on the keepalive timer (spec §4.6's "record RTT
// (optional exposure)").
func (s *Session) PingRTT(ctx context.Context) (time.Duration, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	result := make(chan time.Duration, 1)
	if err := s.doSendPing(result); err != nil {
		return 0, err
	}
	select {
	case rtt, ok := <-result:
		if !ok {
			return 0, protoerr.New(protoerr.Timeout, "PING timed out waiting for PONG")
		}
		return rtt, nil
	case <-s.doneCh:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// doSendPing allocates the next sequence, sends the PING, and arms its
// timeout. result is nil for keepalive-driven pings (timeout fails the
// whole session) or a buffered channel for a caller-triggered PingRTT
// (timeout just closes the channel, leaving the session alive).
func (s *Session) doSendPing(result chan time.Duration) error {
	s.pingMu.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.pingMu.Unlock()

	if err := s.Send(&codec.Message{Tag: codec.TagPing, Ping: &codec.PingPong{
		Sequence:  seq,
		Timestamp: time.Now().Unix(),
	}}); err != nil {
		return err
	}

	timer := time.AfterFunc(s.cfg.KeepaliveTimeout, func() {
		s.pingMu.Lock()
		p, ok := s.pendingSeq[seq]
		if ok {
			delete(s.pendingSeq, seq)
		}
		s.pingMu.Unlock()
		if !ok {
			return
		}
		if p.result != nil {
			close(p.result)
			return
		}
		s.fail(protoerr.New(protoerr.Timeout, "keepalive PING timed out"))
	})
	s.pingMu.Lock()
	if s.pendingSeq != nil {
		s.pendingSeq[seq] = pendingPing{timer: timer, sentAt: time.Now(), result: result}
	} else {
		timer.Stop()
	}
	s.pingMu.Unlock()
	return nil
}

func (s *Session) cancelPending(seq uint64) {
	s.pingMu.Lock()
	p, ok := s.pendingSeq[seq]
	if ok {
		p.timer.Stop()
		delete(s.pendingSeq, seq)
	}
	s.pingMu.Unlock()

	if !ok {
		return
	}
	rtt := time.Since(p.sentAt)
	s.lastRTT.Store(int64(rtt))
	if s.onRTT != nil {
		s.onRTT(seq, rtt)
	}
	if p.result != nil {
		p.result <- rtt
	}
}

// NewSessionID generates the random 32-byte identifier the responder
// assigns to a freshly established session (spec §4.5 step 7).
func NewSessionID() ([]byte, error) {
	return cryptoprim.RandomBytes(32)
}
