// Package multiplex implements the stream multiplexer and duplex Stream
// type of spec §4.7: one multiplexer per Session, allocating stream ids
// with role-based parity, routing OPEN_STREAM/STREAM_DATA/CLOSE_STREAM
// between the wire and per-stream read buffers, and enforcing both the
// per-session stream cap and per-stream backpressure.
package multiplex

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/alexrudloff/snap2p/snap2p/core/codec"
	"github.com/alexrudloff/snap2p/snap2p/core/protoerr"
)

const (
	// DefaultMaxStreams is the per-session stream cap (spec §4.7).
	DefaultMaxStreams = 100
	// DefaultHighWaterMark is the default bounded read-buffer size
	// backpressure is applied against (spec §4.7).
	DefaultHighWaterMark = 64 * 1024
)

var (
	ErrCapacityExhausted = errors.New("multiplex: stream capacity exhausted")
	ErrStreamClosed       = errors.New("multiplex: stream closed")
)

// Sender is the subset of Session a Multiplexer needs: the ability to
// push an encoded control message onto the wire.
type Sender interface {
	Send(m *codec.Message) error
}

// Config tunes a Multiplexer's resource bounds.
type Config struct {
	MaxStreams     int
	HighWaterMark  int
	// Initiator selects stream-id parity: true allocates even ids,
	// false allocates odd ids, guaranteeing no collision between
	// concurrently-opened streams from both ends (spec §4.7).
	Initiator bool
}

func applyDefaults(cfg Config) Config {
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = DefaultMaxStreams
	}
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = DefaultHighWaterMark
	}
	return cfg
}

// Multiplexer owns every Stream for one Session.
type Multiplexer struct {
	sender Sender
	cfg    Config

	onStream func(*Stream) // consumer hook for inbound OPEN_STREAM

	mu      sync.Mutex
	streams map[uint64]*Stream
	nextID  uint64
}

// New constructs a Multiplexer bound to sender (normally a *session.Session).
func New(sender Sender, cfg Config) *Multiplexer {
	cfg = applyDefaults(cfg)
	start := uint64(1)
	if cfg.Initiator {
		start = 0
	}
	return &Multiplexer{
		sender:  sender,
		cfg:     cfg,
		streams: make(map[uint64]*Stream),
		nextID:  start,
	}
}

// OnStream sets the callback invoked when the remote opens a stream.
func (m *Multiplexer) OnStream(fn func(*Stream)) { m.onStream = fn }

// Open allocates a new stream id with this side's parity, registers it,
// sends OPEN_STREAM, and returns the local Stream handle.
func (m *Multiplexer) Open(label string) (*Stream, error) {
	m.mu.Lock()
	if len(m.streams) >= m.cfg.MaxStreams {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCapacityExhausted, protoerr.ResourceExhausted)
	}
	id := m.nextID
	m.nextID += 2
	st := newStream(id, m, m.cfg.HighWaterMark)
	m.streams[id] = st
	m.mu.Unlock()

	if err := m.sender.Send(&codec.Message{Tag: codec.TagOpenStream, OpenStream: &codec.OpenStream{StreamID: id, Label: label}}); err != nil {
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()
		return nil, err
	}
	return st, nil
}

// HandleOpenStream implements session.Dispatcher.
func (m *Multiplexer) HandleOpenStream(o *codec.OpenStream) {
	m.mu.Lock()
	if _, exists := m.streams[o.StreamID]; exists {
		m.mu.Unlock()
		m.replyClose(o.StreamID, protoerr.StreamIDInUse)
		return
	}
	if len(m.streams) >= m.cfg.MaxStreams {
		m.mu.Unlock()
		m.replyClose(o.StreamID, protoerr.ResourceExhausted)
		return
	}
	st := newStream(o.StreamID, m, m.cfg.HighWaterMark)
	m.streams[o.StreamID] = st
	m.mu.Unlock()

	if m.onStream != nil {
		m.onStream(st)
	}
}

// HandleStreamData implements session.Dispatcher.
func (m *Multiplexer) HandleStreamData(d *codec.StreamData) {
	m.mu.Lock()
	st, ok := m.streams[d.StreamID]
	m.mu.Unlock()
	if !ok {
		m.replyClose(d.StreamID, protoerr.StreamNotFound)
		return
	}
	st.deliver(d.Data, d.Fin)
}

// HandleCloseStream implements session.Dispatcher.
func (m *Multiplexer) HandleCloseStream(c *codec.CloseStream) {
	m.mu.Lock()
	st, ok := m.streams[c.StreamID]
	delete(m.streams, c.StreamID)
	m.mu.Unlock()
	if !ok {
		return
	}
	st.remoteClosed(c)
}

// CloseAll forces every open stream closed, e.g. when the owning Session
// itself is torn down (spec §5's cancellation rule).
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, st := range m.streams {
		streams = append(streams, st)
	}
	m.streams = make(map[uint64]*Stream)
	m.mu.Unlock()

	for _, st := range streams {
		st.abort(protoerr.New(protoerr.ConnectionClosed, "session closed"))
	}
}

func (m *Multiplexer) replyClose(id uint64, kind protoerr.Kind) {
	_ = m.sender.Send(&codec.Message{Tag: codec.TagCloseStream, CloseStream: &codec.CloseStream{
		StreamID: id, ErrorCode: uint64(kind), HasError: true,
	}})
}

func (m *Multiplexer) forget(id uint64) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

var _ io.Closer = (*Multiplexer)(nil)

// Close is CloseAll under the io.Closer name, for symmetry with Stream.
func (m *Multiplexer) Close() error {
	m.CloseAll()
	return nil
}
