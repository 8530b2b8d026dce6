package multiplex

import (
	"io"
	"sync"

	"github.com/alexrudloff/snap2p/snap2p/core/codec"
)

// Stream is a bidirectional, flow-controlled byte stream multiplexed
// over a Session. Reads deliver the concatenation of received
// STREAM_DATA payloads in arrival order, yielding io.EOF once the
// remote's fin=true has been consumed. Each Write is sent as one
// STREAM_DATA frame and End sends the fin=true terminator exactly
// once.
type Stream struct {
	id  uint64
	mux *Multiplexer
	hwm int

	mu        sync.Mutex
	cond      *sync.Cond
	buf       []byte
	readEOF   bool
	writeDone bool
	closed    bool
	closeErr  error
}

func newStream(id uint64, mux *Multiplexer, hwm int) *Stream {
	s := &Stream{id: id, mux: mux, hwm: hwm}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns the stream's wire identifier.
func (s *Stream) ID() uint64 { return s.id }

// deliver is called by the Multiplexer when a STREAM_DATA frame for
// this stream arrives. It blocks the Session's single receive goroutine
// while the read buffer is at its high-water mark, which is the local
// throttling spec §4.7 calls for in place of a remote pause signal.
func (s *Stream) deliver(data []byte, fin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(data) > 0 && !s.closed {
		if len(s.buf) >= s.hwm {
			s.cond.Wait()
			continue
		}
		room := s.hwm - len(s.buf)
		n := len(data)
		if n > room {
			n = room
		}
		s.buf = append(s.buf, data[:n]...)
		data = data[n:]
		s.cond.Broadcast()
	}
	if fin {
		s.readEOF = true
		s.cond.Broadcast()
	}
}

// Read implements io.Reader. It blocks until at least one byte is
// available, EOF has been delivered, or the stream is closed/aborted.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 {
		if s.readEOF {
			return 0, io.EOF
		}
		if s.closed {
			if s.closeErr != nil {
				return 0, s.closeErr
			}
			return 0, io.ErrClosedPipe
		}
		s.cond.Wait()
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	s.cond.Broadcast() // room freed: unblock a throttled deliver
	return n, nil
}

// Write implements io.Writer: it sends p as a single STREAM_DATA frame.
// Large payloads are the caller's concern to chunk; the wire itself
// places no chunk-size limit beyond the framing layer's maximum frame
// length.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.writeDone {
		s.mu.Unlock()
		return 0, ErrStreamClosed
	}
	s.mu.Unlock()

	if err := s.mux.sender.Send(&codec.Message{Tag: codec.TagStreamData, StreamData: &codec.StreamData{
		StreamID: s.id, Data: p,
	}}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// End sends the fin=true terminator exactly once, marking the write
// side closed. Further Writes fail.
func (s *Stream) End() error {
	s.mu.Lock()
	if s.writeDone {
		s.mu.Unlock()
		return nil
	}
	s.writeDone = true
	s.mu.Unlock()

	return s.mux.sender.Send(&codec.Message{Tag: codec.TagStreamData, StreamData: &codec.StreamData{
		StreamID: s.id, Fin: true,
	}})
}

// Close releases the stream's id and notifies the remote; it is the
// local, voluntary counterpart to abort's abrupt/error teardown.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()

	s.mux.forget(s.id)
	return s.mux.sender.Send(&codec.Message{Tag: codec.TagCloseStream, CloseStream: &codec.CloseStream{StreamID: s.id}})
}

// remoteClosed is called by the Multiplexer when a CLOSE_STREAM arrives
// for this stream; it marks the stream terminated locally without
// sending a reply (the remote already knows).
func (s *Stream) remoteClosed(c *codec.CloseStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.writeDone = true
	s.cond.Broadcast()
}

// abort forces both sides closed due to an error (e.g. the owning
// Session died), unblocking any pending Read/deliver with closeErr.
func (s *Stream) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.writeDone = true
	s.closeErr = err
	s.cond.Broadcast()
}
