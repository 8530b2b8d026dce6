package multiplex

import (
	"sync"
	"testing"
	"time"

	"github.com/alexrudloff/snap2p/snap2p/core/codec"
)

type fakeSender struct {
	mu  sync.Mutex
	msgs []*codec.Message
}

func (f *fakeSender) Send(m *codec.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeSender) last() *codec.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return nil
	}
	return f.msgs[len(f.msgs)-1]
}

func TestOpenAllocatesParityByRole(t *testing.T) {
	sender := &fakeSender{}
	initiatorMux := New(sender, Config{Initiator: true})
	responderMux := New(sender, Config{Initiator: false})

	s1, err := initiatorMux.Open("a")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := initiatorMux.Open("b")
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID()%2 != 0 || s2.ID()%2 != 0 {
		t.Fatalf("initiator ids must be even, got %d %d", s1.ID(), s2.ID())
	}
	if s2.ID() != s1.ID()+2 {
		t.Fatalf("expected ids to increase by 2, got %d then %d", s1.ID(), s2.ID())
	}

	r1, err := responderMux.Open("c")
	if err != nil {
		t.Fatal(err)
	}
	if r1.ID()%2 != 1 {
		t.Fatalf("responder ids must be odd, got %d", r1.ID())
	}
}

func TestOpenRejectsAtCapacity(t *testing.T) {
	sender := &fakeSender{}
	mux := New(sender, Config{MaxStreams: 2})
	if _, err := mux.Open("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := mux.Open("b"); err != nil {
		t.Fatal(err)
	}
	if _, err := mux.Open("c"); err == nil {
		t.Fatal("expected capacity error on third Open")
	}
}

func TestHandleOpenStreamDuplicateIDRepliesInUse(t *testing.T) {
	sender := &fakeSender{}
	mux := New(sender, Config{})
	mux.HandleOpenStream(&codec.OpenStream{StreamID: 4, Label: "first"})
	mux.HandleOpenStream(&codec.OpenStream{StreamID: 4, Label: "dup"})

	last := sender.last()
	if last == nil || last.Tag != codec.TagCloseStream || last.CloseStream.StreamID != 4 || !last.CloseStream.HasError {
		t.Fatalf("expected a CLOSE_STREAM error reply, got %+v", last)
	}
}

func TestHandleOpenStreamAtCapacityRepliesResourceExhausted(t *testing.T) {
	sender := &fakeSender{}
	mux := New(sender, Config{MaxStreams: 1})
	mux.HandleOpenStream(&codec.OpenStream{StreamID: 2, Label: "first"})
	mux.HandleOpenStream(&codec.OpenStream{StreamID: 6, Label: "second"})

	last := sender.last()
	if last == nil || last.CloseStream.StreamID != 6 || !last.CloseStream.HasError {
		t.Fatalf("expected CLOSE_STREAM error reply for stream 6, got %+v", last)
	}
}

func TestHandleStreamDataUnknownIDRepliesNotFound(t *testing.T) {
	sender := &fakeSender{}
	mux := New(sender, Config{})
	mux.HandleStreamData(&codec.StreamData{StreamID: 99, Data: []byte("x")})

	last := sender.last()
	if last == nil || last.Tag != codec.TagCloseStream || last.CloseStream.StreamID != 99 {
		t.Fatalf("expected CLOSE_STREAM for unknown stream, got %+v", last)
	}
}

func TestStreamDeliverThenReadThenEOF(t *testing.T) {
	sender := &fakeSender{}
	mux := New(sender, Config{})

	var got *Stream
	mux.OnStream(func(s *Stream) { got = s })
	mux.HandleOpenStream(&codec.OpenStream{StreamID: 10, Label: "echo"})
	if got == nil {
		t.Fatal("expected OnStream callback to fire")
	}

	mux.HandleStreamData(&codec.StreamData{StreamID: 10, Data: []byte("hello")})
	mux.HandleStreamData(&codec.StreamData{StreamID: 10, Data: []byte(" world"), Fin: true})

	buf := make([]byte, 64)
	n, err := got.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	// First Read may or may not coalesce both deliveries depending on
	// timing of buffer appends, since both happened before any Read.
	total := string(buf[:n])
	for total != "hello world" {
		n2, err := got.Read(buf)
		if err != nil {
			t.Fatalf("unexpected error before reaching EOF: %v, got %q so far", err, total)
		}
		total += string(buf[:n2])
	}
	if _, err := got.Read(buf); err == nil {
		t.Fatal("expected EOF after fin delivered and buffer drained")
	}
}

func TestStreamWriteThenEndSendsFinOnce(t *testing.T) {
	sender := &fakeSender{}
	mux := New(sender, Config{Initiator: true})
	s, err := mux.Open("w")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := s.End(); err != nil {
		t.Fatal(err)
	}
	if err := s.End(); err != nil {
		t.Fatal("calling End twice must be a no-op, not an error")
	}
	if _, err := s.Write([]byte("too late")); err == nil {
		t.Fatal("expected write after End to fail")
	}

	last := sender.last()
	if last.Tag != codec.TagStreamData || !last.StreamData.Fin {
		t.Fatalf("expected the final sent message to be the fin frame, got %+v", last)
	}
}

func TestStreamBackpressureBlocksUntilDrained(t *testing.T) {
	sender := &fakeSender{}
	mux := New(sender, Config{HighWaterMark: 4})
	var got *Stream
	mux.OnStream(func(s *Stream) { got = s })
	mux.HandleOpenStream(&codec.OpenStream{StreamID: 20})

	delivered := make(chan struct{})
	go func() {
		got.deliver([]byte("abcdefgh"), true) // 8 bytes against a 4-byte high-water mark
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("deliver should have blocked on the first 4 bytes of backpressure")
	case <-time.After(30 * time.Millisecond):
	}

	buf := make([]byte, 4)
	n, err := got.Read(buf)
	if err != nil || n == 0 {
		t.Fatalf("expected a successful partial read, got n=%d err=%v", n, err)
	}

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("deliver did not unblock after Read freed buffer room")
	}
}

func TestCloseAllAbortsOpenStreams(t *testing.T) {
	sender := &fakeSender{}
	mux := New(sender, Config{})
	var got *Stream
	mux.OnStream(func(s *Stream) { got = s })
	mux.HandleOpenStream(&codec.OpenStream{StreamID: 30})

	mux.CloseAll()

	if _, err := got.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected a read on an aborted stream to fail")
	}
}
