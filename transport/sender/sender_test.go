package sender

import (
	"testing"

	"github.com/risa-org/mcbridge/buffer"
	"github.com/risa-org/mcbridge/transport"
)

// mockAdapter is a minimal transport.Adapter for testing.
// It records sent messages and can be configured to fail.
type mockAdapter struct {
	sent      []transport.Message
	failAfter int // fail after N successful sends, -1 means never fail
	calls     int
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{failAfter: -1}
}

func (m *mockAdapter) Send(msg transport.Message) error {
	m.calls++
	if m.failAfter >= 0 && m.calls > m.failAfter {
		return transport.ErrTransportClosed
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockAdapter) Receive() <-chan transport.Message {
	return make(chan transport.Message)
}

func (m *mockAdapter) Disconnected() <-chan transport.DisconnectEvent {
	return make(chan transport.DisconnectEvent)
}

func (m *mockAdapter) Close() error { return nil }

func payloads(msgs []transport.Message) string {
	var s string
	for _, m := range msgs {
		s += string(m.Payload)
	}
	return s
}

// --- Tests ---

func TestSendWhileAttached(t *testing.T) {
	s := New(buffer.New(1024))
	a := newMockAdapter()
	s.Attach(a)

	if err := s.Send([]byte("hello")); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(a.sent) != 1 || a.sent[0].Kind != transport.KindData {
		t.Fatalf("expected one data message, got %+v", a.sent)
	}
	if !s.Buffer().IsEmpty() {
		t.Error("nothing should be buffered while attached")
	}
}

// TestBufferThenFlushInOrder: "A","B","C" sent while detached arrive in
// order on attach.
func TestBufferThenFlushInOrder(t *testing.T) {
	s := New(buffer.New(1024))
	for _, p := range []string{"A", "B", "C"} {
		if err := s.Send([]byte(p)); err != nil {
			t.Fatalf("buffered send returned error: %v", err)
		}
	}

	a := newMockAdapter()
	prev, flushed, err := s.Attach(a)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if prev != nil {
		t.Error("expected no previous adapter")
	}
	if flushed != 3 {
		t.Errorf("expected 3 bytes flushed, got %d", flushed)
	}
	if got := payloads(a.sent); got != "ABC" {
		t.Errorf("expected ABC, got %s", got)
	}
	if !s.Buffer().IsEmpty() {
		t.Error("expected buffer empty after flush")
	}
}

func TestFailedSendBuffersAndDetaches(t *testing.T) {
	s := New(buffer.New(1024))
	a := newMockAdapter()
	a.failAfter = 0
	s.Attach(a)

	if err := s.Send([]byte("lost?")); err == nil {
		t.Fatal("expected send error")
	}
	if s.Attached() {
		t.Error("expected sender to detach after a failed send")
	}

	b := newMockAdapter()
	s.Attach(b)
	if got := payloads(b.sent); got != "lost?" {
		t.Errorf("expected failed payload to be retried on next attach, got %q", got)
	}
}

func TestPartialFlushKeepsRemainderInOrder(t *testing.T) {
	s := New(buffer.New(1024))
	for _, p := range []string{"1", "2", "3", "4"} {
		s.Send([]byte(p))
	}

	flaky := newMockAdapter()
	flaky.failAfter = 2
	if _, _, err := s.Attach(flaky); err == nil {
		t.Fatal("expected flush error")
	}
	if got := payloads(flaky.sent); got != "12" {
		t.Errorf("expected 12 delivered before failure, got %s", got)
	}
	if s.Attached() {
		t.Error("expected detached after failed flush")
	}

	good := newMockAdapter()
	s.Attach(good)
	if got := payloads(good.sent); got != "34" {
		t.Errorf("expected remainder 34, got %s", got)
	}
}

func TestAttachReturnsPrevious(t *testing.T) {
	s := New(buffer.New(1024))
	first := newMockAdapter()
	second := newMockAdapter()

	s.Attach(first)
	prev, _, _ := s.Attach(second)
	if prev != first {
		t.Error("expected Attach to hand back the superseded adapter")
	}
	if s.Adapter() != second {
		t.Error("expected second adapter attached")
	}
}

func TestSendControlRequiresTransport(t *testing.T) {
	s := New(buffer.New(16))
	if err := s.SendControl(transport.Message{Kind: transport.KindControl}); err != transport.ErrTransportClosed {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
	if !s.Buffer().IsEmpty() {
		t.Error("control messages must never be buffered")
	}
}

func TestDetach(t *testing.T) {
	s := New(buffer.New(16))
	a := newMockAdapter()
	s.Attach(a)

	if got := s.Detach(); got != a {
		t.Error("expected Detach to return the attached adapter")
	}
	s.Send([]byte("x"))
	if len(a.sent) != 0 {
		t.Error("detached adapter should not receive data")
	}
	if s.Buffer().Len() != 1 {
		t.Error("expected payload buffered after detach")
	}
}
