package sender

import (
	"github.com/risa-org/mcbridge/buffer"
	"github.com/risa-org/mcbridge/transport"
)

// Sender is the single place where outgoing payload either goes out on the
// attached transport or lands in the bounded buffer. Both the server
// Session and the client Endpoint push their outbound bytes through one.
//
//	sender.Send(payload)  // attached: send now; detached: buffer
//	sender.Attach(a)      // flush buffered payload to a in FIFO order
//
// Sender is not safe for concurrent use, its owner's loop goroutine is the
// only caller.
type Sender struct {
	buf     *buffer.Buffer
	adapter transport.Adapter
}

// New creates a detached Sender buffering into buf.
func New(buf *buffer.Buffer) *Sender {
	return &Sender{buf: buf}
}

// Send delivers payload on the attached transport, or buffers it when
// detached. If the transport send fails, the payload is buffered, the
// transport is detached, and the send error is returned so the owner can
// run its disconnect path.
func (s *Sender) Send(payload []byte) error {
	if s.adapter == nil {
		s.buf.Push(payload)
		return nil
	}

	msg := transport.Message{Kind: transport.KindData, Payload: payload}
	if err := s.adapter.Send(msg); err != nil {
		s.buf.Push(payload)
		s.adapter = nil
		return err
	}
	return nil
}

// SendControl sends a control message on the attached transport.
// Control messages are never buffered.
func (s *Sender) SendControl(msg transport.Message) error {
	if s.adapter == nil {
		return transport.ErrTransportClosed
	}
	return s.adapter.Send(msg)
}

// Attach makes a the current transport and flushes everything buffered to
// it in original order. It returns the previously attached transport, if
// any, so the caller can close it.
//
// If a send fails mid-flush, the unsent chunks go back into the buffer in
// order, the sender is left detached and the error is returned.
func (s *Sender) Attach(a transport.Adapter) (prev transport.Adapter, flushed int, err error) {
	prev = s.adapter
	s.adapter = a

	chunks := s.buf.DrainAll()
	for i, c := range chunks {
		if err = a.Send(transport.Message{Kind: transport.KindData, Payload: c}); err != nil {
			for _, rest := range chunks[i:] {
				s.buf.Push(rest)
			}
			s.adapter = nil
			return prev, flushed, err
		}
		flushed += len(c)
	}
	return prev, flushed, nil
}

// Detach forgets the current transport without closing it and returns it.
func (s *Sender) Detach() transport.Adapter {
	a := s.adapter
	s.adapter = nil
	return a
}

// Adapter returns the attached transport, or nil.
func (s *Sender) Adapter() transport.Adapter {
	return s.adapter
}

// Attached reports whether a transport is attached.
func (s *Sender) Attached() bool {
	return s.adapter != nil
}

// Buffer returns the underlying buffer, for stats and eviction hooks.
func (s *Sender) Buffer() *buffer.Buffer {
	return s.buf
}
