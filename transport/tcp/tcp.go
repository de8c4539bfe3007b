package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/risa-org/mcbridge/transport"
)

// MaxFrameSize bounds a single frame payload. Larger length headers are
// treated as a corrupt stream.
const MaxFrameSize = 16 * 1024 * 1024

// DefaultWriteTimeout bounds a single frame write unless WithWriteTimeout
// says otherwise.
const DefaultWriteTimeout = 10 * time.Second

var errFrameTooLarge = errors.New("frame exceeds maximum size")

// Adapter implements transport.Adapter over a raw TCP connection.
//
// Wire format for each message:
//
//	[1 byte: Kind][4 bytes: payload length uint32 big-endian][N bytes: payload]
//
// TCP is a stream protocol with no message boundaries, so we frame every
// message ourselves. The Kind byte sits in the header, outside the payload.
type Adapter struct {
	conn       net.Conn                       // the underlying TCP connection
	incoming   chan transport.Message         // delivers received messages to caller
	disconnect chan transport.DisconnectEvent // signals when connection closes
	closed     chan struct{}                  // closed by Close, unblocks readLoop
	closeOnce  sync.Once                      // guarantees cleanup runs exactly once
	writeMu    sync.Mutex                     // one writer at a time, a frame must not interleave

	writeTimeout time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithWriteTimeout bounds a single Send. A peer that stops reading makes
// Send fail after d instead of blocking its caller.
func WithWriteTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.writeTimeout = d
		}
	}
}

// New wraps an existing net.Conn in a transport Adapter.
// The conn must already be established, dialing or accepting happens outside.
func New(conn net.Conn, opts ...Option) *Adapter {
	a := &Adapter{
		conn:         conn,
		incoming:     make(chan transport.Message, 64),
		disconnect:   make(chan transport.DisconnectEvent, 1),
		closed:       make(chan struct{}),
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}

	go a.readLoop()

	return a
}

// Send encodes a message and writes it as a single frame.
// A failed or timed out write leaves a partial frame on the wire, so the
// adapter closes itself.
func (a *Adapter) Send(msg transport.Message) error {
	if len(msg.Payload) > MaxFrameSize {
		return fmt.Errorf("send %d bytes: %w", len(msg.Payload), errFrameTooLarge)
	}

	frame := make([]byte, 5+len(msg.Payload))
	frame[0] = byte(msg.Kind)
	binary.BigEndian.PutUint32(frame[1:5], uint32(len(msg.Payload)))
	copy(frame[5:], msg.Payload)

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	a.conn.SetWriteDeadline(time.Now().Add(a.writeTimeout))
	if _, err := a.conn.Write(frame); err != nil {
		a.signalDisconnect(err)
		a.Close()
		return transport.ErrTransportClosed
	}
	return nil
}

func (a *Adapter) Receive() <-chan transport.Message {
	return a.incoming
}

func (a *Adapter) Disconnected() <-chan transport.DisconnectEvent {
	return a.disconnect
}

// Close shuts down the TCP connection.
// Safe to call multiple times, cleanup runs exactly once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		err = a.conn.Close()
	})
	return err
}

// readLoop reads frames until the connection closes, then signals
// disconnect and exits.
func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.Close()
	}()

	for {
		var header [5]byte
		if _, err := io.ReadFull(a.conn, header[:]); err != nil {
			a.signalDisconnect(err)
			return
		}
		kind := transport.Kind(header[0])
		size := binary.BigEndian.Uint32(header[1:])
		if size > MaxFrameSize {
			a.signalDisconnect(errFrameTooLarge)
			return
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(a.conn, payload); err != nil {
			a.signalDisconnect(err)
			return
		}

		select {
		case a.incoming <- transport.Message{Kind: kind, Payload: payload}:
		case <-a.closed:
			a.signalDisconnect(nil)
			return
		}
	}
}

// signalDisconnect figures out the reason for disconnection and
// sends exactly one event on the disconnect channel.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	select {
	case <-a.closed:
		// we closed it ourselves
		event.Reason = transport.ReasonClosedClean
	default:
		var netErr net.Error
		if err == nil || errors.Is(err, io.EOF) {
			event.Reason = transport.ReasonClosedClean
		} else if errors.As(err, &netErr) && netErr.Timeout() {
			event.Reason = transport.ReasonTimeout
			event.Err = err
		} else {
			event.Reason = transport.ReasonNetworkError
			event.Err = err
		}
	}

	select {
	case a.disconnect <- event:
	default:
	}
}
