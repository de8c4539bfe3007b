package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/risa-org/mcbridge/transport"
	"nhooyr.io/websocket"
)

const (
	DefaultWriteTimeout       = 10 * time.Second
	DefaultReadLimit    int64 = 1 << 20
)

// Adapter implements transport.Adapter over a WebSocket connection.
// WebSocket already has message boundaries and a frame opcode, so the
// Kind discriminator rides on the opcode: binary frames are data,
// text frames are control envelopes.
type Adapter struct {
	conn         *websocket.Conn
	incoming     chan transport.Message
	disconnect   chan transport.DisconnectEvent
	closeOnce    sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
	writeTimeout time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithWriteTimeout bounds a single Send.
func WithWriteTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.writeTimeout = d
		}
	}
}

// WithReadLimit sets the largest message the peer may send.
func WithReadLimit(n int64) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.conn.SetReadLimit(n)
		}
	}
}

// New wraps an existing *websocket.Conn in a transport Adapter and starts
// its read loop.
func New(conn *websocket.Conn, opts ...Option) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		conn:         conn,
		incoming:     make(chan transport.Message, 64),
		disconnect:   make(chan transport.DisconnectEvent, 1),
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: DefaultWriteTimeout,
	}
	conn.SetReadLimit(DefaultReadLimit)
	for _, opt := range opts {
		opt(a)
	}
	go a.readLoop()
	return a
}

func (a *Adapter) Send(msg transport.Message) error {
	typ := websocket.MessageBinary
	if msg.Kind == transport.KindControl {
		typ = websocket.MessageText
	}

	ctx, cancel := context.WithTimeout(a.ctx, a.writeTimeout)
	defer cancel()
	if err := a.conn.Write(ctx, typ, msg.Payload); err != nil {
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

func (a *Adapter) Close() error {
	return a.CloseStatus(websocket.StatusNormalClosure, "closed")
}

// CloseStatus closes with an explicit websocket status code, used when the
// server refuses or supersedes a connection.
func (a *Adapter) CloseStatus(code websocket.StatusCode, reason string) error {
	var err error
	a.closeOnce.Do(func() {
		a.cancel()
		err = a.conn.Close(code, reason)
	})
	return err
}

func (a *Adapter) readLoop() {
	defer func() {
		close(a.incoming)
		a.Close()
	}()

	for {
		typ, data, err := a.conn.Read(a.ctx)
		if err != nil {
			a.signalDisconnect(err)
			return
		}

		kind := transport.KindData
		if typ == websocket.MessageText {
			kind = transport.KindControl
		}

		select {
		case a.incoming <- transport.Message{Kind: kind, Payload: data}:
		case <-a.ctx.Done():
			a.signalDisconnect(a.ctx.Err())
			return
		}
	}
}

// signalDisconnect sends exactly one disconnect event.
// StatusNormalClosure (1000) and StatusGoingAway (1001) are both clean closes.
// Context cancellation means we closed it ourselves, also clean.
func (a *Adapter) signalDisconnect(err error) {
	event := transport.DisconnectEvent{}

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure,
		status == websocket.StatusGoingAway,
		a.ctx.Err() != nil:
		event.Reason = transport.ReasonClosedClean
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	select {
	case a.disconnect <- event:
	default:
	}
}
