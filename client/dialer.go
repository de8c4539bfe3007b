package client

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"nhooyr.io/websocket"

	"github.com/risa-org/mcbridge/control"
	"github.com/risa-org/mcbridge/transport"
	"github.com/risa-org/mcbridge/transport/tcp"
	wsadapter "github.com/risa-org/mcbridge/transport/websocket"
)

// Dialer opens a transport to the bridge server. credential is empty on
// the first connection and the session credential on every reconnect.
type Dialer interface {
	Dial(ctx context.Context, credential string) (transport.Adapter, error)
}

// WebSocketDialer connects to a ws:// or wss:// bridge URL. The credential
// always travels in the resume query field, empty when there is none, so
// the server never waits for a reconnect_request.
type WebSocketDialer struct {
	URL          string
	ReadLimit    int64
	WriteTimeout time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context, credential string) (transport.Adapter, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("bridge url %q: %w", d.URL, err)
	}
	q := u.Query()
	q.Set("resume", credential)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return wsadapter.New(conn,
		wsadapter.WithReadLimit(d.ReadLimit),
		wsadapter.WithWriteTimeout(d.WriteTimeout),
	), nil
}

// TCPDialer connects to the framed TCP transport. The framing has no
// handshake of its own, so the first frame is always a reconnect_request.
type TCPDialer struct {
	Addr         string
	WriteTimeout time.Duration
}

func (d TCPDialer) Dial(ctx context.Context, credential string) (transport.Adapter, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Addr, err)
	}
	a := tcp.New(conn, tcp.WithWriteTimeout(d.WriteTimeout))
	if err := a.Send(control.Encode(control.ReconnectRequest{Credential: credential})); err != nil {
		a.Close()
		return nil, fmt.Errorf("send reconnect request: %w", err)
	}
	return a, nil
}
