package client

import (
	"context"
	"net"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risa-org/mcbridge/config"
	"github.com/risa-org/mcbridge/control"
	"github.com/risa-org/mcbridge/transport/tcp"
)

func TestNewPicksDialerFromTransport(t *testing.T) {
	log, _ := logtest.NewNullLogger()

	cfg := config.Default().Client
	c, err := New(cfg, log)
	require.NoError(t, err)
	assert.Equal(t, WebSocketDialer{URL: cfg.Bridge, WriteTimeout: cfg.WriteTimeout}, c.dialer)

	cfg.Transport = config.TransportTCP
	cfg.Bridge = "127.0.0.1:7000"
	c, err = New(cfg, log)
	require.NoError(t, err)
	assert.Equal(t, TCPDialer{Addr: "127.0.0.1:7000", WriteTimeout: cfg.WriteTimeout}, c.dialer)

	cfg.Transport = "smoke-signals"
	_, err = New(cfg, log)
	assert.Error(t, err)
}

func TestServeRunsEndpointPerConnection(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	d := newFakeDialer()
	c, err := New(testConfig(), log, WithDialer(d))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- c.Serve(ctx, ln) }()

	games := make([]net.Conn, 2)
	for i := range games {
		games[i], err = net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer games[i].Close()
	}

	ids := map[string]bool{}
	for range games {
		attempt := d.next(t)
		assert.Empty(t, attempt.credential)
		id := "s" + string(rune('1'+len(ids)))
		assign(t, attempt, id)
		ids[id] = true
	}

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	// endpoints are done, so their inbound connections are closed
	for _, g := range games {
		g.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err := g.Read(make([]byte, 1))
		assert.Error(t, err)
	}
}

func TestTCPDialerSendsReconnectRequestFirst(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	got := make(chan control.Message, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		server := tcp.New(conn)
		defer server.Close()
		if msg, ok := <-server.Receive(); ok {
			got <- control.Classify(msg)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := TCPDialer{Addr: ln.Addr().String()}.Dial(ctx, "s1.sig")
	require.NoError(t, err)
	defer a.Close()

	select {
	case msg := <-got:
		assert.Equal(t, control.ReconnectRequest{Credential: "s1.sig"}, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect request received")
	}
}
