package tcp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/risa-org/mcbridge/transport"
)

// dialPair creates two connected TCP adapters over net.Pipe,
// no actual network ports needed.
func dialPair(t *testing.T) (*Adapter, *Adapter) {
	t.Helper()
	server, client := net.Pipe()
	return New(server), New(client)
}

func receive(t *testing.T, a *Adapter) transport.Message {
	t.Helper()
	select {
	case msg := <-a.Receive():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return transport.Message{}
}

func TestSendAndReceive(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()
	defer client.Close()

	err := client.Send(transport.Message{
		Kind:    transport.KindData,
		Payload: []byte("hello from client"),
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msg := receive(t, server)
	if msg.Kind != transport.KindData {
		t.Errorf("expected data kind, got %v", msg.Kind)
	}
	if string(msg.Payload) != "hello from client" {
		t.Errorf("expected payload 'hello from client', got '%s'", msg.Payload)
	}
}

func TestKindSurvivesFraming(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()
	defer client.Close()

	go func() {
		client.Send(transport.Message{Kind: transport.KindControl, Payload: []byte(`{"type":"close"}`)})
		client.Send(transport.Message{Kind: transport.KindData, Payload: []byte(`{"type":"close"}`)})
	}()

	if msg := receive(t, server); msg.Kind != transport.KindControl {
		t.Errorf("expected control, got %v", msg.Kind)
	}
	if msg := receive(t, server); msg.Kind != transport.KindData {
		t.Errorf("expected data, got %v", msg.Kind)
	}
}

func TestMultipleMessagesInOrder(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()
	defer client.Close()

	want := []string{"A", "B", "C", "D", "E"}
	go func() {
		for _, p := range want {
			client.Send(transport.Message{Payload: []byte(p)})
		}
	}()

	for _, w := range want {
		if got := string(receive(t, server).Payload); got != w {
			t.Errorf("expected %s, got %s", w, got)
		}
	}
}

func TestEmptyPayload(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()
	defer client.Close()

	go client.Send(transport.Message{Kind: transport.KindData})

	msg := receive(t, server)
	if len(msg.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(msg.Payload))
	}
}

func TestDisconnectSignal(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()

	client.Close()

	select {
	case event := <-server.Disconnected():
		if event.Reason != transport.ReasonClosedClean {
			t.Errorf("expected ReasonClosedClean, got %v", event.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect signal")
	}
}

// TestOversizedHeaderDisconnects feeds a raw header announcing a frame
// larger than MaxFrameSize.
func TestOversizedHeaderDisconnects(t *testing.T) {
	serverConn, rawClient := net.Pipe()
	server := New(serverConn)
	defer server.Close()
	defer rawClient.Close()

	var header [5]byte
	binary.BigEndian.PutUint32(header[1:], MaxFrameSize+1)
	go rawClient.Write(header[:])

	select {
	case event := <-server.Disconnected():
		if event.Reason != transport.ReasonNetworkError {
			t.Errorf("expected ReasonNetworkError, got %v", event.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect signal")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	server, client := dialPair(t)
	defer client.Close()

	for i := 0; i < 3; i++ {
		server.Close()
	}
}

func TestSendOnClosedReturnsError(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()

	client.Close()

	if err := client.Send(transport.Message{Payload: []byte("x")}); err == nil {
		t.Error("expected error sending on closed connection, got nil")
	}
}

// TestStalledPeerTimesOutSend writes to a peer that never reads.
func TestStalledPeerTimesOutSend(t *testing.T) {
	conn, stalled := net.Pipe()
	defer stalled.Close()
	a := New(conn, WithWriteTimeout(50*time.Millisecond))

	errc := make(chan error, 1)
	go func() { errc <- a.Send(transport.Message{Payload: []byte("stuck")}) }()

	select {
	case err := <-errc:
		if err != transport.ErrTransportClosed {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked past its write timeout")
	}

	select {
	case event := <-a.Disconnected():
		if event.Reason != transport.ReasonTimeout {
			t.Errorf("expected ReasonTimeout, got %v", event.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect signal")
	}

	if err := a.Send(transport.Message{Payload: []byte("x")}); err == nil {
		t.Error("adapter must be closed after a failed write")
	}
}
