package control

import (
	"testing"

	"github.com/risa-org/mcbridge/transport"
)

func TestEncodeClassifyRoundTrip(t *testing.T) {
	cases := []Message{
		SessionAssigned{ID: "abc", Credential: "abc.sig"},
		ReconnectRequest{Credential: "abc.sig"},
		ReconnectRequest{},
		ReconnectAck{ID: "abc"},
		Close{Reason: "backend_closed"},
	}

	for _, want := range cases {
		msg := Encode(want)
		if msg.Kind != transport.KindControl {
			t.Errorf("%T encoded with kind %v", want, msg.Kind)
		}
		if got := Classify(msg); got != want {
			t.Errorf("expected %#v, got %#v", want, got)
		}
	}
}

// TestDataLookingLikeControl is the collision case: payload bytes shaped
// exactly like a control envelope must stay payload.
func TestDataLookingLikeControl(t *testing.T) {
	payload := []byte(`{"type":"close","reason":"x"}`)

	got := Classify(transport.Message{Kind: transport.KindData, Payload: payload})
	data, ok := got.(Data)
	if !ok {
		t.Fatalf("expected Data, got %T", got)
	}
	if string(data.Bytes) != string(payload) {
		t.Errorf("payload altered: %s", data.Bytes)
	}
}

func TestMalformedControlIsPayload(t *testing.T) {
	inputs := [][]byte{
		[]byte("not json"),
		[]byte(`{"type":"teleport"}`),
		[]byte(`{"type":42}`),
		[]byte(``),
	}

	for _, in := range inputs {
		got := Classify(transport.Message{Kind: transport.KindControl, Payload: in})
		data, ok := got.(Data)
		if !ok {
			t.Errorf("%q: expected Data, got %T", in, got)
			continue
		}
		if string(data.Bytes) != string(in) {
			t.Errorf("%q: payload altered to %q", in, data.Bytes)
		}
	}
}

func TestEncodeData(t *testing.T) {
	msg := Encode(Data{Bytes: []byte{0x00, 0xff}})
	if msg.Kind != transport.KindData {
		t.Errorf("expected data kind, got %v", msg.Kind)
	}
	if len(msg.Payload) != 2 || msg.Payload[1] != 0xff {
		t.Errorf("payload altered: %v", msg.Payload)
	}
}
