// Package control defines the handshake envelopes exchanged over a transport
// and classifies incoming transport messages as control or payload.
//
// Classification never looks at payload bytes. Only messages the transport
// marked transport.KindControl are decoded, and anything that fails to decode
// into a known envelope falls back to Data and is forwarded verbatim.
package control

import (
	"encoding/json"

	"github.com/risa-org/mcbridge/transport"
)

// Envelope type discriminators.
const (
	TypeSessionAssigned  = "session_assigned"
	TypeReconnectRequest = "reconnect_request"
	TypeReconnectAck     = "reconnect_ack"
	TypeClose            = "close"
)

// Message is one of SessionAssigned, ReconnectRequest, ReconnectAck,
// Close or Data.
type Message interface {
	isMessage()
}

// SessionAssigned is sent by the server exactly once, as the first message
// on a transport that created a new session.
type SessionAssigned struct {
	ID         string
	Credential string
}

// ReconnectRequest is sent by the client as its first message when the
// credential is not carried as a connection parameter. An empty credential
// asks for a new session.
type ReconnectRequest struct {
	Credential string
}

// ReconnectAck is sent by the server as the first message after a resume.
type ReconnectAck struct {
	ID string
}

// Close tells the peer that the far end of the tunnel is gone for good,
// so it must tear down instead of retrying or buffering.
type Close struct {
	Reason string
}

// Data is raw tunnel payload.
type Data struct {
	Bytes []byte
}

func (SessionAssigned) isMessage()  {}
func (ReconnectRequest) isMessage() {}
func (ReconnectAck) isMessage()     {}
func (Close) isMessage()            {}
func (Data) isMessage()             {}

type envelope struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Credential string `json:"credential,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Classify turns a transport message into a control Message.
// It never fails: malformed or unknown control envelopes come back as Data.
func Classify(msg transport.Message) Message {
	if msg.Kind != transport.KindControl {
		return Data{Bytes: msg.Payload}
	}

	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return Data{Bytes: msg.Payload}
	}

	switch env.Type {
	case TypeSessionAssigned:
		return SessionAssigned{ID: env.ID, Credential: env.Credential}
	case TypeReconnectRequest:
		return ReconnectRequest{Credential: env.Credential}
	case TypeReconnectAck:
		return ReconnectAck{ID: env.ID}
	case TypeClose:
		return Close{Reason: env.Reason}
	default:
		return Data{Bytes: msg.Payload}
	}
}

// Encode produces the transport message for m.
func Encode(m Message) transport.Message {
	var env envelope
	switch v := m.(type) {
	case Data:
		return transport.Message{Kind: transport.KindData, Payload: v.Bytes}
	case SessionAssigned:
		env = envelope{Type: TypeSessionAssigned, ID: v.ID, Credential: v.Credential}
	case ReconnectRequest:
		env = envelope{Type: TypeReconnectRequest, Credential: v.Credential}
	case ReconnectAck:
		env = envelope{Type: TypeReconnectAck, ID: v.ID}
	case Close:
		env = envelope{Type: TypeClose, Reason: v.Reason}
	}

	// envelope only holds strings, Marshal cannot fail
	payload, _ := json.Marshal(env)
	return transport.Message{Kind: transport.KindControl, Payload: payload}
}
