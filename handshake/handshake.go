package handshake

import (
	"errors"

	"github.com/risa-org/mcbridge/session"
	"github.com/risa-org/mcbridge/transport"
)

// ResumeResult is what the handshake returns for a presented credential.
// Either Session is set and the caller attaches to it, or the credential
// is rejected with a Reason and the caller creates a new session.
type ResumeResult struct {
	Accepted bool
	Session  *session.Session
	Reason   string // populated on rejection, empty on success
	Err      error  // transport failure while attaching, see Attach
}

// Rejection reasons. None of them is an error for the client: every
// rejection falls through to a brand-new session. They exist for logs.
const (
	ReasonNoCredential    = "no_credential"
	ReasonInvalidToken    = "invalid_token"
	ReasonSessionNotFound = "session_not_found"
	ReasonSessionClosed   = "session_closed"
)

// SessionStore is the registry view the handshake needs.
type SessionStore interface {
	Get(sessionID string) (*session.Session, bool)
	ClosedReason(sessionID string) (string, bool)
}

// Handler resolves resumption credentials against the registry.
// It holds references to the store and issuer but nothing else,
// so it is safe for concurrent use.
type Handler struct {
	store  SessionStore
	issuer *session.TokenIssuer
}

// NewHandler creates a handshake handler backed by the given store.
func NewHandler(store SessionStore, issuer *session.TokenIssuer) *Handler {
	return &Handler{store: store, issuer: issuer}
}

// Resume resolves a credential to a live session.
//
// Steps:
//  1. Empty credential means the client asked for a new session
//  2. Verify the credential signature and extract the session ID
//  3. Look the session up, consulting tombstones on a miss
//  4. Refuse sessions that are closing or closed
func (h *Handler) Resume(credential string) ResumeResult {
	if credential == "" {
		return reject(ReasonNoCredential)
	}

	id, err := h.issuer.Open(credential)
	if err != nil {
		return reject(ReasonInvalidToken)
	}

	sess, ok := h.store.Get(id)
	if !ok {
		if _, closed := h.store.ClosedReason(id); closed {
			return reject(ReasonSessionClosed)
		}
		return reject(ReasonSessionNotFound)
	}

	switch sess.State() {
	case session.StateClosing, session.StateClosed:
		return reject(ReasonSessionClosed)
	}

	return ResumeResult{Accepted: true, Session: sess}
}

// Attach resolves credential and hands a to the session it names.
// A session that closes between lookup and attach is reported as
// ReasonSessionClosed. Any other attach failure is returned in Err with
// Accepted still true: the session lives on, detached, and the transport
// has already been closed.
func (h *Handler) Attach(credential string, a transport.Adapter) ResumeResult {
	res := h.Resume(credential)
	if !res.Accepted {
		return res
	}

	if err := res.Session.Attach(a); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			return reject(ReasonSessionClosed)
		}
		res.Err = err
	}
	return res
}

// reject is a helper to build a clean rejection result with a reason.
func reject(reason string) ResumeResult {
	return ResumeResult{
		Accepted: false,
		Reason:   reason,
	}
}
