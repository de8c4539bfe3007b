package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var ErrInvalidToken = errors.New("invalid resumption credential")

// TokenIssuer mints and verifies resumption credentials.
// A credential is "<session id>.<hex HMAC-SHA256(secret, session id)>".
// The secret never leaves the server, clients only ever see the credential.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates an issuer with the given secret key.
// The secret should be at least 32 bytes of random data.
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret}
}

// NewRandomTokenIssuer generates a fresh random secret key.
// If the process restarts, every credential is invalidated, which is fine
// since sessions die with the process anyway.
func NewRandomTokenIssuer() (*TokenIssuer, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return &TokenIssuer{secret: secret}, nil
}

// Issue returns the signature for the given session ID.
func (t *TokenIssuer) Issue(sessionID string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks whether token is a valid signature for sessionID.
// Uses constant-time comparison to prevent timing attacks.
func (t *TokenIssuer) Verify(sessionID, token string) error {
	expected := t.Issue(sessionID)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// Mint builds the full credential handed to the client.
func (t *TokenIssuer) Mint(sessionID string) string {
	return sessionID + "." + t.Issue(sessionID)
}

// Open verifies a credential and returns the session ID it names.
func (t *TokenIssuer) Open(credential string) (string, error) {
	id, sig, ok := strings.Cut(credential, ".")
	if !ok || id == "" || sig == "" {
		return "", ErrInvalidToken
	}
	if err := t.Verify(id, sig); err != nil {
		return "", err
	}
	return id, nil
}
