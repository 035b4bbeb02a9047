package auth

import (
	"errors"
	"strings"
)

var (
	// ErrNotConfigured is returned when no token validation is set up
	ErrNotConfigured = errors.New("authentication not configured")
	// ErrInvalidToken is returned for malformed, expired or unsigned tokens
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Principal is the authenticated caller
type Principal struct {
	UserID    string
	Email     string
	Name      string
	Anonymous bool
}

// Authenticator tries the identity provider first and falls back to locally
// issued session tokens
type Authenticator struct {
	verifier TokenVerifier
	sessions *SessionSigner
}

// NewAuthenticator creates an authenticator. Either argument may be nil.
func NewAuthenticator(verifier TokenVerifier, sessions *SessionSigner) *Authenticator {
	return &Authenticator{verifier: verifier, sessions: sessions}
}

// Sessions returns the session signer, or nil when sessions are disabled
func (a *Authenticator) Sessions() *SessionSigner {
	return a.sessions
}

// Authenticate validates a bearer token
func (a *Authenticator) Authenticate(token string) (*Principal, error) {
	if a.verifier == nil && a.sessions == nil {
		return nil, ErrNotConfigured
	}
	if token == "" {
		return nil, ErrInvalidToken
	}

	if a.verifier != nil {
		if claims, err := a.verifier.Validate(token); err == nil {
			return &Principal{UserID: claims.UserID, Email: claims.Email, Name: claims.Name}, nil
		}
	}
	if a.sessions != nil {
		if claims, err := a.sessions.Validate(token); err == nil {
			return &Principal{UserID: claims.UserID, Anonymous: claims.Anonymous}, nil
		}
	}
	return nil, ErrInvalidToken
}

// BearerToken extracts the token of an "Authorization: Bearer" header
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
