package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionIssuer is the iss claim of locally issued session tokens
const SessionIssuer = "sonicsplit-api"

// SessionClaims are carried by HMAC-signed session tokens
type SessionClaims struct {
	UserID    string `json:"userId"`
	Anonymous bool   `json:"anonymous,omitempty"`
	jwt.RegisteredClaims
}

// Session is a freshly issued token
type Session struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// SessionSigner issues and validates HS256 session tokens
type SessionSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionSigner creates a signer. A zero ttl defaults to 24 hours.
func NewSessionSigner(secret string, ttl time.Duration) (*SessionSigner, error) {
	if secret == "" {
		return nil, errors.New("session secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionSigner{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// IssueAnonymous signs a token for a new anonymous user id
func (s *SessionSigner) IssueAnonymous() (*Session, error) {
	return s.issue(uuid.New().String(), true)
}

// Issue signs a token for an existing user id
func (s *SessionSigner) Issue(userID string) (*Session, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	return s.issue(userID, false)
}

func (s *SessionSigner) issue(userID string, anonymous bool) (*Session, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := SessionClaims{
		UserID:    userID,
		Anonymous: anonymous,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    SessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	return &Session{UserID: userID, Token: token, ExpiresAt: expiresAt}, nil
}

// Validate parses an HMAC-signed session token
func (s *SessionSigner) Validate(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
