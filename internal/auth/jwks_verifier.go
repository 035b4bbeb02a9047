package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sonicsplit/api/internal/config"
)

const (
	discoveryTimeout = 10 * time.Second
	clockLeeway      = 30 * time.Second
)

// TokenVerifier checks tokens issued by an external identity provider
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims are the OIDC claims of an identity provider access token. The
// subject becomes the job owner.
type Claims struct {
	UserID            string   `json:"sub"`
	Email             string   `json:"email,omitempty"`
	EmailVerified     bool     `json:"email_verified,omitempty"`
	Name              string   `json:"name,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWKSVerifier validates Zitadel tokens against the provider's published
// signing keys. Keys are refreshed in the background until Close.
type JWKSVerifier struct {
	keys   keyfunc.Keyfunc
	parser *jwt.Parser
	stop   context.CancelFunc
}

// VerifierOption configures a JWKSVerifier
type VerifierOption func(*verifierOptions)

type verifierOptions struct {
	client *http.Client
	now    func() time.Time
}

// WithDiscoveryClient sets the HTTP client used for the discovery document
func WithDiscoveryClient(c *http.Client) VerifierOption {
	return func(o *verifierOptions) { o.client = c }
}

// WithVerifierClock overrides the time used for expiry checks
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(o *verifierOptions) { o.now = now }
}

// NewJWKSVerifier discovers the provider's key set from cfg.Issuer. Tokens
// must carry that issuer and, when cfg.ClientID is set, that audience.
func NewJWKSVerifier(ctx context.Context, cfg config.ZitadelConfig, opts ...VerifierOption) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("zitadel issuer is required: %w", ErrNotConfigured)
	}

	o := verifierOptions{client: &http.Client{Timeout: discoveryTimeout}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	discoverCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	jwksURL, err := discoverJWKSURL(discoverCtx, o.client, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover JWKS URL: %w", err)
	}

	// The refresh goroutine lives until Close, not until ctx ends
	refreshCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	keys, err := keyfunc.NewDefaultCtx(refreshCtx, []string{jwksURL})
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"RS256", "ES256", "EdDSA"}),
		jwt.WithLeeway(clockLeeway),
		jwt.WithTimeFunc(o.now),
	}
	if cfg.ClientID != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.ClientID))
	}

	return &JWKSVerifier{
		keys:   keys,
		parser: jwt.NewParser(parserOpts...),
		stop:   stop,
	}, nil
}

// discoverJWKSURL reads jwks_uri from the OIDC discovery document and checks
// that the document belongs to issuer
func discoverJWKSURL(ctx context.Context, client *http.Client, issuer string) (string, error) {
	discoveryURL := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if doc.Issuer != "" && strings.TrimRight(doc.Issuer, "/") != strings.TrimRight(issuer, "/") {
		return "", fmt.Errorf("discovery document is for issuer %q", doc.Issuer)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("jwks_uri not found in discovery document")
	}
	return doc.JWKSURI, nil
}

// Validate checks the signature, issuer, audience and expiry of a token
func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	token, err := v.parser.ParseWithClaims(tokenString, &Claims{}, v.keys.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// Close stops the background key refresh
func (v *JWKSVerifier) Close() error {
	v.stop()
	return nil
}
