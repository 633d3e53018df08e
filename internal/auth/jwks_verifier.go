package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier verifies bearer JWTs issued by an external identity provider
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims are the OIDC claims the API cares about
type Claims struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWKSVerifier validates RS/ES signed tokens against the issuer's JWKS
type JWKSVerifier struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
	cancel   context.CancelFunc
}

// NewJWKSVerifier discovers the issuer's jwks_uri and starts a refreshing key set.
// audience is optional.
func NewJWKSVerifier(issuer, audience string) (*JWKSVerifier, error) {
	issuer = strings.TrimRight(issuer, "/")
	if issuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}

	discoverCtx, cancelDiscover := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDiscover()

	jwksURL, err := discoverJWKSURL(discoverCtx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover JWKS URL: %w", err)
	}

	// The key set refreshes in the background until Close.
	ctx, cancel := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return &JWKSVerifier{
		jwks:     jwks,
		issuer:   issuer,
		audience: audience,
		cancel:   cancel,
	}, nil
}

// discoverJWKSURL fetches the OIDC discovery document and extracts the jwks_uri.
func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	discoveryURL := fmt.Sprintf("%s/.well-known/openid-configuration", issuer)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if doc.JWKSURI == "" {
		return "", fmt.Errorf("jwks_uri not found in discovery document")
	}

	return doc.JWKSURI, nil
}

func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// Close stops the background key refresh
func (v *JWKSVerifier) Close() error {
	v.cancel()
	return nil
}
