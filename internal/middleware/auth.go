package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/liyuwei007036/yunjin-sd-api/internal/auth"
	"github.com/liyuwei007036/yunjin-sd-api/pkg/response"
)

const (
	HeaderAPIKey   = "X-API-Key"
	QueryAPIKey    = "api_key"
	localsUserID   = "userId"
	localsEmail    = "email"
	localsName     = "name"
	localsAuthKind = "authKind"
)

// AuthMiddleware accepts static API keys and bearer JWTs
type AuthMiddleware struct {
	keys      *auth.KeySet
	verifier  auth.TokenVerifier // optional OIDC verifier
	jwtSecret string             // optional HMAC secret for legacy tokens
}

func NewAuthMiddleware(keys *auth.KeySet, verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	if keys == nil {
		keys = auth.NewKeySet(nil)
	}
	return &AuthMiddleware{
		keys:      keys,
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// Authenticate looks for credentials in X-API-Key, then Authorization: Bearer,
// then the api_key query parameter. A bearer value that is not a known key
// is validated as a JWT.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if key := strings.TrimSpace(c.Get(HeaderAPIKey)); key != "" {
			return m.checkKey(c, key)
		}

		if header := c.Get(fiber.HeaderAuthorization); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return response.Unauthorized(c, "Invalid authorization header format")
			}
			credential := strings.TrimSpace(parts[1])
			if m.keys.Contains(credential) {
				return m.acceptKey(c, credential)
			}
			return m.checkToken(c, credential)
		}

		if key := strings.TrimSpace(c.Query(QueryAPIKey)); key != "" {
			return m.checkKey(c, key)
		}

		return response.Unauthorized(c, "Missing API key. Provide X-API-Key or Authorization: Bearer <api_key>")
	}
}

func (m *AuthMiddleware) checkKey(c *fiber.Ctx, key string) error {
	if !m.keys.Contains(key) {
		return response.Unauthorized(c, "Invalid API key")
	}
	return m.acceptKey(c, key)
}

func (m *AuthMiddleware) acceptKey(c *fiber.Ctx, key string) error {
	c.Locals(localsUserID, auth.KeyIdentity(key))
	c.Locals(localsAuthKind, "api_key")
	return c.Next()
}

func (m *AuthMiddleware) checkToken(c *fiber.Ctx, token string) error {
	if m.verifier != nil {
		if claims, err := m.verifier.Validate(token); err == nil {
			c.Locals(localsUserID, claims.Subject)
			c.Locals(localsEmail, claims.Email)
			c.Locals(localsName, claims.Name)
			c.Locals(localsAuthKind, "oidc")
			return c.Next()
		}
	}

	if m.jwtSecret != "" {
		if claims, err := auth.ValidateLegacyToken(token, m.jwtSecret); err == nil {
			c.Locals(localsUserID, claims.UserID)
			c.Locals(localsEmail, claims.Email)
			c.Locals(localsAuthKind, "jwt")
			return c.Next()
		}
	}

	return response.Unauthorized(c, "Invalid API key or token")
}

// GetUserID returns the caller identity set by an auth middleware
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals(localsUserID).(string); ok {
		return userID
	}
	return ""
}

func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals(localsEmail).(string); ok {
		return email
	}
	return ""
}

// GetAuthKind reports how the caller authenticated: api_key, jwt, oidc or gateway
func GetAuthKind(c *fiber.Ctx) string {
	if kind, ok := c.Locals(localsAuthKind).(string); ok {
		return kind
	}
	return ""
}
