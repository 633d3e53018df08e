package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const legacyIssuer = "yunjin-sd-api"

// LegacyClaims are carried by HMAC-signed tokens minted with the shared jwt_secret
type LegacyClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// ValidateLegacyToken validates a token using HMAC signing
func ValidateLegacyToken(tokenString, secret string) (*LegacyClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &LegacyClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*LegacyClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}

// SignLegacyToken mints an HMAC token for userID. A zero ttl means no expiry.
func SignLegacyToken(secret, userID, email string, ttl time.Duration) (string, error) {
	claims := LegacyClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   legacyIssuer,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
