package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestKeySet(t *testing.T) {
	ks := NewKeySet([]string{" alpha ", "", "beta"})

	if ks.Empty() {
		t.Fatal("expected keys")
	}
	if !ks.Contains("alpha") || !ks.Contains("beta") {
		t.Error("expected configured keys to match")
	}
	if ks.Contains("gamma") || ks.Contains("") || ks.Contains("alph") {
		t.Error("unexpected match")
	}
	if !NewKeySet(nil).Empty() {
		t.Error("expected empty key set")
	}
}

func TestKeyIdentity(t *testing.T) {
	id := KeyIdentity("alpha")
	if !strings.HasPrefix(id, "key:") || strings.Contains(id, "alpha") || len(id) != len("key:")+12 {
		t.Errorf("unexpected identity %q", id)
	}
	if id != KeyIdentity("alpha") || id == KeyIdentity("beta") {
		t.Error("identity must be stable and distinct per key")
	}
}

func TestLegacyToken_RoundTrip(t *testing.T) {
	token, err := SignLegacyToken("s3cret", "user-1", "u@example.com", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := ValidateLegacyToken(token, "s3cret")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "user-1" || claims.Email != "u@example.com" {
		t.Errorf("unexpected claims %+v", claims)
	}

	if _, err := ValidateLegacyToken(token, "other"); err == nil {
		t.Error("expected signature mismatch")
	}
}

func TestLegacyToken_Expiry(t *testing.T) {
	forever, err := SignLegacyToken("s3cret", "user-1", "", 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ValidateLegacyToken(forever, "s3cret"); err != nil {
		t.Errorf("expected token without exp to validate, got %v", err)
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, LegacyClaims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ValidateLegacyToken(signed, "s3cret"); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestNewJWKSVerifier_Errors(t *testing.T) {
	if _, err := NewJWKSVerifier("", ""); err == nil {
		t.Error("expected missing issuer error")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty/.well-known/openid-configuration" {
			w.Write([]byte(`{}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if _, err := NewJWKSVerifier(srv.URL+"/missing", ""); err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Errorf("expected discovery status error, got %v", err)
	}
	if _, err := NewJWKSVerifier(srv.URL+"/empty/", ""); err == nil || !strings.Contains(err.Error(), "jwks_uri not found") {
		t.Errorf("expected missing jwks_uri error, got %v", err)
	}
}
