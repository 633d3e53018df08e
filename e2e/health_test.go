package e2e

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/liyuwei007036/yunjin-sd-api/internal/auth"
)

func TestBaseURL(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doRequest(ta.app, http.MethodGet, "/", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if _, ok := body["timestamp"]; !ok {
		t.Error("expected 'timestamp' field in response")
	}
}

func TestHealth(t *testing.T) {
	ta := setupApp(t, appOptions{})

	for _, path := range []string{"/health", "/api/health"} {
		resp, err := doRequest(ta.app, http.MethodGet, path, "", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}

		assertStatus(t, resp, http.StatusOK)

		body := parseJSON(t, resp)
		if body["status"] != "ok" {
			t.Errorf("%s: expected status 'ok', got %v", path, body["status"])
		}
		if body["model_loaded"] != false {
			t.Errorf("%s: expected model_loaded false before first use, got %v", path, body["model_loaded"])
		}
	}
}

func TestHealth_ModelLoadedAfterWarmup(t *testing.T) {
	ta := setupApp(t, appOptions{})

	if err := ta.services.Warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if body := parseJSON(t, resp); body["model_loaded"] != true {
		t.Errorf("expected model_loaded true, got %v", body["model_loaded"])
	}
}

func TestAuthVerify_NoCredentials(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doRequest(ta.app, http.MethodGet, "/auth/verify", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestAuthVerify_ValidToken(t *testing.T) {
	ta := setupApp(t, appOptions{})

	token, err := auth.SignLegacyToken(testJWTSecret, "test-user-123", "test@example.com", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp, err := doRequest(ta.app, http.MethodGet, "/auth/verify", "", map[string]string{
		"Authorization": "Bearer " + token,
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	if resp.Header.Get("X-User-Id") != "test-user-123" {
		t.Errorf("expected X-User-Id header, got %q", resp.Header.Get("X-User-Id"))
	}
	if resp.Header.Get("X-User-Email") != "test@example.com" {
		t.Errorf("expected X-User-Email header, got %q", resp.Header.Get("X-User-Email"))
	}
}

func TestAuthVerify_APIKey(t *testing.T) {
	ta := setupApp(t, appOptions{})

	resp, err := doRequest(ta.app, http.MethodGet, "/auth/verify?api_key="+testAPIKey, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)
	if resp.Header.Get("X-User-Id") != auth.KeyIdentity(testAPIKey) {
		t.Errorf("unexpected X-User-Id %q", resp.Header.Get("X-User-Id"))
	}
}
