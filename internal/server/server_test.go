package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/authgate/internal/autherr"
	"github.com/congo-pay/authgate/internal/config"
	"github.com/congo-pay/authgate/internal/credential"
	"github.com/congo-pay/authgate/internal/identity"
	"github.com/congo-pay/authgate/internal/logging"
	"github.com/congo-pay/authgate/internal/routes"
	"github.com/congo-pay/authgate/internal/session"
)

type rejectingVerifier struct{}

func (rejectingVerifier) Verify(context.Context, string) (credential.VerifiedClaim, error) {
	return credential.VerifiedClaim{}, autherr.ErrAudienceMismatch
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ring, err := session.NewKeyring(session.Key{ID: "k1", Secret: []byte("server_test_secret_32_bytes_long")}, time.Minute)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	issuer, err := session.NewIssuer(ring, "authgate", 30*time.Minute)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	srv, err := New(routes.Deps{
		Cfg: config.Config{
			AppName:         "AuthGateway",
			AppEnv:          "test",
			PhonePattern:    `^250\d{9}$`,
			BcryptCost:      4,
			ConflictRetries: 3,
			StorageTimeout:  time.Second,
			ProviderTimeout: time.Second,
			LoginPerMinute:  5,
		},
		Logger:   logging.Discard(),
		Verifier: rejectingVerifier{},
		Sessions: issuer,
		Repo:     identity.NewMemoryRepository(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func call(t *testing.T, srv *Server, method, path, body, bearer string) (*http.Response, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if bearer != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+bearer)
	}
	resp, err := srv.App().Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	return resp, out
}

func TestServerEndToEnd(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := call(t, srv, http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200 got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	resp, body := call(t, srv, http.MethodPost, "/auth/signup",
		`{"username":"ada","email":"ada@example.com","phone_number":"250788123456","password":"correct horse","confirm_password":"correct horse"}`, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup: expected 201 got %d %v", resp.StatusCode, body)
	}

	resp, body = call(t, srv, http.MethodPost, "/auth/login", `{"email":"ada@example.com","password":"correct horse"}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: expected 200 got %d %v", resp.StatusCode, body)
	}
	token, _ := body["access_token"].(string)

	resp, body = call(t, srv, http.MethodGet, "/me", "", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: expected 200 got %d %v", resp.StatusCode, body)
	}
	info, _ := body["user_info"].(map[string]any)
	if info["phone_number"] != "250788123456" {
		t.Fatalf("expected phone in summary: %v", info)
	}
}

func TestServerErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)

	resp, body := call(t, srv, http.MethodPost, "/auth/login/google", `{"token":"whatever"}`, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", resp.StatusCode)
	}
	detail, _ := body["error"].(map[string]any)
	if detail["code"] != autherr.ErrAudienceMismatch.Code {
		t.Fatalf("unexpected error envelope %v", body)
	}

	resp, body = call(t, srv, http.MethodGet, "/does-not-exist", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", resp.StatusCode)
	}
	detail, _ = body["error"].(map[string]any)
	if detail["code"] != "not_found" {
		t.Fatalf("unexpected error envelope %v", body)
	}
}
