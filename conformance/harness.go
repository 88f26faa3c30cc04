// Package conformance provides a test harness for verifying signing service
// behavior over the real HTTP surface.
package conformance

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/InkRelay/inkrelay-sign-go/internal/capture"
	"github.com/InkRelay/inkrelay-sign-go/internal/event"
	"github.com/InkRelay/inkrelay-sign-go/internal/jwks"
	"github.com/InkRelay/inkrelay-sign-go/internal/notify"
	"github.com/InkRelay/inkrelay-sign-go/internal/server"
	"github.com/InkRelay/inkrelay-sign-go/internal/storage"
	"github.com/InkRelay/inkrelay-sign-go/internal/workflow"
	"github.com/golang-jwt/jwt/v5"
)

// Harness runs the signing service in-process behind an httptest server.
type Harness struct {
	server *httptest.Server
	store  storage.Store
	pub    event.Publisher

	issuer   string
	audience string
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string
}

// NewHarness creates a new conformance test harness over in-memory storage
// with no-op collaborators and a test-mode JWKS client.
func NewHarness(cfg Config) (*Harness, error) {
	store := storage.NewMemory()
	pub := event.NewNoop()

	engine := workflow.New(store, pub, notify.NewNoop(), capture.NewService(nil, 256), nil)

	mux, err := server.NewMux(store, engine, cfg.JWTIssuer, cfg.JWTAudience, jwks.NewTestClient())
	if err != nil {
		return nil, fmt.Errorf("failed to build mux: %w", err)
	}

	return &Harness{
		server:   httptest.NewServer(mux),
		store:    store,
		pub:      pub,
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.pub.Close()
}

// Token builds a bearer token for the given caller email.
func (h *Harness) Token(t *testing.T, email string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	claims := jwt.MapClaims{
		"iss": h.issuer,
		"aud": h.audience,
		"sub": email,
		"exp": float64(time.Now().Add(time.Hour).Unix()),
		"iat": float64(time.Now().Unix()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = "conformance-key"
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("failed to sign JWT: %v", err)
	}
	return signed
}

// Post sends an authenticated JSON POST and decodes the response envelope.
func (h *Harness) Post(t *testing.T, path, email string, body interface{}) (int, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest("POST", h.URL()+path, &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.Token(t, email))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var envelope map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("response not decodable: %v", err)
	}
	return resp.StatusCode, envelope
}

// Get sends an unauthenticated GET and decodes the response envelope.
func (h *Harness) Get(t *testing.T, path string) (int, map[string]json.RawMessage) {
	t.Helper()
	resp, err := http.Get(h.URL() + path)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var envelope map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("response not decodable: %v", err)
	}
	return resp.StatusCode, envelope
}

// ErrorCode extracts the error code from an error envelope.
func ErrorCode(t *testing.T, envelope map[string]json.RawMessage) string {
	t.Helper()
	raw, ok := envelope["error"]
	if !ok {
		t.Fatalf("envelope has no error member: %v", envelope)
	}
	var e struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("error member not decodable: %v", err)
	}
	return e.Code
}

// RunConformanceTests runs all conformance tests against the signing service.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("AuthRequiredOnMutations", h.testAuthRequired)
	t.Run("ErrorEnvelopeShape", h.testErrorEnvelope)
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testAuthRequired verifies every mutating endpoint rejects anonymous calls.
func (h *Harness) testAuthRequired(t *testing.T) {
	paths := []string{
		"/v1/requests",
		"/v1/recipients/some-id/view",
		"/v1/recipients/some-id/sign",
		"/v1/recipients/some-id/remind",
		"/v1/fields/some-id/submit",
		"/v1/requests/some-id/certificate",
	}
	for _, path := range paths {
		resp, err := http.Post(h.URL()+path, "application/json", bytes.NewReader([]byte(`{}`)))
		if err != nil {
			t.Fatalf("failed to POST %s: %v", path, err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401 for anonymous POST %s, got %d", path, resp.StatusCode)
		}
	}
}

// testErrorEnvelope verifies errors carry the code/message/correlation shape.
func (h *Harness) testErrorEnvelope(t *testing.T) {
	status, envelope := h.Get(t, "/v1/requests/does-not-exist")
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}

	raw, ok := envelope["error"]
	if !ok {
		t.Fatal("error response has no error member")
	}
	var e struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("error member not decodable: %v", err)
	}
	if e.Code != "SIGN_NOT_FOUND" || e.Message == "" {
		t.Errorf("unexpected error envelope: %+v", e)
	}
}
