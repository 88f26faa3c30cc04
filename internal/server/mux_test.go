// internal/server/mux_test.go
// Package server provides unit tests for the HTTP handlers and routing.
package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/InkRelay/inkrelay-sign-go/internal/capture"
	"github.com/InkRelay/inkrelay-sign-go/internal/event"
	"github.com/InkRelay/inkrelay-sign-go/internal/jwks"
	"github.com/InkRelay/inkrelay-sign-go/internal/notify"
	"github.com/InkRelay/inkrelay-sign-go/internal/storage"
	"github.com/InkRelay/inkrelay-sign-go/internal/workflow"
	"github.com/golang-jwt/jwt/v5"
)

// newTestMux builds a mux over in-memory storage with the test JWKS client.
func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	store := storage.NewMemory()
	engine := workflow.New(store, event.NewNoop(), notify.NewNoop(), capture.NewService(nil, 256), nil)
	mux, err := NewMux(store, engine, "test-issuer", "test-audience", jwks.NewTestClient())
	if err != nil {
		t.Fatalf("failed to build mux: %v", err)
	}
	return mux
}

// testJWT builds a signed token the test-mode JWKS client accepts.
func testJWT(t *testing.T, subject string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	claims := jwt.MapClaims{
		"iss": "test-issuer",
		"aud": "test-audience",
		"sub": subject,
		"exp": float64(time.Now().Add(time.Hour).Unix()),
		"iat": float64(time.Now().Unix()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("failed to sign JWT: %v", err)
	}
	return signed
}

const createBody = `{
	"documentRef": "doc-1",
	"title": "Lease",
	"signingOrderEnabled": false,
	"recipients": [
		{"name": "Ana", "email": "ana@example.com", "signingOrder": 1}
	],
	"fields": [
		{"recipient": 0, "type": "signature", "page": 1, "x": 10, "y": 80, "width": 30, "height": 8, "required": true}
	]
}`

func TestHealthzEndpoint(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("handler returned unexpected body: got %v want ok", rr.Body.String())
	}
}

func TestReadyzEndpoint(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
}

func TestCreateRequestRequiresAuth(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest("POST", "/v1/requests", strings.NewReader(createBody))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", rr.Code)
	}
}

func TestCreateRequestRejectsWrongMethod(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest("DELETE", "/v1/requests", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for wrong method, got %d", rr.Code)
	}
}

func TestCreateRequestSchemaRejection(t *testing.T) {
	mux := newTestMux(t)

	// Missing required members must be caught by the schema, not the engine
	req := httptest.NewRequest("POST", "/v1/requests", strings.NewReader(`{"title": "no document"}`))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "ana@example.com"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for schema violation, got %d", rr.Code)
	}

	var resp struct {
		Error struct {
			Code          string `json:"code"`
			CorrelationID string `json:"correlationId"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("error envelope not decodable: %v", err)
	}
	if resp.Error.Code != "SIGN_VALIDATION" {
		t.Errorf("expected SIGN_VALIDATION, got %s", resp.Error.Code)
	}
	if resp.Error.CorrelationID == "" {
		t.Error("error envelope has no correlation ID")
	}
}

func TestCreateAndFetchRequest(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest("POST", "/v1/requests", strings.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "ana@example.com"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("create failed with status %d: %s", rr.Code, rr.Body.String())
	}

	var created struct {
		Data struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatalf("create response not decodable: %v", err)
	}
	if created.Data.Status != "pending" {
		t.Errorf("expected pending request, got %s", created.Data.Status)
	}

	// GET does not require a token
	get := httptest.NewRequest("GET", "/v1/requests/"+created.Data.ID, nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, get)

	if rr.Code != http.StatusOK {
		t.Fatalf("fetch failed with status %d", rr.Code)
	}

	var detail struct {
		Data struct {
			Recipients           []json.RawMessage `json:"recipients"`
			Fields               []json.RawMessage `json:"fields"`
			CompletionPercentage float64           `json:"completionPercentage"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&detail); err != nil {
		t.Fatalf("detail response not decodable: %v", err)
	}
	if len(detail.Data.Recipients) != 1 || len(detail.Data.Fields) != 1 {
		t.Errorf("detail missing recipients or fields: %+v", detail.Data)
	}
	if detail.Data.CompletionPercentage != 0 {
		t.Errorf("fresh request should be 0%% complete, got %v", detail.Data.CompletionPercentage)
	}
}

func TestUnknownRecipientActionRejected(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest("POST", "/v1/recipients/some-id/frobnicate", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "ana@example.com"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown action, got %d", rr.Code)
	}
}

func TestReadTrafficAppearsInMetrics(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest("GET", "/v1/requests/read-metrics-check", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown request, got %d", rr.Code)
	}

	metricsReq := httptest.NewRequest("GET", "/metrics", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, metricsReq)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics endpoint failed: %d", rr.Code)
	}

	want := `http_requests_total{method="GET",path="/v1/requests/read-metrics-check",status="404"}`
	if !strings.Contains(rr.Body.String(), want) {
		t.Errorf("GET traffic missing from HTTP metrics, wanted series %s", want)
	}
}

func TestVerifyUnknownRequestReturns404(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest("GET", "/v1/requests/missing/verify", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown request, got %d", rr.Code)
	}
}
