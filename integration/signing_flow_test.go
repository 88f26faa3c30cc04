// integration/signing_flow_test.go
// Package integration exercises a full two-party signing workflow over the
// HTTP surface: creation, viewing, field submission, ordered signing,
// verification, and certificate generation.
package integration

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/InkRelay/inkrelay-sign-go/conformance"
)

// createPayload is a two-recipient ordered request. Ana signs first.
var createPayload = map[string]interface{}{
	"documentRef":         "doc-lease-77",
	"title":               "Lease Agreement",
	"signingOrderEnabled": true,
	"recipients": []map[string]interface{}{
		{"name": "Ana Torres", "email": "ana@example.com", "role": "tenant", "signingOrder": 1},
		{"name": "Ben Okafor", "email": "ben@example.com", "role": "landlord", "signingOrder": 2},
	},
	"fields": []map[string]interface{}{
		{"recipient": 0, "type": "signature", "page": 1, "x": 10, "y": 80, "width": 30, "height": 8, "required": true},
		{"recipient": 1, "type": "signature", "page": 2, "x": 10, "y": 80, "width": 30, "height": 8, "required": true},
	},
}

// strokesPayload is a minimal drawn capture.
var strokesPayload = map[string]interface{}{
	"strokes": []map[string]interface{}{
		{"points": []map[string]float64{{"x": 0, "y": 0}, {"x": 80, "y": 20}, {"x": 160, "y": 5}}},
	},
}

type requestDetail struct {
	Request struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"request"`
	Recipients []struct {
		ID     string `json:"id"`
		Email  string `json:"email"`
		Status string `json:"status"`
	} `json:"recipients"`
	Fields []struct {
		ID          string `json:"id"`
		RecipientID string `json:"recipientId"`
		Required    bool   `json:"required"`
	} `json:"fields"`
	CompletionPercentage float64 `json:"completionPercentage"`
}

func fetchDetail(t *testing.T, h *conformance.Harness, requestID string) requestDetail {
	t.Helper()
	status, envelope := h.Get(t, "/v1/requests/"+requestID)
	if status != http.StatusOK {
		t.Fatalf("fetch failed with status %d: %v", status, envelope)
	}
	var detail requestDetail
	if err := json.Unmarshal(envelope["data"], &detail); err != nil {
		t.Fatalf("detail not decodable: %v", err)
	}
	return detail
}

func TestTwoPartyOrderedSigningFlow(t *testing.T) {
	h, err := conformance.NewHarness(conformance.Config{
		JWTIssuer:   "integration-issuer",
		JWTAudience: "integration-audience",
	})
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer h.Close()

	// Create the request
	status, envelope := h.Post(t, "/v1/requests", "sender@example.com", createPayload)
	if status != http.StatusCreated {
		t.Fatalf("create failed with status %d: %v", status, envelope)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(envelope["data"], &created); err != nil {
		t.Fatalf("create response not decodable: %v", err)
	}

	detail := fetchDetail(t, h, created.ID)
	if len(detail.Recipients) != 2 || len(detail.Fields) != 2 {
		t.Fatalf("unexpected request shape: %+v", detail)
	}
	ana, ben := detail.Recipients[0], detail.Recipients[1]
	fieldOf := func(recipientID string) string {
		for _, f := range detail.Fields {
			if f.RecipientID == recipientID {
				return f.ID
			}
		}
		t.Fatalf("no field for recipient %s", recipientID)
		return ""
	}

	// Ben cannot sign before Ana
	status, envelope = h.Post(t, "/v1/fields/"+fieldOf(ben.ID)+"/submit", ben.Email, strokesPayload)
	if status != http.StatusOK {
		t.Fatalf("ben's field submission failed: %d %v", status, envelope)
	}
	status, envelope = h.Post(t, "/v1/recipients/"+ben.ID+"/sign", ben.Email, nil)
	if status != http.StatusForbidden || conformance.ErrorCode(t, envelope) != "SIGN_OUT_OF_ORDER" {
		t.Fatalf("expected SIGN_OUT_OF_ORDER for ben, got %d %v", status, envelope)
	}

	// Ana views, submits her signature, and signs
	status, _ = h.Post(t, "/v1/recipients/"+ana.ID+"/view", ana.Email, nil)
	if status != http.StatusOK {
		t.Fatalf("ana's view failed: %d", status)
	}
	status, envelope = h.Post(t, "/v1/fields/"+fieldOf(ana.ID)+"/submit", ana.Email, strokesPayload)
	if status != http.StatusOK {
		t.Fatalf("ana's field submission failed: %d %v", status, envelope)
	}
	status, envelope = h.Post(t, "/v1/recipients/"+ana.ID+"/sign", ana.Email, nil)
	if status != http.StatusOK {
		t.Fatalf("ana's sign failed: %d %v", status, envelope)
	}

	// Halfway there
	detail = fetchDetail(t, h, created.ID)
	if detail.CompletionPercentage != 50 {
		t.Errorf("expected 50%% completion, got %v", detail.CompletionPercentage)
	}
	if detail.Request.Status != "pending" {
		t.Errorf("expected pending request after first signature, got %s", detail.Request.Status)
	}

	// Certificate is refused until completion
	status, envelope = h.Post(t, "/v1/requests/"+created.ID+"/certificate", ana.Email, nil)
	if status != http.StatusConflict || conformance.ErrorCode(t, envelope) != "SIGN_NOT_COMPLETED" {
		t.Fatalf("expected SIGN_NOT_COMPLETED, got %d %v", status, envelope)
	}

	// Ben signs, completing the request
	status, envelope = h.Post(t, "/v1/recipients/"+ben.ID+"/sign", ben.Email, nil)
	if status != http.StatusOK {
		t.Fatalf("ben's sign failed: %d %v", status, envelope)
	}
	var signResult struct {
		RequestStatus string `json:"requestStatus"`
	}
	if err := json.Unmarshal(envelope["data"], &signResult); err != nil {
		t.Fatalf("sign result not decodable: %v", err)
	}
	if signResult.RequestStatus != "completed" {
		t.Errorf("expected completed status from the final sign, got %s", signResult.RequestStatus)
	}

	// Verification reflects a valid, complete request
	status, envelope = h.Get(t, "/v1/requests/"+created.ID+"/verify")
	if status != http.StatusOK {
		t.Fatalf("verify failed: %d", status)
	}
	var verify struct {
		IsComplete      bool `json:"isComplete"`
		IsValid         bool `json:"isValid"`
		RequiredFields  int  `json:"requiredFields"`
		CompletedFields int  `json:"completedFields"`
	}
	if err := json.Unmarshal(envelope["data"], &verify); err != nil {
		t.Fatalf("verify result not decodable: %v", err)
	}
	if !verify.IsComplete || !verify.IsValid {
		t.Errorf("completed request did not verify: %+v", verify)
	}
	if verify.RequiredFields != 2 || verify.CompletedFields != 2 {
		t.Errorf("unexpected field counts: %+v", verify)
	}

	// Certificate generation succeeds and is idempotent
	status, envelope = h.Post(t, "/v1/requests/"+created.ID+"/certificate", ana.Email, nil)
	if status != http.StatusOK {
		t.Fatalf("certificate generation failed: %d %v", status, envelope)
	}
	var cert struct {
		CertificateRef string `json:"certificateRef"`
	}
	if err := json.Unmarshal(envelope["data"], &cert); err != nil {
		t.Fatalf("certificate response not decodable: %v", err)
	}
	if cert.CertificateRef == "" {
		t.Fatal("certificate ref is empty")
	}

	status, envelope = h.Post(t, "/v1/requests/"+created.ID+"/certificate", ana.Email, nil)
	if status != http.StatusOK {
		t.Fatalf("repeat certificate call failed: %d", status)
	}
	var repeat struct {
		CertificateRef string `json:"certificateRef"`
	}
	if err := json.Unmarshal(envelope["data"], &repeat); err != nil {
		t.Fatalf("repeat certificate response not decodable: %v", err)
	}
	if repeat.CertificateRef != cert.CertificateRef {
		t.Errorf("certificate generation is not idempotent: %s vs %s", repeat.CertificateRef, cert.CertificateRef)
	}
}

func TestForeignCallerCannotSign(t *testing.T) {
	h, err := conformance.NewHarness(conformance.Config{
		JWTIssuer:   "integration-issuer",
		JWTAudience: "integration-audience",
	})
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer h.Close()

	status, envelope := h.Post(t, "/v1/requests", "sender@example.com", createPayload)
	if status != http.StatusCreated {
		t.Fatalf("create failed: %d %v", status, envelope)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(envelope["data"], &created); err != nil {
		t.Fatalf("create response not decodable: %v", err)
	}
	detail := fetchDetail(t, h, created.ID)

	// A token for a different subject cannot act as Ana
	status, envelope = h.Post(t, "/v1/recipients/"+detail.Recipients[0].ID+"/sign", "mallory@example.com", nil)
	if status != http.StatusForbidden || conformance.ErrorCode(t, envelope) != "SIGN_NOT_OWNER" {
		t.Fatalf("expected SIGN_NOT_OWNER, got %d %v", status, envelope)
	}
}
