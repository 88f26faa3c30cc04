// internal/workflow/verify.go
// Verification and certificate generation. Verification is strictly
// read-only: it evaluates expiry virtually instead of persisting the
// transition, so auditors can inspect a request without mutating it.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	errordefs "github.com/InkRelay/inkrelay-sign-go/internal/errors"
	"github.com/InkRelay/inkrelay-sign-go/internal/event"
	"github.com/InkRelay/inkrelay-sign-go/internal/model"
	"github.com/InkRelay/inkrelay-sign-go/internal/storage"
)

// Verify produces the audit summary for a request, optionally filtered to
// the recipients matching the given email. IsValid is false when the request
// is expired (persisted or virtually past its deadline) or when a completed
// request is missing required field values.
func (e *Engine) Verify(ctx context.Context, requestID, email string) (*model.VerifyResult, error) {
	req, err := e.store.GetSignatureRequest(ctx, requestID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errordefs.Newf(errordefs.SIGN_NOT_FOUND, "", "signature request %s not found", requestID)
		}
		return nil, errordefs.New(errordefs.SIGN_INTERNAL, "failed to load signature request", "")
	}

	recipients, err := e.store.ListRecipients(ctx, requestID)
	if err != nil {
		return nil, errordefs.New(errordefs.SIGN_INTERNAL, "failed to load recipients", "")
	}
	fields, err := e.store.ListFieldPlacements(ctx, requestID)
	if err != nil {
		return nil, errordefs.New(errordefs.SIGN_INTERNAL, "failed to load field placements", "")
	}

	audits := make([]model.RecipientAudit, 0, len(recipients))
	for _, r := range recipients {
		if email != "" && !strings.EqualFold(r.Email, email) {
			continue
		}
		audits = append(audits, recipientAudit(r))
	}

	required, completed := 0, 0
	allRequiredFilled := true
	for _, f := range fields {
		if f.Required {
			required++
		}
		if !f.Value.IsEmpty() {
			completed++
		} else if f.Required {
			allRequiredFilled = false
		}
	}

	expired := req.Status == model.RequestStatusExpired || req.ExpiredAt(time.Now().UTC())
	isComplete := req.Status == model.RequestStatusCompleted
	isValid := !expired && (!isComplete || allRequiredFilled)

	return &model.VerifyResult{
		Request:         *req,
		Recipients:      audits,
		IsComplete:      isComplete,
		IsValid:         isValid,
		RequiredFields:  required,
		CompletedFields: completed,
	}, nil
}

// GenerateCertificate produces the immutable completion artifact for a
// completed request. Generation is idempotent: a second call returns the
// stored reference without creating a new artifact.
func (e *Engine) GenerateCertificate(ctx context.Context, requestID string) (string, error) {
	unlock := e.locks.acquire(requestID)
	defer unlock()

	req, err := e.loadRequest(ctx, requestID)
	if err != nil {
		return "", err
	}
	if req.CertificateGenerated {
		return req.CertificateRef, nil
	}
	if req.Status != model.RequestStatusCompleted {
		return "", errordefs.Newf(errordefs.SIGN_NOT_COMPLETED, "",
			"signature request %s is %s, a certificate requires every recipient to have signed", req.ID, req.Status)
	}

	recipients, err := e.store.ListRecipients(ctx, requestID)
	if err != nil {
		return "", errordefs.New(errordefs.SIGN_INTERNAL, "failed to load recipients", "")
	}
	fields, err := e.store.ListFieldPlacements(ctx, requestID)
	if err != nil {
		return "", errordefs.New(errordefs.SIGN_INTERNAL, "failed to load field placements", "")
	}

	completed := 0
	for _, f := range fields {
		if !f.Value.IsEmpty() {
			completed++
		}
	}

	serial := newSerial()
	cert := model.Certificate{
		Serial:          serial,
		RequestID:       req.ID,
		DocumentRef:     req.DocumentRef,
		Title:           req.Title,
		CompletedAt:     *req.CompletedAt,
		GeneratedAt:     time.Now().UTC(),
		Recipients:      make([]model.RecipientAudit, 0, len(recipients)),
		FieldsTotal:     len(fields),
		FieldsCompleted: completed,
	}
	for _, r := range recipients {
		cert.Recipients = append(cert.Recipients, recipientAudit(r))
	}

	ref := e.storeCertificate(ctx, cert)

	req.CertificateGenerated = true
	req.CertificateRef = ref
	if err := e.store.UpdateSignatureRequest(ctx, *req); err != nil {
		return "", errordefs.New(errordefs.SIGN_INTERNAL, "failed to record certificate", "")
	}
	e.metrics.CertificatesGeneratedTotal.Inc()

	if err := e.pub.PublishRequestChanged(ctx, *req, event.ChangeCertificateGenerated); err != nil {
		slog.Warn("failed to publish certificate generated change", "request_id", req.ID, "error", err)
	}
	return ref, nil
}

// storeCertificate uploads the artifact JSON to object storage. When no
// uploader is configured or the upload fails, the serial-based URN becomes
// the stable reference; the artifact content stays reconstructable from the
// stored request state.
func (e *Engine) storeCertificate(ctx context.Context, cert model.Certificate) string {
	fallback := fmt.Sprintf("urn:inkrelay:certificate:%s", cert.Serial)

	if e.uploader == nil {
		return fallback
	}
	body, err := json.Marshal(cert)
	if err != nil {
		slog.Warn("failed to marshal certificate artifact", "request_id", cert.RequestID, "error", err)
		return fallback
	}
	key := fmt.Sprintf("certificates/%s/%s.json", cert.RequestID, cert.Serial)
	ref, err := e.uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		slog.Warn("certificate upload failed, keeping serial reference", "key", key, "error", err)
		return fallback
	}
	return ref
}

// recipientAudit projects a recipient onto its audit-trail view.
func recipientAudit(r model.Recipient) model.RecipientAudit {
	return model.RecipientAudit{
		Name:         r.Name,
		Email:        r.Email,
		Role:         r.Role,
		SigningOrder: r.SigningOrder,
		Status:       r.Status,
		ViewedAt:     r.ViewedAt,
		SignedAt:     r.SignedAt,
		IPAddress:    r.IPAddress,
		UserAgent:    r.UserAgent,
	}
}
