// internal/workflow/signing.go
// Recipient-facing operations: viewing, field submission, signing, and
// reminders. Every mutation runs inside the per-request critical section so
// that ordering checks and the completed transition observe consistent state.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/InkRelay/inkrelay-sign-go/internal/capture"
	errordefs "github.com/InkRelay/inkrelay-sign-go/internal/errors"
	"github.com/InkRelay/inkrelay-sign-go/internal/event"
	"github.com/InkRelay/inkrelay-sign-go/internal/model"
	"github.com/InkRelay/inkrelay-sign-go/internal/notify"
	"github.com/InkRelay/inkrelay-sign-go/internal/storage"
)

// MarkViewed records that the recipient opened the request. The transition
// only applies to pending recipients: re-viewing never resets viewed_at, and
// a signed recipient stays signed. It always refreshes nothing else.
func (e *Engine) MarkViewed(ctx context.Context, recipientID string, caller model.Caller) (*model.Recipient, error) {
	rec, err := e.getRecipient(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.acquire(rec.RequestID)
	defer unlock()

	req, err := e.loadRequest(ctx, rec.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status == model.RequestStatusExpired {
		return nil, expiredError(req)
	}
	if err := requireOwner(rec, caller); err != nil {
		return nil, err
	}

	// Re-read under the lock so a concurrent view/sign is not clobbered
	rec, err = e.getRecipient(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.RecipientStatusPending {
		return rec, nil
	}

	now := time.Now().UTC()
	rec.Status = model.RecipientStatusViewed
	rec.ViewedAt = &now
	rec.IPAddress = caller.IPAddress
	rec.UserAgent = caller.UserAgent
	if err := e.store.UpdateRecipient(ctx, *rec); err != nil {
		return nil, errordefs.New(errordefs.SIGN_INTERNAL, "failed to record view", "")
	}

	if err := e.pub.PublishRecipientChanged(ctx, *rec, event.ChangeViewed); err != nil {
		slog.Warn("failed to publish recipient viewed change", "recipient_id", rec.ID, "error", err)
	}
	return rec, nil
}

// SubmitField stores a value into a field placement. Only the owning
// recipient may write, values must match the field's type, and writes are
// last-write-wins until the owner signs, after which the field is locked.
// Signature and initial fields submit strokes; the rendered image is stored
// through the capture service with its inline fallback.
func (e *Engine) SubmitField(ctx context.Context, fieldID string, caller model.Caller, in model.SubmitFieldInput) (*model.SubmitFieldResult, error) {
	field, err := e.getField(ctx, fieldID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.acquire(field.RequestID)
	defer unlock()

	req, err := e.loadRequest(ctx, field.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status == model.RequestStatusExpired {
		e.metrics.FieldSubmissionsTotal.WithLabelValues(string(field.Type), "rejected").Inc()
		return nil, expiredError(req)
	}

	owner, err := e.getRecipient(ctx, field.RecipientID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(owner, caller); err != nil {
		e.metrics.FieldSubmissionsTotal.WithLabelValues(string(field.Type), "rejected").Inc()
		return nil, err
	}
	if owner.Status == model.RecipientStatusSigned {
		e.metrics.FieldSubmissionsTotal.WithLabelValues(string(field.Type), "rejected").Inc()
		return nil, errordefs.Newf(errordefs.SIGN_FIELD_LOCKED, "",
			"field %s cannot change because recipient %s signed at %s",
			field.ID, owner.Email, owner.SignedAt.Format(time.RFC3339))
	}

	value, storedInline, err := e.buildFieldValue(ctx, req, field, in)
	if err != nil {
		e.metrics.FieldSubmissionsTotal.WithLabelValues(string(field.Type), "rejected").Inc()
		return nil, err
	}

	// Re-read under the lock, then overwrite: last write wins before signing
	field, err = e.getField(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	field.Value = value
	field.CompletedAt = &now
	if err := e.store.UpdateFieldPlacement(ctx, *field); err != nil {
		return nil, errordefs.New(errordefs.SIGN_INTERNAL, "failed to store field value", "")
	}
	e.metrics.FieldSubmissionsTotal.WithLabelValues(string(field.Type), "stored").Inc()

	if err := e.pub.PublishRecipientChanged(ctx, *owner, event.ChangeFieldSubmitted); err != nil {
		slog.Warn("failed to publish field submitted change", "field_id", field.ID, "error", err)
	}

	return &model.SubmitFieldResult{Field: *field, StoredInline: storedInline}, nil
}

// buildFieldValue turns the submission input into a typed field value.
// For drawn captures it renders and stores the image; for everything else it
// validates the value shape against the field type.
func (e *Engine) buildFieldValue(ctx context.Context, req *model.SignatureRequest, field *model.FieldPlacement, in model.SubmitFieldInput) (*model.FieldValue, bool, error) {
	isDrawn := field.Type == model.FieldTypeSignature || field.Type == model.FieldTypeInitial

	if isDrawn && in.Value == nil {
		stored, err := e.capture.StoreSignature(ctx, captureKey(req.ID, field.ID), in.Strokes)
		if err != nil {
			if err == capture.ErrCaptureEmpty {
				return nil, false, errordefs.Newf(errordefs.SIGN_CAPTURE_EMPTY, "",
					"field %s received a capture with no strokes, nothing was saved", field.ID)
			}
			if errors.Is(err, capture.ErrCaptureTooLarge) {
				return nil, false, errordefs.Newf(errordefs.SIGN_INVALID_FIELD_VALUE, "",
					"field %s rejected capture: %s", field.ID, err.Error())
			}
			return nil, false, errordefs.New(errordefs.SIGN_INTERNAL, "failed to render capture", "")
		}
		value := &model.FieldValue{Type: field.Type, ImageRef: stored.Ref, ImageData: stored.Inline}
		if stored.StoredInline() {
			e.metrics.CaptureStoreTotal.WithLabelValues("inline").Inc()
		} else {
			e.metrics.CaptureStoreTotal.WithLabelValues("remote").Inc()
		}
		return value, stored.StoredInline(), nil
	}

	if err := in.Value.ValidateShape(field.Type); err != nil {
		return nil, false, errordefs.Newf(errordefs.SIGN_INVALID_FIELD_VALUE, "",
			"field %s rejected value: %s", field.ID, err.Error())
	}
	return in.Value, false, nil
}

// SignRecipient finalizes a recipient's participation. Preconditions are
// checked and applied atomically: every required field of the recipient has
// a value, and when signing order is enforced every lower-order recipient
// has already signed. The request status recompute happens in the same
// critical section, so exactly one sign observes the completed transition.
func (e *Engine) SignRecipient(ctx context.Context, recipientID string, caller model.Caller) (*model.SignResult, error) {
	rec, err := e.getRecipient(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.acquire(rec.RequestID)
	defer unlock()

	req, err := e.loadRequest(ctx, rec.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status == model.RequestStatusExpired {
		e.metrics.SignAttemptsTotal.WithLabelValues("expired").Inc()
		return nil, expiredError(req)
	}
	if err := requireOwner(rec, caller); err != nil {
		e.metrics.SignAttemptsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	rec, err = e.getRecipient(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if rec.Status == model.RecipientStatusSigned {
		e.metrics.SignAttemptsTotal.WithLabelValues("rejected").Inc()
		return nil, errordefs.Newf(errordefs.SIGN_ALREADY_SIGNED, "",
			"recipient %s already signed at %s", rec.Email, rec.SignedAt.Format(time.RFC3339))
	}

	fields, err := e.store.ListRecipientFields(ctx, rec.ID)
	if err != nil {
		return nil, errordefs.New(errordefs.SIGN_INTERNAL, "failed to load recipient fields", "")
	}
	var missing []string
	for _, f := range fields {
		if f.Required && f.Value.IsEmpty() {
			missing = append(missing, string(f.Type)+" field "+f.ID)
		}
	}
	if len(missing) > 0 {
		e.metrics.SignAttemptsTotal.WithLabelValues("rejected").Inc()
		return nil, errordefs.Newf(errordefs.SIGN_INCOMPLETE_FIELDS, "",
			"recipient %s cannot sign, %d required field(s) are incomplete: %s",
			rec.Email, len(missing), strings.Join(missing, ", "))
	}

	siblings, err := e.store.ListRecipients(ctx, req.ID)
	if err != nil {
		return nil, errordefs.New(errordefs.SIGN_INTERNAL, "failed to load recipients", "")
	}
	if req.SigningOrderEnabled {
		for _, s := range siblings {
			if s.SigningOrder < rec.SigningOrder && s.Status != model.RecipientStatusSigned {
				e.metrics.SignAttemptsTotal.WithLabelValues("out_of_order").Inc()
				return nil, errordefs.Newf(errordefs.SIGN_OUT_OF_ORDER, "",
					"recipient %d (%s) must sign before recipient %d (%s)",
					s.SigningOrder, s.Email, rec.SigningOrder, rec.Email)
			}
		}
	}

	now := time.Now().UTC()
	rec.Status = model.RecipientStatusSigned
	rec.SignedAt = &now
	if rec.ViewedAt == nil {
		rec.ViewedAt = &now
	}
	rec.IPAddress = caller.IPAddress
	rec.UserAgent = caller.UserAgent
	if err := e.store.UpdateRecipient(ctx, *rec); err != nil {
		return nil, errordefs.New(errordefs.SIGN_INTERNAL, "failed to record signature", "")
	}
	e.metrics.SignAttemptsTotal.WithLabelValues("signed").Inc()

	if err := e.pub.PublishRecipientChanged(ctx, *rec, event.ChangeSigned); err != nil {
		slog.Warn("failed to publish recipient signed change", "recipient_id", rec.ID, "error", err)
	}

	status, err := e.recomputeStatus(ctx, req)
	if err != nil {
		return nil, err
	}

	// Hand the baton to the next recipient in an ordered flow
	if req.SigningOrderEnabled && status == model.RequestStatusPending {
		for _, s := range siblings {
			if s.SigningOrder == rec.SigningOrder+1 && s.Status != model.RecipientStatusSigned {
				if err := e.notifier.Send(ctx, notify.KindInvite, s, *req); err != nil {
					slog.Warn("failed to send next-recipient invitation", "recipient", s.Email, "error", err)
				}
				break
			}
		}
	}

	return &model.SignResult{Recipient: *rec, RequestStatus: status}, nil
}

// recomputeStatus is the single authority for the completed transition. It
// runs inside the caller's critical section: when every recipient has
// signed, the request flips to completed exactly once.
func (e *Engine) recomputeStatus(ctx context.Context, req *model.SignatureRequest) (model.RequestStatus, error) {
	recipients, err := e.store.ListRecipients(ctx, req.ID)
	if err != nil {
		return "", errordefs.New(errordefs.SIGN_INTERNAL, "failed to load recipients", "")
	}
	for _, r := range recipients {
		if r.Status != model.RecipientStatusSigned {
			return req.Status, nil
		}
	}
	if req.Status == model.RequestStatusCompleted {
		return req.Status, nil
	}

	now := time.Now().UTC()
	req.Status = model.RequestStatusCompleted
	req.CompletedAt = &now
	if err := e.store.UpdateSignatureRequest(ctx, *req); err != nil {
		return "", errordefs.New(errordefs.SIGN_INTERNAL, "failed to complete signature request", "")
	}
	e.metrics.RequestsCompletedTotal.Inc()

	if err := e.pub.PublishRequestChanged(ctx, *req, event.ChangeCompleted); err != nil {
		slog.Warn("failed to publish request completed change", "request_id", req.ID, "error", err)
	}
	return req.Status, nil
}

// SendReminder decides whether a reminder to the recipient is permitted and
// delegates delivery. Signed recipients and expired requests are refused;
// delivery failures are logged, never surfaced, because the decision is the
// core's responsibility and delivery is the collaborator's.
func (e *Engine) SendReminder(ctx context.Context, recipientID string) error {
	rec, err := e.getRecipient(ctx, recipientID)
	if err != nil {
		return err
	}

	unlock := e.locks.acquire(rec.RequestID)
	defer unlock()

	req, err := e.loadRequest(ctx, rec.RequestID)
	if err != nil {
		return err
	}
	if req.Status == model.RequestStatusExpired {
		e.metrics.RemindersTotal.WithLabelValues("refused").Inc()
		return expiredError(req)
	}
	if rec.Status == model.RecipientStatusSigned {
		e.metrics.RemindersTotal.WithLabelValues("refused").Inc()
		return errordefs.Newf(errordefs.SIGN_ALREADY_SIGNED, "",
			"recipient %s already signed at %s, no reminder sent", rec.Email, rec.SignedAt.Format(time.RFC3339))
	}

	e.metrics.RemindersTotal.WithLabelValues("permitted").Inc()
	if err := e.notifier.Send(ctx, notify.KindReminder, *rec, *req); err != nil {
		slog.Warn("failed to deliver reminder", "recipient", rec.Email, "error", err)
	}
	return nil
}

// GetRequest returns the request with its recipients, fields, and derived
// completion percentage. Reading is an access, so the expiry transition may
// apply here too.
func (e *Engine) GetRequest(ctx context.Context, requestID string) (*model.RequestDetail, error) {
	unlock := e.locks.acquire(requestID)
	defer unlock()

	req, err := e.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	recipients, err := e.store.ListRecipients(ctx, requestID)
	if err != nil {
		return nil, errordefs.New(errordefs.SIGN_INTERNAL, "failed to load recipients", "")
	}
	fields, err := e.store.ListFieldPlacements(ctx, requestID)
	if err != nil {
		return nil, errordefs.New(errordefs.SIGN_INTERNAL, "failed to load field placements", "")
	}

	return &model.RequestDetail{
		Request:              *req,
		Recipients:           recipients,
		Fields:               fields,
		CompletionPercentage: completionPercentage(recipients),
	}, nil
}

// CompletionPercentage returns the share of recipients who have signed,
// computed on demand so it is monotonically consistent with stored state.
func (e *Engine) CompletionPercentage(ctx context.Context, requestID string) (float64, error) {
	if _, err := e.store.GetSignatureRequest(ctx, requestID); err != nil {
		if err == storage.ErrNotFound {
			return 0, errordefs.Newf(errordefs.SIGN_NOT_FOUND, "", "signature request %s not found", requestID)
		}
		return 0, errordefs.New(errordefs.SIGN_INTERNAL, "failed to load signature request", "")
	}
	recipients, err := e.store.ListRecipients(ctx, requestID)
	if err != nil {
		return 0, errordefs.New(errordefs.SIGN_INTERNAL, "failed to load recipients", "")
	}
	return completionPercentage(recipients), nil
}

func completionPercentage(recipients []model.Recipient) float64 {
	if len(recipients) == 0 {
		return 0
	}
	signed := 0
	for _, r := range recipients {
		if r.Status == model.RecipientStatusSigned {
			signed++
		}
	}
	return float64(signed) / float64(len(recipients)) * 100
}

// getRecipient fetches a recipient, translating storage errors.
func (e *Engine) getRecipient(ctx context.Context, id string) (*model.Recipient, error) {
	rec, err := e.store.GetRecipient(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errordefs.Newf(errordefs.SIGN_NOT_FOUND, "", "recipient %s not found", id)
		}
		return nil, errordefs.New(errordefs.SIGN_INTERNAL, "failed to load recipient", "")
	}
	return rec, nil
}

// getField fetches a field placement, translating storage errors.
func (e *Engine) getField(ctx context.Context, id string) (*model.FieldPlacement, error) {
	field, err := e.store.GetFieldPlacement(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errordefs.Newf(errordefs.SIGN_NOT_FOUND, "", "field %s not found", id)
		}
		return nil, errordefs.New(errordefs.SIGN_INTERNAL, "failed to load field placement", "")
	}
	return field, nil
}

// requireOwner checks that the caller is the recipient the record belongs to.
// Recipient emails are stored lowercased at creation.
func requireOwner(rec *model.Recipient, caller model.Caller) error {
	if !strings.EqualFold(rec.Email, caller.Email) {
		return errordefs.Newf(errordefs.SIGN_NOT_OWNER, "",
			"caller %s is not recipient %s", caller.Email, rec.Email)
	}
	return nil
}
