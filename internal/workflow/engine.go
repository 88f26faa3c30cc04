// internal/workflow/engine.go
// Package workflow implements the signing core: request lifecycle, recipient
// ordering, field completion, progress, verification, and certificates.
// All transition preconditions are checked and applied inside a per-request
// critical section, so concurrent recipients can never both pass a stale
// precondition check.
package workflow

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/InkRelay/inkrelay-sign-go/internal/capture"
	errordefs "github.com/InkRelay/inkrelay-sign-go/internal/errors"
	"github.com/InkRelay/inkrelay-sign-go/internal/event"
	"github.com/InkRelay/inkrelay-sign-go/internal/media"
	"github.com/InkRelay/inkrelay-sign-go/internal/metrics"
	"github.com/InkRelay/inkrelay-sign-go/internal/model"
	"github.com/InkRelay/inkrelay-sign-go/internal/notify"
	"github.com/InkRelay/inkrelay-sign-go/internal/storage"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Engine owns every mutation of the signing workflow. Handlers translate
// HTTP to Engine calls; nothing else writes workflow state.
type Engine struct {
	store    storage.Store
	pub      event.Publisher
	notifier notify.Sender
	capture  *capture.Service
	uploader media.Uploader // nil when object storage is not configured
	metrics  *metrics.Metrics
	locks    requestLocks
}

// New creates a workflow engine over the given collaborators. The uploader
// stores certificate artifacts and may be nil.
func New(store storage.Store, pub event.Publisher, notifier notify.Sender, cap *capture.Service, uploader media.Uploader) *Engine {
	return &Engine{
		store:    store,
		pub:      pub,
		notifier: notifier,
		capture:  cap,
		uploader: uploader,
		metrics:  metrics.NewMetrics(),
		locks:    requestLocks{locks: make(map[string]*requestLock)},
	}
}

// requestLocks serializes mutations per request ID. The request is the unit
// of consistency: ordering checks and the completed transition read and
// write sibling records, so they must not interleave. Entries are
// reference-counted and removed once the last holder unlocks, so the map
// never accumulates mutexes for requests nobody touches anymore.
type requestLocks struct {
	mu    sync.Mutex
	locks map[string]*requestLock
}

type requestLock struct {
	mu   sync.Mutex
	refs int
}

// acquire locks the given request and returns the unlock func.
func (l *requestLocks) acquire(requestID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[requestID]
	if !ok {
		entry = &requestLock{}
		l.locks[requestID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, requestID)
		}
		l.mu.Unlock()
	}
}

// CreateRequest validates and persists a new signature request together with
// its recipients and field layout as one atomic unit. The request starts in
// pending; invitations go out to the first recipient (ordered) or to every
// recipient (unordered).
func (e *Engine) CreateRequest(ctx context.Context, in model.CreateRequestInput) (*model.SignatureRequest, error) {
	if err := validateWorkflow(in); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	req := model.SignatureRequest{
		ID:                  uuid.New().String(),
		DocumentRef:         in.DocumentRef,
		Title:               in.Title,
		Status:              model.RequestStatusPending,
		SigningOrderEnabled: in.SigningOrderEnabled,
		CreatedAt:           now,
		ExpiresAt:           in.ExpiresAt,
	}

	recipients := make([]model.Recipient, len(in.Recipients))
	for i, r := range in.Recipients {
		recipients[i] = model.Recipient{
			ID:           uuid.New().String(),
			RequestID:    req.ID,
			Name:         r.Name,
			Email:        strings.ToLower(strings.TrimSpace(r.Email)),
			Role:         r.Role,
			SigningOrder: r.SigningOrder,
			Status:       model.RecipientStatusPending,
		}
	}

	fields := make([]model.FieldPlacement, len(in.Fields))
	for i, f := range in.Fields {
		fields[i] = model.FieldPlacement{
			ID:          uuid.New().String(),
			RequestID:   req.ID,
			RecipientID: recipients[f.Recipient].ID,
			Type:        f.Type,
			Page:        f.Page,
			X:           f.X,
			Y:           f.Y,
			Width:       f.Width,
			Height:      f.Height,
			Required:    f.Required,
		}
	}

	if err := e.store.CreateSignatureRequest(ctx, req, recipients, fields); err != nil {
		return nil, errordefs.New(errordefs.SIGN_INTERNAL, "failed to create signature request", "")
	}
	e.metrics.RequestsCreatedTotal.Inc()

	if err := e.pub.PublishRequestChanged(ctx, req, event.ChangeCreated); err != nil {
		slog.Warn("failed to publish request created change", "request_id", req.ID, "error", err)
	}

	for _, rec := range recipients {
		if req.SigningOrderEnabled && rec.SigningOrder != firstOrder(recipients) {
			continue
		}
		if err := e.notifier.Send(ctx, notify.KindInvite, rec, req); err != nil {
			slog.Warn("failed to send signing invitation", "recipient", rec.Email, "error", err)
		}
	}

	return &req, nil
}

// validateWorkflow applies the structural rules a request must satisfy at
// creation. Signing orders are validated here once; signing re-checks
// recipient state, never the order structure.
func validateWorkflow(in model.CreateRequestInput) error {
	if len(in.Recipients) == 0 {
		return errordefs.New(errordefs.SIGN_INVALID_WORKFLOW, "a signature request requires at least one recipient", "")
	}

	required := 0
	for i, f := range in.Fields {
		if f.Recipient < 0 || f.Recipient >= len(in.Recipients) {
			return errordefs.Newf(errordefs.SIGN_INVALID_WORKFLOW, "",
				"field %d references recipient index %d, but only %d recipients were given", i, f.Recipient, len(in.Recipients))
		}
		if f.Required {
			required++
		}
	}
	if required == 0 {
		return errordefs.New(errordefs.SIGN_INVALID_WORKFLOW, "a signature request requires at least one required field", "")
	}

	for i, r := range in.Recipients {
		if strings.TrimSpace(r.Email) == "" {
			return errordefs.Newf(errordefs.SIGN_INVALID_WORKFLOW, "", "recipient %d has no email address", i)
		}
		if r.SigningOrder < 1 {
			return errordefs.Newf(errordefs.SIGN_INVALID_WORKFLOW, "",
				"recipient %d has signing order %d, orders must be positive", i, r.SigningOrder)
		}
	}

	if in.SigningOrderEnabled {
		// Orders must form the contiguous set 1..N with no duplicates
		seen := make(map[int]bool, len(in.Recipients))
		for _, r := range in.Recipients {
			if seen[r.SigningOrder] {
				return errordefs.Newf(errordefs.SIGN_INVALID_WORKFLOW, "",
					"signing order %d is assigned to more than one recipient", r.SigningOrder)
			}
			seen[r.SigningOrder] = true
		}
		for k := 1; k <= len(in.Recipients); k++ {
			if !seen[k] {
				return errordefs.Newf(errordefs.SIGN_INVALID_WORKFLOW, "",
					"signing orders must be contiguous starting at 1, order %d is missing", k)
			}
		}
	}

	return nil
}

// firstOrder returns the lowest signing order among the recipients.
func firstOrder(recipients []model.Recipient) int {
	first := recipients[0].SigningOrder
	for _, r := range recipients[1:] {
		if r.SigningOrder < first {
			first = r.SigningOrder
		}
	}
	return first
}

// loadRequest fetches a request and lazily applies the expiry transition.
// Callers performing mutations must hold the request lock. Expiry is a soft
// deadline: it is evaluated on access, never by a background timer.
func (e *Engine) loadRequest(ctx context.Context, requestID string) (*model.SignatureRequest, error) {
	req, err := e.store.GetSignatureRequest(ctx, requestID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errordefs.Newf(errordefs.SIGN_NOT_FOUND, "", "signature request %s not found", requestID)
		}
		return nil, errordefs.New(errordefs.SIGN_INTERNAL, "failed to load signature request", "")
	}

	if req.ExpiredAt(time.Now().UTC()) {
		req.Status = model.RequestStatusExpired
		if err := e.store.UpdateSignatureRequest(ctx, *req); err != nil {
			return nil, errordefs.New(errordefs.SIGN_INTERNAL, "failed to expire signature request", "")
		}
		e.metrics.RequestsExpiredTotal.Inc()
		if err := e.pub.PublishRequestChanged(ctx, *req, event.ChangeExpired); err != nil {
			slog.Warn("failed to publish request expired change", "request_id", req.ID, "error", err)
		}
	}

	return req, nil
}

// expiredError builds the terminal state error for an expired request.
func expiredError(req *model.SignatureRequest) error {
	return errordefs.Newf(errordefs.SIGN_REQUEST_EXPIRED, "",
		"signature request %s expired at %s and no longer accepts changes", req.ID, req.ExpiresAt.Format(time.RFC3339))
}

// newSerial generates a monotonic, lexicographically sortable identifier for
// certificate serials and capture object keys.
func newSerial() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// captureKey is the object storage key for a rendered signature image.
func captureKey(requestID, fieldID string) string {
	return fmt.Sprintf("requests/%s/fields/%s/%s.jpg", requestID, fieldID, newSerial())
}
