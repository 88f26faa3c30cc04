// internal/event/nats.go
// Package event provides NATS JetStream implementation for change publishing.
// Clients observing a signing workflow subscribe to the request/recipient
// subjects instead of polling; the core's contract is only "notify on state
// change", the transport is NATS.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/InkRelay/inkrelay-sign-go/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Change identifies what happened to a request or recipient.
type Change string

const (
	ChangeCreated              Change = "created"
	ChangeViewed               Change = "viewed"
	ChangeFieldSubmitted       Change = "field_submitted"
	ChangeSigned               Change = "signed"
	ChangeCompleted            Change = "completed"
	ChangeExpired              Change = "expired"
	ChangeCertificateGenerated Change = "certificate_generated"
)

// Publisher interface defines the change publishing operations required by
// the signing service.
type Publisher interface {
	// Request-level changes (status transitions, certificate generation)
	PublishRequestChanged(ctx context.Context, req model.SignatureRequest, change Change) error

	// Recipient-level changes (view, field submission, sign)
	PublishRecipientChanged(ctx context.Context, rec model.Recipient, change Change) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
// It allows the service to function without change streaming.
type noop struct{}

// Close implements Publisher.
func (n *noop) Close() error { return nil }

// PublishRequestChanged implements Publisher.
func (n *noop) PublishRequestChanged(ctx context.Context, req model.SignatureRequest, change Change) error {
	return nil
}

// PublishRecipientChanged implements Publisher.
func (n *noop) PublishRecipientChanged(ctx context.Context, rec model.Recipient, change Change) error {
	return nil
}

// NewNoop returns a publisher that drops every event.
func NewNoop() Publisher { return &noop{} }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations
}

// NewPublisher creates a publisher for the given NATS URL.
// An empty URL or a failed connection yields a no-op publisher: change
// streaming is an observability aid, never a hard dependency.
func NewPublisher(url string) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url)
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{nc: nc, js: js}
}

// initStreams initializes the required NATS streams.
func initStreams(js nats.JetStreamContext) error {
	// Request-level changes: creation, expiry, completion, certificates
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      "SIGN_REQUESTS",
		Subjects:  []string{"sign.requests.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create SIGN_REQUESTS stream: %w", err)
	}

	// Recipient-level changes: views, field submissions, signatures
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      "SIGN_RECIPIENTS",
		Subjects:  []string{"sign.recipients.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create SIGN_RECIPIENTS stream: %w", err)
	}

	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All changes published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the change occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Changed record
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// publish wraps the payload in an envelope and publishes it to the subject.
func (p *natsPub) publish(subject, eventType string, payload interface{}) error {
	envelope := EventEnvelope{
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	_, err = p.js.Publish(subject, b)
	return err
}

// PublishRequestChanged publishes a request change to sign.requests.<change>.
func (p *natsPub) PublishRequestChanged(ctx context.Context, req model.SignatureRequest, change Change) error {
	subject := fmt.Sprintf("sign.requests.%s", change)
	return p.publish(subject, subject, req)
}

// PublishRecipientChanged publishes a recipient change to sign.recipients.<change>.
func (p *natsPub) PublishRecipientChanged(ctx context.Context, rec model.Recipient, change Change) error {
	subject := fmt.Sprintf("sign.recipients.%s", change)
	return p.publish(subject, subject, rec)
}
