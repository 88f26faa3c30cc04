// internal/notify/client.go
// Package notify provides a client for the external notification collaborator.
// The signing core only decides WHETHER a message is permitted; composing and
// delivering the email is this collaborator's job.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/InkRelay/inkrelay-sign-go/internal/model"
)

// Kind identifies the notification being requested.
type Kind string

const (
	KindInvite   Kind = "invite"   // Initial (or next-in-order) signing invitation
	KindReminder Kind = "reminder" // Nudge for an unsigned recipient
)

// Sender delivers signing notifications to recipients.
type Sender interface {
	// Send asks the collaborator to deliver one notification. Delivery is
	// best-effort from the core's perspective; failures are logged, not
	// surfaced to the signing caller.
	Send(ctx context.Context, kind Kind, rec model.Recipient, req model.SignatureRequest) error
}

// message is the wire payload posted to the notification service.
type message struct {
	Kind         Kind   `json:"kind"`
	RequestID    string `json:"requestId"`
	RequestTitle string `json:"requestTitle"`
	RecipientID  string `json:"recipientId"`
	Name         string `json:"name"`
	Email        string `json:"email"`
}

// Client for interacting with the notification service over HTTP.
type Client struct {
	base string       // Base URL of the notification service
	hc   *http.Client // HTTP client with custom configuration
}

// New creates a new notification client with the specified base URL.
// It configures appropriate timeouts for notification service requests.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}

	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// Send posts the notification to the collaborator's delivery endpoint.
func (c *Client) Send(ctx context.Context, kind Kind, rec model.Recipient, req model.SignatureRequest) error {
	body, err := json.Marshal(message{
		Kind:         kind,
		RequestID:    req.ID,
		RequestTitle: req.Title,
		RecipientID:  rec.ID,
		Name:         rec.Name,
		Email:        rec.Email,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/notifications", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notification request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("notification service returned status %d", resp.StatusCode)
	}
	return nil
}

// noop drops notifications when no notification service is configured.
type noop struct{}

// Send implements Sender. It logs at debug level so local development still
// shows which notifications would have gone out.
func (n *noop) Send(ctx context.Context, kind Kind, rec model.Recipient, req model.SignatureRequest) error {
	slog.Debug("notification suppressed, no notification service configured",
		"kind", string(kind), "recipient", rec.Email, "request_id", req.ID)
	return nil
}

// NewNoop returns a Sender that drops every notification.
func NewNoop() Sender { return &noop{} }
