// internal/model/sign.go
// Package model defines the data structures used throughout the signing service.
// These structures represent the core domain objects for signature requests,
// recipients, field placements, and certificates.
package model

import (
	"fmt"
	"strings"
	"time"
)

// RequestStatus represents the lifecycle state of a signature request.
type RequestStatus string

const (
	RequestStatusDraft     RequestStatus = "draft"     // Created but not yet sent
	RequestStatusPending   RequestStatus = "pending"   // Waiting on one or more recipients
	RequestStatusCompleted RequestStatus = "completed" // Every recipient has signed
	RequestStatusExpired   RequestStatus = "expired"   // Deadline passed before completion
)

// RecipientStatus represents the state of a single signing participant.
type RecipientStatus string

const (
	RecipientStatusPending RecipientStatus = "pending" // Has not opened the request
	RecipientStatusViewed  RecipientStatus = "viewed"  // Opened but not yet signed
	RecipientStatusSigned  RecipientStatus = "signed"  // Finalized all required fields
)

// FieldType identifies the kind of input a field placement captures.
type FieldType string

const (
	FieldTypeSignature FieldType = "signature" // Drawn signature rendered to an image
	FieldTypeInitial   FieldType = "initial"   // Drawn initials rendered to an image
	FieldTypeText      FieldType = "text"      // Free text
	FieldTypeDate      FieldType = "date"      // Calendar date (YYYY-MM-DD)
	FieldTypeCheckbox  FieldType = "checkbox"  // Boolean checkbox
)

// DateLayout is the wire format for date field values.
const DateLayout = "2006-01-02"

// SignatureRequest represents one signing workflow for one document.
// This corresponds to the signature_requests table in storage.
type SignatureRequest struct {
	ID                   string        `json:"id" db:"id"`                            // Unique request identifier
	DocumentRef          string        `json:"documentRef" db:"document_ref"`         // Immutable document content reference
	Title                string        `json:"title" db:"title"`                      // Human-readable title
	Status               RequestStatus `json:"status" db:"status"`                    // Current lifecycle state
	SigningOrderEnabled  bool          `json:"signingOrderEnabled" db:"signing_order_enabled"` // Whether recipients must sign in order
	CreatedAt            time.Time     `json:"createdAt" db:"created_at"`             // When the request was created
	ExpiresAt            *time.Time    `json:"expiresAt,omitempty" db:"expires_at"`   // Optional soft deadline
	CompletedAt          *time.Time    `json:"completedAt,omitempty" db:"completed_at"` // Set iff status = completed
	CertificateGenerated bool          `json:"certificateGenerated" db:"certificate_generated"` // Whether a certificate exists
	CertificateRef       string        `json:"certificateRef,omitempty" db:"certificate_ref"`   // Stable certificate artifact reference
}

// ExpiredAt reports whether the request's deadline has passed at the given instant.
// Completed and already-expired requests never re-evaluate their deadline.
func (r *SignatureRequest) ExpiredAt(now time.Time) bool {
	return r.Status == RequestStatusPending && r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Recipient represents one signing participant of a request.
// This corresponds to the recipients table in storage.
type Recipient struct {
	ID           string          `json:"id" db:"id"`                    // Unique recipient identifier
	RequestID    string          `json:"requestId" db:"request_id"`     // Parent request
	Name         string          `json:"name" db:"name"`                // Display name
	Email        string          `json:"email" db:"email"`              // Notification address and caller identity
	Role         string          `json:"role,omitempty" db:"role"`      // Role label (e.g. tenant, landlord)
	SigningOrder int             `json:"signingOrder" db:"signing_order"` // Position in the signing sequence
	Status       RecipientStatus `json:"status" db:"status"`            // pending, viewed, or signed
	ViewedAt     *time.Time      `json:"viewedAt,omitempty" db:"viewed_at"` // First view time (never reset)
	SignedAt     *time.Time      `json:"signedAt,omitempty" db:"signed_at"` // Finalization time
	IPAddress    string          `json:"ipAddress,omitempty" db:"ip_address"` // Captured at view/sign for the audit trail
	UserAgent    string          `json:"userAgent,omitempty" db:"user_agent"` // Captured at view/sign for the audit trail
}

// FieldPlacement represents one capturable slot on the document.
// Position and size are percentages of the page so layouts survive rescaling.
// This corresponds to the field_placements table in storage.
type FieldPlacement struct {
	ID          string      `json:"id" db:"id"`                  // Unique field identifier
	RequestID   string      `json:"requestId" db:"request_id"`   // Parent request
	RecipientID string      `json:"recipientId" db:"recipient_id"` // Owning recipient (sole writer)
	Type        FieldType   `json:"type" db:"field_type"`        // Kind of input captured
	Page        int         `json:"page" db:"page"`              // 1-based page number
	X           float64     `json:"x" db:"x"`                    // Left offset, percent of page width
	Y           float64     `json:"y" db:"y"`                    // Top offset, percent of page height
	Width       float64     `json:"width" db:"width"`            // Width, percent of page width
	Height      float64     `json:"height" db:"height"`          // Height, percent of page height
	Required    bool        `json:"required" db:"required"`      // Whether completion is mandatory for signing
	Value       *FieldValue `json:"value,omitempty" db:"value"`  // Captured value, nil until submitted
	CompletedAt *time.Time  `json:"completedAt,omitempty" db:"completed_at"` // Set exactly when Value is non-empty
}

// FieldValue is the tagged union of captured values, keyed by Type.
// Exactly the variant matching the owning field's type is populated:
// signature/initial carry an image reference or inline image bytes,
// text carries a string, date a YYYY-MM-DD string, checkbox a boolean.
type FieldValue struct {
	Type      FieldType `json:"type"`
	ImageRef  string    `json:"imageRef,omitempty"`  // Object storage URI for the rendered image
	ImageData []byte    `json:"imageData,omitempty"` // Inline JPEG bytes (upload fallback path)
	Text      string    `json:"text,omitempty"`
	Date      string    `json:"date,omitempty"`
	Checked   *bool     `json:"checked,omitempty"`
}

// IsEmpty reports whether the value carries no captured content.
func (v *FieldValue) IsEmpty() bool {
	if v == nil {
		return true
	}
	switch v.Type {
	case FieldTypeSignature, FieldTypeInitial:
		return v.ImageRef == "" && len(v.ImageData) == 0
	case FieldTypeText:
		return strings.TrimSpace(v.Text) == ""
	case FieldTypeDate:
		return v.Date == ""
	case FieldTypeCheckbox:
		return v.Checked == nil
	default:
		return true
	}
}

// ValidateShape checks that the value is well-typed for the given field type.
// A checkbox value is never free text; a date must parse to a calendar date.
func (v *FieldValue) ValidateShape(ft FieldType) error {
	if v == nil {
		return fmt.Errorf("value is required")
	}
	if v.Type != ft {
		return fmt.Errorf("value type %q does not match field type %q", v.Type, ft)
	}
	switch ft {
	case FieldTypeSignature, FieldTypeInitial:
		if v.ImageRef == "" && len(v.ImageData) == 0 {
			return fmt.Errorf("%s value requires an image reference or inline image data", ft)
		}
		if v.Text != "" || v.Date != "" || v.Checked != nil {
			return fmt.Errorf("%s value must not carry text, date, or checkbox content", ft)
		}
	case FieldTypeText:
		if strings.TrimSpace(v.Text) == "" {
			return fmt.Errorf("text value must not be empty")
		}
	case FieldTypeDate:
		if _, err := time.Parse(DateLayout, v.Date); err != nil {
			return fmt.Errorf("date value %q does not parse as %s", v.Date, DateLayout)
		}
	case FieldTypeCheckbox:
		if v.Checked == nil {
			return fmt.Errorf("checkbox value requires a boolean")
		}
		if v.Text != "" {
			return fmt.Errorf("checkbox value must not carry free text")
		}
	default:
		return fmt.Errorf("unknown field type %q", ft)
	}
	return nil
}

// Caller identifies who is performing an operation. It is passed explicitly
// into every workflow operation rather than read from ambient request state.
type Caller struct {
	Email     string `json:"email"`     // Authenticated subject
	IPAddress string `json:"ipAddress"` // Remote address, recorded in the audit trail
	UserAgent string `json:"userAgent"` // Client identification, recorded in the audit trail
}

// RecipientInput describes one recipient in a create-request payload.
type RecipientInput struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Role         string `json:"role,omitempty"`
	SigningOrder int    `json:"signingOrder"`
}

// FieldInput describes one field placement in a create-request payload.
// Recipient is an index into the payload's recipients array.
type FieldInput struct {
	Recipient int       `json:"recipient"`
	Type      FieldType `json:"type"`
	Page      int       `json:"page"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Width     float64   `json:"width"`
	Height    float64   `json:"height"`
	Required  bool      `json:"required"`
}

// CreateRequestInput represents the request body for creating a signature request.
type CreateRequestInput struct {
	DocumentRef         string           `json:"documentRef"`
	Title               string           `json:"title"`
	SigningOrderEnabled bool             `json:"signingOrderEnabled"`
	ExpiresAt           *time.Time       `json:"expiresAt,omitempty"`
	Recipients          []RecipientInput `json:"recipients"`
	Fields              []FieldInput     `json:"fields"`
}

// StrokePoint is one sampled point of a drawn stroke, in field-local pixels.
type StrokePoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is one continuous pen-down movement.
type Stroke struct {
	Points []StrokePoint `json:"points"`
}

// SubmitFieldInput represents the request body for submitting a field value.
// Signature and initial fields carry Strokes; other types carry Value.
type SubmitFieldInput struct {
	Value   *FieldValue `json:"value,omitempty"`
	Strokes []Stroke    `json:"strokes,omitempty"`
}

// SubmitFieldResult reports a stored field value, including which storage
// path a signature image took (remote object store vs inline fallback).
type SubmitFieldResult struct {
	Field        FieldPlacement `json:"field"`
	StoredInline bool           `json:"storedInline"` // True when the image upload fell back to inline storage
}

// SignResult reports a successful sign together with the request status the
// recompute produced, so callers observe completion without a second fetch.
type SignResult struct {
	Recipient     Recipient     `json:"recipient"`
	RequestStatus RequestStatus `json:"requestStatus"`
}

// RequestDetail aggregates one request with its recipients, fields, and
// derived completion percentage for client re-fetching.
type RequestDetail struct {
	Request              SignatureRequest `json:"request"`
	Recipients           []Recipient      `json:"recipients"`
	Fields               []FieldPlacement `json:"fields"`
	CompletionPercentage float64          `json:"completionPercentage"`
}

// RecipientAudit is the per-recipient slice of a verification summary.
type RecipientAudit struct {
	Name         string          `json:"name"`
	Email        string          `json:"email"`
	Role         string          `json:"role,omitempty"`
	SigningOrder int             `json:"signingOrder"`
	Status       RecipientStatus `json:"status"`
	ViewedAt     *time.Time      `json:"viewedAt,omitempty"`
	SignedAt     *time.Time      `json:"signedAt,omitempty"`
	IPAddress    string          `json:"ipAddress,omitempty"`
	UserAgent    string          `json:"userAgent,omitempty"`
}

// VerifyResult is the read-only audit summary returned by the verification
// entry point. IsValid is false for expired or internally inconsistent requests.
type VerifyResult struct {
	Request         SignatureRequest `json:"request"`
	Recipients      []RecipientAudit `json:"recipients"`
	IsComplete      bool             `json:"isComplete"`
	IsValid         bool             `json:"isValid"`
	RequiredFields  int              `json:"requiredFields"`
	CompletedFields int              `json:"completedFields"`
}

// Certificate is the immutable completion artifact generated once a request
// is fully signed. It is regenerable only by reference: repeated generation
// returns the same serial and ref.
type Certificate struct {
	Serial          string           `json:"serial"`
	RequestID       string           `json:"requestId"`
	DocumentRef     string           `json:"documentRef"`
	Title           string           `json:"title"`
	CompletedAt     time.Time        `json:"completedAt"`
	GeneratedAt     time.Time        `json:"generatedAt"`
	Recipients      []RecipientAudit `json:"recipients"`
	FieldsTotal     int              `json:"fieldsTotal"`
	FieldsCompleted int              `json:"fieldsCompleted"`
}
