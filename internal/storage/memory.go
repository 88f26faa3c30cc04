// internal/storage/memory.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/InkRelay/inkrelay-sign-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned when a record already exists
)

// Store interface defines the storage operations required by the signing service.
// This interface is implemented by both in-memory and PostgreSQL storage backends.
// The store is deliberately plain CRUD: transition preconditions are enforced
// by the workflow engine, which serializes mutations per request.
type Store interface {
	// Request operations. CreateSignatureRequest persists the request together
	// with its recipients and field placements as one atomic unit.
	CreateSignatureRequest(ctx context.Context, req model.SignatureRequest, recipients []model.Recipient, fields []model.FieldPlacement) error
	GetSignatureRequest(ctx context.Context, id string) (*model.SignatureRequest, error)
	UpdateSignatureRequest(ctx context.Context, req model.SignatureRequest) error

	// Recipient operations. ListRecipients returns recipients ordered by
	// signing order, then email for stability.
	GetRecipient(ctx context.Context, id string) (*model.Recipient, error)
	ListRecipients(ctx context.Context, requestID string) ([]model.Recipient, error)
	UpdateRecipient(ctx context.Context, rec model.Recipient) error

	// Field placement operations
	GetFieldPlacement(ctx context.Context, id string) (*model.FieldPlacement, error)
	ListFieldPlacements(ctx context.Context, requestID string) ([]model.FieldPlacement, error)
	ListRecipientFields(ctx context.Context, recipientID string) ([]model.FieldPlacement, error)
	UpdateFieldPlacement(ctx context.Context, field model.FieldPlacement) error
}

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu                  sync.RWMutex                      // Protects concurrent access to maps
	requests            map[string]*model.SignatureRequest // Map of request ID to request
	recipients          map[string]*model.Recipient        // Map of recipient ID to recipient
	fields              map[string]*model.FieldPlacement   // Map of field ID to placement
	recipientsByRequest map[string][]string                // Map of request ID to recipient IDs
	fieldsByRequest     map[string][]string                // Map of request ID to field IDs
	fieldsByRecipient   map[string][]string                // Map of recipient ID to field IDs
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		requests:            make(map[string]*model.SignatureRequest),
		recipients:          make(map[string]*model.Recipient),
		fields:              make(map[string]*model.FieldPlacement),
		recipientsByRequest: make(map[string][]string),
		fieldsByRequest:     make(map[string][]string),
		fieldsByRecipient:   make(map[string][]string),
	}
}

func (m *memory) CreateSignatureRequest(ctx context.Context, req model.SignatureRequest, recipients []model.Recipient, fields []model.FieldPlacement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[req.ID]; exists {
		return ErrConflict
	}
	for _, r := range recipients {
		if _, exists := m.recipients[r.ID]; exists {
			return ErrConflict
		}
	}
	for _, f := range fields {
		if _, exists := m.fields[f.ID]; exists {
			return ErrConflict
		}
	}

	reqCopy := req
	m.requests[req.ID] = &reqCopy
	for _, r := range recipients {
		recCopy := r
		m.recipients[r.ID] = &recCopy
		m.recipientsByRequest[req.ID] = append(m.recipientsByRequest[req.ID], r.ID)
	}
	for _, f := range fields {
		fieldCopy := f
		m.fields[f.ID] = &fieldCopy
		m.fieldsByRequest[req.ID] = append(m.fieldsByRequest[req.ID], f.ID)
		m.fieldsByRecipient[f.RecipientID] = append(m.fieldsByRecipient[f.RecipientID], f.ID)
	}
	return nil
}

func (m *memory) GetSignatureRequest(ctx context.Context, id string) (*model.SignatureRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, exists := m.requests[id]
	if !exists {
		return nil, ErrNotFound
	}
	reqCopy := *req
	return &reqCopy, nil
}

func (m *memory) UpdateSignatureRequest(ctx context.Context, req model.SignatureRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[req.ID]; !exists {
		return ErrNotFound
	}
	reqCopy := req
	m.requests[req.ID] = &reqCopy
	return nil
}

func (m *memory) GetRecipient(ctx context.Context, id string) (*model.Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.recipients[id]
	if !exists {
		return nil, ErrNotFound
	}
	recCopy := *rec
	return &recCopy, nil
}

func (m *memory) ListRecipients(ctx context.Context, requestID string) ([]model.Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.recipientsByRequest[requestID]
	result := make([]model.Recipient, 0, len(ids))
	for _, id := range ids {
		result = append(result, *m.recipients[id])
	}
	// Sort by signing order, then email for stable ordering
	sort.Slice(result, func(i, j int) bool {
		if result[i].SigningOrder == result[j].SigningOrder {
			return result[i].Email < result[j].Email
		}
		return result[i].SigningOrder < result[j].SigningOrder
	})
	return result, nil
}

func (m *memory) UpdateRecipient(ctx context.Context, rec model.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.recipients[rec.ID]; !exists {
		return ErrNotFound
	}
	recCopy := rec
	m.recipients[rec.ID] = &recCopy
	return nil
}

func (m *memory) GetFieldPlacement(ctx context.Context, id string) (*model.FieldPlacement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	field, exists := m.fields[id]
	if !exists {
		return nil, ErrNotFound
	}
	fieldCopy := *field
	return &fieldCopy, nil
}

func (m *memory) ListFieldPlacements(ctx context.Context, requestID string) ([]model.FieldPlacement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectFields(m.fieldsByRequest[requestID]), nil
}

func (m *memory) ListRecipientFields(ctx context.Context, recipientID string) ([]model.FieldPlacement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectFields(m.fieldsByRecipient[recipientID]), nil
}

// collectFields copies the fields for the given IDs sorted by page, then
// top-to-bottom position. Callers must hold at least a read lock.
func (m *memory) collectFields(ids []string) []model.FieldPlacement {
	result := make([]model.FieldPlacement, 0, len(ids))
	for _, id := range ids {
		result = append(result, *m.fields[id])
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Page == result[j].Page {
			return result[i].Y < result[j].Y
		}
		return result[i].Page < result[j].Page
	})
	return result
}

func (m *memory) UpdateFieldPlacement(ctx context.Context, field model.FieldPlacement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.fields[field.ID]; !exists {
		return ErrNotFound
	}
	fieldCopy := field
	m.fields[field.ID] = &fieldCopy
	return nil
}
