// internal/storage/postgres.go
// Package storage provides PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/InkRelay/inkrelay-sign-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres provides persistent storage for signature requests, recipients,
// and field placements.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema initializes the database schema.
// It creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Signature requests: one row per signing workflow
		CREATE TABLE IF NOT EXISTS signature_requests (
		    id TEXT PRIMARY KEY,
		    document_ref TEXT NOT NULL,
		    title TEXT NOT NULL,
		    status TEXT NOT NULL,
		    signing_order_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    expires_at TIMESTAMP WITH TIME ZONE,
		    completed_at TIMESTAMP WITH TIME ZONE,
		    certificate_generated BOOLEAN NOT NULL DEFAULT FALSE,
		    certificate_ref TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_signature_requests_status ON signature_requests(status);
		CREATE INDEX IF NOT EXISTS idx_signature_requests_expires_at ON signature_requests(expires_at);

		-- Recipients: owned exclusively by their request
		CREATE TABLE IF NOT EXISTS recipients (
		    id TEXT PRIMARY KEY,
		    request_id TEXT NOT NULL REFERENCES signature_requests(id),
		    name TEXT NOT NULL,
		    email TEXT NOT NULL,
		    role TEXT NOT NULL DEFAULT '',
		    signing_order INTEGER NOT NULL,
		    status TEXT NOT NULL,
		    viewed_at TIMESTAMP WITH TIME ZONE,
		    signed_at TIMESTAMP WITH TIME ZONE,
		    ip_address TEXT NOT NULL DEFAULT '',
		    user_agent TEXT NOT NULL DEFAULT '',
		    UNIQUE(request_id, signing_order)
		);

		CREATE INDEX IF NOT EXISTS idx_recipients_request_id ON recipients(request_id);
		CREATE INDEX IF NOT EXISTS idx_recipients_email ON recipients(email);

		-- Field placements: one row per capturable slot, value as JSONB
		CREATE TABLE IF NOT EXISTS field_placements (
		    id TEXT PRIMARY KEY,
		    request_id TEXT NOT NULL REFERENCES signature_requests(id),
		    recipient_id TEXT NOT NULL REFERENCES recipients(id),
		    field_type TEXT NOT NULL,
		    page INTEGER NOT NULL,
		    x DOUBLE PRECISION NOT NULL,
		    y DOUBLE PRECISION NOT NULL,
		    width DOUBLE PRECISION NOT NULL,
		    height DOUBLE PRECISION NOT NULL,
		    required BOOLEAN NOT NULL DEFAULT TRUE,
		    value JSONB,
		    completed_at TIMESTAMP WITH TIME ZONE
		);

		CREATE INDEX IF NOT EXISTS idx_field_placements_request_id ON field_placements(request_id);
		CREATE INDEX IF NOT EXISTS idx_field_placements_recipient_id ON field_placements(recipient_id);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// CreateSignatureRequest inserts the request, its recipients, and its field
// placements in a single transaction. A request never exists without its
// recipients and layout.
func (p *postgres) CreateSignatureRequest(ctx context.Context, req model.SignatureRequest, recipients []model.Recipient, fields []model.FieldPlacement) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO signature_requests (id, document_ref, title, status, signing_order_enabled, created_at, expires_at, completed_at, certificate_generated, certificate_ref)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, req.DocumentRef, req.Title, req.Status, req.SigningOrderEnabled,
		req.CreatedAt, req.ExpiresAt, req.CompletedAt, req.CertificateGenerated, req.CertificateRef)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create signature request: %w", err)
	}

	for _, r := range recipients {
		_, err = tx.Exec(ctx,
			`INSERT INTO recipients (id, request_id, name, email, role, signing_order, status, viewed_at, signed_at, ip_address, user_agent)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			r.ID, r.RequestID, r.Name, r.Email, r.Role, r.SigningOrder, r.Status,
			r.ViewedAt, r.SignedAt, r.IPAddress, r.UserAgent)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("failed to create recipient: %w", err)
		}
	}

	for _, f := range fields {
		valueJSON, err := marshalFieldValue(f.Value)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO field_placements (id, request_id, recipient_id, field_type, page, x, y, width, height, required, value, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			f.ID, f.RequestID, f.RecipientID, f.Type, f.Page, f.X, f.Y, f.Width, f.Height,
			f.Required, valueJSON, f.CompletedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("failed to create field placement: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetSignatureRequest retrieves a signature request by ID
func (p *postgres) GetSignatureRequest(ctx context.Context, id string) (*model.SignatureRequest, error) {
	query := `SELECT id, document_ref, title, status, signing_order_enabled, created_at, expires_at, completed_at, certificate_generated, certificate_ref
	          FROM signature_requests WHERE id = $1`

	var req model.SignatureRequest
	err := p.db.QueryRow(ctx, query, id).Scan(
		&req.ID, &req.DocumentRef, &req.Title, &req.Status, &req.SigningOrderEnabled,
		&req.CreatedAt, &req.ExpiresAt, &req.CompletedAt, &req.CertificateGenerated, &req.CertificateRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get signature request: %w", err)
	}
	return &req, nil
}

// UpdateSignatureRequest updates status, completion, and certificate columns
func (p *postgres) UpdateSignatureRequest(ctx context.Context, req model.SignatureRequest) error {
	query := `UPDATE signature_requests
	          SET status = $1, expires_at = $2, completed_at = $3, certificate_generated = $4, certificate_ref = $5
	          WHERE id = $6`

	result, err := p.db.Exec(ctx, query,
		req.Status, req.ExpiresAt, req.CompletedAt, req.CertificateGenerated, req.CertificateRef, req.ID)
	if err != nil {
		return fmt.Errorf("failed to update signature request: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRecipient retrieves a recipient by ID
func (p *postgres) GetRecipient(ctx context.Context, id string) (*model.Recipient, error) {
	query := `SELECT id, request_id, name, email, role, signing_order, status, viewed_at, signed_at, ip_address, user_agent
	          FROM recipients WHERE id = $1`

	var rec model.Recipient
	err := p.db.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.RequestID, &rec.Name, &rec.Email, &rec.Role, &rec.SigningOrder,
		&rec.Status, &rec.ViewedAt, &rec.SignedAt, &rec.IPAddress, &rec.UserAgent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}
	return &rec, nil
}

// ListRecipients lists the recipients of a request ordered by signing order
func (p *postgres) ListRecipients(ctx context.Context, requestID string) ([]model.Recipient, error) {
	query := `SELECT id, request_id, name, email, role, signing_order, status, viewed_at, signed_at, ip_address, user_agent
	          FROM recipients WHERE request_id = $1 ORDER BY signing_order ASC, email ASC`

	rows, err := p.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	defer rows.Close()

	var recipients []model.Recipient
	for rows.Next() {
		var rec model.Recipient
		err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.Name, &rec.Email, &rec.Role, &rec.SigningOrder,
			&rec.Status, &rec.ViewedAt, &rec.SignedAt, &rec.IPAddress, &rec.UserAgent)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		recipients = append(recipients, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recipients: %w", err)
	}
	return recipients, nil
}

// UpdateRecipient updates a recipient's status and audit columns
func (p *postgres) UpdateRecipient(ctx context.Context, rec model.Recipient) error {
	query := `UPDATE recipients
	          SET status = $1, viewed_at = $2, signed_at = $3, ip_address = $4, user_agent = $5
	          WHERE id = $6`

	result, err := p.db.Exec(ctx, query,
		rec.Status, rec.ViewedAt, rec.SignedAt, rec.IPAddress, rec.UserAgent, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update recipient: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetFieldPlacement retrieves a field placement by ID
func (p *postgres) GetFieldPlacement(ctx context.Context, id string) (*model.FieldPlacement, error) {
	query := `SELECT id, request_id, recipient_id, field_type, page, x, y, width, height, required, value, completed_at
	          FROM field_placements WHERE id = $1`

	field, err := scanFieldPlacement(p.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get field placement: %w", err)
	}
	return field, nil
}

// ListFieldPlacements lists all field placements of a request
func (p *postgres) ListFieldPlacements(ctx context.Context, requestID string) ([]model.FieldPlacement, error) {
	query := `SELECT id, request_id, recipient_id, field_type, page, x, y, width, height, required, value, completed_at
	          FROM field_placements WHERE request_id = $1 ORDER BY page ASC, y ASC`
	return p.queryFields(ctx, query, requestID)
}

// ListRecipientFields lists the field placements owned by one recipient
func (p *postgres) ListRecipientFields(ctx context.Context, recipientID string) ([]model.FieldPlacement, error) {
	query := `SELECT id, request_id, recipient_id, field_type, page, x, y, width, height, required, value, completed_at
	          FROM field_placements WHERE recipient_id = $1 ORDER BY page ASC, y ASC`
	return p.queryFields(ctx, query, recipientID)
}

func (p *postgres) queryFields(ctx context.Context, query string, arg string) ([]model.FieldPlacement, error) {
	rows, err := p.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list field placements: %w", err)
	}
	defer rows.Close()

	var fields []model.FieldPlacement
	for rows.Next() {
		field, err := scanFieldPlacement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan field placement: %w", err)
		}
		fields = append(fields, *field)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating field placements: %w", err)
	}
	return fields, nil
}

// UpdateFieldPlacement updates a field's value and completion timestamp
func (p *postgres) UpdateFieldPlacement(ctx context.Context, field model.FieldPlacement) error {
	valueJSON, err := marshalFieldValue(field.Value)
	if err != nil {
		return err
	}

	query := `UPDATE field_placements SET value = $1, completed_at = $2 WHERE id = $3`
	result, err := p.db.Exec(ctx, query, valueJSON, field.CompletedAt, field.ID)
	if err != nil {
		return fmt.Errorf("failed to update field placement: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner abstracts pgx.Row and pgx.Rows for shared scanning
type rowScanner interface {
	Scan(dest ...any) error
}

// scanFieldPlacement scans one field placement row, decoding the JSONB value
func scanFieldPlacement(row rowScanner) (*model.FieldPlacement, error) {
	var field model.FieldPlacement
	var valueJSON []byte

	err := row.Scan(
		&field.ID, &field.RequestID, &field.RecipientID, &field.Type, &field.Page,
		&field.X, &field.Y, &field.Width, &field.Height, &field.Required,
		&valueJSON, &field.CompletedAt)
	if err != nil {
		return nil, err
	}

	if len(valueJSON) > 0 {
		var value model.FieldValue
		if err := json.Unmarshal(valueJSON, &value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal field value: %w", err)
		}
		field.Value = &value
	}
	return &field, nil
}

// marshalFieldValue encodes a field value for the JSONB column, nil stays NULL
func marshalFieldValue(v *model.FieldValue) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal field value: %w", err)
	}
	return b, nil
}

// isUniqueViolation reports whether the error is a PostgreSQL unique violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
