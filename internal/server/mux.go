// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the signing service.
// It provides RESTful endpoints for signature request, recipient, and field
// operations with JWT authentication, schema validation, and change publishing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	errordefs "github.com/InkRelay/inkrelay-sign-go/internal/errors"
	"github.com/InkRelay/inkrelay-sign-go/internal/jwks"
	"github.com/InkRelay/inkrelay-sign-go/internal/metrics"
	"github.com/InkRelay/inkrelay-sign-go/internal/model"
	"github.com/InkRelay/inkrelay-sign-go/internal/schema"
	"github.com/InkRelay/inkrelay-sign-go/internal/storage"
	"github.com/InkRelay/inkrelay-sign-go/internal/workflow"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// Context keys for storing request-scoped values
	ContextKeyEmail         ContextKey = "email"         // Stores the caller email from the JWT subject
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking
)

// Mux handles HTTP requests for the signing service.
// It translates HTTP to workflow engine calls and manages cross-cutting
// concerns: authentication, correlation IDs, metrics, and tracing.
type Mux struct {
	mux         *http.ServeMux    // HTTP request multiplexer
	s           storage.Store     // Storage, used directly only by readiness checks
	engine      *workflow.Engine  // Workflow engine owning every state mutation
	jwksClient  *jwks.Client      // JWKS client for JWT validation
	jwtIssuer   string            // Expected JWT issuer for validation
	jwtAudience string            // Expected JWT audience for validation
	validator   *schema.Validator // Schema validator for create-request payloads
	metrics     *metrics.Metrics  // Metrics for monitoring
}

// NewMux creates a new HTTP mux with all signing endpoints.
// A nil jwksClient falls back to issuer-based JWKS discovery.
func NewMux(s storage.Store, engine *workflow.Engine, jwtIssuer, jwtAudience string, jwksClient *jwks.Client) (*http.ServeMux, error) {
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	if jwksClient == nil {
		jwksClient = jwks.NewClient(fmt.Sprintf("%s/.well-known/jwks.json", jwtIssuer))
	}

	m := &Mux{
		mux:         http.NewServeMux(),
		s:           s,
		engine:      engine,
		jwksClient:  jwksClient,
		jwtIssuer:   jwtIssuer,
		jwtAudience: jwtAudience,
		validator:   validator,
		metrics:     metrics.NewMetrics(),
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Register signing endpoints with appropriate middleware
	m.mux.HandleFunc("/v1/requests", m.method("POST", m.withMiddleware(m.handleCreateRequest)))
	m.mux.HandleFunc("/v1/requests/", m.withMiddleware(m.handleRequestSubpath))
	m.mux.HandleFunc("/v1/recipients/", m.method("POST", m.withMiddleware(m.handleRecipientAction)))
	m.mux.HandleFunc("/v1/fields/", m.method("POST", m.withMiddleware(m.handleFieldAction)))

	return m.mux, nil
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			err := errordefs.New(errordefs.SIGN_BAD_REQUEST, "method not allowed", "")
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// withMiddleware applies common middleware to handlers: correlation IDs,
// JWT authentication on mutating requests, and request logging.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		// Apply JWT authentication for mutating endpoints
		if r.Method == "POST" {
			email, err := m.validateJWT(r)
			if err != nil {
				var errorDef *errordefs.Error
				if e, ok := err.(*errordefs.Error); ok {
					errorDef = e
					errorDef.CorrelationID = correlationID
				} else {
					errorDef = errordefs.New(errordefs.SIGN_AUTHZ, err.Error(), correlationID)
				}
				m.writeErrorDef(w, errorDef)
				m.logRequest(r, errorDef.HTTPStatus, time.Since(start), correlationID, err)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), ContextKeyEmail, email))
		}

		h(w, r)
	}
}

// validateJWT validates a JWT and extracts the caller email using JWKS
func (m *Mux) validateJWT(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errordefs.New(errordefs.SIGN_AUTHN, "missing Authorization header", "")
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errordefs.New(errordefs.SIGN_AUTHN, "invalid Authorization header format", "")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	claims, err := m.jwksClient.ValidateJWT(r.Context(), tokenString, m.jwtIssuer, m.jwtAudience)
	if err != nil {
		// Map specific JWT validation errors to appropriate error codes
		errStr := err.Error()
		switch {
		case strings.Contains(errStr, "expired"):
			return "", errordefs.New(errordefs.SIGN_JWT_EXPIRED, "JWT token expired", "")
		case strings.Contains(errStr, "invalid issuer"):
			return "", errordefs.New(errordefs.SIGN_JWT_INVALID, "invalid JWT issuer", "")
		case strings.Contains(errStr, "invalid audience"):
			return "", errordefs.New(errordefs.SIGN_JWT_INVALID, "invalid JWT audience", "")
		case strings.Contains(errStr, "kid"):
			return "", errordefs.New(errordefs.SIGN_JWT_MALFORMED, "missing or invalid kid in JWT header", "")
		case strings.Contains(errStr, "key"):
			return "", errordefs.New(errordefs.SIGN_JWT_INVALID, "failed to get key for JWT validation", "")
		case strings.Contains(errStr, "signature"), strings.Contains(errStr, "verify"):
			return "", errordefs.New(errordefs.SIGN_JWT_INVALID, "invalid JWT signature", "")
		default:
			return "", errordefs.New(errordefs.SIGN_JWT_INVALID, fmt.Sprintf("failed to validate JWT: %v", err), "")
		}
	}

	email, ok := claims["sub"].(string)
	if !ok || email == "" {
		return "", errordefs.New(errordefs.SIGN_JWT_INVALID, "missing or invalid sub claim", "")
	}

	return email, nil
}

// caller builds the caller identity for workflow operations from the
// authenticated subject and the connection metadata.
func (m *Mux) caller(r *http.Request) model.Caller {
	email, _ := r.Context().Value(ContextKeyEmail).(string)
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	return model.Caller{
		Email:     email,
		IPAddress: host,
		UserAgent: r.UserAgent(),
	}
}

// correlationID extracts the request-scoped correlation ID.
func (m *Mux) correlationID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the signing error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"error": map[string]interface{}{
			"code":          code,
			"message":       message,
			"correlationId": correlationID,
		},
	}

	if details != nil {
		response["error"].(map[string]interface{})["details"] = details
	}

	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// writeEngineError stamps the correlation ID onto a workflow error and
// writes it. Unknown error types degrade to SIGN_INTERNAL.
func (m *Mux) writeEngineError(w http.ResponseWriter, ctx context.Context, err error) {
	correlationID := m.correlationID(ctx)
	if e, ok := err.(*errordefs.Error); ok {
		e.CorrelationID = correlationID
		m.writeErrorDef(w, e)
		return
	}
	m.writeErrorDef(w, errordefs.New(errordefs.SIGN_INTERNAL, "internal error", correlationID))
}

// logRequest logs request details and records HTTP metrics
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	statusLabel := strconv.Itoa(status)
	m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.URL.Path, statusLabel).Inc()
	m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, statusLabel).Observe(duration.Seconds())

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if email, ok := r.Context().Value(ContextKeyEmail).(string); ok && email != "" {
		attrs = append(attrs, slog.String("caller", email))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// A not-found for a probe ID still proves the storage backend answers
	_, err := m.s.GetSignatureRequest(ctx, "health-check")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleCreateRequest handles POST /v1/requests
func (m *Mux) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("sign-service").Start(r.Context(), "handleCreateRequest")
	defer span.End()
	defer r.Body.Close()

	start := time.Now()
	correlationID := m.correlationID(ctx)

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.SIGN_VALIDATION, "invalid JSON", correlationID))
		return
	}

	// Structural validation happens before domain rules
	if err := m.validator.ValidateCreateRequest(raw); err != nil {
		span.SetStatus(codes.Error, "schema validation failed")
		m.writeErrorDef(w, errordefs.New(errordefs.SIGN_VALIDATION, err.Error(), correlationID))
		return
	}

	var in model.CreateRequestInput
	if err := json.Unmarshal(raw, &in); err != nil {
		m.writeErrorDef(w, errordefs.New(errordefs.SIGN_VALIDATION, "invalid JSON", correlationID))
		return
	}

	span.SetAttributes(
		attribute.String("title", in.Title),
		attribute.Int("recipients", len(in.Recipients)),
		attribute.Int("fields", len(in.Fields)),
		attribute.Bool("signing_order_enabled", in.SigningOrderEnabled),
	)

	req, err := m.engine.CreateRequest(ctx, in)
	if err != nil {
		span.SetStatus(codes.Error, "create rejected")
		m.writeEngineError(w, ctx, err)
		m.logRequest(r, errordefs.New(errordefs.CodeOf(err), "", "").HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	m.writeSuccess(w, http.StatusCreated, req)
	m.logRequest(r, http.StatusCreated, time.Since(start), correlationID, nil)
}

// handleRequestSubpath routes /v1/requests/{id}, /v1/requests/{id}/verify,
// and /v1/requests/{id}/certificate.
func (m *Mux) handleRequestSubpath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.SIGN_VALIDATION, "request id is required", m.correlationID(r.Context())))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		m.handleGetRequest(w, r, id)
	case action == "verify" && r.Method == http.MethodGet:
		m.handleVerify(w, r, id)
	case action == "certificate" && r.Method == http.MethodPost:
		m.handleCertificate(w, r, id)
	default:
		m.writeErrorDef(w, errordefs.New(errordefs.SIGN_BAD_REQUEST, "method not allowed", m.correlationID(r.Context())))
	}
}

// handleGetRequest handles GET /v1/requests/{id}
func (m *Mux) handleGetRequest(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := otel.Tracer("sign-service").Start(r.Context(), "handleGetRequest")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", id))

	start := time.Now()
	correlationID := m.correlationID(ctx)

	detail, err := m.engine.GetRequest(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, "failed to load request")
		m.writeEngineError(w, ctx, err)
		m.logRequest(r, errordefs.New(errordefs.CodeOf(err), "", "").HTTPStatus, time.Since(start), correlationID, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, detail)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleVerify handles GET /v1/requests/{id}/verify with an optional
// email query filter.
func (m *Mux) handleVerify(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := otel.Tracer("sign-service").Start(r.Context(), "handleVerify")
	defer span.End()

	email := r.URL.Query().Get("email")
	span.SetAttributes(
		attribute.String("request_id", id),
		attribute.Bool("filtered", email != ""),
	)

	start := time.Now()
	correlationID := m.correlationID(ctx)

	result, err := m.engine.Verify(ctx, id, email)
	if err != nil {
		span.SetStatus(codes.Error, "verification failed")
		m.writeEngineError(w, ctx, err)
		m.logRequest(r, errordefs.New(errordefs.CodeOf(err), "", "").HTTPStatus, time.Since(start), correlationID, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, result)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleCertificate handles POST /v1/requests/{id}/certificate
func (m *Mux) handleCertificate(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := otel.Tracer("sign-service").Start(r.Context(), "handleCertificate")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", id))

	start := time.Now()
	correlationID := m.correlationID(ctx)

	ref, err := m.engine.GenerateCertificate(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, "certificate refused")
		m.writeEngineError(w, ctx, err)
		m.logRequest(r, errordefs.New(errordefs.CodeOf(err), "", "").HTTPStatus, time.Since(start), correlationID, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]string{"certificateRef": ref})
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleRecipientAction routes POST /v1/recipients/{id}/{view|sign|remind}.
func (m *Mux) handleRecipientAction(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("sign-service").Start(r.Context(), "handleRecipientAction")
	defer span.End()
	defer r.Body.Close()

	start := time.Now()
	correlationID := m.correlationID(ctx)

	rest := strings.TrimPrefix(r.URL.Path, "/v1/recipients/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.SIGN_VALIDATION, "recipient id and action are required", correlationID))
		return
	}
	span.SetAttributes(
		attribute.String("recipient_id", id),
		attribute.String("action", action),
	)

	switch action {
	case "view":
		rec, err := m.engine.MarkViewed(ctx, id, m.caller(r))
		if err != nil {
			span.SetStatus(codes.Error, "view rejected")
			m.writeEngineError(w, ctx, err)
			m.logRequest(r, errordefs.New(errordefs.CodeOf(err), "", "").HTTPStatus, time.Since(start), correlationID, err)
			return
		}
		m.writeSuccess(w, http.StatusOK, rec)
	case "sign":
		result, err := m.engine.SignRecipient(ctx, id, m.caller(r))
		if err != nil {
			span.SetStatus(codes.Error, "sign rejected")
			m.writeEngineError(w, ctx, err)
			m.logRequest(r, errordefs.New(errordefs.CodeOf(err), "", "").HTTPStatus, time.Since(start), correlationID, err)
			return
		}
		m.writeSuccess(w, http.StatusOK, result)
	case "remind":
		if err := m.engine.SendReminder(ctx, id); err != nil {
			span.SetStatus(codes.Error, "reminder refused")
			m.writeEngineError(w, ctx, err)
			m.logRequest(r, errordefs.New(errordefs.CodeOf(err), "", "").HTTPStatus, time.Since(start), correlationID, err)
			return
		}
		m.writeSuccess(w, http.StatusOK, map[string]string{"status": "sent"})
	default:
		m.writeErrorDef(w, errordefs.New(errordefs.SIGN_BAD_REQUEST, fmt.Sprintf("unknown recipient action %q", action), correlationID))
		return
	}

	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}

// handleFieldAction routes POST /v1/fields/{id}/submit.
func (m *Mux) handleFieldAction(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("sign-service").Start(r.Context(), "handleFieldAction")
	defer span.End()
	defer r.Body.Close()

	start := time.Now()
	correlationID := m.correlationID(ctx)

	rest := strings.TrimPrefix(r.URL.Path, "/v1/fields/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "submit" {
		m.writeErrorDef(w, errordefs.New(errordefs.SIGN_VALIDATION, "field id and submit action are required", correlationID))
		return
	}
	span.SetAttributes(attribute.String("field_id", id))

	var in model.SubmitFieldInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.SIGN_VALIDATION, "invalid JSON", correlationID))
		return
	}

	result, err := m.engine.SubmitField(ctx, id, m.caller(r), in)
	if err != nil {
		span.SetStatus(codes.Error, "submission rejected")
		m.writeEngineError(w, ctx, err)
		m.logRequest(r, errordefs.New(errordefs.CodeOf(err), "", "").HTTPStatus, time.Since(start), correlationID, err)
		return
	}

	m.writeSuccess(w, http.StatusOK, result)
	m.logRequest(r, http.StatusOK, time.Since(start), correlationID, nil)
}
