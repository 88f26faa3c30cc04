// internal/schema/validator.go
// Package schema provides JSON schema validation for create-request payloads.
// Structural validation happens here before the workflow engine applies its
// domain rules, so malformed payloads are rejected with field-level detail.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// createRequestSchema is the structural contract for POST /v1/requests.
// Domain rules (contiguous signing orders, recipient index bounds) stay in
// the workflow engine; this schema pins types and required members.
const createRequestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["documentRef", "title", "recipients", "fields"],
	"properties": {
		"documentRef": {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 1},
		"signingOrderEnabled": {"type": "boolean"},
		"expiresAt": {"type": "string", "format": "date-time"},
		"recipients": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "email", "signingOrder"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"email": {"type": "string", "minLength": 3},
					"role": {"type": "string"},
					"signingOrder": {"type": "integer", "minimum": 1}
				}
			}
		},
		"fields": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["recipient", "type", "page", "x", "y", "width", "height"],
				"properties": {
					"recipient": {"type": "integer", "minimum": 0},
					"type": {"type": "string", "enum": ["signature", "initial", "text", "date", "checkbox"]},
					"page": {"type": "integer", "minimum": 1},
					"x": {"type": "number", "minimum": 0, "maximum": 100},
					"y": {"type": "number", "minimum": 0, "maximum": 100},
					"width": {"type": "number", "exclusiveMinimum": 0, "maximum": 100},
					"height": {"type": "number", "exclusiveMinimum": 0, "maximum": 100},
					"required": {"type": "boolean"}
				}
			}
		}
	}
}`

// Validator validates request payloads against JSON schemas.
type Validator struct {
	createRequest *gojsonschema.Schema
}

// NewValidator creates a new schema validator with the compiled schemas.
func NewValidator() (*Validator, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(createRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile create-request schema: %w", err)
	}
	return &Validator{createRequest: compiled}, nil
}

// ValidateCreateRequest checks a raw create-request body against the schema.
// Returns a single error naming every violated constraint.
func (v *Validator) ValidateCreateRequest(body []byte) error {
	result, err := v.createRequest.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Errorf("payload failed schema validation: %s", strings.Join(problems, "; "))
}
