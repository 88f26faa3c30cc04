// internal/schema/validator_test.go
package schema

import (
	"strings"
	"testing"
)

func TestValidateCreateRequestAcceptsWellFormedPayload(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}

	body := `{
		"documentRef": "doc-1",
		"title": "Lease",
		"signingOrderEnabled": true,
		"recipients": [
			{"name": "Ana", "email": "ana@example.com", "role": "tenant", "signingOrder": 1}
		],
		"fields": [
			{"recipient": 0, "type": "signature", "page": 1, "x": 10, "y": 80, "width": 30, "height": 8, "required": true}
		]
	}`
	if err := v.ValidateCreateRequest([]byte(body)); err != nil {
		t.Errorf("well-formed payload rejected: %v", err)
	}
}

func TestValidateCreateRequestRejectsBadPayloads(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}

	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing title",
			body: `{"documentRef": "d", "recipients": [], "fields": []}`,
			want: "title",
		},
		{
			name: "unknown field type",
			body: `{"documentRef": "d", "title": "t", "recipients": [{"name": "A", "email": "a@b.c", "signingOrder": 1}],
				"fields": [{"recipient": 0, "type": "stamp", "page": 1, "x": 1, "y": 1, "width": 5, "height": 5}]}`,
			want: "type",
		},
		{
			name: "coordinates beyond the page",
			body: `{"documentRef": "d", "title": "t", "recipients": [{"name": "A", "email": "a@b.c", "signingOrder": 1}],
				"fields": [{"recipient": 0, "type": "text", "page": 1, "x": 150, "y": 1, "width": 5, "height": 5}]}`,
			want: "x",
		},
		{
			name: "zero signing order",
			body: `{"documentRef": "d", "title": "t", "recipients": [{"name": "A", "email": "a@b.c", "signingOrder": 0}], "fields": []}`,
			want: "signingOrder",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateCreateRequest([]byte(tc.body))
			if err == nil {
				t.Fatal("expected validation failure")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err.Error(), tc.want)
			}
		})
	}
}
