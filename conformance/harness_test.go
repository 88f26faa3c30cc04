// Package conformance runs the harness against the in-process service.
package conformance

import (
	"testing"
)

// TestConformance runs the full conformance suite.
func TestConformance(t *testing.T) {
	h, err := NewHarness(Config{
		JWTIssuer:   "conformance-issuer",
		JWTAudience: "conformance-audience",
	})
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer h.Close()

	h.RunConformanceTests(t)
}
