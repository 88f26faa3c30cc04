// internal/capture/capture_test.go
// Package capture tests cover rendering bounds, the empty-capture guard, and
// the upload fallback behavior.
package capture

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"testing"

	"github.com/InkRelay/inkrelay-sign-go/internal/model"
)

// failingUploader always fails, forcing the inline fallback path.
type failingUploader struct{}

func (f *failingUploader) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return "", errors.New("object storage unavailable")
}

// recordingUploader succeeds and remembers what it stored.
type recordingUploader struct {
	key  string
	data []byte
}

func (r *recordingUploader) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	r.key = key
	r.data = data
	return "s3://test-bucket/" + key, nil
}

func strokes() []model.Stroke {
	return []model.Stroke{
		{Points: []model.StrokePoint{{X: 0, Y: 0}, {X: 120, Y: 30}, {X: 240, Y: 10}}},
		{Points: []model.StrokePoint{{X: 60, Y: 50}}},
	}
}

func TestRenderJPEGRejectsEmptyCapture(t *testing.T) {
	if _, err := RenderJPEG(nil); err != ErrCaptureEmpty {
		t.Errorf("expected ErrCaptureEmpty for nil strokes, got %v", err)
	}

	// Strokes without points are still empty
	empty := []model.Stroke{{Points: nil}, {Points: []model.StrokePoint{}}}
	if _, err := RenderJPEG(empty); err != ErrCaptureEmpty {
		t.Errorf("expected ErrCaptureEmpty for pointless strokes, got %v", err)
	}
}

func TestRenderJPEGStaysWithinBounds(t *testing.T) {
	// A drawing far larger than the canvas must scale down, not clip
	big := []model.Stroke{{Points: []model.StrokePoint{{X: 0, Y: 0}, {X: 4000, Y: 2500}}}}
	encoded, err := RenderJPEG(big)
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("output is not a decodable JPEG: %v", err)
	}
	if cfg.Width > MaxWidth || cfg.Height > MaxHeight {
		t.Errorf("rendered image %dx%d exceeds bounds %dx%d", cfg.Width, cfg.Height, MaxWidth, MaxHeight)
	}
}

func TestStoreSignatureRejectsOversizedCapture(t *testing.T) {
	svc := NewService(nil, 2)

	over := []model.Stroke{
		{Points: []model.StrokePoint{{X: 0, Y: 0}}},
		{Points: []model.StrokePoint{{X: 1, Y: 1}}},
		{Points: []model.StrokePoint{{X: 2, Y: 2}}},
	}
	if _, err := svc.StoreSignature(context.Background(), "unused", over); !errors.Is(err, ErrCaptureTooLarge) {
		t.Errorf("expected ErrCaptureTooLarge for 3 strokes with limit 2, got %v", err)
	}

	// Exactly at the limit is fine
	if _, err := svc.StoreSignature(context.Background(), "unused", over[:2]); err != nil {
		t.Errorf("capture at the limit failed: %v", err)
	}
}

func TestStoreSignatureUploadsWhenConfigured(t *testing.T) {
	up := &recordingUploader{}
	svc := NewService(up, 256)

	stored, err := svc.StoreSignature(context.Background(), "requests/r1/fields/f1/x.jpg", strokes())
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if stored.StoredInline() {
		t.Error("expected remote storage with a working uploader")
	}
	if stored.Ref != "s3://test-bucket/requests/r1/fields/f1/x.jpg" {
		t.Errorf("unexpected ref %q", stored.Ref)
	}
	if len(up.data) == 0 {
		t.Error("uploader received no bytes")
	}
}

func TestStoreSignatureFallsBackInline(t *testing.T) {
	svc := NewService(&failingUploader{}, 256)

	stored, err := svc.StoreSignature(context.Background(), "requests/r1/fields/f1/x.jpg", strokes())
	if err != nil {
		t.Fatalf("upload failure must not fail the capture: %v", err)
	}
	if !stored.StoredInline() {
		t.Fatal("expected inline fallback")
	}
	if len(stored.Inline) == 0 {
		t.Error("inline fallback carries no image bytes")
	}
}

func TestStoreSignatureInlineWithoutUploader(t *testing.T) {
	svc := NewService(nil, 256)

	stored, err := svc.StoreSignature(context.Background(), "unused", strokes())
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if !stored.StoredInline() || len(stored.Inline) == 0 {
		t.Error("expected inline storage when no uploader is configured")
	}
}
