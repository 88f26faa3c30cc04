// internal/capture/capture.go
// Package capture turns raw signing input into stored field values.
// Drawn strokes are rendered to a bounded raster image, compressed, and
// stored in durable object storage with an explicit inline fallback.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"math"

	"github.com/InkRelay/inkrelay-sign-go/internal/media"
	"github.com/InkRelay/inkrelay-sign-go/internal/model"
)

// Rendered image bounds and compression. Payloads stay small because the
// image is scaled into the box and lossy-compressed.
const (
	MaxWidth    = 400 // Maximum rendered width in pixels
	MaxHeight   = 200 // Maximum rendered height in pixels
	JPEGQuality = 70  // Lossy quality, ~0.7
	penRadius   = 1   // Stroke half-thickness in pixels
)

// ErrCaptureEmpty is returned when a capture contains no drawn strokes.
// It blocks the save; no field value is stored.
var ErrCaptureEmpty = errors.New("capture contains no strokes")

// ErrCaptureTooLarge is returned when a capture exceeds the configured
// stroke limit. It blocks the save; no field value is stored.
var ErrCaptureTooLarge = errors.New("capture exceeds the stroke limit")

// StoredImage is the explicit result of storing a rendered capture.
// Exactly one of Ref (remote object storage) or Inline (fallback bytes) is
// set, so callers and tests can observe which path was taken.
type StoredImage struct {
	Ref    string // s3:// reference when the upload succeeded
	Inline []byte // Encoded JPEG bytes when the upload fell back
}

// StoredInline reports whether the image took the fallback path.
func (s *StoredImage) StoredInline() bool {
	return s.Ref == ""
}

// Service renders and stores signature and initial captures.
type Service struct {
	uploader   media.Uploader // nil means object storage is not configured
	maxStrokes int            // 0 or negative means unlimited
}

// NewService creates a capture service. A nil uploader is valid: every
// capture then stores inline. maxStrokes bounds how many strokes a single
// capture may carry.
func NewService(uploader media.Uploader, maxStrokes int) *Service {
	return &Service{uploader: uploader, maxStrokes: maxStrokes}
}

// StoreSignature renders the strokes, compresses the result, and attempts to
// upload it under the given object key. Upload failure is not surfaced as an
// error: the capture still succeeds with the encoded image stored inline,
// and the degraded path is visible in the returned StoredImage.
func (s *Service) StoreSignature(ctx context.Context, key string, strokes []model.Stroke) (*StoredImage, error) {
	if s.maxStrokes > 0 && len(strokes) > s.maxStrokes {
		return nil, fmt.Errorf("%w: %d strokes, limit is %d", ErrCaptureTooLarge, len(strokes), s.maxStrokes)
	}

	encoded, err := RenderJPEG(strokes)
	if err != nil {
		return nil, err
	}

	if s.uploader != nil {
		ref, err := s.uploader.Upload(ctx, key, encoded, "image/jpeg")
		if err == nil {
			return &StoredImage{Ref: ref}, nil
		}
		slog.Warn("signature upload failed, storing inline", "key", key, "error", err)
	}

	return &StoredImage{Inline: encoded}, nil
}

// RenderJPEG rasterizes the strokes onto a white canvas bounded to
// MaxWidth x MaxHeight and encodes it as JPEG at JPEGQuality.
// Returns ErrCaptureEmpty when no stroke contains a point.
func RenderJPEG(strokes []model.Stroke) ([]byte, error) {
	points := 0
	for _, st := range strokes {
		points += len(st.Points)
	}
	if points == 0 {
		return nil, ErrCaptureEmpty
	}

	img := render(strokes)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode capture: %w", err)
	}
	return buf.Bytes(), nil
}

// render draws the strokes scaled into the bounded canvas.
func render(strokes []model.Stroke) *image.RGBA {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, st := range strokes {
		for _, p := range st.Points {
			minX = math.Min(minX, p.X)
			minY = math.Min(minY, p.Y)
			maxX = math.Max(maxX, p.X)
			maxY = math.Max(maxY, p.Y)
		}
	}

	srcW := maxX - minX
	srcH := maxY - minY
	if srcW <= 0 {
		srcW = 1
	}
	if srcH <= 0 {
		srcH = 1
	}

	// Uniform scale into the box, never enlarging a small drawing
	scale := math.Min(float64(MaxWidth-2*penRadius)/srcW, float64(MaxHeight-2*penRadius)/srcH)
	if scale > 1 {
		scale = 1
	}

	width := int(math.Ceil(srcW*scale)) + 2*penRadius
	height := int(math.Ceil(srcH*scale)) + 2*penRadius
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	ink := color.RGBA{R: 16, G: 24, B: 64, A: 255}
	for _, st := range strokes {
		for i := 1; i < len(st.Points); i++ {
			a, b := st.Points[i-1], st.Points[i]
			drawLine(img,
				int((a.X-minX)*scale)+penRadius, int((a.Y-minY)*scale)+penRadius,
				int((b.X-minX)*scale)+penRadius, int((b.Y-minY)*scale)+penRadius,
				ink)
		}
		// A single-point stroke is a dot
		if len(st.Points) == 1 {
			p := st.Points[0]
			drawDot(img, int((p.X-minX)*scale)+penRadius, int((p.Y-minY)*scale)+penRadius, ink)
		}
	}
	return img
}

// drawLine draws a thick line segment using Bresenham's algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx := 1
	if x0 > x1 {
		sx = -1
	}
	sy := 1
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy

	for {
		drawDot(img, x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

// drawDot fills a small square around the point to give the pen thickness.
func drawDot(img *image.RGBA, x, y int, c color.RGBA) {
	for dy := -penRadius; dy <= penRadius; dy++ {
		for dx := -penRadius; dx <= penRadius; dx++ {
			img.SetRGBA(clamp(x+dx, 0, img.Bounds().Dx()-1), clamp(y+dy, 0, img.Bounds().Dy()-1), c)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
