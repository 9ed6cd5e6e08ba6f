// Package normalizer validates inbound sketches and canonicalizes them into opaque PNGs.
//
// Only PNG data URIs are accepted. The declared prefix is an allow-list check, not
// content sniffing: the payload after the prefix must then decode as PNG.
package normalizer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/example/sketch-match/internal/domain"
)

// DataURIPrefix is the only accepted image encoding.
const DataURIPrefix = "data:image/png;base64,"

// Limits bounds the work done for a single sketch.
type Limits struct {
	// MaxImageBytes caps the decoded PNG size. The base64 text is capped accordingly.
	MaxImageBytes int
	// MaxDimension caps width and height independently.
	MaxDimension int
	// MaxPixels caps width*height.
	MaxPixels int
}

// DefaultLimits fit a full-screen canvas export with room to spare.
var DefaultLimits = Limits{
	MaxImageBytes: 4 << 20,
	MaxDimension:  4096,
	MaxPixels:     4096 * 4096,
}

// InvalidImageError reports why a sketch was rejected.
type InvalidImageError struct {
	Reason string
	Err    error
}

func (e *InvalidImageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid image: %s: %v", e.Reason, e.Err)
	}
	return "invalid image: " + e.Reason
}

func (e *InvalidImageError) Unwrap() error { return e.Err }

func invalid(reason string, err error) error {
	return &InvalidImageError{Reason: reason, Err: err}
}

// Normalizer flattens sketches onto an opaque background. It is safe for concurrent use.
type Normalizer struct {
	limits     Limits
	background color.NRGBA
}

// New builds a Normalizer. backgroundHex is a CSS-style colour such as "#ffffff".
func New(limits Limits, backgroundHex string) (*Normalizer, error) {
	if limits.MaxImageBytes <= 0 || limits.MaxDimension <= 0 || limits.MaxPixels <= 0 {
		return nil, fmt.Errorf("normalizer: limits must be positive: %+v", limits)
	}
	bg, err := colorful.Hex(backgroundHex)
	if err != nil {
		return nil, fmt.Errorf("normalizer: background colour: %w", err)
	}
	r, g, b := bg.RGB255()
	return &Normalizer{
		limits:     limits,
		background: color.NRGBA{R: r, G: g, B: b, A: 0xff},
	}, nil
}

// Normalize decodes the sketch, removes transparency and re-encodes it as PNG.
// The result is a pure function of the input: normalizing it again yields the same bytes.
func (n *Normalizer) Normalize(sketch domain.SketchImage) (domain.NormalizedImage, error) {
	if !strings.HasPrefix(sketch.DataURI, DataURIPrefix) {
		return domain.NormalizedImage{}, invalid("expected a "+strings.TrimSuffix(DataURIPrefix, ",")+" data URI", nil)
	}
	payload := sketch.DataURI[len(DataURIPrefix):]
	if payload == "" {
		return domain.NormalizedImage{}, invalid("image payload is empty", nil)
	}
	if len(payload) > base64.StdEncoding.EncodedLen(n.limits.MaxImageBytes) {
		return domain.NormalizedImage{}, invalid(fmt.Sprintf("image exceeds %d bytes", n.limits.MaxImageBytes), nil)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return domain.NormalizedImage{}, invalid("image payload is not valid base64", err)
	}
	if len(raw) == 0 {
		return domain.NormalizedImage{}, invalid("image payload is empty", nil)
	}
	if len(raw) > n.limits.MaxImageBytes {
		return domain.NormalizedImage{}, invalid(fmt.Sprintf("image exceeds %d bytes", n.limits.MaxImageBytes), nil)
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return domain.NormalizedImage{}, invalid("image is not a decodable PNG", err)
	}
	if err := n.checkDimensions(cfg.Width, cfg.Height); err != nil {
		return domain.NormalizedImage{}, err
	}

	src, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return domain.NormalizedImage{}, invalid("image is not a decodable PNG", err)
	}

	bounds := src.Bounds()
	canvas := imaging.New(bounds.Dx(), bounds.Dy(), n.background)
	flat := imaging.Overlay(canvas, src, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flat, imaging.PNG); err != nil {
		return domain.NormalizedImage{}, fmt.Errorf("normalizer: encode png: %w", err)
	}

	return domain.NormalizedImage{
		Data:   buf.Bytes(),
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

func (n *Normalizer) checkDimensions(w, h int) error {
	if w <= 0 || h <= 0 {
		return invalid("image has no pixels", nil)
	}
	if w > n.limits.MaxDimension || h > n.limits.MaxDimension {
		return invalid(fmt.Sprintf("image is %dx%d, limit is %d per side", w, h, n.limits.MaxDimension), nil)
	}
	if w*h > n.limits.MaxPixels {
		return invalid(fmt.Sprintf("image has %d pixels, limit is %d", w*h, n.limits.MaxPixels), nil)
	}
	return nil
}

// DataURI renders a normalized image back into the accepted inbound format.
func DataURI(img domain.NormalizedImage) string {
	return DataURIPrefix + base64.StdEncoding.EncodeToString(img.Data)
}
