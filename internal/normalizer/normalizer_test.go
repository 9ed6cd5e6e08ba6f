package normalizer

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sketch-match/internal/domain"
)

func newTestNormalizer(t *testing.T, limits Limits) *Normalizer {
	t.Helper()
	n, err := New(limits, "#ffffff")
	require.NoError(t, err)
	return n
}

// transparentSketch draws an opaque black stroke on a fully transparent canvas.
func transparentSketch(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.SetNRGBA(x, h/2, color.NRGBA{A: 0xff})
	}
	return img
}

func encodePNGDataURI(t *testing.T, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return DataURIPrefix + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func assertInvalid(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var invalidErr *InvalidImageError
	assert.True(t, errors.As(err, &invalidErr), "expected InvalidImageError, got %T", err)
}

func TestNormalizeRemovesAlpha(t *testing.T) {
	n := newTestNormalizer(t, DefaultLimits)
	out, err := n.Normalize(domain.SketchImage{DataURI: encodePNGDataURI(t, transparentSketch(32, 16))})
	require.NoError(t, err)
	assert.Equal(t, 32, out.Width)
	assert.Equal(t, 16, out.Height)

	decoded, err := png.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	_, isRGBA := decoded.(*image.RGBA)
	assert.True(t, isRGBA, "opaque truecolor PNG expected, got %T", decoded)

	bounds := decoded.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			_, _, _, a := decoded.At(x, y).RGBA()
			require.Equal(t, uint32(0xffff), a, "pixel (%d,%d) is not opaque", x, y)
		}
	}

	r, g, b, _ := decoded.At(0, 0).RGBA()
	assert.Equal(t, [3]uint32{0xffff, 0xffff, 0xffff}, [3]uint32{r, g, b}, "transparent area flattens to white")
	r, g, b, _ = decoded.At(0, 8).RGBA()
	assert.Equal(t, [3]uint32{0, 0, 0}, [3]uint32{r, g, b}, "stroke keeps its colour")
}

func TestNormalizeIsIdempotent(t *testing.T) {
	n := newTestNormalizer(t, DefaultLimits)
	first, err := n.Normalize(domain.SketchImage{DataURI: encodePNGDataURI(t, transparentSketch(24, 24))})
	require.NoError(t, err)

	second, err := n.Normalize(domain.SketchImage{DataURI: DataURI(first)})
	require.NoError(t, err)
	assert.Equal(t, first.Data, second.Data)
}

func TestNormalizeCustomBackground(t *testing.T) {
	n, err := New(DefaultLimits, "#ff0000")
	require.NoError(t, err)

	out, err := n.Normalize(domain.SketchImage{DataURI: encodePNGDataURI(t, transparentSketch(4, 4))})
	require.NoError(t, err)
	decoded, err := png.Decode(bytes.NewReader(out.Data))
	require.NoError(t, err)
	r, g, b, _ := decoded.At(0, 0).RGBA()
	assert.Equal(t, [3]uint32{0xffff, 0, 0}, [3]uint32{r, g, b})
}

func TestNormalizeRejectsWrongPrefix(t *testing.T) {
	n := newTestNormalizer(t, DefaultLimits)
	valid := encodePNGDataURI(t, transparentSketch(4, 4))
	payload := valid[len(DataURIPrefix):]

	for _, uri := range []string{
		"",
		payload,
		"data:image/jpeg;base64," + payload,
		"data:image/png," + payload,
		"DATA:IMAGE/PNG;BASE64," + payload,
	} {
		_, err := n.Normalize(domain.SketchImage{DataURI: uri})
		assertInvalid(t, err)
	}
}

func TestNormalizeRejectsUndecodablePayloads(t *testing.T) {
	n := newTestNormalizer(t, DefaultLimits)

	var jpg bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, transparentSketch(4, 4), nil))

	cases := map[string]string{
		"empty":      DataURIPrefix,
		"not base64": DataURIPrefix + "%%%not-base64%%%",
		"not png":    DataURIPrefix + base64.StdEncoding.EncodeToString([]byte("hello world")),
		"jpeg bytes": DataURIPrefix + base64.StdEncoding.EncodeToString(jpg.Bytes()),
	}
	for name, uri := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := n.Normalize(domain.SketchImage{DataURI: uri})
			assertInvalid(t, err)
		})
	}
}

func TestNormalizeEnforcesLimits(t *testing.T) {
	t.Run("dimension", func(t *testing.T) {
		n := newTestNormalizer(t, Limits{MaxImageBytes: 1 << 20, MaxDimension: 16, MaxPixels: 1 << 20})
		_, err := n.Normalize(domain.SketchImage{DataURI: encodePNGDataURI(t, transparentSketch(20, 10))})
		assertInvalid(t, err)
	})
	t.Run("pixels", func(t *testing.T) {
		n := newTestNormalizer(t, Limits{MaxImageBytes: 1 << 20, MaxDimension: 64, MaxPixels: 100})
		_, err := n.Normalize(domain.SketchImage{DataURI: encodePNGDataURI(t, transparentSketch(11, 10))})
		assertInvalid(t, err)
	})
	t.Run("bytes", func(t *testing.T) {
		n := newTestNormalizer(t, Limits{MaxImageBytes: 16, MaxDimension: 64, MaxPixels: 1 << 20})
		_, err := n.Normalize(domain.SketchImage{DataURI: encodePNGDataURI(t, transparentSketch(8, 8))})
		assertInvalid(t, err)
	})
}

func TestNewRejectsBadBackground(t *testing.T) {
	_, err := New(DefaultLimits, "white")
	assert.Error(t, err)
}
