// Package domain holds the types shared by every stage of the recognition pipeline.
package domain

import (
	"errors"
	"fmt"
	"math"
)

// ErrNoMatch is returned by the matcher when the catalogue holds no candidate.
var ErrNoMatch = errors.New("no matching shape in catalogue")

// SketchImage is the inbound sketch exactly as the caller sent it.
type SketchImage struct {
	DataURI string
}

// NormalizedImage is an opaque PNG ready for the feature extractor.
type NormalizedImage struct {
	Data   []byte
	Width  int
	Height int
}

// FeatureVector is the fixed-length shape descriptor produced by the extractor.
type FeatureVector []float64

// Validate checks the vector is non-empty and every component is finite.
func (v FeatureVector) Validate() error {
	if len(v) == 0 {
		return errors.New("feature vector is empty")
	}
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("feature vector component %d is not finite", i)
		}
	}
	return nil
}

// ValidateDim runs Validate and, when dim > 0, requires exactly dim components.
func (v FeatureVector) ValidateDim(dim int) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if dim > 0 && len(v) != dim {
		return fmt.Errorf("feature vector has %d components, expected %d", len(v), dim)
	}
	return nil
}

// Float32 converts the vector for stores that index single precision values.
func (v FeatureVector) Float32() []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// ShapeRecord is a read-only view of one catalogue entry.
type ShapeRecord struct {
	ID              string
	CanonicalVec    FeatureVector
	PreviewImageURL string
	Metadata        map[string]any
}

// MatchResult is the successful answer to a recognition request.
type MatchResult struct {
	MatchedShapeID  string         `json:"matchedShapeId"`
	SimilarityScore float64        `json:"similarityScore"`
	PreviewImageURL string         `json:"previewImageUrl"`
	Metadata        map[string]any `json:"metadata"`
}
