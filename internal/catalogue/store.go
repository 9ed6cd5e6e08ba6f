// Package catalogue finds the catalogued shape nearest to a feature vector.
package catalogue

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/sketch-match/internal/domain"
)

// Candidate is the closest catalogue row as reported by a Store.
type Candidate struct {
	ID              string
	PreviewImageURL string
	Metadata        map[string]any
	Distance        float64
}

// Store answers one query shape: the single record nearest to a vector.
//
// Nearest returns domain.ErrNoMatch when the catalogue is empty and a *StoreError for
// every other failure. Among records at equal distance the lowest id wins.
type Store interface {
	Nearest(ctx context.Context, vec domain.FeatureVector) (Candidate, error)
	Ping(ctx context.Context) error
}

// StoreError is any failure to run the nearest-neighbor query.
type StoreError struct {
	Transient bool
	Reason    string
	Err       error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalogue: %s: %v", e.Reason, e.Err)
	}
	return "catalogue: " + e.Reason
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a StoreError worth retrying.
func IsTransient(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr) && storeErr.Transient
}
