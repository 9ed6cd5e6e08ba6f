package extractor

import (
	"errors"
	"fmt"

	"github.com/example/sketch-match/internal/resilience"
)

// ErrNoFeatures means the extractor answered correctly but found nothing to describe.
var ErrNoFeatures = errors.New("extractor returned no feature vector")

// ExtractionError is the only error type returned by Client.Extract.
//
// Transient failures (network, timeout, bad status, malformed body) may succeed on a
// later attempt. Non-transient failures are properties of the image itself.
type ExtractionError struct {
	Transient bool
	// Abandoned marks failures caused by the caller's context ending. They are
	// never retried and never count against the circuit breaker.
	Abandoned  bool
	Reason     string
	StatusCode int
	// Detail is the upstream error message, kept for logs.
	Detail string
	Err    error
}

func (e *ExtractionError) Error() string {
	msg := "extraction failed: " + e.Reason
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// IsTransient reports whether err is an ExtractionError worth retrying.
func IsTransient(err error) bool {
	var extErr *ExtractionError
	return errors.As(err, &extErr) && extErr.Transient
}

func retryable(err error) bool {
	return IsTransient(err) && !isAbandoned(err) && !errors.Is(err, resilience.ErrCircuitOpen)
}

func isAbandoned(err error) bool {
	var extErr *ExtractionError
	return errors.As(err, &extErr) && extErr.Abandoned
}

func abandoned(err error) *ExtractionError {
	return &ExtractionError{Transient: true, Abandoned: true, Reason: "caller context ended", Err: err}
}

func transient(reason string, err error) *ExtractionError {
	return &ExtractionError{Transient: true, Reason: reason, Err: err}
}
