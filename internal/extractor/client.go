// Package extractor calls the external feature extraction service.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/example/sketch-match/internal/domain"
	"github.com/example/sketch-match/internal/resilience"
)

const (
	formField      = "file"
	formFilename   = "shape.png"
	defaultMaxBody = 1 << 20
	defaultTimeout = 10 * time.Second
	operationName  = "extractor.extract"
)

// Options configures a Client.
type Options struct {
	// URL is the full upload endpoint, e.g. http://cv:8000/process-image/.
	URL string
	// Timeout bounds each attempt.
	Timeout time.Duration
	// Dimension is the expected vector length; 0 accepts any non-empty vector.
	Dimension        int
	Retry            resilience.RetryPolicy
	Breaker          resilience.BreakerOpts
	MaxResponseBytes int64
	// Transport defaults to an OpenTelemetry-instrumented http.DefaultTransport.
	Transport http.RoundTripper
}

// Client uploads normalized images and returns their feature vectors.
type Client struct {
	url         string
	timeout     time.Duration
	dimension   int
	maxResponse int64
	retry       resilience.RetryPolicy
	breaker     *resilience.Breaker
	http        *http.Client
	logger      *zap.Logger
}

type extractResponse struct {
	FeatureVector []float64 `json:"feature_vector"`
}

type errorResponse struct {
	Detail any `json:"detail"`
}

// New builds a Client.
func New(opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = defaultMaxBody
	}
	transport := opts.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	breakerOpts := opts.Breaker
	if breakerOpts.IsFailure == nil {
		breakerOpts.IsFailure = IsTransient
	}
	if breakerOpts.Ignore == nil {
		breakerOpts.Ignore = isAbandoned
	}

	return &Client{
		url:         opts.URL,
		timeout:     opts.Timeout,
		dimension:   opts.Dimension,
		maxResponse: opts.MaxResponseBytes,
		retry:       opts.Retry,
		breaker:     resilience.NewBreaker(breakerOpts),
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		logger: logger.Named("extractor"),
	}
}

// Extract returns the feature vector for img. Every error wraps an *ExtractionError.
func (c *Client) Extract(ctx context.Context, img domain.NormalizedImage) (domain.FeatureVector, error) {
	var vec domain.FeatureVector
	err := resilience.Retry(ctx, c.retry, c.logger, operationName, retryable, func(ctx context.Context) error {
		return c.breaker.Call(ctx, func(ctx context.Context) error {
			v, err := c.extractOnce(ctx, img)
			if err != nil {
				if ctx.Err() != nil {
					return abandoned(ctx.Err())
				}
				return err
			}
			vec = v
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, transient("extractor circuit open", err)
		}
		return nil, err
	}
	return vec, nil
}

func (c *Client) extractOnce(ctx context.Context, img domain.NormalizedImage) (domain.FeatureVector, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := multipartBody(img.Data)
	if err != nil {
		return nil, &ExtractionError{Reason: "build upload", Err: err}
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, &ExtractionError{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, transient(fmt.Sprintf("timed out after %s", c.timeout), err)
		}
		return nil, transient("request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse+1))
	if err != nil {
		return nil, transient("read response", err)
	}
	if int64(len(data)) > c.maxResponse {
		return nil, transient(fmt.Sprintf("response exceeds %d bytes", c.maxResponse), nil)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ExtractionError{
			Transient:  true,
			Reason:     "unexpected status",
			StatusCode: resp.StatusCode,
			Detail:     upstreamDetail(data),
		}
	}

	var payload extractResponse
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, transient("malformed response", err)
	}

	vec := domain.FeatureVector(payload.FeatureVector)
	if len(vec) == 0 {
		return nil, &ExtractionError{Transient: false, Reason: "no features", Err: ErrNoFeatures}
	}
	if err := vec.ValidateDim(c.dimension); err != nil {
		return nil, transient("invalid feature vector", err)
	}
	return vec, nil
}

func multipartBody(png []byte) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, formField, formFilename))
	header.Set("Content-Type", "image/png")

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(png); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

func upstreamDetail(data []byte) string {
	var payload errorResponse
	if err := json.Unmarshal(data, &payload); err != nil || payload.Detail == nil {
		return ""
	}
	if s, ok := payload.Detail.(string); ok {
		return s
	}
	encoded, _ := json.Marshal(payload.Detail)
	return string(encoded)
}
