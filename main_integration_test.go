package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/sketch-match/internal/catalogue"
	"github.com/example/sketch-match/internal/config"
	"github.com/example/sketch-match/internal/domain"
	"github.com/example/sketch-match/internal/middleware"
	"github.com/example/sketch-match/internal/usecase"
)

// blockingRecognizer holds every recognition until released.
type blockingRecognizer struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRecognizer) Recognize(ctx context.Context, sketch domain.SketchImage) domain.Outcome {
	select {
	case <-b.started:
	default:
		close(b.started)
	}
	<-b.release
	return domain.Success(domain.MatchResult{MatchedShapeID: "1", SimilarityScore: 1})
}

func (b *blockingRecognizer) GetMetricsSummary() *usecase.MetricsSummary {
	return &usecase.MetricsSummary{}
}

type readyStore struct{}

func (readyStore) Ping(context.Context) error { return nil }

func (readyStore) Leases() catalogue.LeaseStats { return catalogue.LeaseStats{Size: 1} }

func testConfig() *config.Config {
	return &config.Config{
		LogLevel:        "info",
		MaxBodyBytes:    1 << 20,
		RateLimitMax:    100,
		RateLimitWindow: 15 * time.Minute,
		CORSOrigins:     []string{"http://localhost:5000"},
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()

	uc := &blockingRecognizer{started: make(chan struct{}), release: make(chan struct{})}
	defer func() {
		select {
		case <-uc.release:
		default:
			close(uc.release)
		}
	}()

	cfg := testConfig()
	router := newRouter(cfg, logger, uc, readyStore{}, middleware.NewLocalLimiter(cfg.RateLimitMax, cfg.RateLimitWindow))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	waitForServer(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		body := strings.NewReader(`{"image":"data:image/png;base64,AAAA"}`)
		resp, err := client.Post("http://"+addr+"/api/shapes/recognize", "application/json", body)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-uc.started:
	case <-time.After(2 * time.Second):
		t.Fatal("recognition did not start in time")
	}

	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(uc.release)

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
		if !strings.Contains(string(body), `"matchedShapeId":"1"`) {
			t.Fatalf("in-flight recognition was cut short: %s", string(body))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
