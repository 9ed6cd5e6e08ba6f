package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/sketch-match/internal/auth"
	"github.com/example/sketch-match/internal/catalogue"
	"github.com/example/sketch-match/internal/config"
	"github.com/example/sketch-match/internal/extractor"
	"github.com/example/sketch-match/internal/handlers"
	"github.com/example/sketch-match/internal/logging"
	"github.com/example/sketch-match/internal/middleware"
	"github.com/example/sketch-match/internal/normalizer"
	"github.com/example/sketch-match/internal/resilience"
	"github.com/example/sketch-match/internal/usecase"
)

const serviceName = "sketch-match"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, closeStore := initCatalogue(ctx, cfg, logger)
	defer closeStore()

	retry := resilience.RetryPolicy{
		Attempts:       cfg.RetryAttempts,
		InitialBackoff: cfg.RetryInitialBackoff,
		MaxBackoff:     cfg.RetryMaxBackoff,
		Jitter:         true,
	}

	matcher := catalogue.NewMatcher(store, catalogue.NewLeasePool(cfg.CatalogueMaxConns), catalogue.MatcherOptions{
		Metric:       catalogue.Cosine,
		QueryTimeout: cfg.CatalogueQueryTimeout,
		Retry:        retry,
	}, logger)

	norm, err := normalizer.New(normalizer.Limits{
		MaxImageBytes: cfg.MaxImageBytes,
		MaxDimension:  cfg.MaxImageDimension,
		MaxPixels:     cfg.MaxImagePixels,
	}, cfg.Background)
	if err != nil {
		logger.Fatal("invalid normalizer settings", zap.Error(err))
	}

	ext := extractor.New(extractor.Options{
		URL:       cfg.ExtractorURL,
		Timeout:   cfg.ExtractorTimeout,
		Dimension: cfg.FeatureDimension,
		Retry:     retry,
		Breaker: resilience.BreakerOpts{
			FailThreshold: cfg.BreakerFailThreshold,
			Timeout:       cfg.BreakerOpenTimeout,
		},
	}, logger)

	uc := usecase.NewRecognitionUseCase(norm, ext, matcher, logger)

	limiter := initRateLimiter(ctx, cfg, logger)
	r := newRouter(cfg, logger, uc, matcher, limiter)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(r, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("sketch-match listening",
		zap.String("addr", server.Addr),
		zap.String("catalogue", cfg.CatalogueBackend),
		zap.String("extractor", cfg.ExtractorURL),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(cfg *config.Config, logger *zap.Logger, uc handlers.Recognizer, ready handlers.ReadinessChecker, limiter middleware.Limiter) *gin.Engine {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		logger.Error("invalid trusted proxies, trusting none", zap.Strings("trusted_proxies", cfg.TrustedProxies), zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(
		middleware.RequestID(),
		middleware.Recovery(logger),
		middleware.AccessLog(logger),
		middleware.SecureHeaders(),
		middleware.CORS(cfg.CORSOrigins),
	)

	guards := []gin.HandlerFunc{middleware.RateLimit(limiter, logger)}
	if cfg.JWTSecret != "" {
		guards = append(guards, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience))
	}

	handlers.RegisterRoutes(r, uc, ready, handlers.Options{
		MaxBodyBytes: cfg.MaxBodyBytes,
		Guards:       guards,
	})
	return r
}

func initCatalogue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (catalogue.Store, func()) {
	if cfg.CatalogueBackend == config.BackendQdrant {
		store, err := catalogue.NewQdrantStore(cfg.QdrantAddr, cfg.QdrantCollection, logger)
		if err != nil {
			logger.Fatal("failed to create qdrant client", zap.Error(err))
		}
		if err := store.Ping(ctx); err != nil {
			logger.Fatal("qdrant catalogue unavailable", zap.Error(err))
		}
		return store, func() { _ = store.Close() }
	}

	db := initDatabase(ctx, cfg, logger)
	return catalogue.NewPostgresStore(db, cfg.CatalogueTable, catalogue.Cosine), func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(min(5, cfg.CatalogueMaxConns))
	sqlDB.SetMaxOpenConns(cfg.CatalogueMaxConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRateLimiter(ctx context.Context, cfg *config.Config, logger *zap.Logger) middleware.Limiter {
	if cfg.RedisAddr == "" {
		return middleware.NewLocalLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	client := initRedis(redisCtx, cfg.RedisAddr, logger)
	return middleware.NewRedisLimiter(middleware.NewRedisCounter(client), cfg.RateLimitMax, cfg.RateLimitWindow, logger)
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
