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
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/gender-api/internal/auth"
	"github.com/example/gender-api/internal/classifier"
	"github.com/example/gender-api/internal/config"
	"github.com/example/gender-api/internal/grpcclient"
	"github.com/example/gender-api/internal/handlers"
	"github.com/example/gender-api/internal/imageprocessor"
	"github.com/example/gender-api/internal/logging"
	"github.com/example/gender-api/internal/repository"
	"github.com/example/gender-api/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Server.Debug)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	clf, closeClassifier := initClassifier(ctx, cfg.Classifier, logger)
	defer closeClassifier()

	var opts []usecase.Option
	if cfg.History.DatabaseDSN != "" {
		db := initDatabase(ctx, cfg.History.DatabaseDSN, cfg.Server.Debug, logger)
		repo := repository.NewClassificationRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts = append(opts, usecase.WithRepository(repo))
	}
	if cfg.History.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.History.RedisAddr, logger)
		redisCancel()
		defer redisClient.Close()
		opts = append(opts, usecase.WithCache(usecase.NewRedisCache(redisClient), cfg.History.CacheTTL))
	}

	uc := usecase.NewClassificationUseCase(
		imageprocessor.NewDecoder(cfg.Image.MaxBytes, cfg.Image.MaxPixels),
		imageprocessor.NewPreprocessor(),
		clf,
		logger,
		opts...,
	)

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, classification endpoints are unauthenticated")
	}
	router := handlers.NewRouter(uc, logger, handlers.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxImageBytes:  cfg.Image.MaxBytes,
		Auth:           auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience),
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("gender classification API listening",
		zap.String("addr", cfg.Addr()),
		zap.String("backend", clf.Name()),
		zap.Bool("history", cfg.HistoryEnabled()))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initClassifier builds the configured backend and returns its cleanup func.
func initClassifier(ctx context.Context, cfg config.ClassifierConfig, logger *zap.Logger) (classifier.Classifier, func()) {
	switch cfg.Backend {
	case config.BackendONNX:
		clf, err := classifier.NewONNXClassifier(cfg.ONNXModelPath, cfg.ONNXMetadata, cfg.ONNXLibraryPath, logger)
		if err != nil {
			logger.Fatal("failed to load onnx model", zap.Error(err), zap.String("model", cfg.ONNXModelPath))
		}
		return clf, clf.Close
	case config.BackendGRPC:
		clf, conn, err := grpcclient.DialClassifier(ctx, cfg.GRPCAddr, cfg.Timeout, logger)
		if err != nil {
			logger.Fatal("failed to connect to classifier service", zap.Error(err), zap.String("addr", cfg.GRPCAddr))
		}
		return clf, func() { _ = conn.Close() }
	default:
		logger.Warn("running with the stub classifier, results are random")
		return classifier.NewStubClassifier(), func() {}
	}
}

func initDatabase(ctx context.Context, dsn string, debug bool, zapLogger *zap.Logger) *gorm.DB {
	logLevel := gormlogger.Warn
	if debug {
		logLevel = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(logLevel)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
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

// serveHTTPServerWithOptions serves until the server fails or a shutdown
// signal arrives, then drains in-flight requests within shutdownTimeout.
// A nil listener means ListenAndServe; a nil signalCh means SIGINT/SIGTERM.
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

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

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
