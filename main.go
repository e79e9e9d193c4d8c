package main

import (
	"context"
	"errors"
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

	"github.com/example/livecapture/internal/auth"
	"github.com/example/livecapture/internal/camera"
	"github.com/example/livecapture/internal/capture"
	"github.com/example/livecapture/internal/config"
	"github.com/example/livecapture/internal/detector"
	"github.com/example/livecapture/internal/handlers"
	"github.com/example/livecapture/internal/logging"
	"github.com/example/livecapture/internal/repository"
	"github.com/example/livecapture/internal/usecase"
	"github.com/example/livecapture/internal/verifier"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration invalid", zap.Error(err))
	}

	db := initDatabase(ctx, cfg, logger)
	repo := repository.NewAttemptRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg, logger)

	faceDetector := detector.NewRemoteDetector(cfg.DetectorBaseURL, logger)
	go func() {
		// Model warm-up runs detached; guidance ticks report the model
		// as not ready until it completes.
		warmupCtx, warmupCancel := context.WithTimeout(context.Background(), time.Minute)
		defer warmupCancel()
		if err := faceDetector.Init(warmupCtx); err != nil {
			logger.Error("detector warmup failed", zap.Error(err))
		}
	}()

	cam := camera.NewManager(
		camera.NewSnapshotOpener(cfg.CameraSnapshotURL, logger),
		camera.Constraints{Width: cfg.CameraWidth, Height: cfg.CameraHeight, FacingFront: true},
	)

	verifierClient := verifier.NewHTTPClient(cfg.VerifierBaseURL, cfg.VerifierClientID, cfg.VerifierClientSecret, logger)

	machine := capture.NewMachine(cam, faceDetector, verifierClient, logger)
	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewAttemptUseCase(machine, repo, cache, logger)
	machine.OnResult(uc.HandleResult)

	r := gin.Default()
	authMiddleware := auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, uc, authMiddleware)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("liveness capture service listening", zap.String("addr", cfg.HTTPAddr))
	err = serveHTTPServer(server, 15*time.Second, logger)

	// Whatever ended the server, the device must not leak.
	machine.Reset()

	if err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
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

func initRedis(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
