package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/pixelforge/internal/artifact"
	"github.com/example/pixelforge/internal/auth"
	"github.com/example/pixelforge/internal/config"
	"github.com/example/pixelforge/internal/handlers"
	"github.com/example/pixelforge/internal/imageproc"
	"github.com/example/pixelforge/internal/repository"
	"github.com/example/pixelforge/internal/segmenter"
	"github.com/example/pixelforge/internal/usecase"
)

// newSession loads the configured model through the configured backend.
func newSession(cfg *config.Config, logger *zap.Logger) (*segmenter.Session, error) {
	var factory segmenter.EngineFactory
	switch cfg.Model.Backend {
	case "grpc":
		factory = segmenter.NewRemoteFactory(cfg.Model.RemoteAddr, logger)
	default:
		factory = segmenter.NewONNXFactory(segmenter.ONNXOptions{
			ModelPath:   cfg.Model.Path,
			LibraryPath: cfg.Model.LibraryPath,
			InputSize:   cfg.Model.InputSize,
		})
	}
	return segmenter.NewSession(cfg.Model.Name, factory, logger)
}

func closeSession(session *segmenter.Session, logger *zap.Logger) {
	if err := session.Close(); err != nil {
		logger.Warn("failed to close inference session", zap.Error(err))
	}
	if err := segmenter.ShutdownRuntime(); err != nil {
		logger.Warn("failed to shut down onnx runtime", zap.Error(err))
	}
}

// initDatabase opens the job log database. An empty DSN disables it.
func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) (*repository.JobRepository, error) {
	if cfg.DSN == "" {
		zapLogger.Info("no database configured, job log and stats disabled")
		return nil, nil
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping: %w", err)
	}

	repo := repository.NewJobRepository(db, zapLogger)
	if err := repo.AutoMigrate(ctx); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return repo, nil
}

// initRegistry returns the Redis registry when configured and otherwise an
// in-memory one; the second result is non-nil only for the latter.
func initRegistry(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) (artifact.Registry, *artifact.MemoryRegistry, func(), error) {
	if cfg.Addr == "" {
		zapLogger.Info("no redis configured, keeping artifact registry in memory")
		memory := artifact.NewMemoryRegistry()
		return memory, memory, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			zapLogger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	return artifact.NewRedisRegistry(client), nil, closeFn, nil
}

func newUseCase(cfg *config.Config, remover usecase.Remover, staging *artifact.Staging, registry artifact.Registry, jobs *repository.JobRepository, logger *zap.Logger) *usecase.RemovalUseCase {
	var store usecase.JobStore
	if jobs != nil {
		store = jobs
	}
	return usecase.NewRemovalUseCase(remover, imageproc.NewPreprocessor(cfg.Limits.ResizeBound), staging, registry, store, usecase.Options{
		MaxUploadBytes: cfg.Limits.MaxUploadBytes,
		MaxBatchFiles:  cfg.Limits.MaxBatchFiles,
		BatchWorkers:   cfg.Limits.BatchWorkers,
		ArtifactTTL:    cfg.Storage.ArtifactTTL,
		LocalRoot:      cfg.Storage.LocalRoot,
	}, logger)
}

// newRouter assembles the middleware chain and routes of the HTTP API.
func newRouter(cfg *config.Config, uc *usecase.RemovalUseCase, health handlers.HealthChecker, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.MaxMultipartMemory = cfg.Limits.MaxUploadBytes
	router.Use(gin.Recovery(), handlers.AccessLog(logger), handlers.CORS(), handlers.Compression())

	handlers.RegisterRoutes(router, uc, health, handlers.Options{
		MaxUploadBytes: cfg.Limits.MaxUploadBytes,
		MaxBatchFiles:  cfg.Limits.MaxBatchFiles,
		StaticDir:      cfg.StaticDir,
		Logger:         logger,
	}, auth.Middleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience))
	return router
}
