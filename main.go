package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/sam-web/internal/auth"
	"github.com/example/sam-web/internal/checkpoint"
	"github.com/example/sam-web/internal/config"
	"github.com/example/sam-web/internal/grpcclient"
	"github.com/example/sam-web/internal/handlers"
	"github.com/example/sam-web/internal/imagestore"
	"github.com/example/sam-web/internal/logging"
	"github.com/example/sam-web/internal/repository"
	"github.com/example/sam-web/internal/usecase"
)

func main() {
	cfg, err := config.Load(getEnv("SAM_CONFIG", "config.yaml"))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Server.Mode)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var repo usecase.SegmentationRepository
	if cfg.Database.Driver != "" {
		db := initDatabase(ctx, cfg.Database, logger)
		segRepo := repository.NewSegmentationRepository(db, logger)
		if err := segRepo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = segRepo
	} else {
		logger.Info("database driver not configured, audit log disabled")
	}

	var store imagestore.Store = imagestore.NewMemoryStore()
	if cfg.Image.Store == "redis" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		redisClient := initRedis(redisCtx, cfg.Redis, logger)
		defer redisClient.Close()
		store = imagestore.NewRedisStore(imagestore.NewRedisCache(redisClient), cfg.Image.TTL)
	}

	client, conn, err := grpcclient.DialSegmenter(ctx, cfg.Segmenter.Addr, cfg.Segmenter.DialTimeout, logger)
	if err != nil {
		logger.Fatal("failed to connect to segmenter", zap.Error(err))
	}
	defer conn.Close()

	if err := loadModel(cfg, client, logger); err != nil {
		logger.Fatal("failed to load model", zap.Error(err))
	}

	uc := usecase.NewSegmentationUseCase(store, client, repo, usecase.Options{
		MaxSize:    cfg.Image.MaxSize,
		MaxPixels:  cfg.Image.MaxPixels,
		GridStride: cfg.Image.GridStride,
		Multimask:  cfg.Segmenter.Multimask,
		SaveDir:    cfg.Upload.SaveDir,
	}, logger)

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))
	r.MaxMultipartMemory = cfg.Server.MaxUploadBytes

	if cfg.Server.IndexPage != "" {
		r.StaticFile("/", cfg.Server.IndexPage)
	}

	sessionMiddleware := auth.SessionMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	handlers.RegisterRoutes(r, handlers.NewHandler(uc, logger, cfg.Server.MaxUploadBytes), sessionMiddleware)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	logger.Info("segmentation server listening", zap.String("addr", cfg.Server.Addr))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// loadModel makes sure the checkpoint is on disk and asks the model server to
// load it. Checkpoints can take minutes to fetch, so it runs on its own clock.
func loadModel(cfg *config.Config, client *grpcclient.Client, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := checkpoint.NewManager(cfg.Checkpoint.Dir, cfg.Checkpoint.BaseURL, cfg.Checkpoint.Download, logger)
	localPath, err := manager.Ensure(ctx, cfg.Segmenter.ModelType)
	if err != nil {
		return err
	}
	return client.LoadModel(ctx, cfg.Segmenter.ModelType, serverCheckpointPath(cfg.Segmenter.CheckpointDir, localPath), cfg.Segmenter.Device)
}

// serverCheckpointPath maps a local checkpoint path to the model server's view
// of it. An empty serverDir means both processes share the same filesystem.
func serverCheckpointPath(serverDir, localPath string) string {
	if serverDir == "" {
		return localPath
	}
	return path.Join(serverDir, filepath.Base(localPath))
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	dialector, err := openDialector(cfg)
	if err != nil {
		zapLogger.Fatal("invalid database configuration", zap.Error(err))
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	if cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func openDialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "sqlite":
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
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

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
