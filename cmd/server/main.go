package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/lending-engine/internal/cache"
	"github.com/segyhp/lending-engine/internal/config"
	"github.com/segyhp/lending-engine/internal/handler"
	"github.com/segyhp/lending-engine/internal/repository"
	"github.com/segyhp/lending-engine/internal/repository/memory"
	"github.com/segyhp/lending-engine/internal/service"
	"github.com/segyhp/lending-engine/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if cfg.IsDevelopment() {
		log.SetReportCaller(true)
	}

	if cfg.Auth.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}

	// Initialize storage
	store, closeStore, err := initStore(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}
	defer closeStore()

	opts := []service.Option{
		service.WithLogger(log),
		service.WithLateFeePerDay(cfg.GetLateFeePerDay()),
	}

	// Initialize Redis
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = initRedis(cfg)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize redis")
		}
		defer redisClient.Close()
		opts = append(opts, service.WithCache(cache.NewRedisLoanCache(redisClient, cfg.Redis.CacheTTL)))
	}

	// Initialize service
	lendingService := service.NewLendingService(store, opts...)
	lendingHandler := handler.NewLendingHandler(lendingService, log)
	healthHandler := handler.NewHealthHandler(store, redisClient, cfg.GetHealthTimeout())
	authenticator := handler.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, log)

	// Setup routes
	router := handler.NewRouter(lendingHandler, healthHandler, authenticator, log)

	// Start server
	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.WithFields(logrus.Fields{
			"addr":    server.Addr,
			"storage": cfg.Database.StorageDriver,
			"cache":   cfg.Redis.Enabled,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
		return
	}

	log.Info("Server exited")
}

func initStore(cfg *config.Config, log logrus.FieldLogger) (repository.Store, func(), error) {
	if cfg.Database.StorageDriver == config.StorageDriverMemory {
		log.Warn("Using in-memory storage; lending state is lost on restart")
		return memory.NewStore(), func() {}, nil
	}

	db, err := initDB(cfg)
	if err != nil {
		return nil, nil, err
	}

	isolation, err := cfg.Database.Isolation()
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	store := repository.NewPostgresStore(db,
		repository.WithIsolation(isolation),
		repository.WithLogger(log),
	)
	return store, func() { db.Close() }, nil
}

func initDB(cfg *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Database.Driver, err)
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	return db, nil
}

func initRedis(cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return redis.NewClient(opts), nil
	}

	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}), nil
}
