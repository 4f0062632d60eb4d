package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mail-relay/internal/api"
	"github.com/ignite/mail-relay/internal/attach"
	"github.com/ignite/mail-relay/internal/config"
	"github.com/ignite/mail-relay/internal/dispatch"
	"github.com/ignite/mail-relay/internal/pkg/distlock"
	"github.com/ignite/mail-relay/internal/pkg/httpretry"
	"github.com/ignite/mail-relay/internal/pkg/logger"
	"github.com/ignite/mail-relay/internal/ratelimit"
	"github.com/ignite/mail-relay/internal/report"
	"github.com/ignite/mail-relay/internal/secrets"
	"github.com/ignite/mail-relay/internal/smtppool"
	"github.com/ignite/mail-relay/internal/store"
	"github.com/ignite/mail-relay/internal/supervisor"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		logger.SetLevel(logger.ParseLevel(lvl))
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}
	cancelPing()
	logger.Info("connected to database")

	var sec secrets.Provider
	if cfg.Secrets.EncryptionKey != "" {
		sec, err = secrets.NewAESProvider(cfg.Secrets.EncryptionKey)
		if err != nil {
			logger.Error("invalid encryption key", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no encryption key configured, credentials stored in plaintext")
		sec = secrets.Plaintext{}
	}
	st := store.New(db, sec)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable, falling back to pg advisory lock", "error", err)
			redisClient = nil
		}
	}

	var s3Client *s3.Client
	if cfg.Attachments.S3Region != "" {
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.Attachments.S3Region),
		}
		if cfg.Attachments.AWSProfile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Attachments.AWSProfile))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
		if err != nil {
			logger.Warn("aws config unavailable, s3 attachments disabled", "error", err)
		} else {
			s3Client = s3.NewFromConfig(awsCfg)
		}
	}

	fetchClient := httpretry.NewRetryClient(&http.Client{Timeout: cfg.Attachments.HTTPTimeout()}, 3)
	fetcher := attach.New(fetchClient, s3Client, cfg.Attachments.CacheDir)

	pool := smtppool.New(cfg.Pool.MaxPerAccount, cfg.Pool.IdleTTL(),
		cfg.Pool.AcquireTimeout(), cfg.Pool.ConnectTimeout())
	limiter := ratelimit.New(st)
	dispatcher := dispatch.New(st, dispatch.NewPoolSender(pool), fetcher, limiter, cfg.Dispatch)
	reporter := report.New(st, nil, cfg.Report)

	lock := distlock.NewLock(redisClient, db, "mail-relay-dispatch", 30*time.Second)
	sup := supervisor.New(st, dispatcher, reporter, pool, lock, cfg.Pool.CleanupInterval())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		logger.Error("supervisor start failed", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(st, sup, reporter, db, cfg.Server.APIToken)
	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	go func() {
		logger.Info("admin api listening", "addr", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	sup.Stop()
	logger.Info("relay stopped")
}
