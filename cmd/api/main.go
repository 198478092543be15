package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"vidforge/internal/config"
	"vidforge/internal/httpapi"
	"vidforge/internal/pkg/logger"
	"vidforge/internal/pkg/shutdown"
	"vidforge/internal/renderer"
	"vidforge/internal/repositories"
	"vidforge/internal/storage"
	"vidforge/internal/taskmanager"
	taskstore "vidforge/internal/taskmanager/store"
)

func main() {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	log := logger.New(logger.Config{
		Level:       config.Env("LOG_LEVEL", "info"),
		Format:      config.Env("LOG_FORMAT", "json"),
		ServiceName: "vidforge-api",
		AddSource:   config.Env("LOG_SOURCE", "false") == "true",
	})

	log.Info("starting vidforge API", "version", "0.1.0")

	cfg := config.LoadAPI()
	ctx := context.Background()

	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	log.Info("connecting to PostgreSQL")
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.Register("postgres", func(ctx context.Context) error {
		pool.Close()
		return nil
	})
	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}
	log.Info("PostgreSQL connected")

	log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}
	log.Info("Redis connected")

	log.Info("initializing storage provider")
	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	videos := repositories.NewVideoRepository(pool)

	mgr, err := taskmanager.New(taskmanager.Deps{
		Store:   taskstore.New(rdb),
		Videos:  videos,
		Storage: sp,
		Runner:  renderer.NewCommandRunner(cfg.Tasks.RenderCommand),
		Log:     log,
		Cfg:     cfg.Tasks,
		Bucket:  storage.BucketName(cfg.Storage),
	})
	if err != nil {
		log.LogFatal("failed to initialize task manager", err)
	}
	mgr.Start()
	shutdownMgr.Register("task-manager", mgr.Stop)

	router := httpapi.NewRouter(httpapi.Deps{
		Pool:    pool,
		RDB:     rdb,
		SP:      sp,
		Manager: mgr,
		Videos:  videos,
		Log:     log,
		Cfg:     cfg,
	})

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait()
}
