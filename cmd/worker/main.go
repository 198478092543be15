package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"vidforge/internal/config"
	"vidforge/internal/pkg/logger"
	"vidforge/internal/pkg/shutdown"
	"vidforge/internal/renderer"
	"vidforge/internal/repositories"
	"vidforge/internal/storage"
	"vidforge/internal/taskmanager"
	taskstore "vidforge/internal/taskmanager/store"
)

// The worker is a headless render executor: it shares the queue and task
// records with the API instances and differs only in not serving HTTP.
func main() {
	_ = godotenv.Load()

	log := logger.New(logger.Config{
		Level:       config.Env("LOG_LEVEL", "info"),
		Format:      config.Env("LOG_FORMAT", "json"),
		ServiceName: "vidforge-worker",
		AddSource:   config.Env("LOG_SOURCE", "false") == "true",
	})

	log.Info("starting vidforge worker", "version", "0.1.0")

	cfg := config.LoadWorker()
	ctx := context.Background()

	shutdownMgr := shutdown.NewManager(log, 60*time.Second)

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

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	mgr, err := taskmanager.New(taskmanager.Deps{
		Store:   taskstore.New(rdb),
		Videos:  repositories.NewVideoRepository(pool),
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

	log.Info("worker running",
		"instance_id", cfg.Tasks.InstanceID,
		"workers", cfg.Tasks.Workers)

	shutdownMgr.Wait()
}
