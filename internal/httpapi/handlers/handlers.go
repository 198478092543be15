package handlers

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"vidforge/internal/pkg/logger"
	"vidforge/internal/ports"
	"vidforge/internal/repositories"
	"vidforge/internal/taskmanager"
)

type Deps struct {
	Pool    *pgxpool.Pool
	RDB     *redis.Client
	SP      ports.StorageProvider
	Manager *taskmanager.Manager
	Videos  *repositories.VideoRepository
	Log     *logger.Logger
}

type Handler struct {
	pool   *pgxpool.Pool
	rdb    *redis.Client
	sp     ports.StorageProvider
	mgr    *taskmanager.Manager
	videos *repositories.VideoRepository
	log    *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handler{
		pool:   d.Pool,
		rdb:    d.RDB,
		sp:     d.SP,
		mgr:    d.Manager,
		videos: d.Videos,
		log:    log.WithComponent("httpapi"),
	}
}
