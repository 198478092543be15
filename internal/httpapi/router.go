// Package httpapi exposes the task-processing subsystem over HTTP: task
// submission and polling, per-user admission checks and video access URLs.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"vidforge/internal/config"
	"vidforge/internal/httpapi/handlers"
	"vidforge/internal/httpkit"
	"vidforge/internal/pkg/logger"
	"vidforge/internal/pkg/middleware"
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
	Cfg     config.API
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(d.Log))
	r.Use(middleware.Recovery(d.Log))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins:   d.Cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAgeSeconds:    600,
	}))

	h := handlers.New(handlers.Deps{
		Pool:    d.Pool,
		RDB:     d.RDB,
		SP:      d.SP,
		Manager: d.Manager,
		Videos:  d.Videos,
		Log:     d.Log,
	})

	r.Get("/health", h.Health)

	r.Post("/tasks", h.PostTask)
	r.Get("/tasks/{taskID}", h.GetTask)
	r.Get("/users/{userID}/task", h.GetUserTask)

	r.Get("/videos/{videoID}/url", h.GetVideoURL)
	r.Get("/videos/{videoID}/content", h.StreamVideo)

	return r
}
