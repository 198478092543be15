// Package config loads process configuration from the environment.
// Everything that was ambient in earlier iterations (instance id, worker
// count) is resolved here once and injected explicitly at construction.
package config

import (
	"os"
	"runtime"
	"strings"
	"time"
)

// Tasks configures the task-processing core.
type Tasks struct {
	// InstanceID identifies this process in task records. Defaults to the
	// hostname.
	InstanceID string
	// Workers is the number of concurrent render slots. Defaults to ~70% of
	// the host CPUs, minimum 1 (rendering is CPU-bound).
	Workers int
	// WorkRoot is the directory that holds per-task render workspaces.
	WorkRoot string
	// RenderCommand is the external renderer invocation, argv style.
	RenderCommand []string
	// ScriptFile is the filename the task payload is written to inside the
	// task workspace before the renderer runs.
	ScriptFile string
	// RenderTimeout is the hard per-render time budget.
	RenderTimeout time.Duration
	// TaskTTL bounds task record retention in the store.
	TaskTTL time.Duration
	// QueuePopTimeout caps each blocking pop so the dispatch loop can check
	// for shutdown.
	QueuePopTimeout time.Duration
	// DispatchBackoff is the sleep after an unexpected worker loop error.
	DispatchBackoff time.Duration
	// LeaseTTL is how long a processing lease lives without renewal.
	LeaseTTL time.Duration
	// LeaseRenewInterval is how often executors renew their lease.
	LeaseRenewInterval time.Duration
	// ReclaimInterval is how often the dispatcher sweeps for orphaned tasks.
	ReclaimInterval time.Duration
}

// Storage configures the blob storage provider.
type Storage struct {
	// Provider selects the adapter: localfs, s3 or gdrive.
	Provider string

	LocalRoot    string
	LocalBaseURL string

	S3Region string
	S3Bucket string

	GDriveClientID     string
	GDriveClientSecret string
	GDriveRefreshToken string
	GDriveFolderID     string
}

// API holds configuration for the API process.
type API struct {
	HTTPPort    string
	DatabaseURL string
	RedisAddr   string
	CORSOrigins []string
	Tasks       Tasks
	Storage     Storage
}

// Worker holds configuration for the standalone worker process.
type Worker struct {
	DatabaseURL string
	RedisAddr   string
	Tasks       Tasks
	Storage     Storage
}

// LoadAPI reads API process configuration from the environment.
func LoadAPI() API {
	return API{
		HTTPPort:    Env("HTTP_PORT", "8080"),
		DatabaseURL: MustEnv("DATABASE_URL"),
		RedisAddr:   MustEnv("REDIS_ADDR"),
		CORSOrigins: CSVEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		Tasks:       loadTasks(),
		Storage:     loadStorage(),
	}
}

// LoadWorker reads worker process configuration from the environment.
func LoadWorker() Worker {
	return Worker{
		DatabaseURL: MustEnv("DATABASE_URL"),
		RedisAddr:   MustEnv("REDIS_ADDR"),
		Tasks:       loadTasks(),
		Storage:     loadStorage(),
	}
}

func loadTasks() Tasks {
	return Tasks{
		InstanceID:         Env("INSTANCE_ID", hostname()),
		Workers:            IntEnv("RENDER_WORKERS", DefaultWorkers()),
		WorkRoot:           Env("RENDER_WORK_ROOT", "./output"),
		RenderCommand:      CSVEnv("RENDER_COMMAND", []string{"python", "main.py"}),
		ScriptFile:         Env("RENDER_SCRIPT_FILE", "main.py"),
		RenderTimeout:      DurationEnv("RENDER_TIMEOUT", 20*time.Minute),
		TaskTTL:            DurationEnv("TASK_TTL", 24*time.Hour),
		QueuePopTimeout:    DurationEnv("QUEUE_POP_TIMEOUT", time.Second),
		DispatchBackoff:    DurationEnv("DISPATCH_BACKOFF", 5*time.Second),
		LeaseTTL:           DurationEnv("TASK_LEASE_TTL", 2*time.Minute),
		LeaseRenewInterval: DurationEnv("TASK_LEASE_RENEW", 30*time.Second),
		ReclaimInterval:    DurationEnv("TASK_RECLAIM_INTERVAL", time.Minute),
	}
}

func loadStorage() Storage {
	return Storage{
		Provider:           Env("STORAGE_PROVIDER", "localfs"),
		LocalRoot:          Env("STORAGE_LOCAL_ROOT", "./data"),
		LocalBaseURL:       Env("STORAGE_LOCAL_BASEURL", ""),
		S3Region:           Env("AWS_BUCKET_REGION", ""),
		S3Bucket:           Env("AWS_S3_BUCKET", ""),
		GDriveClientID:     Env("GDRIVE_CLIENT_ID", ""),
		GDriveClientSecret: Env("GDRIVE_CLIENT_SECRET", ""),
		GDriveRefreshToken: Env("GDRIVE_REFRESH_TOKEN", ""),
		GDriveFolderID:     Env("GDRIVE_FOLDER_ID", ""),
	}
}

// DefaultWorkers sizes the render slot count to ~70% of the host CPUs,
// minimum 1.
func DefaultWorkers() int {
	n := int(float64(runtime.NumCPU()) * 0.7)
	if n < 1 {
		n = 1
	}
	return n
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return "local"
	}
	return h
}
