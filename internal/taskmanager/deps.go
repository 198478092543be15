package taskmanager

import (
	"context"
	"time"

	"vidforge/internal/config"
	"vidforge/internal/pkg/logger"
	"vidforge/internal/ports"
	"vidforge/internal/renderer"
)

// Store is the durable shared state contract. The Redis implementation lives
// in the store subpackage; tests use an in-memory fake. Atomicity
// requirements: ClaimUser is a conditional set and the only admission gate;
// ReleaseUser is a compare-and-delete so a stale worker never drops a
// marker owned by a newer task; terminal marks never overwrite each other.
type Store interface {
	// ClaimUser atomically sets the user's active-task marker to taskID.
	// Returns false when a marker already exists.
	ClaimUser(ctx context.Context, userID, taskID string, ttl time.Duration) (bool, error)
	// ReleaseUser deletes the user's active-task marker only when it still
	// points at taskID.
	ReleaseUser(ctx context.Context, userID, taskID string) error
	// ActiveTaskID returns the user's outstanding task id, or "" when none.
	ActiveTaskID(ctx context.Context, userID string) (string, error)

	// CreateTask persists the task record with the given retention TTL.
	CreateTask(ctx context.Context, t *Task, ttl time.Duration) error
	// GetTask loads a task record; (nil, nil) when unknown or expired.
	GetTask(ctx context.Context, taskID string) (*Task, error)
	MarkProcessing(ctx context.Context, taskID, instanceID string, at time.Time) error
	// MarkCompleted and MarkFailed transition the task to a terminal status.
	// They report false without writing when the task is unknown or already
	// terminal.
	MarkCompleted(ctx context.Context, taskID string, at time.Time, result string) (bool, error)
	MarkFailed(ctx context.Context, taskID string, at time.Time, taskErr string) (bool, error)
	// SetTaskError annotates a task without changing its status (publish
	// failures on completed tasks).
	SetTaskError(ctx context.Context, taskID, taskErr string) error

	// Enqueue pushes a task id onto the FIFO work queue.
	Enqueue(ctx context.Context, taskID string) error
	// Dequeue blocks up to timeout for the next task id; "" on timeout.
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)
	// QueueDepth reports the number of queued task ids.
	QueueDepth(ctx context.Context) (int64, error)

	// BeginLease registers the task as in-flight and starts its lease.
	BeginLease(ctx context.Context, taskID string, ttl time.Duration) error
	RenewLease(ctx context.Context, taskID string, ttl time.Duration) error
	// EndLease removes the in-flight registration and the lease.
	EndLease(ctx context.Context, taskID string) error
	// ProcessingTaskIDs lists tasks registered as in-flight fleet-wide.
	ProcessingTaskIDs(ctx context.Context) ([]string, error)
	LeaseAlive(ctx context.Context, taskID string) (bool, error)

	// CachedURL returns the cached access URL for a video, or "" on miss.
	CachedURL(ctx context.Context, videoID string) (string, error)
	CacheURL(ctx context.Context, videoID, url string, ttl time.Duration) error
}

// VideoLinker records a published artifact and links it to its message.
type VideoLinker interface {
	CreateForMessage(ctx context.Context, chatID, messageID, bucket, key string) (videoID string, err error)
}

// Deps wires the manager's collaborators.
type Deps struct {
	Store   Store
	Videos  VideoLinker
	Storage ports.StorageProvider
	Runner  renderer.Runner
	Log     *logger.Logger
	Cfg     config.Tasks
	// Bucket is recorded on video rows for provenance; the storage provider
	// itself is already bucket-scoped.
	Bucket string
}
