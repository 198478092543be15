package taskmanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"vidforge/internal/pkg/errors"
	"vidforge/internal/pkg/logger"
)

const (
	// minURLExpiry floors signed-URL lifetimes so a freshly issued link is
	// usable for at least an hour.
	minURLExpiry = time.Hour
	// urlCacheMargin is subtracted from the URL lifetime when caching so a
	// cache hit never hands out a link about to expire.
	urlCacheMargin = 5 * time.Minute
)

// Manager is the task-processing facade: it admits submissions, runs the
// dispatch and reclaim loops, and serves status and video URL reads. All
// durable state lives in the Store, so several Manager instances can run
// against the same Redis and Postgres.
type Manager struct {
	deps Deps
	log  *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds a Manager from its dependencies. Start must be called before
// queued tasks are executed; Submit and the read paths work either way.
func New(d Deps) (*Manager, error) {
	if d.Store == nil {
		return nil, errors.New(errors.CodeInternal, "taskmanager: nil store")
	}
	if d.Videos == nil {
		return nil, errors.New(errors.CodeInternal, "taskmanager: nil video linker")
	}
	if d.Storage == nil {
		return nil, errors.New(errors.CodeInternal, "taskmanager: nil storage provider")
	}
	if d.Runner == nil {
		return nil, errors.New(errors.CodeInternal, "taskmanager: nil runner")
	}
	if d.Cfg.Workers < 1 {
		d.Cfg.Workers = 1
	}

	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}

	return &Manager{
		deps: d,
		log:  log.WithComponent("taskmanager"),
	}, nil
}

// Submit admits one render task for the user. At most one non-terminal task
// per user exists at a time; a second submission while one is outstanding
// fails with an admission error naming the active task. On success the task
// is durably recorded and queued before Submit returns.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	const op = "taskmanager.Submit"

	if req.UserID == "" {
		return nil, errors.ValidationField("user_id", "required")
	}
	if req.Payload == "" {
		return nil, errors.ValidationField("payload", "required")
	}

	t := &Task{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		ChatID:     req.ChatID,
		MessageID:  req.MessageID,
		Status:     StatusQueued,
		CreatedAt:  time.Now().UTC(),
		InstanceID: m.deps.Cfg.InstanceID,
		Payload:    req.Payload,
	}

	// The marker claim is the only admission gate. Its TTL matches task
	// retention so a crashed instance cannot lock a user out forever.
	claimed, err := m.deps.Store.ClaimUser(ctx, req.UserID, t.ID, m.deps.Cfg.TaskTTL)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, op, "claim user marker")
	}
	if !claimed {
		activeID, _ := m.deps.Store.ActiveTaskID(ctx, req.UserID)
		return nil, errors.AdmissionDenied(req.UserID).WithField("active_task_id", activeID)
	}

	if err := m.deps.Store.CreateTask(ctx, t, m.deps.Cfg.TaskTTL); err != nil {
		m.rollbackClaim(ctx, req.UserID, t.ID)
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, op, "persist task")
	}

	if err := m.deps.Store.Enqueue(ctx, t.ID); err != nil {
		m.rollbackClaim(ctx, req.UserID, t.ID)
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, op, "enqueue task")
	}

	m.log.WithTaskID(t.ID).WithUserID(req.UserID).Info("task submitted",
		"chat_id", req.ChatID, "message_id", req.MessageID)

	return t, nil
}

// rollbackClaim undoes the admission marker after a failed submission. Runs
// on a detached context so a canceled request still cleans up.
func (m *Manager) rollbackClaim(ctx context.Context, userID, taskID string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.deps.Store.ReleaseUser(dctx, userID, taskID); err != nil {
		m.log.WithTaskID(taskID).WithUserID(userID).Error("rollback of user marker failed",
			"error", err.Error())
	}
}

// CanSubmit reports whether the user may submit a new task, and the id of
// the outstanding task when they may not.
func (m *Manager) CanSubmit(ctx context.Context, userID string) (bool, string, error) {
	activeID, err := m.deps.Store.ActiveTaskID(ctx, userID)
	if err != nil {
		return false, "", errors.WrapWithCode(err, errors.CodeUnavailable, "taskmanager.CanSubmit", "read user marker")
	}
	return activeID == "", activeID, nil
}

// ActiveTaskID returns the user's outstanding task id, or "" when none.
func (m *Manager) ActiveTaskID(ctx context.Context, userID string) (string, error) {
	return m.deps.Store.ActiveTaskID(ctx, userID)
}

// Workers reports the configured render slot count.
func (m *Manager) Workers() int {
	return m.deps.Cfg.Workers
}

// QueueDepth reports how many submitted tasks are waiting for a render slot.
func (m *Manager) QueueDepth(ctx context.Context) (int64, error) {
	return m.deps.Store.QueueDepth(ctx)
}

// TaskStatus returns the polling view of a task. Unknown or expired ids
// yield a not-found error.
func (m *Manager) TaskStatus(ctx context.Context, taskID string) (*StatusView, error) {
	t, err := m.deps.Store.GetTask(ctx, taskID)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "taskmanager.TaskStatus", "load task")
	}
	if t == nil {
		return nil, errors.NotFound("task", taskID)
	}

	view := &StatusView{
		TaskID:             t.ID,
		UserID:             t.UserID,
		ChatID:             t.ChatID,
		MessageID:          t.MessageID,
		Status:             t.Status,
		CreatedAt:          t.CreatedAt,
		InstanceID:         t.InstanceID,
		StartedAt:          t.StartedAt,
		ProcessingInstance: t.ProcessingInstance,
		CompletedAt:        t.CompletedAt,
		VideoPath:          t.Result,
		Error:              t.Error,
	}

	if t.StartedAt != nil {
		var secs float64
		if t.CompletedAt != nil {
			secs = t.CompletedAt.Sub(*t.StartedAt).Seconds()
		} else {
			secs = time.Since(*t.StartedAt).Seconds()
		}
		view.ProcessingTime = &secs
	}

	return view, nil
}

// VideoURL returns a time-limited access URL for a published video, serving
// repeat requests from the store-backed cache. expiry below one hour is
// raised to one hour; cached entries expire a safety margin before the URL
// itself so a hit is always usable.
func (m *Manager) VideoURL(ctx context.Context, videoID, objectKey string, expiry time.Duration) (string, error) {
	const op = "taskmanager.VideoURL"

	if expiry < minURLExpiry {
		expiry = minURLExpiry
	}

	cached, err := m.deps.Store.CachedURL(ctx, videoID)
	if err != nil {
		m.log.Warn("video url cache read failed", "video_id", videoID, "error", err.Error())
	}
	if cached != "" {
		return cached, nil
	}

	out, err := m.deps.Storage.SignedURL(ctx, objectKey, expiry)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeUnavailable, op, "sign video url")
	}

	// Cache writes are best effort; the signed URL is already in hand.
	if err := m.deps.Store.CacheURL(ctx, videoID, out.URL, expiry-urlCacheMargin); err != nil {
		m.log.Warn("video url cache write failed", "video_id", videoID, "error", err.Error())
	}

	return out.URL, nil
}
