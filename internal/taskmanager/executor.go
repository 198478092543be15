package taskmanager

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vidforge/internal/pkg/errors"
	"vidforge/internal/ports"
	"vidforge/internal/renderer"
)

// artifactSubdir is the renderer's output subtree inside the task workspace.
const artifactSubdir = "media/videos"

// maxErrorDetail caps renderer diagnostics stored on a failed task.
const maxErrorDetail = 2000

// videoExtensions are the artifact file types the discovery scan accepts.
var videoExtensions = map[string]struct{}{
	".mp4": {}, ".avi": {}, ".mov": {}, ".mkv": {},
	".wmv": {}, ".flv": {}, ".webm": {}, ".m4v": {},
}

// execute runs one dequeued task to a terminal state. ctx is detached from
// the dispatch loop; the render itself is bounded by the configured timeout.
// The user's admission marker is released on every exit path, but only while
// it still belongs to this task.
func (m *Manager) execute(ctx context.Context, taskID string) {
	log := m.log.WithTaskID(taskID)

	t, err := m.loadTask(ctx, taskID)
	if err != nil {
		log.Error("load dequeued task failed", "error", err.Error())
		// The queue entry is already consumed; put it back rather than
		// leaving the user's marker to sit out its full TTL.
		if rqErr := m.deps.Store.Enqueue(ctx, taskID); rqErr != nil {
			log.Error("requeue after load failure failed", "error", rqErr.Error())
		}
		return
	}
	if t == nil {
		// Queue entry outlived the task record (retention expiry). Nothing
		// to release: the marker shares the record's TTL.
		log.Warn("dequeued task has no record, skipping")
		return
	}
	log = log.WithUserID(t.UserID)

	defer func() {
		if err := m.deps.Store.ReleaseUser(ctx, t.UserID, taskID); err != nil {
			log.Error("release user marker failed", "error", err.Error())
		}
	}()

	if t.Status.Terminal() {
		log.Warn("dequeued task already terminal", "status", string(t.Status))
		return
	}

	startedAt := time.Now().UTC()
	if err := m.deps.Store.MarkProcessing(ctx, taskID, m.deps.Cfg.InstanceID, startedAt); err != nil {
		log.Error("mark processing failed", "error", err.Error())
		// The queue entry is gone; without a terminal mark the task would be
		// stranded as queued with the user's marker held.
		m.failTask(ctx, taskID, errors.RenderFailed("internal error: failed to record processing start"))
		return
	}

	if err := m.deps.Store.BeginLease(ctx, taskID, m.deps.Cfg.LeaseTTL); err != nil {
		log.Error("begin lease failed", "error", err.Error())
	}
	stopRenewal := m.renewLease(ctx, taskID)
	defer func() {
		stopRenewal()
		if err := m.deps.Store.EndLease(ctx, taskID); err != nil {
			log.Error("end lease failed", "error", err.Error())
		}
	}()

	log.Info("render starting", "queued_for", time.Since(t.CreatedAt).String())

	workdir, err := m.prepareWorkspace(t)
	if err != nil {
		m.failTask(ctx, taskID, errors.RenderFailed(fmt.Sprintf("prepare workspace: %v", err)))
		return
	}
	// The workspace goes away on every outcome, failed renders and partial
	// frames included, to bound disk usage on long-lived instances.
	defer func() {
		if err := os.RemoveAll(workdir); err != nil {
			log.Warn("workspace cleanup failed", "error", err.Error())
		}
	}()

	rctx, cancel := context.WithTimeout(ctx, m.deps.Cfg.RenderTimeout)
	runErr := m.deps.Runner.Run(rctx, workdir)
	cancel()

	if runErr != nil {
		m.failTask(ctx, taskID, classifyRenderError(runErr, m.deps.Cfg.RenderTimeout))
		log.Error("render failed", "error", runErr.Error())
		return
	}

	artifact, err := findArtifact(filepath.Join(workdir, artifactSubdir))
	if err != nil {
		m.failTask(ctx, taskID, errors.RenderFailed(fmt.Sprintf("scan render output: %v", err)))
		return
	}
	if artifact == "" {
		m.failTask(ctx, taskID, errors.RenderFailed("render finished without producing a video file"))
		log.Error("render produced no artifact")
		return
	}

	completedAt := time.Now().UTC()
	applied, err := m.deps.Store.MarkCompleted(ctx, taskID, completedAt, artifact)
	if err != nil {
		log.Error("mark completed failed", "error", err.Error())
	} else if !applied {
		// The orphan sweep declared this task lost while the render was
		// still running. Its outcome is void: keep the terminal state the
		// sweep wrote and do not publish.
		log.Warn("task reached a terminal state elsewhere, discarding render")
		return
	}
	log.Info("render completed",
		"artifact", artifact,
		"duration", completedAt.Sub(startedAt).String())

	// Publishing is downstream of completion: the render outcome stands even
	// when the upload or the database link fails.
	if err := m.publish(ctx, t, artifact); err != nil {
		perr := errors.WrapWithCode(err, errors.CodePublishFailed, "taskmanager.publish", "publish failed")
		log.Error("publish failed", "error", perr.Error(), "code", string(errors.CodePublishFailed))
		if serr := m.deps.Store.SetTaskError(ctx, taskID, "publish failed: "+truncate(err.Error(), maxErrorDetail)); serr != nil {
			log.Error("record publish failure failed", "error", serr.Error())
		}
	}
}

// loadTask reads the dequeued task's record, retrying briefly so a single
// transient store error does not cost the task its queue entry.
func (m *Manager) loadTask(ctx context.Context, taskID string) (*Task, error) {
	var t *Task
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			sleep(ctx, 100*time.Millisecond)
		}
		t, err = m.deps.Store.GetTask(ctx, taskID)
		if err == nil {
			return t, nil
		}
	}
	return nil, err
}

// renewLease keeps the task's processing lease alive until the returned stop
// function is called.
func (m *Manager) renewLease(ctx context.Context, taskID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.deps.Cfg.LeaseRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.deps.Store.RenewLease(ctx, taskID, m.deps.Cfg.LeaseTTL); err != nil {
					m.log.WithTaskID(taskID).Warn("lease renewal failed", "error", err.Error())
				}
			}
		}
	}()
	return func() { close(done) }
}

// prepareWorkspace creates the per-task directory and materializes the
// payload as the renderer's script file.
func (m *Manager) prepareWorkspace(t *Task) (string, error) {
	workdir := filepath.Join(m.deps.Cfg.WorkRoot, t.ID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return "", err
	}
	script := filepath.Join(workdir, m.deps.Cfg.ScriptFile)
	if err := os.WriteFile(script, []byte(t.Payload), 0o644); err != nil {
		return "", err
	}
	return workdir, nil
}

func (m *Manager) failTask(ctx context.Context, taskID string, ferr *errors.Error) {
	applied, err := m.deps.Store.MarkFailed(ctx, taskID, time.Now().UTC(), truncate(ferr.Message, maxErrorDetail))
	if err != nil {
		m.log.WithTaskID(taskID).Error("mark failed failed", "error", err.Error())
		return
	}
	if !applied {
		m.log.WithTaskID(taskID).Warn("task already terminal, failure not recorded",
			"code", string(ferr.Code))
	}
}

// publish uploads the artifact, records the video row and links it to the
// originating message.
func (m *Manager) publish(ctx context.Context, t *Task, artifact string) error {
	f, err := os.Open(artifact)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	key := fmt.Sprintf("videos/%s/%s/%s.mp4", t.UserID, t.ChatID, t.MessageID)
	out, err := m.deps.Storage.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: "video/mp4",
		Reader:      f,
		Size:        info.Size(),
	})
	if err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}

	videoID, err := m.deps.Videos.CreateForMessage(ctx, t.ChatID, t.MessageID, m.deps.Bucket, out.ObjectKey)
	if err != nil {
		return fmt.Errorf("link video to message: %w", err)
	}

	m.log.WithTaskID(t.ID).WithUserID(t.UserID).Info("video published",
		"video_id", videoID,
		"object_key", out.ObjectKey,
		"bytes", out.Size)
	return nil
}

// findArtifact returns the first video file under root, or "" when the
// output tree is missing or holds none.
func findArtifact(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := videoExtensions[ext]; ok {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if stderrors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return found, nil
}

// classifyRenderError maps a runner failure to a coded error whose message
// is what ends up on the task record.
func classifyRenderError(runErr error, timeout time.Duration) *errors.Error {
	if stderrors.Is(runErr, context.DeadlineExceeded) {
		return errors.RenderTimeout(fmt.Sprintf("render timed out after %s", timeout))
	}
	var exit *renderer.ExitError
	if stderrors.As(runErr, &exit) && exit.Stderr != "" {
		return errors.RenderFailed("render failed: " + exit.Stderr)
	}
	return errors.RenderFailed("render failed: " + runErr.Error())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
