package taskmanager

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Start launches the worker pool and the reclaim loop. Idempotent: repeated
// calls while running are no-ops.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.group = &errgroup.Group{}

	for i := 0; i < m.deps.Cfg.Workers; i++ {
		m.group.Go(func() error {
			m.workerLoop(ctx)
			return nil
		})
	}
	m.group.Go(func() error {
		m.reclaimLoop(ctx)
		return nil
	})

	m.log.Info("task manager started",
		"instance_id", m.deps.Cfg.InstanceID,
		"workers", m.deps.Cfg.Workers,
		"render_timeout", m.deps.Cfg.RenderTimeout.String())
}

// Stop halts dequeueing and waits for in-flight renders to finish, up to
// ctx's deadline. Idempotent. A render already started runs to completion
// under its own timeout; tasks still in the queue stay queued for the next
// start or another instance.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	group := m.group
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("task manager stopped")
		return nil
	case <-ctx.Done():
		m.log.Warn("task manager stop timed out with renders in flight")
		return ctx.Err()
	}
}

// workerLoop is one execution slot: pop a task id, run it, repeat. Pool
// membership is the concurrency bound, so a task is never removed from the
// queue without a slot to run it.
func (m *Manager) workerLoop(ctx context.Context) {
	for ctx.Err() == nil {
		taskID, err := m.deps.Store.Dequeue(ctx, m.deps.Cfg.QueuePopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Error("dequeue failed", "error", err.Error())
			sleep(ctx, m.deps.Cfg.DispatchBackoff)
			continue
		}
		if taskID == "" {
			continue
		}

		// Detached from the loop context: a task already dequeued runs to
		// completion through shutdown, bounded by its own timeout.
		m.execute(context.WithoutCancel(ctx), taskID)
	}
}

// reclaimLoop periodically fails tasks whose executor lease has lapsed, so a
// crashed instance cannot strand its users behind a permanently "processing"
// task.
func (m *Manager) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(m.deps.Cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reclaimOrphans(ctx)
		}
	}
}

func (m *Manager) reclaimOrphans(ctx context.Context) {
	ids, err := m.deps.Store.ProcessingTaskIDs(ctx)
	if err != nil {
		m.log.Error("orphan sweep: listing in-flight tasks failed", "error", err.Error())
		return
	}

	for _, taskID := range ids {
		alive, err := m.deps.Store.LeaseAlive(ctx, taskID)
		if err != nil || alive {
			continue
		}

		log := m.log.WithTaskID(taskID)
		t, err := m.deps.Store.GetTask(ctx, taskID)
		if err != nil {
			log.Error("orphan sweep: load task failed", "error", err.Error())
			continue
		}

		if t != nil && !t.Status.Terminal() {
			applied, err := m.deps.Store.MarkFailed(ctx, taskID, time.Now().UTC(), "worker lost: processing lease expired")
			if err != nil {
				log.Error("orphan sweep: mark failed", "error", err.Error())
				continue
			}
			if applied {
				log.WithUserID(t.UserID).Warn("reclaimed orphaned task")
			}
		}
		if t != nil {
			// Compare-and-delete: a no-op when the user has since been
			// admitted with a newer task.
			if err := m.deps.Store.ReleaseUser(ctx, t.UserID, taskID); err != nil {
				log.Error("orphan sweep: release user marker failed", "error", err.Error())
			}
		}
		if err := m.deps.Store.EndLease(ctx, taskID); err != nil {
			log.Error("orphan sweep: end lease failed", "error", err.Error())
		}
	}
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
