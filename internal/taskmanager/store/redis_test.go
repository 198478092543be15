package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"vidforge/internal/taskmanager"
)

func TestKeyLayout(t *testing.T) {
	if got := taskKey("t1"); got != "vidforge:task:t1" {
		t.Errorf("taskKey = %q", got)
	}
	if got := userKey("u1"); got != "vidforge:user:u1:active" {
		t.Errorf("userKey = %q", got)
	}
	if got := leaseKey("t1"); got != "vidforge:lease:t1" {
		t.Errorf("leaseKey = %q", got)
	}
	if got := videoKey("v1"); got != "vidforge:video:v1" {
		t.Errorf("videoKey = %q", got)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if got := parseTime(formatTime(now)); !got.Equal(now) {
		t.Errorf("round trip = %s, want %s", got, now)
	}
	if got := parseTime("garbage"); !got.IsZero() {
		t.Errorf("expected zero time for garbage, got %s", got)
	}
}

// TestRedisStore exercises the store against a live Redis. It is skipped
// unless VIDFORGE_TEST_REDIS points at one (e.g. 127.0.0.1:6379).
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("VIDFORGE_TEST_REDIS")
	if addr == "" {
		t.Skip("VIDFORGE_TEST_REDIS not set")
	}

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 9})
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}
	rdb.FlushDB(ctx)

	s := New(rdb)

	t.Run("user claim is exclusive", func(t *testing.T) {
		ok, err := s.ClaimUser(ctx, "u1", "t1", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first claim: ok=%v err=%v", ok, err)
		}
		ok, err = s.ClaimUser(ctx, "u1", "t2", time.Minute)
		if err != nil || ok {
			t.Fatalf("second claim: ok=%v err=%v", ok, err)
		}
		if id, _ := s.ActiveTaskID(ctx, "u1"); id != "t1" {
			t.Errorf("active task = %q, want t1", id)
		}
		// Release is a compare-and-delete: another task's id is a no-op.
		if err := s.ReleaseUser(ctx, "u1", "t2"); err != nil {
			t.Fatalf("release with wrong task: %v", err)
		}
		if id, _ := s.ActiveTaskID(ctx, "u1"); id != "t1" {
			t.Errorf("marker dropped by a non-owner release: %q", id)
		}
		if err := s.ReleaseUser(ctx, "u1", "t1"); err != nil {
			t.Fatalf("release: %v", err)
		}
		if id, _ := s.ActiveTaskID(ctx, "u1"); id != "" {
			t.Errorf("active task after release = %q", id)
		}
	})

	t.Run("task record round trip", func(t *testing.T) {
		created := time.Now().UTC().Truncate(time.Millisecond)
		task := &taskmanager.Task{
			ID:         "t1",
			UserID:     "u1",
			ChatID:     "c1",
			MessageID:  "m1",
			Status:     taskmanager.StatusQueued,
			CreatedAt:  created,
			InstanceID: "i1",
			Payload:    "scene",
		}
		if err := s.CreateTask(ctx, task, time.Minute); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}

		got, err := s.GetTask(ctx, "t1")
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got == nil {
			t.Fatal("GetTask returned nil")
		}
		if got.UserID != "u1" || got.Status != taskmanager.StatusQueued || !got.CreatedAt.Equal(created) {
			t.Errorf("unexpected task: %+v", got)
		}
		if got.StartedAt != nil {
			t.Error("expected nil StartedAt on a queued task")
		}

		at := time.Now().UTC().Truncate(time.Millisecond)
		if err := s.MarkProcessing(ctx, "t1", "i2", at); err != nil {
			t.Fatalf("MarkProcessing: %v", err)
		}
		got, _ = s.GetTask(ctx, "t1")
		if got.Status != taskmanager.StatusProcessing || got.StartedAt == nil || got.ProcessingInstance != "i2" {
			t.Errorf("after MarkProcessing: %+v", got)
		}

		applied, err := s.MarkCompleted(ctx, "t1", at, "/tmp/out.mp4")
		if err != nil || !applied {
			t.Fatalf("MarkCompleted: applied=%v err=%v", applied, err)
		}
		got, _ = s.GetTask(ctx, "t1")
		if got.Status != taskmanager.StatusCompleted || got.Result != "/tmp/out.mp4" {
			t.Errorf("after MarkCompleted: %+v", got)
		}

		// Terminal states are sticky: a late failure mark does not apply.
		applied, err = s.MarkFailed(ctx, "t1", at, "too late")
		if err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		if applied {
			t.Error("MarkFailed applied on a completed task")
		}
		got, _ = s.GetTask(ctx, "t1")
		if got.Status != taskmanager.StatusCompleted || got.Error != "" {
			t.Errorf("terminal state overwritten: %+v", got)
		}

		// Unknown tasks are not resurrected by a terminal mark.
		applied, err = s.MarkFailed(ctx, "ghost", at, "nope")
		if err != nil || applied {
			t.Errorf("MarkFailed(ghost): applied=%v err=%v", applied, err)
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		got, err := s.GetTask(ctx, "nope")
		if err != nil || got != nil {
			t.Errorf("GetTask(nope) = %v, %v", got, err)
		}
	})

	t.Run("queue is FIFO", func(t *testing.T) {
		for _, id := range []string{"a", "b", "c"} {
			if err := s.Enqueue(ctx, id); err != nil {
				t.Fatalf("Enqueue(%s): %v", id, err)
			}
		}
		if depth, err := s.QueueDepth(ctx); err != nil || depth != 3 {
			t.Errorf("QueueDepth = %d, %v, want 3", depth, err)
		}
		for _, want := range []string{"a", "b", "c"} {
			got, err := s.Dequeue(ctx, time.Second)
			if err != nil {
				t.Fatalf("Dequeue: %v", err)
			}
			if got != want {
				t.Errorf("Dequeue = %q, want %q", got, want)
			}
		}
		got, err := s.Dequeue(ctx, 100*time.Millisecond)
		if err != nil || got != "" {
			t.Errorf("empty Dequeue = %q, %v", got, err)
		}
	})

	t.Run("lease lifecycle", func(t *testing.T) {
		if err := s.BeginLease(ctx, "t1", time.Minute); err != nil {
			t.Fatalf("BeginLease: %v", err)
		}
		if alive, _ := s.LeaseAlive(ctx, "t1"); !alive {
			t.Error("expected live lease")
		}
		ids, _ := s.ProcessingTaskIDs(ctx)
		if len(ids) != 1 || ids[0] != "t1" {
			t.Errorf("processing set = %v", ids)
		}
		if err := s.EndLease(ctx, "t1"); err != nil {
			t.Fatalf("EndLease: %v", err)
		}
		if alive, _ := s.LeaseAlive(ctx, "t1"); alive {
			t.Error("expected lease gone")
		}
		if ids, _ := s.ProcessingTaskIDs(ctx); len(ids) != 0 {
			t.Errorf("processing set after EndLease = %v", ids)
		}
	})

	t.Run("url cache", func(t *testing.T) {
		if url, _ := s.CachedURL(ctx, "v1"); url != "" {
			t.Errorf("cold cache = %q", url)
		}
		if err := s.CacheURL(ctx, "v1", "https://signed.example/x", time.Minute); err != nil {
			t.Fatalf("CacheURL: %v", err)
		}
		if url, _ := s.CachedURL(ctx, "v1"); url != "https://signed.example/x" {
			t.Errorf("cache hit = %q", url)
		}
	})
}
