package taskmanager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vidforge/internal/config"
	"vidforge/internal/ports"
)

// memStore is an in-memory Store with the same semantics as the Redis
// implementation: conditional user claims, blocking FIFO dequeue, leases
// with expiry.
type memStore struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	markers map[string]string
	queue   chan string
	inProc  map[string]struct{}
	leases  map[string]time.Time
	urls    map[string]cachedURL

	// failure injection
	markProcessingErr error
	getTaskFails      int
}

type cachedURL struct {
	url       string
	expiresAt time.Time
}

func newMemStore() *memStore {
	return &memStore{
		tasks:   make(map[string]*Task),
		markers: make(map[string]string),
		queue:   make(chan string, 128),
		inProc:  make(map[string]struct{}),
		leases:  make(map[string]time.Time),
		urls:    make(map[string]cachedURL),
	}
}

func (s *memStore) ClaimUser(_ context.Context, userID, taskID string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[userID]; ok {
		return false, nil
	}
	s.markers[userID] = taskID
	return true, nil
}

func (s *memStore) ReleaseUser(_ context.Context, userID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markers[userID] == taskID {
		delete(s.markers, userID)
	}
	return nil
}

func (s *memStore) ActiveTaskID(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers[userID], nil
}

func (s *memStore) CreateTask(_ context.Context, t *Task, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *memStore) GetTask(_ context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getTaskFails > 0 {
		s.getTaskFails--
		return nil, fmt.Errorf("store briefly unavailable")
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) MarkProcessing(_ context.Context, taskID, instanceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markProcessingErr != nil {
		return s.markProcessingErr
	}
	if t, ok := s.tasks[taskID]; ok {
		t.Status = StatusProcessing
		t.StartedAt = &at
		t.ProcessingInstance = instanceID
	}
	return nil
}

func (s *memStore) MarkCompleted(_ context.Context, taskID string, at time.Time, result string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return false, nil
	}
	t.Status = StatusCompleted
	t.CompletedAt = &at
	t.Result = result
	return true, nil
}

func (s *memStore) MarkFailed(_ context.Context, taskID string, at time.Time, taskErr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status.Terminal() {
		return false, nil
	}
	t.Status = StatusFailed
	t.CompletedAt = &at
	t.Error = taskErr
	return true, nil
}

func (s *memStore) SetTaskError(_ context.Context, taskID, taskErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		t.Error = taskErr
	}
	return nil
}

func (s *memStore) Enqueue(_ context.Context, taskID string) error {
	s.queue <- taskID
	return nil
}

func (s *memStore) QueueDepth(_ context.Context) (int64, error) {
	return int64(len(s.queue)), nil
}

func (s *memStore) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id := <-s.queue:
		return id, nil
	case <-timer.C:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *memStore) BeginLease(_ context.Context, taskID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inProc[taskID] = struct{}{}
	s.leases[taskID] = time.Now().Add(ttl)
	return nil
}

func (s *memStore) RenewLease(_ context.Context, taskID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[taskID] = time.Now().Add(ttl)
	return nil
}

func (s *memStore) EndLease(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inProc, taskID)
	delete(s.leases, taskID)
	return nil
}

func (s *memStore) ProcessingTaskIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.inProc))
	for id := range s.inProc {
		out = append(out, id)
	}
	return out, nil
}

func (s *memStore) LeaseAlive(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.leases[taskID]
	return ok && time.Now().Before(exp), nil
}

func (s *memStore) CachedURL(_ context.Context, videoID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.urls[videoID]
	if !ok || time.Now().After(c.expiresAt) {
		return "", nil
	}
	return c.url, nil
}

func (s *memStore) CacheURL(_ context.Context, videoID, url string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls[videoID] = cachedURL{url: url, expiresAt: time.Now().Add(ttl)}
	return nil
}

// marker reports the user's current marker value directly, for assertions.
func (s *memStore) marker(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers[userID]
}

// expireURL backdates a cached URL's deadline, for assertions on the
// regeneration path.
func (s *memStore) expireURL(videoID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.urls[videoID]; ok {
		c.expiresAt = time.Now().Add(-time.Second)
		s.urls[videoID] = c
	}
}

// failMarkProcessing arms MarkProcessing to return err on every call.
func (s *memStore) failMarkProcessing(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markProcessingErr = err
}

// failNextGetTasks makes the next n GetTask calls return an error.
func (s *memStore) failNextGetTasks(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getTaskFails = n
}

// fakeLinker records published videos.
type fakeLinker struct {
	mu    sync.Mutex
	calls []linkCall
	err   error
}

type linkCall struct {
	chatID, messageID, bucket, key string
}

func (f *fakeLinker) CreateForMessage(_ context.Context, chatID, messageID, bucket, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, linkCall{chatID, messageID, bucket, key})
	return fmt.Sprintf("video-%d", len(f.calls)), nil
}

// fakeStorage is an in-memory StorageProvider that counts signings.
type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	signed  int
	putErr  error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

func (f *fakeStorage) Provider() string { return "fake" }

func (f *fakeStorage) PutObject(_ context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return ports.PutObjectOutput{}, f.putErr
	}
	data, err := io.ReadAll(in.Reader)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	f.objects[in.ObjectKey] = data
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: int64(len(data))}, nil
}

func (f *fakeStorage) GetObject(_ context.Context, objectKey string) (io.ReadCloser, string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[objectKey]
	if !ok {
		return nil, "", 0, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), "video/mp4", int64(len(data)), nil
}

func (f *fakeStorage) SignedURL(_ context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signed++
	return ports.SignedURLOutput{
		URL:       fmt.Sprintf("https://signed.example/%s?n=%d", objectKey, f.signed),
		ExpiresAt: time.Now().Add(expiresIn),
	}, nil
}

func (f *fakeStorage) signCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signed
}

// fakeRunner stands in for the external renderer.
type fakeRunner struct {
	mu   sync.Mutex
	runs []string
	// gate, when set, blocks each run until a value is received.
	gate chan struct{}
	// fn overrides the default success behavior.
	fn func(ctx context.Context, workdir string) error
}

func (f *fakeRunner) Run(ctx context.Context, workdir string) error {
	f.mu.Lock()
	f.runs = append(f.runs, workdir)
	gate := f.gate
	fn := f.fn
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return fmt.Errorf("renderer killed: %w", ctx.Err())
		}
	}
	if fn != nil {
		return fn(ctx, workdir)
	}
	return writeArtifact(workdir)
}

func (f *fakeRunner) runOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

// writeArtifact simulates a successful render by dropping a video file in
// the output subtree.
func writeArtifact(workdir string) error {
	dir := filepath.Join(workdir, "media", "videos", "scene")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "out.mp4"), []byte("mp4"), 0o644)
}

func testConfig(workRoot string) config.Tasks {
	return config.Tasks{
		InstanceID:         "test-instance",
		Workers:            2,
		WorkRoot:           workRoot,
		ScriptFile:         "main.py",
		RenderTimeout:      5 * time.Second,
		TaskTTL:            time.Hour,
		QueuePopTimeout:    20 * time.Millisecond,
		DispatchBackoff:    10 * time.Millisecond,
		LeaseTTL:           time.Second,
		LeaseRenewInterval: 100 * time.Millisecond,
		ReclaimInterval:    time.Hour,
	}
}
