// Package store implements the durable task store on Redis. All
// cross-instance state lives here: task hashes, per-user active markers,
// the FIFO work queue, processing leases and the signed-URL cache. Atomic
// primitives (SET NX, BRPOP, pipelined multi-key writes) provide the
// linearization the admission and recovery paths rely on.
package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"vidforge/internal/taskmanager"
)

const (
	taskKeyPrefix  = "vidforge:task:"
	userKeyPrefix  = "vidforge:user:"
	userKeySuffix  = ":active"
	leaseKeyPrefix = "vidforge:lease:"
	videoKeyPrefix = "vidforge:video:"
	queueKey       = "vidforge:queue"
	processingKey  = "vidforge:processing"
)

func taskKey(taskID string) string   { return taskKeyPrefix + taskID }
func userKey(userID string) string   { return userKeyPrefix + userID + userKeySuffix }
func leaseKey(taskID string) string  { return leaseKeyPrefix + taskID }
func videoKey(videoID string) string { return videoKeyPrefix + videoID }

// releaseUserScript deletes the user's active marker only when it still
// points at the releasing task, so a stale worker cannot drop a marker that
// a newer submission owns.
var releaseUserScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// markTerminalScript writes a terminal status only when the task exists and
// is not already terminal. Status transitions are monotonic: once a task is
// completed or failed it stays that way.
var markTerminalScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return 0
end
local status = redis.call("HGET", KEYS[1], "status")
if status == "completed" or status == "failed" then
	return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[1], "completed_at", ARGV[2], ARGV[3], ARGV[4])
return 1
`)

// Redis implements taskmanager.Store on a go-redis client.
type Redis struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (s *Redis) ClaimUser(ctx context.Context, userID, taskID string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, userKey(userID), taskID, ttl).Result()
}

func (s *Redis) ReleaseUser(ctx context.Context, userID, taskID string) error {
	return releaseUserScript.Run(ctx, s.rdb, []string{userKey(userID)}, taskID).Err()
}

func (s *Redis) ActiveTaskID(ctx context.Context, userID string) (string, error) {
	v, err := s.rdb.Get(ctx, userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *Redis) CreateTask(ctx context.Context, t *taskmanager.Task, ttl time.Duration) error {
	fields := map[string]any{
		"user_id":     t.UserID,
		"chat_id":     t.ChatID,
		"message_id":  t.MessageID,
		"status":      string(t.Status),
		"created_at":  formatTime(t.CreatedAt),
		"instance_id": t.InstanceID,
		"payload":     t.Payload,
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(t.ID), fields)
	pipe.Expire(ctx, taskKey(t.ID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) GetTask(ctx context.Context, taskID string) (*taskmanager.Task, error) {
	data, err := s.rdb.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	t := &taskmanager.Task{
		ID:                 taskID,
		UserID:             data["user_id"],
		ChatID:             data["chat_id"],
		MessageID:          data["message_id"],
		Status:             taskmanager.Status(data["status"]),
		InstanceID:         data["instance_id"],
		Payload:            data["payload"],
		ProcessingInstance: data["processing_instance"],
		Result:             data["result"],
		Error:              data["error"],
	}
	t.CreatedAt = parseTime(data["created_at"])
	if v, ok := data["started_at"]; ok {
		ts := parseTime(v)
		t.StartedAt = &ts
	}
	if v, ok := data["completed_at"]; ok {
		ts := parseTime(v)
		t.CompletedAt = &ts
	}
	return t, nil
}

func (s *Redis) MarkProcessing(ctx context.Context, taskID, instanceID string, at time.Time) error {
	return s.rdb.HSet(ctx, taskKey(taskID), map[string]any{
		"status":              string(taskmanager.StatusProcessing),
		"started_at":          formatTime(at),
		"processing_instance": instanceID,
	}).Err()
}

func (s *Redis) MarkCompleted(ctx context.Context, taskID string, at time.Time, result string) (bool, error) {
	return s.markTerminal(ctx, taskID, taskmanager.StatusCompleted, at, "result", result)
}

func (s *Redis) MarkFailed(ctx context.Context, taskID string, at time.Time, taskErr string) (bool, error) {
	return s.markTerminal(ctx, taskID, taskmanager.StatusFailed, at, "error", taskErr)
}

func (s *Redis) markTerminal(ctx context.Context, taskID string, status taskmanager.Status, at time.Time, field, value string) (bool, error) {
	n, err := markTerminalScript.Run(ctx, s.rdb,
		[]string{taskKey(taskID)},
		string(status), formatTime(at), field, value,
	).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Redis) SetTaskError(ctx context.Context, taskID, taskErr string) error {
	return s.rdb.HSet(ctx, taskKey(taskID), "error", taskErr).Err()
}

func (s *Redis) Enqueue(ctx context.Context, taskID string) error {
	return s.rdb.LPush(ctx, queueKey, taskID).Err()
}

func (s *Redis) QueueDepth(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, queueKey).Result()
}

func (s *Redis) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := s.rdb.BRPop(ctx, timeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

func (s *Redis) BeginLease(ctx context.Context, taskID string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, processingKey, taskID)
	pipe.Set(ctx, leaseKey(taskID), "1", ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) RenewLease(ctx context.Context, taskID string, ttl time.Duration) error {
	return s.rdb.Set(ctx, leaseKey(taskID), "1", ttl).Err()
}

func (s *Redis) EndLease(ctx context.Context, taskID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, processingKey, taskID)
	pipe.Del(ctx, leaseKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) ProcessingTaskIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, processingKey).Result()
}

func (s *Redis) LeaseAlive(ctx context.Context, taskID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, leaseKey(taskID)).Result()
	return n > 0, err
}

func (s *Redis) CachedURL(ctx context.Context, videoID string) (string, error) {
	v, err := s.rdb.Get(ctx, videoKey(videoID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *Redis) CacheURL(ctx context.Context, videoID, url string, ttl time.Duration) error {
	return s.rdb.Set(ctx, videoKey(videoID), url, ttl).Err()
}

// Timestamps are stored as unix milliseconds so the hash stays readable from
// redis-cli.
func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
