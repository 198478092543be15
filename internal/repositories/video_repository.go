package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"vidforge/internal/httpkit"
	"vidforge/internal/models"
)

var ErrVideoNotFound = errors.New("video not found")
var ErrMessageNotFound = errors.New("message not found")

// ErrVideoExists means a video is already recorded under the same storage
// key (videos has a unique index on bucket + object_key).
var ErrVideoExists = errors.New("video already recorded for this key")

type VideoRepository struct {
	db *pgxpool.Pool
}

func NewVideoRepository(db *pgxpool.Pool) *VideoRepository {
	return &VideoRepository{db: db}
}

// CreateForMessage inserts the video record and links it to the message in
// one transaction. The link is rolled back if either statement fails, so a
// message never points at a missing video.
func (r *VideoRepository) CreateForMessage(ctx context.Context, chatID, messageID, bucket, key string) (string, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	videoID := uuid.NewString()
	_, err = tx.Exec(ctx, `
		INSERT INTO videos (id, bucket, object_key)
		VALUES ($1,$2,$3)
	`, videoID, bucket, key)
	if err != nil {
		if httpkit.IsUniqueViolation(err) {
			return "", ErrVideoExists
		}
		return "", err
	}

	cmd, err := tx.Exec(ctx, `
		UPDATE messages
		SET video_id=$1
		WHERE id=$2 AND chat_id=$3
	`, videoID, messageID, chatID)
	if err != nil {
		return "", err
	}
	if cmd.RowsAffected() == 0 {
		return "", ErrMessageNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return videoID, nil
}

func (r *VideoRepository) Get(ctx context.Context, id string) (*models.Video, error) {
	var v models.Video
	err := r.db.QueryRow(ctx, `
		SELECT id, bucket, object_key, created_at
		FROM videos
		WHERE id=$1
	`, id).Scan(&v.ID, &v.Bucket, &v.Key, &v.CreatedAt)
	if err != nil {
		return nil, ErrVideoNotFound
	}
	return &v, nil
}
