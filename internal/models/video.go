package models

import "time"

// Video is the durable record of a rendered artifact in blob storage.
// It is immutable once created and linked to exactly one message.
type Video struct {
	ID        string    `json:"id"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}
