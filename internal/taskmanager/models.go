// Package taskmanager implements the asynchronous render task core: admission
// control, the durable work queue, bounded render execution and artifact
// publishing. Instances cooperate only through the shared store; there is no
// direct instance-to-instance communication.
package taskmanager

import "time"

// Status is the task lifecycle state. Transitions are monotonic:
// queued -> processing -> {completed, failed}.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one user-submitted render job.
type Task struct {
	ID        string
	UserID    string
	ChatID    string
	MessageID string
	Status    Status
	CreatedAt time.Time
	// InstanceID identifies the instance that accepted the submission.
	InstanceID string
	// Payload is the render script text, materialized to the task workspace
	// before execution.
	Payload string

	StartedAt   *time.Time
	CompletedAt *time.Time
	// ProcessingInstance identifies the instance that executed the task.
	ProcessingInstance string
	// Result is the local path of the discovered artifact on success.
	Result string
	// Error carries render diagnostics on failure, or a publish failure note
	// on an otherwise completed task.
	Error string
}

// SubmitRequest is the input to Manager.Submit.
type SubmitRequest struct {
	UserID    string
	ChatID    string
	MessageID string
	// Payload is the script to hand to the external renderer.
	Payload string
}

// StatusView is the polling projection of a task. Fields appear as the task
// progresses; reads have no side effects.
type StatusView struct {
	TaskID     string    `json:"task_id"`
	UserID     string    `json:"user_id"`
	ChatID     string    `json:"chat_id"`
	MessageID  string    `json:"message_id"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	InstanceID string    `json:"instance_id"`

	StartedAt          *time.Time `json:"started_at,omitempty"`
	ProcessingInstance string     `json:"processing_instance,omitempty"`
	// ProcessingTime is seconds since start, frozen at completion for
	// terminal tasks.
	ProcessingTime *float64   `json:"processing_time,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	VideoPath      string     `json:"video_path,omitempty"`
	Error          string     `json:"error,omitempty"`
}
