package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"vidforge/internal/httpkit"
	"vidforge/internal/pkg/errors"
	"vidforge/internal/pkg/middleware"
	"vidforge/internal/taskmanager"
)

type CreateTaskRequest struct {
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	// Script is the render program input, executed asynchronously.
	Script string `json:"script"`
}

// PostTask submits a render task. Accepted submissions return 202 with the
// task id; a user with an outstanding task gets 429 and the blocking task's
// id.
func (h *Handler) PostTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	var req CreateTaskRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		middleware.HandleError(w, r, log, errors.Validation("invalid json body"))
		return
	}

	t, err := h.mgr.Submit(ctx, taskmanager.SubmitRequest{
		UserID:    strings.TrimSpace(req.UserID),
		ChatID:    strings.TrimSpace(req.ChatID),
		MessageID: strings.TrimSpace(req.MessageID),
		Payload:   req.Script,
	})
	if err != nil {
		middleware.HandleError(w, r, log, err)
		return
	}

	httpkit.WriteJSON(w, 202, map[string]any{
		"task": map[string]any{
			"task_id":    t.ID,
			"user_id":    t.UserID,
			"status":     t.Status,
			"created_at": t.CreatedAt,
		},
	})
}

// GetTask returns the polling view of a task.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	taskID := chi.URLParam(r, "taskID")

	view, err := h.mgr.TaskStatus(ctx, taskID)
	if err != nil {
		middleware.HandleError(w, r, log, err)
		return
	}

	httpkit.WriteJSON(w, 200, view)
}

// GetUserTask reports whether the user may submit, and the outstanding task
// id when they may not.
func (h *Handler) GetUserTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	userID := chi.URLParam(r, "userID")

	canSubmit, activeID, err := h.mgr.CanSubmit(ctx, userID)
	if err != nil {
		middleware.HandleError(w, r, log, err)
		return
	}

	body := map[string]any{
		"user_id":    userID,
		"can_submit": canSubmit,
	}
	if activeID != "" {
		body["active_task_id"] = activeID
	}
	httpkit.WriteJSON(w, 200, body)
}
