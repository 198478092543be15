package handlers

import (
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"vidforge/internal/httpkit"
	"vidforge/internal/pkg/errors"
	"vidforge/internal/pkg/middleware"
	"vidforge/internal/repositories"
)

const defaultURLExpiry = time.Hour

// GetVideoURL returns a time-limited access URL for a published video.
// Repeat requests within the URL's lifetime are served from cache.
func (h *Handler) GetVideoURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	videoID := chi.URLParam(r, "videoID")

	expiry := defaultURLExpiry
	if raw := r.URL.Query().Get("expires_in"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs <= 0 {
			middleware.HandleError(w, r, log,
				errors.ValidationField("expires_in", "expires_in must be a positive number of seconds"))
			return
		}
		expiry = time.Duration(secs) * time.Second
	}

	v, err := h.videos.Get(ctx, videoID)
	if err != nil {
		if stderrors.Is(err, repositories.ErrVideoNotFound) {
			middleware.HandleError(w, r, log, errors.NotFound("video", videoID))
			return
		}
		middleware.HandleError(w, r, log, err)
		return
	}

	url, err := h.mgr.VideoURL(ctx, v.ID, v.Key, expiry)
	if err != nil {
		middleware.HandleError(w, r, log, err)
		return
	}

	httpkit.WriteJSON(w, 200, map[string]any{
		"video_id": v.ID,
		"url":      url,
	})
}

// StreamVideo proxies a video's bytes from storage. Intended for the localfs
// provider and debugging; production clients should use the signed URL.
func (h *Handler) StreamVideo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	videoID := chi.URLParam(r, "videoID")

	v, err := h.videos.Get(ctx, videoID)
	if err != nil {
		if stderrors.Is(err, repositories.ErrVideoNotFound) {
			middleware.HandleError(w, r, log, errors.NotFound("video", videoID))
			return
		}
		middleware.HandleError(w, r, log, err)
		return
	}

	rc, contentType, size, err := h.sp.GetObject(ctx, v.Key)
	if err != nil {
		middleware.HandleError(w, r, log, err)
		return
	}
	defer rc.Close()

	if contentType == "" {
		contentType = "video/mp4"
	}
	w.Header().Set("Content-Type", contentType)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(200)

	if _, err := io.Copy(w, rc); err != nil {
		log.Warn("video stream interrupted", "video_id", videoID, "error", err.Error())
	}
}
