package handlers

import (
	"context"
	"net/http"
	"time"

	"vidforge/internal/httpkit"
)

const healthCheckTimeout = 5 * time.Second

// Health reports liveness. With ?deep=true it also pings the backing
// services and reports the task subsystem's gauges, degrading the overall
// status when any check fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	body := map[string]any{
		"status":  "ok",
		"service": "vidforge-api",
		"version": "0.1.0",
	}

	if r.URL.Query().Get("deep") == "true" {
		checks, degraded := h.runChecks(ctx)
		body["checks"] = checks
		if degraded {
			body["status"] = "degraded"
			log.Warn("health check degraded", "checks", checks)
		}
	}

	httpkit.WriteJSON(w, 200, body)
}

func (h *Handler) runChecks(ctx context.Context) (map[string]any, bool) {
	checks := map[string]any{
		"postgres": h.checkPostgres(ctx),
		"redis":    h.checkRedis(ctx),
		"storage":  h.checkStorage(),
		"tasks":    h.checkTasks(ctx),
	}

	degraded := false
	for _, c := range checks {
		if m, ok := c.(map[string]any); ok && m["status"] != "ok" {
			degraded = true
		}
	}
	return checks, degraded
}

func (h *Handler) checkPostgres(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	result := map[string]any{"status": "ok"}
	if err := h.pool.Ping(ctx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	} else {
		st := h.pool.Stat()
		result["total_conns"] = st.TotalConns()
		result["idle_conns"] = st.IdleConns()
		result["acquired_conns"] = st.AcquiredConns()
	}
	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

func (h *Handler) checkRedis(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	result := map[string]any{"status": "ok"}
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}
	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}

// checkStorage reports the configured provider. The port has no ping
// operation; reachability surfaces on the first upload or signing.
func (h *Handler) checkStorage() map[string]any {
	return map[string]any{
		"status":   "ok",
		"provider": h.sp.Provider(),
	}
}

// checkTasks surfaces the render pipeline's gauges: configured slots and
// how much work is waiting for one.
func (h *Handler) checkTasks(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	result := map[string]any{
		"status":       "ok",
		"worker_slots": h.mgr.Workers(),
	}
	depth, err := h.mgr.QueueDepth(ctx)
	if err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
		return result
	}
	result["queue_depth"] = depth
	return result
}
