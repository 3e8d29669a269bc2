package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/EndangeredF1sh/vlabcontroller/internal/backend"
	"github.com/EndangeredF1sh/vlabcontroller/internal/logging"
	"github.com/EndangeredF1sh/vlabcontroller/internal/middleware"
	"github.com/EndangeredF1sh/vlabcontroller/internal/stats"
)

// System serves health, usage history and operational endpoints.
type System struct {
	Redis   redis.UniversalClient
	Backend backend.Backend
	Stats   *stats.DB
}

// Health handles GET /health. It reports degraded (503) when the
// session store is unreachable, since no session work can proceed
// without it.
func (h *System) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Redis.Ping(r.Context()).Err(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"detail": "session store unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": h.Backend.Name(),
	})
}

// Usage handles GET /api/v1/usage: the caller's recent session events.
// Admins may inspect another user with ?user=.
func (h *System) Usage(w http.ResponseWriter, r *http.Request) {
	if h.Stats == nil {
		writeJSON(w, http.StatusOK, []stats.UsageEvent{})
		return
	}
	principal, _ := middleware.GetPrincipal(r)

	owner := principal.ID
	if u := r.URL.Query().Get("user"); u != "" && principal.Admin {
		owner = u
	}
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}

	events, err := h.Stats.EventsForOwner(owner, limit)
	if err != nil {
		log.Printf("Usage query [user: %s]: %v", owner, err)
		writeError(w, http.StatusInternalServerError, "Failed to read usage events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// Logs handles GET /api/v1/logs (admin only): the controller log tail.
func (h *System) Logs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v, err := strconv.Atoi(r.URL.Query().Get("lines")); err == nil && v > 0 && v <= 5000 {
		lines = v
	}
	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read log file")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(tail))
}
