package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/EndangeredF1sh/vlabcontroller/internal/engine"
	"github.com/EndangeredF1sh/vlabcontroller/internal/middleware"
	"github.com/EndangeredF1sh/vlabcontroller/internal/session"
	"github.com/EndangeredF1sh/vlabcontroller/internal/spec"
)

// Sessions serves the session management API. Regular users operate on
// their own sessions only; admins see everything.
type Sessions struct {
	Engine *engine.Engine
	Store  *session.Store
	Specs  *spec.Registry
}

// List handles GET /api/v1/sessions. Admins may pass ?all=true.
func (h *Sessions) List(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.GetPrincipal(r)

	sessions, err := h.Store.ListActive(r.Context())
	if err != nil {
		log.Printf("List sessions: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}

	all := principal.Admin && r.URL.Query().Get("all") == "true"
	out := make([]*session.Session, 0, len(sessions))
	for _, sess := range sessions {
		if all || sess.Owner == principal.ID {
			out = append(out, sess)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /api/v1/sessions/{id}. A session owned by someone
// else is reported as not found.
func (h *Sessions) Get(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.GetPrincipal(r)

	sess, err := h.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil || (sess.Owner != principal.ID && !principal.Admin) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type sessionCreateRequest struct {
	SpecID string `json:"spec_id"`
}

// Create handles POST /api/v1/sessions. It claims a session for the
// caller and returns immediately; provisioning continues in the
// background and progress is visible through Get.
func (h *Sessions) Create(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.GetPrincipal(r)

	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SpecID == "" {
		writeError(w, http.StatusBadRequest, "spec_id is required")
		return
	}

	spc, err := h.Specs.ResolveFor(req.SpecID, principal.Groups)
	if err != nil {
		writeError(w, http.StatusNotFound, "Spec not found")
		return
	}

	sess, err := h.Engine.Acquire(r.Context(), principal.ID, principal.Groups, spc)
	if err != nil {
		log.Printf("Create session [user: %s] [spec: %s]: %v", principal.ID, req.SpecID, err)
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

// Delete handles DELETE /api/v1/sessions/{id}.
func (h *Sessions) Delete(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.GetPrincipal(r)
	id := chi.URLParam(r, "id")

	sess, err := h.Store.Get(r.Context(), id)
	if err != nil || (sess.Owner != principal.ID && !principal.Admin) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	if err := h.Engine.Stop(r.Context(), id, "user requested"); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		log.Printf("Delete session %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to stop session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
