package handlers

import (
	"log"
	"net/http"

	"github.com/EndangeredF1sh/vlabcontroller/internal/middleware"
	"github.com/EndangeredF1sh/vlabcontroller/internal/spec"
)

// Specs serves the spec catalog API.
type Specs struct {
	Registry *spec.Registry
}

// List handles GET /api/v1/specs. Users see the specs their groups
// admit them to; admins see the whole catalog.
func (h *Specs) List(w http.ResponseWriter, r *http.Request) {
	principal, _ := middleware.GetPrincipal(r)
	if principal.Admin {
		writeJSON(w, http.StatusOK, h.Registry.ListAll())
		return
	}
	writeJSON(w, http.StatusOK, h.Registry.ListAccessible(principal.Groups))
}

// Refresh handles POST /api/v1/specs/refresh (admin only). It reloads
// the catalog from the document store so out-of-band edits take effect
// without waiting for the periodic refresh.
func (h *Specs) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Refresh(r.Context()); err != nil {
		log.Printf("Spec refresh: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to refresh specs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"specs": len(h.Registry.ListAll())})
}
